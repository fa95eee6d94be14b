// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/sangha/internal/auth"
	"github.com/hitoshi/sangha/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// userSlotContextKey はロギングミドルウェアへ認証結果を伝えるためのキー。
var userSlotContextKey = contextKey("user_slot")

// userSlot は後段で解決されたユーザーIDを前段のミドルウェアへ渡す入れ物。
type userSlot struct {
	userID string
}

func contextWithUserSlot(ctx context.Context, slot *userSlot) context.Context {
	return context.WithValue(ctx, userSlotContextKey, slot)
}

// defaultTouchTimeout は最終アクティブ日時更新の打ち切り時間。
const defaultTouchTimeout = 5 * time.Second

// AccessTokenVerifier はアクセストークンの検証に必要なインターフェース。
type AccessTokenVerifier interface {
	Verify(token string, expected auth.TokenKind) (*auth.Claims, error)
}

// UserLoader はユーザーの取得と最終アクティブ日時の更新に必要なインターフェース。
// repository.CredentialStoreの部分集合として定義する。
type UserLoader interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	TouchLastActive(ctx context.Context, id string, at time.Time) error
}

// ActionAuthorizer はロールと操作の許可判定に必要なインターフェース。
type ActionAuthorizer interface {
	Allowed(role model.Role, action auth.Action) bool
}

// SessionValidator はBearerトークンからユーザーを解決し、承認状態と権限を検査する。
type SessionValidator struct {
	tokens       AccessTokenVerifier
	users        UserLoader
	authorizer   ActionAuthorizer
	now          func() time.Time
	touchTimeout time.Duration
	// touched はテストで非同期更新の完了を待つためのフック。
	touched func(userID string, err error)
}

// NewSessionValidator はSessionValidatorを生成する。
func NewSessionValidator(tokens AccessTokenVerifier, users UserLoader, authorizer ActionAuthorizer) *SessionValidator {
	return &SessionValidator{
		tokens:       tokens,
		users:        users,
		authorizer:   authorizer,
		now:          time.Now,
		touchTimeout: defaultTouchTimeout,
	}
}

// Authenticate はBearerトークンを必須とし、有効なユーザーをコンテキストに注入する。
// 失敗時は401を返す。
func (v *SessionValidator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, apiErr := v.resolve(r)
		if apiErr != nil {
			WriteError(w, apiErr)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

// OptionalAuth はトークンがあればユーザーを注入し、なければ匿名のまま通す。
// 検証に失敗しても拒否しない。
func (v *SessionValidator) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, apiErr := v.resolve(r)
		if apiErr != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

// RequireApproval は承認済みユーザーのみを通す。Authenticateの後に配置する。
func (v *SessionValidator) RequireApproval(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			WriteError(w, model.ErrUnauthorized)
			return
		}
		if !user.IsApproved {
			WriteError(w, model.ErrNotApproved)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authorize はユーザーのロールにactionが許可されている場合のみ通す。
func (v *SessionValidator) Authorize(action auth.Action) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				WriteError(w, model.ErrUnauthorized)
				return
			}
			if !v.authorizer.Allowed(user.Role, action) {
				slog.WarnContext(r.Context(), "action denied",
					slog.String("user_id", user.ID),
					slog.String("role", string(user.Role)),
					slog.String("action", string(action)),
				)
				WriteError(w, model.NewForbiddenError(user.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// resolve はリクエストのBearerトークンからユーザーを解決する。
func (v *SessionValidator) resolve(r *http.Request) (*model.User, *model.APIError) {
	token := bearerToken(r)
	if token == "" {
		return nil, model.ErrUnauthorized
	}

	claims, err := v.tokens.Verify(token, auth.TokenKindAccess)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, model.NewUnauthorizedError(model.ErrCodeTokenExpired, "Token has expired")
		}
		return nil, model.NewUnauthorizedError(model.ErrCodeTokenInvalid, "Invalid token")
	}

	user, err := v.users.FindByID(r.Context(), claims.UserID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to load user for token",
			slog.String("user_id", claims.UserID),
			slog.String("error", err.Error()),
		)
		return nil, model.ErrServer
	}
	if user == nil {
		return nil, model.NewUnauthorizedError(model.ErrCodeUserNotFound, "User not found")
	}
	if !user.IsActive {
		return nil, model.ErrUserInactive
	}

	v.touchAsync(r.Context(), user.ID)
	return user.Public(), nil
}

// touchAsync は最終アクティブ日時をレスポンスを待たせずに更新する。失敗はログのみ。
func (v *SessionValidator) touchAsync(ctx context.Context, userID string) {
	at := v.now()
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, v.touchTimeout)
		defer cancel()
		err := v.users.TouchLastActive(ctx, userID, at)
		if err != nil {
			slog.Warn("failed to update last active",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		if v.touched != nil {
			v.touched(userID, err)
		}
	}()
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストにユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	if slot, ok := ctx.Value(userSlotContextKey).(*userSlot); ok && user != nil {
		slot.userID = user.ID
	}
	return context.WithValue(ctx, userContextKey, user)
}
