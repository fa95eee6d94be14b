// Package auth は認証・認可の中核（パスワードハッシュ、トークン発行、権限判定、認証フロー）を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sangha/internal/metrics"
	"github.com/hitoshi/sangha/internal/model"
	"github.com/hitoshi/sangha/internal/notify"
	"github.com/hitoshi/sangha/internal/repository"
	"github.com/hitoshi/sangha/internal/security"
)

const (
	// DefaultResetTokenTTL はパスワードリセットトークンの有効期間。
	DefaultResetTokenTTL = 10 * time.Minute
	// resetTokenBytes はリセットトークンの乱数バイト数（hexで40文字）。
	resetTokenBytes = 20
	// DefaultPendingLimit は承認待ち一覧の既定件数。
	DefaultPendingLimit = 100
)

var (
	errUserByIDNotFound = &model.APIError{
		Code:    model.ErrCodeUserNotFound,
		Message: "User not found",
		Status:  http.StatusNotFound,
	}
	errRefreshRequired = model.NewUnauthorizedError(model.ErrCodeRefreshRequired, "Refresh token is required")
	errRefreshInvalid  = model.NewUnauthorizedError(model.ErrCodeInvalidRefreshToken, "Invalid or expired refresh token")
	errRefreshUser     = model.NewUnauthorizedError(model.ErrCodeUserNotFound, "User not found or inactive")
	errExternalToken   = model.NewUnauthorizedError(model.ErrCodeTokenInvalid, "Google token could not be verified")
)

// PasswordHasher はパスワードの一方向ハッシュを提供する。
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, digest string) bool
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// FrontendURL はリセットリンクのベースURL。
	FrontendURL   string
	ResetTokenTTL time.Duration
}

// Dependencies は認証サービスが利用するコンポーネント。
// GoogleVerifierとURLGuardはnilでもよい（その場合は検証を省略する）。
type Dependencies struct {
	Store          repository.CredentialStore
	Hasher         PasswordHasher
	Tokens         *TokenIssuer
	Notifier       notify.Notifier
	Sanitizer      security.ProfileSanitizer
	URLGuard       security.OutboundGuard
	GoogleVerifier ExternalTokenVerifier
	Metrics        metrics.Recorder
	Clock          func() time.Time
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	store          repository.CredentialStore
	hasher         PasswordHasher
	tokens         *TokenIssuer
	notifier       notify.Notifier
	sanitizer      security.ProfileSanitizer
	urlGuard       security.OutboundGuard
	googleVerifier ExternalTokenVerifier
	metrics        metrics.Recorder
	now            func() time.Time
	config         ServiceConfig

	// dummyDigest は未登録メールでのログイン時にも照合コストを揃えるためのダミーハッシュ。
	dummyDigest string
}

// fallbackDummyDigest はダミーハッシュを生成できない場合に使う、どの平文とも一致しないbcryptダイジェスト。
const fallbackDummyDigest = "$2a$12$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// NewService はServiceを生成する。
func NewService(deps Dependencies, config ServiceConfig) *Service {
	if config.ResetTokenTTL <= 0 {
		config.ResetTokenTTL = DefaultResetTokenTTL
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewProfileSanitizer()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{
		dummyDigest:    newDummyDigest(deps.Hasher),
		store:          deps.Store,
		hasher:         deps.Hasher,
		tokens:         deps.Tokens,
		notifier:       deps.Notifier,
		sanitizer:      deps.Sanitizer,
		urlGuard:       deps.URLGuard,
		googleVerifier: deps.GoogleVerifier,
		metrics:        deps.Metrics,
		now:            deps.Clock,
		config:         config,
	}
}

// ProfileInput は登録時に受け付けるプロフィール項目。
type ProfileInput struct {
	FullName      string
	SpiritualName string
	Phone         string
	Introduction  string
}

// RegisterInput は新規登録の入力。
type RegisterInput struct {
	Email    string
	Password string
	ProfileInput
}

// OAuthInput はGoogleログインの入力。GoogleTokenは検証が有効な場合のみ使う。
type OAuthInput struct {
	GoogleToken string
	GoogleID    string
	Email       string
	FullName    string
	Avatar      string
}

// AuthResult はログイン成功時の結果。Userはパスワードハッシュ等を除去済み。
type AuthResult struct {
	User   *model.User
	Tokens *TokenPair
}

// Register は承認待ちのユーザーを作成し、そのIDを返す。トークンは発行しない。
func (s *Service) Register(ctx context.Context, in RegisterInput) (string, error) {
	id, err := s.register(ctx, in)
	s.record(metrics.EventRegister, err)
	return id, err
}

func (s *Service) register(ctx context.Context, in RegisterInput) (string, error) {
	profile := s.sanitizeProfile(in.ProfileInput)

	errs := fieldErrors{}
	validateEmail(errs, in.Email)
	validatePassword(errs, "password", in.Password)
	validateProfile(errs, profile)
	if err := errs.err(); err != nil {
		return "", err
	}

	existing, err := s.store.FindByEmail(ctx, in.Email)
	if err != nil {
		return "", fmt.Errorf("failed to look up email: %w", err)
	}
	if existing != nil {
		return "", model.ErrDuplicateIdentity
	}

	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return "", err
	}

	now := s.now()
	user := &model.User{
		ID:            uuid.New().String(),
		Email:         repository.NormalizeEmail(in.Email),
		PasswordHash:  digest,
		FullName:      profile.FullName,
		SpiritualName: profile.SpiritualName,
		Phone:         profile.Phone,
		Introduction:  profile.Introduction,
		Role:          model.RoleLearner,
		IsApproved:    false,
		IsActive:      true,
		LastActive:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, user); err != nil {
		if errors.Is(err, model.ErrDuplicateIdentity) {
			return "", model.ErrDuplicateIdentity
		}
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	slog.InfoContext(ctx, "new user registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)
	return user.ID, nil
}

// Login はメールアドレスとパスワードで認証し、トークンペアを発行する。
// 未登録とパスワード不一致は同一のエラーを返す。未承認でもログインは成功する。
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	res, err := s.login(ctx, email, password)
	s.record(metrics.EventLogin, err)
	return res, err
}

func (s *Service) login(ctx context.Context, email, password string) (*AuthResult, error) {
	errs := fieldErrors{}
	validateEmail(errs, email)
	if password == "" {
		errs.add("password", "Password is required")
	}
	if err := errs.err(); err != nil {
		return nil, err
	}

	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	if user == nil {
		s.hasher.Verify(password, s.dummyDigest)
		return nil, model.ErrInvalidCredentials
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, model.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, model.ErrUserInactive
	}

	res, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "user logged in", slog.String("user_id", user.ID))
	return res, nil
}

// OAuthLogin はGoogleアカウントでログインする。
// Google IDまたはメールアドレスで既存ユーザーを探し、なければ承認待ちのユーザーを作成する。
func (s *Service) OAuthLogin(ctx context.Context, in OAuthInput) (*AuthResult, error) {
	res, err := s.oauthLogin(ctx, in)
	s.record(metrics.EventOAuthLogin, err)
	return res, err
}

func (s *Service) oauthLogin(ctx context.Context, in OAuthInput) (*AuthResult, error) {
	errs := fieldErrors{}
	if strings.TrimSpace(in.GoogleID) == "" {
		errs.add("googleId", "Google account id is required")
	}
	validateEmail(errs, in.Email)
	if err := errs.err(); err != nil {
		return nil, err
	}

	if s.googleVerifier != nil {
		ident, err := s.googleVerifier.Verify(ctx, in.GoogleToken)
		if errors.Is(err, ErrExternalTokenRejected) {
			return nil, errExternalToken
		}
		if err != nil {
			return nil, fmt.Errorf("failed to verify google token: %w", err)
		}
		// メールアドレスはクライアント申告ではなくGoogleが確認した値のみ信頼する
		if ident.Subject != in.GoogleID || !ident.EmailVerified ||
			!strings.EqualFold(strings.TrimSpace(ident.Email), strings.TrimSpace(in.Email)) {
			return nil, errExternalToken
		}
	}

	user, err := s.store.FindByGoogleID(ctx, in.GoogleID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up google id: %w", err)
	}
	if user == nil {
		user, err = s.store.FindByEmail(ctx, in.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to look up email: %w", err)
		}
	}

	if user != nil {
		if !user.IsActive {
			return nil, model.ErrUserInactive
		}
		if user.GoogleID != "" && user.GoogleID != in.GoogleID {
			return nil, model.ErrDuplicateIdentity
		}
		if user.GoogleID == "" {
			user.GoogleID = in.GoogleID
			user.UpdatedAt = s.now()
			if err := s.store.Save(ctx, user); err != nil {
				return nil, fmt.Errorf("failed to link google id: %w", err)
			}
		}
	} else {
		user, err = s.createOAuthUser(ctx, in)
		if err != nil {
			return nil, err
		}
	}

	res, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "user logged in with google", slog.String("user_id", user.ID))
	return res, nil
}

func (s *Service) createOAuthUser(ctx context.Context, in OAuthInput) (*model.User, error) {
	email := repository.NormalizeEmail(in.Email)
	fullName := s.sanitizer.SanitizeText(in.FullName)
	if len([]rune(fullName)) < minFullNameLength {
		fullName = email[:strings.Index(email, "@")]
	}
	if len([]rune(fullName)) > maxFullNameLength {
		fullName = string([]rune(fullName)[:maxFullNameLength])
	}

	avatar := strings.TrimSpace(in.Avatar)
	if avatar != "" && s.urlGuard != nil {
		if err := s.urlGuard.ValidateURL(avatar); err != nil {
			slog.WarnContext(ctx, "dropping unsafe avatar url", slog.String("error", err.Error()))
			avatar = ""
		}
	}

	now := s.now()
	user := &model.User{
		ID:              uuid.New().String(),
		Email:           email,
		FullName:        fullName,
		Avatar:          avatar,
		GoogleID:        in.GoogleID,
		Role:            model.RoleLearner,
		IsApproved:      false,
		IsActive:        true,
		IsEmailVerified: true,
		LastActive:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, user); err != nil {
		if errors.Is(err, model.ErrDuplicateIdentity) {
			return nil, model.ErrDuplicateIdentity
		}
		return nil, fmt.Errorf("failed to create oauth user: %w", err)
	}

	slog.InfoContext(ctx, "new user created via google",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)
	return user, nil
}

// Refresh はリフレッシュトークンを検証し、新しいトークンペアを発行する。
// 以前に発行したトークンは失効させない。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := s.refresh(ctx, refreshToken)
	s.record(metrics.EventRefresh, err)
	return pair, err
}

func (s *Service) refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errRefreshRequired
	}

	claims, err := s.tokens.Verify(refreshToken, TokenKindRefresh)
	if err != nil {
		return nil, errRefreshInvalid
	}

	user, err := s.store.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, errRefreshUser
	}

	return s.tokens.IssuePair(user)
}

// ForgotPassword はリセットトークンを発行し、ハッシュと有効期限のみを保存して通知する。
// 未登録のメールアドレスにはErrUserNotFoundを返す。
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	err := s.forgotPassword(ctx, email)
	s.record(metrics.EventForgotPassword, err)
	return err
}

func (s *Service) forgotPassword(ctx context.Context, email string) error {
	errs := fieldErrors{}
	validateEmail(errs, email)
	if err := errs.err(); err != nil {
		return err
	}

	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to look up email: %w", err)
	}
	if user == nil {
		return model.ErrUserNotFound
	}

	token, err := generateResetToken()
	if err != nil {
		return err
	}
	expire := s.now().Add(s.config.ResetTokenTTL)
	user.ResetPasswordToken = hashResetToken(token)
	user.ResetPasswordExpire = &expire
	if err := s.store.Save(ctx, user); err != nil {
		return fmt.Errorf("failed to store reset token: %w", err)
	}

	err = s.notifier.SendPasswordReset(ctx, notify.PasswordReset{
		Email:       user.Email,
		DisplayName: user.DisplayName(),
		ResetURL:    notify.ResetURL(s.config.FrontendURL, token),
		ExpiresAt:   expire,
	})
	if err != nil {
		user.ClearPasswordReset()
		if saveErr := s.store.Save(ctx, user); saveErr != nil {
			slog.ErrorContext(ctx, "failed to clear undelivered reset token",
				slog.String("user_id", user.ID),
				slog.String("error", saveErr.Error()),
			)
		}
		return fmt.Errorf("failed to deliver reset notification: %w", err)
	}

	slog.InfoContext(ctx, "password reset requested", slog.String("user_id", user.ID))
	return nil
}

// ResetPassword はリセットトークンを消費してパスワードを変更し、新しいトークンペアを発行する。
// トークンは一度しか使えない。
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (*TokenPair, error) {
	pair, err := s.resetPassword(ctx, token, newPassword)
	s.record(metrics.EventResetPassword, err)
	return pair, err
}

func (s *Service) resetPassword(ctx context.Context, token, newPassword string) (*TokenPair, error) {
	errs := fieldErrors{}
	validatePassword(errs, "password", newPassword)
	if err := errs.err(); err != nil {
		return nil, err
	}

	if token == "" {
		return nil, model.ErrInvalidResetToken
	}
	user, err := s.store.FindByResetToken(ctx, hashResetToken(token), s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to look up reset token: %w", err)
	}
	if user == nil {
		return nil, model.ErrInvalidResetToken
	}

	if err := s.changePassword(user, newPassword); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to save new password: %w", err)
	}

	slog.InfoContext(ctx, "password reset completed", slog.String("user_id", user.ID))
	return s.tokens.IssuePair(user)
}

// ChangePassword はログイン中のユーザーのパスワードを変更する。
// パスワードが未設定（Googleのみ）の場合は現在のパスワードを要求しない。
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	err := s.changePasswordFlow(ctx, userID, currentPassword, newPassword)
	s.record(metrics.EventChangePassword, err)
	return err
}

func (s *Service) changePasswordFlow(ctx context.Context, userID, currentPassword, newPassword string) error {
	errs := fieldErrors{}
	validatePassword(errs, "newPassword", newPassword)
	if err := errs.err(); err != nil {
		return err
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return errUserByIDNotFound
	}
	if user.PasswordHash != "" && !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return model.ErrInvalidCredentials
	}

	if err := s.changePassword(user, newPassword); err != nil {
		return err
	}
	if err := s.store.Save(ctx, user); err != nil {
		return fmt.Errorf("failed to save new password: %w", err)
	}

	slog.InfoContext(ctx, "password changed", slog.String("user_id", user.ID))
	return nil
}

// changePassword はパスワードハッシュを置き換え、未使用のリセットトークンを破棄する。
// 永続化は呼び出し側のSaveで行う。
func (s *Service) changePassword(user *model.User, plaintext string) error {
	digest, err := s.hasher.Hash(plaintext)
	if err != nil {
		return err
	}
	user.PasswordHash = digest
	user.ClearPasswordReset()
	user.UpdatedAt = s.now()
	return nil
}

// Logout は監査ログを記録する。サーバー側でトークンは失効させない。
func (s *Service) Logout(ctx context.Context, user *model.User) {
	s.record(metrics.EventLogout, nil)
	slog.InfoContext(ctx, "user logged out", slog.String("user_id", user.ID))
}

// GetProfile は指定ユーザーのプロフィールを返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, errUserByIDNotFound
	}
	return user.Public(), nil
}

// FindByEmail はメールアドレスでユーザーを取得する。管理CLIで使う。
func (s *Service) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}
	return user.Public(), nil
}

// Approve はユーザーを承認する。承認済みの場合も成功する。
func (s *Service) Approve(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.mutateUser(ctx, userID, func(u *model.User) error {
		u.IsApproved = true
		return nil
	})
	s.record(metrics.EventApprove, err)
	if err == nil {
		slog.InfoContext(ctx, "user approved", slog.String("user_id", userID))
	}
	return user, err
}

// SetRole はユーザーのロールを変更する。actorIDが対象と同じ場合は拒否する。
func (s *Service) SetRole(ctx context.Context, actorID, userID, role string) (*model.User, error) {
	parsed, err := model.ParseRole(role)
	if err != nil {
		return nil, model.NewValidationError(map[string]string{"role": "Role must be one of admin, teacher, learner"})
	}
	if actorID != "" && actorID == userID {
		return nil, model.NewValidationError(map[string]string{"role": "You cannot change your own role"})
	}
	user, err := s.mutateUser(ctx, userID, func(u *model.User) error {
		u.Role = parsed
		return nil
	})
	if err == nil {
		slog.InfoContext(ctx, "user role changed",
			slog.String("user_id", userID),
			slog.String("role", string(parsed)),
		)
	}
	return user, err
}

// SetActive はユーザーの有効・無効を切り替える。自分自身の無効化は拒否する。
func (s *Service) SetActive(ctx context.Context, actorID, userID string, active bool) (*model.User, error) {
	if !active && actorID != "" && actorID == userID {
		return nil, model.NewValidationError(map[string]string{"active": "You cannot deactivate your own account"})
	}
	user, err := s.mutateUser(ctx, userID, func(u *model.User) error {
		u.IsActive = active
		return nil
	})
	if err == nil {
		slog.InfoContext(ctx, "user activity changed",
			slog.String("user_id", userID),
			slog.Bool("active", active),
		)
	}
	return user, err
}

// ListPending は承認待ちのユーザーを登録順に返す。
func (s *Service) ListPending(ctx context.Context, limit int) ([]*model.User, error) {
	if limit <= 0 || limit > DefaultPendingLimit {
		limit = DefaultPendingLimit
	}
	users, err := s.store.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending users: %w", err)
	}
	public := make([]*model.User, 0, len(users))
	for _, u := range users {
		public = append(public, u.Public())
	}
	return public, nil
}

func (s *Service) mutateUser(ctx context.Context, userID string, mutate func(*model.User) error) (*model.User, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, errUserByIDNotFound
	}
	if err := mutate(user); err != nil {
		return nil, err
	}
	user.UpdatedAt = s.now()
	if err := s.store.Save(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to save user: %w", err)
	}
	return user.Public(), nil
}

// issueSession は最終アクティブ日時を更新してトークンペアを発行する。
func (s *Service) issueSession(ctx context.Context, user *model.User) (*AuthResult, error) {
	now := s.now()
	if err := s.store.TouchLastActive(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to update last active: %w", err)
	}
	user.LastActive = now

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user.Public(), Tokens: pair}, nil
}

func (s *Service) sanitizeProfile(p ProfileInput) ProfileInput {
	return ProfileInput{
		FullName:      s.sanitizer.SanitizeText(p.FullName),
		SpiritualName: s.sanitizer.SanitizeText(p.SpiritualName),
		Phone:         strings.TrimSpace(p.Phone),
		Introduction:  s.sanitizer.SanitizeText(p.Introduction),
	}
}

// newDummyDigest は構成されたコストでダミーハッシュを生成する。失敗時は固定のダイジェストを返す。
func newDummyDigest(hasher PasswordHasher) string {
	if hasher == nil {
		return fallbackDummyDigest
	}
	digest, err := hasher.Hash(uuid.New().String())
	if err != nil || digest == "" {
		slog.Warn("failed to precompute dummy password hash; using fallback digest")
		return fallbackDummyDigest
	}
	return digest
}

func (s *Service) record(event metrics.AuthEvent, err error) {
	s.metrics.RecordAuthEvent(event, Outcome(err))
}

// Outcome はエラーをメトリクス用の結果ラベルに変換する。
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return model.ErrCodeServer
}

// generateResetToken は暗号的に安全なリセットトークン（hex）を生成する。
func generateResetToken() (string, error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// hashResetToken は保存・照合用のSHA-256ハッシュ（hex）を返す。
func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
