package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sangha/internal/auth"
	"github.com/hitoshi/sangha/internal/errtrack"
	"github.com/hitoshi/sangha/internal/middleware"
	"github.com/hitoshi/sangha/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, in auth.RegisterInput) (string, error)
	Login(ctx context.Context, email, password string) (*auth.AuthResult, error)
	OAuthLogin(ctx context.Context, in auth.OAuthInput) (*auth.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) (*auth.TokenPair, error)
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error
	Logout(ctx context.Context, user *model.User)
	GetProfile(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	reporter errtrack.Reporter
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, reporter errtrack.Reporter) *AuthHandler {
	return &AuthHandler{
		service:  service,
		reporter: reporter,
	}
}

type registerRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"fullName"`
	SpiritualName string `json:"spiritualName"`
	Phone         string `json:"phone"`
	Introduction  string `json:"introduction"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleLoginRequest struct {
	GoogleToken string `json:"googleToken"`
	UserData    struct {
		GoogleID string `json:"googleId"`
		Email    string `json:"email"`
		FullName string `json:"fullName"`
		Avatar   string `json:"avatar"`
	} `json:"userData"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// Register は新規ユーザーを承認待ちとして登録する。
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}

	userID, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		ProfileInput: auth.ProfileInput{
			FullName:      req.FullName,
			SpiritualName: req.SpiritualName,
			Phone:         req.Phone,
			Introduction:  req.Introduction,
		},
	})
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}

	middleware.WriteSuccess(w, http.StatusCreated, map[string]any{
		"message": "Registration submitted for approval. You will be notified once approved.",
		"userId":  userID,
	})
}

// Login はメールアドレスとパスワードで認証し、トークンペアを返す。
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}
	writeSession(w, result)
}

// GoogleLogin はGoogleアカウントでログインする。未登録なら承認待ちユーザーを作成する。
// POST /api/v1/auth/google
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req googleLoginRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}

	result, err := h.service.OAuthLogin(r.Context(), auth.OAuthInput{
		GoogleToken: req.GoogleToken,
		GoogleID:    req.UserData.GoogleID,
		Email:       req.UserData.Email,
		FullName:    req.UserData.FullName,
		Avatar:      req.UserData.Avatar,
	})
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}
	writeSession(w, result)
}

// RefreshToken はリフレッシュトークンから新しいトークンペアを発行する。
// POST /api/v1/auth/refresh-token
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}

	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

// Profile は認証済みユーザーのプロフィールを返す。
// GET /api/v1/auth/profile
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	user, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}

	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"user": user.ToProfile(),
	})
}

// Logout はログアウトを記録する。トークンはステートレスなのでクライアント側で破棄する。
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	h.service.Logout(r.Context(), user)

	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"message": "Logged out successfully",
	})
}

// ForgotPassword はパスワードリセット用のトークンを発行し通知する。
// POST /api/v1/auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}

	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"message": "Password reset email sent",
	})
}

// ResetPassword はリセットトークンを消費して新しいパスワードを設定する。
// PUT /api/v1/auth/reset-password/{token}
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}

	pair, err := h.service.ResetPassword(r.Context(), chi.URLParam(r, "token"), req.Password)
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}

	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"message":      "Password reset successful",
		"token":        pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

// ChangePassword は認証済みユーザーのパスワードを変更する。
// PUT /api/v1/auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}

	if err := h.service.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}

	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"message": "Password changed successfully",
	})
}

// writeSession はログイン成功時のレスポンスを書き込む。
func writeSession(w http.ResponseWriter, result *auth.AuthResult) {
	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"user":         result.User.ToProfile(),
		"token":        result.Tokens.AccessToken,
		"refreshToken": result.Tokens.RefreshToken,
	})
}
