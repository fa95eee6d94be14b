package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sangha/internal/errtrack"
	"github.com/hitoshi/sangha/internal/middleware"
	"github.com/hitoshi/sangha/internal/model"
)

// UserAdminServiceInterface はユーザー管理ハンドラーが必要とするサービスインターフェース。
type UserAdminServiceInterface interface {
	Approve(ctx context.Context, userID string) (*model.User, error)
	SetRole(ctx context.Context, actorID, userID, role string) (*model.User, error)
	SetActive(ctx context.Context, actorID, userID string, active bool) (*model.User, error)
	ListPending(ctx context.Context, limit int) ([]*model.User, error)
}

// UserHandler は管理者向けユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service  UserAdminServiceInterface
	reporter errtrack.Reporter
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserAdminServiceInterface, reporter errtrack.Reporter) *UserHandler {
	return &UserHandler{
		service:  service,
		reporter: reporter,
	}
}

type setRoleRequest struct {
	Role string `json:"role"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

// ListPending は承認待ちユーザーの一覧を返す。
// GET /api/v1/users/pending?limit=N
func (h *UserHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.WriteError(w, model.NewValidationError(map[string]string{
				"limit": "limit must be a positive integer",
			}))
			return
		}
		limit = n
	}

	users, err := h.service.ListPending(r.Context(), limit)
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}

	profiles := make([]model.Profile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, u.ToProfile())
	}
	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"count": len(profiles),
		"users": profiles,
	})
}

// Approve はユーザーを承認する。
// PUT /api/v1/users/{id}/approve
func (h *UserHandler) Approve(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}
	writeUser(w, "User approved", user)
}

// SetRole はユーザーのロールを変更する。自分自身のロールは変更できない。
// PUT /api/v1/users/{id}/role
func (h *UserHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	actorID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	var req setRoleRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}

	user, err := h.service.SetRole(r.Context(), actorID, chi.URLParam(r, "id"), req.Role)
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}
	writeUser(w, "User role updated", user)
}

// SetActive はユーザーの有効・無効を切り替える。自分自身は無効化できない。
// PUT /api/v1/users/{id}/active
func (h *UserHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	actorID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	var req setActiveRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}
	if req.Active == nil {
		middleware.WriteError(w, model.NewValidationError(map[string]string{
			"active": "active must be a boolean",
		}))
		return
	}

	user, err := h.service.SetActive(r.Context(), actorID, chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		handleServiceError(w, r, h.reporter, err)
		return
	}
	writeUser(w, "User status updated", user)
}

func writeUser(w http.ResponseWriter, message string, user *model.User) {
	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"message": message,
		"user":    user.ToProfile(),
	})
}
