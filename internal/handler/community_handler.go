package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/sangha/internal/middleware"
	"github.com/hitoshi/sangha/internal/model"
)

// comingSoon は未実装のコミュニティ機能のプレースホルダーを返すハンドラーを生成する。
func comingSoon(feature string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteSuccess(w, http.StatusOK, map[string]any{
			"message": feature + " routes - Coming soon",
		})
	}
}

// HealthHandler は稼働確認用のハンドラー。
type HealthHandler struct {
	environment string
	now         func() time.Time
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(environment string) *HealthHandler {
	return &HealthHandler{environment: environment, now: time.Now}
}

// ServeHTTP はGET /healthに応答する。
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	middleware.WriteSuccess(w, http.StatusOK, map[string]any{
		"message":     "Server is running",
		"timestamp":   h.now().UTC().Format(time.RFC3339Nano),
		"environment": h.environment,
	})
}

// notFound は未定義ルートに対するNOT_FOUNDレスポンスを返す。
func notFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, model.NewNotFoundError("Route not found"))
}
