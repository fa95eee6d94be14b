// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/sangha/internal/errtrack"
	"github.com/hitoshi/sangha/internal/middleware"
	"github.com/hitoshi/sangha/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 1 << 20

// errInvalidBody はボディがJSONとして解釈できない場合のエラー。
var errInvalidBody = model.NewValidationError(map[string]string{"body": "Invalid JSON request body"})

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
// APIError以外は詳細をログとエラートラッキングに送り、クライアントにはSERVER_ERRORのみ返す。
func handleServiceError(w http.ResponseWriter, r *http.Request, reporter errtrack.Reporter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteError(w, apiErr)
		return
	}

	slog.ErrorContext(r.Context(), "internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	if reporter != nil {
		reporter.CaptureError(r.Context(), err, map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	middleware.WriteServerError(w)
}

// decodeJSON はリクエストボディをdstにデコードする。空ボディは空オブジェクトとして扱う。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errInvalidBody
	}
	return nil
}
