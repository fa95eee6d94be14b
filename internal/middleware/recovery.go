package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hitoshi/sangha/internal/errtrack"
)

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// エラー報告のうえ500レスポンスを返すミドルウェアを生成する。
func NewRecoveryMiddleware(reporter errtrack.Reporter) func(next http.Handler) http.Handler {
	if reporter == nil {
		reporter = errtrack.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					slog.Error("panic recovered",
						slog.Any("panic", rec),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("stack", string(debug.Stack())),
					)
					reporter.CapturePanic(r.Context(), rec, map[string]string{
						"method": r.Method,
						"path":   r.URL.Path,
					})
					WriteServerError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
