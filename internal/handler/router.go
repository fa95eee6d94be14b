package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sangha/internal/auth"
	"github.com/hitoshi/sangha/internal/errtrack"
	"github.com/hitoshi/sangha/internal/metrics"
	"github.com/hitoshi/sangha/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	Sessions           *middleware.SessionValidator
	RateLimitStore     middleware.RateLimitStore
	AuthRateLimit      middleware.RateLimitPolicy
	APIRateLimit       middleware.RateLimitPolicy
	TrustedProxyHops   int // X-Forwarded-Forを信頼するプロキシ段数
	CORSAllowedOrigins []string
	HSTS               bool

	// 運用
	Environment     string
	Metrics         metrics.Recorder
	MetricsGatherer prometheus.Gatherer // nilなら/metricsを公開しない
	Reporter        errtrack.Reporter

	// サービス
	AuthService AuthServiceInterface
	UserService UserAdminServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS
//
// /api配下には全体のレート制限、/api/v1/auth配下には認証用のより厳しいレート制限をかける。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = errtrack.Nop{}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger, recorder))
	r.Use(middleware.NewRecoveryMiddleware(reporter))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))
	r.NotFound(notFound)

	sessions := deps.Sessions
	authHandler := NewAuthHandler(deps.AuthService, reporter)
	userHandler := NewUserHandler(deps.UserService, reporter)

	// --- 運用エンドポイント ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.Environment))
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewRateLimitMiddleware(deps.RateLimitStore, deps.APIRateLimit, deps.TrustedProxyHops, recorder))

		r.Route("/v1", func(r chi.Router) {
			// 認証
			r.Route("/auth", func(r chi.Router) {
				r.Use(middleware.NewRateLimitMiddleware(deps.RateLimitStore, deps.AuthRateLimit, deps.TrustedProxyHops, recorder))

				r.Post("/register", authHandler.Register)
				r.Post("/login", authHandler.Login)
				r.Post("/google", authHandler.GoogleLogin)
				r.Post("/refresh-token", authHandler.RefreshToken)
				r.Post("/forgot-password", authHandler.ForgotPassword)
				r.Put("/reset-password/{token}", authHandler.ResetPassword)

				r.Group(func(r chi.Router) {
					r.Use(sessions.Authenticate)
					r.Get("/profile", authHandler.Profile)
					r.Post("/logout", authHandler.Logout)
					r.Put("/change-password", authHandler.ChangePassword)
				})
			})

			// ユーザー管理（管理者）
			r.Route("/users", func(r chi.Router) {
				r.Use(sessions.Authenticate)
				r.Use(sessions.RequireApproval)

				r.With(sessions.Authorize(auth.ActionListPendingUsers)).Get("/pending", userHandler.ListPending)
				r.Route("/{id}", func(r chi.Router) {
					r.With(sessions.Authorize(auth.ActionApproveUsers)).Put("/approve", userHandler.Approve)
					r.With(sessions.Authorize(auth.ActionManageRoles)).Put("/role", userHandler.SetRole)
					r.With(sessions.Authorize(auth.ActionManageActive)).Put("/active", userHandler.SetActive)
				})
			})

			// コミュニティ（プレースホルダー）
			r.With(sessions.OptionalAuth).Get("/discussions", comingSoon("Discussions"))
			r.Group(func(r chi.Router) {
				r.Use(sessions.Authenticate)
				r.Use(sessions.RequireApproval)
				r.Get("/satsangs", comingSoon("Satsang"))
				r.Get("/learning", comingSoon("Learning"))
			})
		})
	})

	return r
}
