// Package app は設定の読み込み、依存関係のワイヤリング、各サブコマンドの実行を担う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/sangha/internal/auth"
	"github.com/hitoshi/sangha/internal/config"
	"github.com/hitoshi/sangha/internal/database"
	"github.com/hitoshi/sangha/internal/errtrack"
	"github.com/hitoshi/sangha/internal/handler"
	"github.com/hitoshi/sangha/internal/logger"
	"github.com/hitoshi/sangha/internal/metrics"
	"github.com/hitoshi/sangha/internal/middleware"
	"github.com/hitoshi/sangha/internal/notify"
	"github.com/hitoshi/sangha/internal/repository"
	"github.com/hitoshi/sangha/internal/security"
	"github.com/hitoshi/sangha/internal/worker/cleanup"
)

// Version はビルド時に-ldflagsで埋め込むリリース名。Sentryのreleaseに使う。
var Version = "dev"

// outboundTimeout はメール送信APIやGoogle userinfoへの外部リクエストのタイムアウト。
const outboundTimeout = 10 * time.Second

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルで再設定
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// closers は後始末処理を登録順と逆に実行する。
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			slog.Warn("failed to release resource", slog.String("error", err.Error()))
		}
	}
}

// openStore はSTORE_DRIVERに応じたCredentialStoreを開く。
func openStore(ctx context.Context, cfg *config.Config, cl *closers) (repository.CredentialStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		slog.Warn("using in-memory credential store; data is lost on restart")
		return repository.NewMemoryUserRepo(), nil

	case config.StoreDriverMongo:
		client, err := database.OpenMongo(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		cl.add(func() error { return client.Disconnect(context.Background()) })

		repo := repository.NewMongoUserRepo(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure mongodb indexes: %w", err)
		}
		slog.Info("mongodb connection established", slog.String("database", cfg.MongoDatabase))
		return repo, nil

	default:
		db, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		cl.add(db.Close)
		slog.Info("database connection established")
		return repository.NewPostgresUserRepo(db), nil
	}
}

// buildNotifier はNOTIFIERに応じたリセット通知の配送手段を生成する。
func buildNotifier(cfg *config.Config, guard security.OutboundGuard, cl *closers) (notify.Notifier, error) {
	switch cfg.Notifier {
	case config.NotifierMailtrap:
		return notify.NewMailtrapNotifier(notify.MailtrapConfig{
			APIKey:       cfg.MailtrapAPIKey,
			APIURL:       cfg.MailtrapAPIURL,
			FromEmail:    cfg.MailtrapFromEmail,
			FromName:     cfg.MailtrapFromName,
			TemplateUUID: cfg.MailtrapTemplateUUID,
		}, guard.NewClient(outboundTimeout), slog.Default()), nil

	case config.NotifierRabbitMQ:
		n, err := notify.NewRabbitMQNotifier(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			return nil, err
		}
		cl.add(n.Close)
		return n, nil

	default:
		return notify.NewLogNotifier(slog.Default()), nil
	}
}

// buildRateLimitStore はREDIS_URLがあればRedis、なければプロセス内のストアを返す。
func buildRateLimitStore(ctx context.Context, cfg *config.Config, cl *closers) (middleware.RateLimitStore, error) {
	if cfg.RedisURL == "" {
		store := middleware.NewMemoryRateLimitStore(cfg.RateLimitWindow)
		cl.add(func() error {
			store.Stop()
			return nil
		})
		return store, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	cl.add(client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis rate limit store enabled", slog.String("addr", opts.Addr))
	return middleware.NewRedisRateLimitStore(client, ""), nil
}

// buildReporter はSENTRY_DSNに応じたエラートラッキングを生成する。
func buildReporter(cfg *config.Config, cl *closers) (errtrack.Reporter, error) {
	reporter, err := errtrack.New(errtrack.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     Version,
		SampleRate:  cfg.SentrySampleRate,
	})
	if err != nil {
		return nil, err
	}
	cl.add(func() error {
		if !reporter.Flush(2 * time.Second) {
			return errors.New("sentry flush timed out")
		}
		return nil
	})
	return reporter, nil
}

// newTokenIssuer はJWT設定からTokenIssuerを生成する。
func newTokenIssuer(cfg *config.Config) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.JWTExpiresIn,
		RefreshTTL:    cfg.JWTRefreshExpiresIn,
		Issuer:        cfg.JWTIssuer,
	})
}

// serverDeps はHTTPサーバーの構築に必要な依存関係。
type serverDeps struct {
	router  http.Handler
	closers closers
	// resetCleanup はストアが期限切れトークンの一括破棄に対応しない場合nil。
	resetCleanup *cleanup.ResetTokenJob
}

// buildServer は設定から全依存関係をワイヤリングしてルーターを構築する。
// 失敗した場合もそれまでに確保した資源は解放済みで返る。
func buildServer(ctx context.Context, cfg *config.Config) (deps *serverDeps, err error) {
	var cl closers
	defer func() {
		if err != nil {
			cl.closeAll()
		}
	}()

	// 1. ストレージ
	store, err := openStore(ctx, cfg, &cl)
	if err != nil {
		return nil, err
	}

	// 2. セキュリティ・外部連携
	guard := security.NewOutboundGuard()
	notifier, err := buildNotifier(cfg, guard, &cl)
	if err != nil {
		return nil, err
	}
	reporter, err := buildReporter(cfg, &cl)
	if err != nil {
		return nil, err
	}
	var verifier auth.ExternalTokenVerifier
	if cfg.GoogleVerifyTokens {
		verifier = auth.NewGoogleTokenVerifier(guard.NewClient(outboundTimeout), cfg.GoogleUserInfoURL)
	}

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. 認証・認可
	tokens, err := newTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}
	authorizer, err := auth.NewAuthorizer()
	if err != nil {
		return nil, err
	}
	service := auth.NewService(auth.Dependencies{
		Store:          store,
		Hasher:         auth.NewHasher(cfg.BcryptCost),
		Tokens:         tokens,
		Notifier:       notifier,
		Sanitizer:      security.NewProfileSanitizer(),
		URLGuard:       guard,
		GoogleVerifier: verifier,
		Metrics:        collector,
	}, auth.ServiceConfig{
		FrontendURL:   cfg.FrontendURL,
		ResetTokenTTL: cfg.ResetTokenTTL,
	})

	// 5. レート制限
	limiter, err := buildRateLimitStore(ctx, cfg, &cl)
	if err != nil {
		return nil, err
	}

	// 6. ルーター
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             slog.Default(),
		Sessions:           middleware.NewSessionValidator(tokens, store, authorizer),
		RateLimitStore:     limiter,
		AuthRateLimit:      middleware.AuthRateLimitPolicy(cfg.AuthRateLimitMaxRequests, cfg.RateLimitWindow),
		APIRateLimit:       middleware.APIRateLimitPolicy(cfg.RateLimitMaxRequests, cfg.RateLimitWindow),
		TrustedProxyHops:   cfg.TrustedProxyHops,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		HSTS:               cfg.IsProduction(),
		Environment:        cfg.Environment,
		Metrics:            collector,
		MetricsGatherer:    registry,
		Reporter:           reporter,
		AuthService:        service,
		UserService:        service,
	})

	deps = &serverDeps{router: router, closers: cl}
	if purger, ok := store.(repository.ResetTokenPurger); ok {
		deps.resetCleanup = cleanup.NewResetTokenJob(purger, slog.Default())
	}
	return deps, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングしてHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	deps, err := buildServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer deps.closers.closeAll()

	// クリーンアップジョブはストアを閉じる前に停止させる
	jobCtx, stopJobs := context.WithCancel(ctx)
	var jobs sync.WaitGroup
	defer func() {
		stopJobs()
		jobs.Wait()
	}()
	if deps.resetCleanup != nil {
		jobs.Add(1)
		go func() {
			defer jobs.Done()
			deps.resetCleanup.Start(jobCtx, cfg.ResetCleanupInterval)
		}()
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      deps.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", listener.Addr().String()),
			slog.String("environment", cfg.Environment),
			slog.String("store", cfg.StoreDriver),
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はストレージのスキーマを最新にする。
// PostgreSQLは未適用マイグレーションを順番に適用し、MongoDBはインデックスを作成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		slog.Info("in-memory store requires no migration")
		return nil

	case config.StoreDriverMongo:
		var cl closers
		defer cl.closeAll()
		if _, err := openStore(ctx, cfg, &cl); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("mongodb indexes are up to date")
		return nil

	default:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		status, err := database.RunMigrations(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully",
			slog.Uint64("version", uint64(status.Version)),
		)
		return nil
	}
}

// runMigrationStatus は適用済みのスキーマバージョンを出力する。PostgreSQL以外はバージョンを持たない。
func runMigrationStatus(cfg *config.Config, w io.Writer) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		fmt.Fprintf(w, "store %s has no schema version\n", cfg.StoreDriver)
		return nil
	}
	status, err := database.CurrentMigration(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}
	if !status.Applied {
		fmt.Fprintln(w, "no migrations applied")
		return nil
	}
	fmt.Fprintf(w, "version=%d dirty=%t\n", status.Version, status.Dirty)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.Redacted()
}
