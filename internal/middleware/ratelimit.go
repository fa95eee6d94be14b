package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/sangha/internal/metrics"
	"github.com/hitoshi/sangha/internal/model"
)

// RateLimitPolicy は1つの制限区分（認証系・API全般）の設定。
type RateLimitPolicy struct {
	// Scope はキーの名前空間とメトリクスのラベルに使う。
	Scope  string
	Limit  int
	Window time.Duration
	// Code は429レスポンスのエラーコード。
	Code    string
	Message string
}

// AuthRateLimitPolicy は認証エンドポイント用の設定（既定: 15分あたり5回）を返す。
func AuthRateLimitPolicy(limit int, window time.Duration) RateLimitPolicy {
	return RateLimitPolicy{
		Scope:   "auth",
		Limit:   limit,
		Window:  window,
		Code:    model.ErrCodeAuthRateLimited,
		Message: "Too many authentication attempts, please try again later.",
	}
}

// APIRateLimitPolicy はAPI全般用の設定（既定: 15分あたり100回）を返す。
func APIRateLimitPolicy(limit int, window time.Duration) RateLimitPolicy {
	return RateLimitPolicy{
		Scope:   "api",
		Limit:   limit,
		Window:  window,
		Code:    model.ErrCodeRateLimited,
		Message: "Too many requests from this IP, please try again later.",
	}
}

// RateLimitStore はキーごとの利用回数を判定する。
// allowedがfalseの場合、retryAfterは再試行までの推定時間。
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// NewRateLimitMiddleware はクライアントIPごとにpolicyの回数制限を課すミドルウェアを返す。
// ストアの障害時はリクエストを通す。
// trustedHopsはClientIPに渡す信頼済みプロキシの段数。
func NewRateLimitMiddleware(store RateLimitStore, policy RateLimitPolicy, trustedHops int, recorder metrics.Recorder) func(next http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustedHops)
			key := policy.Scope + ":" + ip

			allowed, retryAfter, err := store.Allow(r.Context(), key, policy.Limit, policy.Window)
			if err != nil {
				slog.ErrorContext(r.Context(), "rate limit store failed",
					slog.String("scope", policy.Scope),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				recorder.RecordRateLimited(policy.Scope)
				slog.WarnContext(r.Context(), "rate limit exceeded",
					slog.String("ip", ip),
					slog.String("limit_type", policy.Scope),
				)
				writeRateLimitResponse(w, policy, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP はリクエスト元のIPを返す。
// trustedHopsが0ならRemoteAddrのみを使う。1以上ならX-Forwarded-Forの右からtrustedHops番目を使う。
// 右端は直前の信頼済みプロキシが付与した値で、それより左はクライアントが自由に書き換えられる。
// エントリが足りない場合はRemoteAddrにフォールバックする。
func ClientIP(r *http.Request, trustedHops int) string {
	if trustedHops > 0 {
		var hops []string
		for _, header := range r.Header.Values("X-Forwarded-For") {
			for _, part := range strings.Split(header, ",") {
				hops = append(hops, strings.TrimSpace(part))
			}
		}
		if idx := len(hops) - trustedHops; idx >= 0 && idx < len(hops) {
			if ip := net.ParseIP(hops[idx]); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには再試行までの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, policy RateLimitPolicy, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteError(w, &model.APIError{
		Code:    policy.Code,
		Message: policy.Message,
		Status:  http.StatusTooManyRequests,
	})
}

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryRateLimitStore はプロセス内のトークンバケットで制限する。
// Limit回のバーストを許し、Window/Limitごとに1回分補充される。
type MemoryRateLimitStore struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	idleTTL  time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryRateLimitStore はMemoryRateLimitStoreを生成する。
// バックグラウンドでidleTTL以上使われていないエントリを削除する。
func NewMemoryRateLimitStore(idleTTL time.Duration) *MemoryRateLimitStore {
	s := &MemoryRateLimitStore{
		limiters: make(map[string]*keyLimiter),
		idleTTL:  idleTTL,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (s *MemoryRateLimitStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Allow はキーのトークンを1つ消費できるかを返す。
func (s *MemoryRateLimitStore) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	interval := window / time.Duration(limit)
	now := s.now()

	s.mu.Lock()
	kl, exists := s.limiters[key]
	if !exists {
		kl = &keyLimiter{limiter: rate.NewLimiter(rate.Every(interval), limit)}
		s.limiters[key] = kl
	}
	kl.lastAccess = now
	s.mu.Unlock()

	if kl.limiter.AllowN(now, 1) {
		return true, 0, nil
	}
	return false, interval, nil
}

// Len は現在管理されているエントリ数を返す。テスト用。
func (s *MemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *MemoryRateLimitStore) cleanupLoop() {
	ticker := time.NewTicker(s.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからidleTTLを超えたエントリを削除する。
func (s *MemoryRateLimitStore) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > s.idleTTL {
			delete(s.limiters, key)
		}
	}
}

// redisCounter はRedisRateLimitStoreが利用するコマンドの部分集合。
type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisRateLimitStore はRedisの固定ウィンドウカウンタで制限する。
// 複数インスタンスで制限を共有する場合に使う。
type RedisRateLimitStore struct {
	client redisCounter
	prefix string
}

// NewRedisRateLimitStore はRedisRateLimitStoreを生成する。
func NewRedisRateLimitStore(client *redis.Client, prefix string) *RedisRateLimitStore {
	return newRedisRateLimitStore(client, prefix)
}

func newRedisRateLimitStore(client redisCounter, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "sangha:ratelimit:"
	}
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

// Allow はウィンドウ内の回数をインクリメントし、上限以内かを返す。
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	fullKey := s.prefix + key

	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	// 期限の設定が失敗してもカウンタが永続しないよう、期限なし(-1)を見つけたら毎回設定し直す
	ttl, err := s.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to read rate window: %w", err)
	}
	if ttl < 0 {
		if err := s.client.PExpire(ctx, fullKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate window: %w", err)
		}
		ttl = window
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	return false, ttl, nil
}

// compile-time interface check
var (
	_ RateLimitStore = (*MemoryRateLimitStore)(nil)
	_ RateLimitStore = (*RedisRateLimitStore)(nil)
)
