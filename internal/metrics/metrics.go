// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthEvent は認証イベントの種別。
type AuthEvent string

const (
	EventRegister       AuthEvent = "register"
	EventLogin          AuthEvent = "login"
	EventOAuthLogin     AuthEvent = "oauth_login"
	EventRefresh        AuthEvent = "refresh"
	EventForgotPassword AuthEvent = "forgot_password"
	EventResetPassword  AuthEvent = "reset_password"
	EventChangePassword AuthEvent = "change_password"
	EventLogout         AuthEvent = "logout"
	EventApprove        AuthEvent = "approve"
)

// Recorder はメトリクス記録のインターフェース。
// サービス層とミドルウェアから利用する。
type Recorder interface {
	// RecordAuthEvent は認証イベントの結果を記録する。outcomeは"success"またはエラーコード。
	RecordAuthEvent(event AuthEvent, outcome string)
	// RecordRateLimited はレート制限による拒否を記録する。scopeは"auth"または"api"。
	RecordRateLimited(scope string)
	// RecordHTTPRequest はHTTPリクエストのステータスと処理時間を記録する。
	RecordHTTPRequest(method string, statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sangha_auth_events_total",
			Help: "認証イベントの結果別の合計数",
		}, []string{"event", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sangha_rate_limited_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"scope"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sangha_http_requests_total",
			Help: "HTTPメソッド・ステータスコード別のレスポンス数",
		}, []string{"method", "status_code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sangha_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		c.authEvents,
		c.rateLimited,
		c.httpStatus,
		c.requestDuration,
	)

	return c
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event AuthEvent, outcome string) {
	c.authEvents.WithLabelValues(string(event), outcome).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(scope string) {
	c.rateLimited.WithLabelValues(scope).Inc()
}

// RecordHTTPRequest はHTTPリクエストを記録する。
func (c *Collector) RecordHTTPRequest(method string, statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないRecorder。メトリクス不要なテストやCLIで使う。
type Nop struct{}

func (Nop) RecordAuthEvent(AuthEvent, string)            {}
func (Nop) RecordRateLimited(string)                     {}
func (Nop) RecordHTTPRequest(string, int, time.Duration) {}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
