// Package errtrack は想定外のエラーとpanicをSentryへ報告する。
package errtrack

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter は想定外のエラーの報告先。
type Reporter interface {
	CaptureError(ctx context.Context, err error, tags map[string]string)
	CapturePanic(ctx context.Context, recovered any, tags map[string]string)
	Flush(timeout time.Duration) bool
}

// Config はSentryクライアントの設定。
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// SentryReporter はプロセス全体のグローバルHubを使わず、専用のHubで報告する。
type SentryReporter struct {
	hub *sentry.Hub
}

// New はConfigに応じたReporterを返す。DSNが空の場合は何も送信しないNopを返す。
func New(config Config) (Reporter, error) {
	if config.DSN == "" {
		return Nop{}, nil
	}
	if config.SampleRate <= 0 || config.SampleRate > 1 {
		config.SampleRate = 1.0
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         config.DSN,
		Environment: config.Environment,
		Release:     config.Release,
		SampleRate:  config.SampleRate,
		Debug:       config.Environment == "development",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// CaptureError はエラーをタグ付きで送信する。nilは無視する。
func (r *SentryReporter) CaptureError(_ context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetLevel(sentry.LevelError)
		r.hub.CaptureException(err)
	})
}

// CapturePanic はrecoverした値を送信する。
func (r *SentryReporter) CapturePanic(ctx context.Context, recovered any, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetLevel(sentry.LevelFatal)
		r.hub.RecoverWithContext(ctx, recovered)
	})
}

// Flush は送信待ちのイベントを最大timeoutまで待って送信する。
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Nop は何も報告しないReporter。
type Nop struct{}

func (Nop) CaptureError(context.Context, error, map[string]string) {}
func (Nop) CapturePanic(context.Context, any, map[string]string)   {}
func (Nop) Flush(time.Duration) bool                               { return true }

// compile-time interface check
var (
	_ Reporter = (*SentryReporter)(nil)
	_ Reporter = Nop{}
)
