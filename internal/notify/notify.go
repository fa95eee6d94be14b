// Package notify はパスワードリセットなどの帯域外通知の配送を提供する。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// PasswordReset はパスワードリセット通知の内容。
// ResetURLは平文のリセットトークンを含むため、永続化やログ出力をしてはならない。
type PasswordReset struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	ResetURL    string    `json:"resetUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Notifier はパスワードリセット通知を配送する。
type Notifier interface {
	SendPasswordReset(ctx context.Context, msg PasswordReset) error
}

// ResetURL はフロントエンドのリセット画面URLを組み立てる。
func ResetURL(frontendURL, token string) string {
	return strings.TrimRight(frontendURL, "/") + "/reset-password/" + url.PathEscape(token)
}

// LogNotifier は通知を送信せずログに記録する。開発環境専用。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// SendPasswordReset はリセットURLをdebugレベルで出力する。
func (n *LogNotifier) SendPasswordReset(ctx context.Context, msg PasswordReset) error {
	if msg.Email == "" {
		return fmt.Errorf("recipient email is required")
	}
	n.logger.InfoContext(ctx, "password reset notification queued",
		slog.String("email", msg.Email),
		slog.Time("expires_at", msg.ExpiresAt),
	)
	n.logger.DebugContext(ctx, "password reset link",
		slog.String("email", msg.Email),
		slog.String("reset_url", msg.ResetURL),
	)
	return nil
}

// compile-time interface check
var _ Notifier = (*LogNotifier)(nil)
