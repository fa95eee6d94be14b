// Package cleanup は期限切れパスワードリセットトークンの定期削除ジョブを提供する。
// 期限切れトークンはリセット時にも拒否されるが、ストレージに残さないよう定期的に破棄する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/sangha/internal/repository"
)

// DefaultInterval はジョブの実行間隔のデフォルト値。
const DefaultInterval = 15 * time.Minute

// ResetTokenJob は期限切れのリセットトークンを破棄するジョブ。
// 冪等: 対象がない場合でもエラーにならない。
type ResetTokenJob struct {
	store  repository.ResetTokenPurger
	logger *slog.Logger
	now    func() time.Time
}

// NewResetTokenJob は新しいResetTokenJobを生成する。
func NewResetTokenJob(store repository.ResetTokenPurger, logger *slog.Logger) *ResetTokenJob {
	return &ResetTokenJob{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Run は現在時刻で期限切れのトークンを1回破棄する。
func (j *ResetTokenJob) Run(ctx context.Context) error {
	start := time.Now()

	purged, err := j.store.PurgeExpiredResetTokens(ctx, j.now().UTC())
	if err != nil {
		j.logger.Error("reset token cleanup failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to clean up reset tokens: %w", err)
	}

	j.logger.Info("reset token cleanup completed",
		slog.Int64("purged_count", purged),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。失敗は記録して次回に持ち越す。
func (j *ResetTokenJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("reset token cleanup started", slog.Duration("interval", interval))

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("reset token cleanup stopped")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
