// Package sweep は期限切れ届出の定期スイープジョブを提供する。
// 受付期間を過ぎたactiveの届出をexpiredに遷移させる。
// 遷移はサービス層経由で行い、状態遷移ルールと履歴の記録はリポジトリが保証する。
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper は期限切れ処理の実行インターフェース。item.Serviceが満たす。
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SweepJob は期限切れ届出のスイープジョブ。
// 冪等であり、対象がない場合も成功として扱う。
type SweepJob struct {
	sweeper Sweeper
	logger  *slog.Logger
}

// NewSweepJob は新しいSweepJobを生成する。
func NewSweepJob(sweeper Sweeper, logger *slog.Logger) *SweepJob {
	return &SweepJob{
		sweeper: sweeper,
		logger:  logger,
	}
}

// Run はスイープを1回実行し、遷移した件数を返す。
func (j *SweepJob) Run(ctx context.Context) (int, error) {
	start := time.Now()

	count, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("期限切れスイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("期限切れスイープの実行に失敗: %w", err)
	}

	j.logger.Info("期限切れスイープが完了しました",
		slog.Int("expired_count", count),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return count, nil
}

// Start は指定間隔のティッカーでスイープを繰り返す。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("期限切れスイープを開始しました",
		slog.Duration("interval", interval),
	)

	_, _ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("期限切れスイープを停止しました")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
