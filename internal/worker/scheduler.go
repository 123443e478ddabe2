// Package worker は同期のバックグラウンド実行を提供する。
// 定期ティッカーで同期パスを起動し、実行上限による中断があれば
// 同一サイクル内で続きを再開する。
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/kakensync/internal/sync"
)

// SyncRunner は1回の同期パスを実行するインターフェース。
type SyncRunner interface {
	Run(ctx context.Context) (*sync.Result, error)
}

// Scheduler は同期サイクルのスケジューリングを行う。
// 同期は単一ライター前提のため並列実行はせず、1サイクルを
// 逐次のパス列として実行する。
type Scheduler struct {
	runner SyncRunner
	logger *slog.Logger

	// yieldPause は中断された同期を続行する前の待機時間。
	// フィードとインデックスサービスに息継ぎをさせる。
	yieldPause time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(runner SyncRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:     runner,
		logger:     logger,
		yieldPause: 5 * time.Second,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := s.RunCycle(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunCycle は同期が完了または失敗するまでパスを繰り返す。
// 実行上限で中断されたパスは、チェックポイントの位置から
// 次のパスとして即座に続行される。
func (s *Scheduler) RunCycle(ctx context.Context) error {
	start := time.Now()
	passes := 0

	for {
		passes++
		result, err := s.runner.Run(ctx)
		if err != nil {
			return err
		}
		if !result.Yielded {
			s.logger.Info("同期サイクルが完了しました",
				slog.Int("passes", passes),
				slog.Int64("total_documents", result.TotalDocuments),
				slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
			)
			return nil
		}

		s.logger.Info("中断された同期を続行します",
			slog.Int("passes", passes),
			slog.Int("processed", result.Processed),
		)

		// 外部キャンセル時はここで止める。チェックポイントは
		// in_progressのまま残り、次サイクルが再開する。
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.yieldPause):
		}
	}
}
