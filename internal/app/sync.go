package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/kakensync/internal/config"
	"github.com/hitoshi/kakensync/internal/database"
)

// syncFlags はsyncサブコマンドのフラグ。
type syncFlags struct {
	dryRun       bool
	feedURL      string
	timeout      time.Duration
	verbose      bool
	maxDocuments int
	force        bool
	yes          bool
}

// parseSyncFlags はsyncサブコマンドのフラグを解析する。
func parseSyncFlags(args []string) (*syncFlags, error) {
	opts := &syncFlags{}

	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.BoolVar(&opts.dryRun, "dry-run", false, "書き込みを行わず適用判定の集計のみを出力する")
	fs.StringVar(&opts.feedURL, "feed-url", "", "ResourceSyncフィードのルートURL（設定値を上書き）")
	fs.DurationVar(&opts.timeout, "timeout", 0, "HTTP取得タイムアウト（設定値を上書き）")
	fs.BoolVar(&opts.verbose, "verbose", false, "デバッグレベルのログを出力する")
	fs.IntVar(&opts.maxDocuments, "max-documents", -1, "この実行で処理する最大ドキュメント数（設定値を上書き、0=無制限）")
	fs.BoolVar(&opts.force, "force", false, "チェックポイントとインデックスを破棄して全件同期をやり直す")
	fs.BoolVar(&opts.yes, "yes", false, "確認プロンプトをスキップする")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// runSync は同期を1サイクル実行して終了する。
// 外部スケジューラからの定期起動を想定した一回実行モード。
// 実行上限で中断された場合も正常終了し、次回起動が続きを処理する。
func runSync(cfg *config.Config, opts *syncFlags, stdin io.Reader) error {
	if opts.feedURL != "" {
		cfg.ResourceSyncURL = opts.feedURL
	}
	if opts.timeout > 0 {
		cfg.FetchTimeout = opts.timeout
	}
	if opts.maxDocuments >= 0 {
		cfg.MaxDocumentsPerRun = opts.maxDocuments
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	syncOpts := syncOptionsFromConfig(cfg)
	syncOpts.DryRun = opts.dryRun

	p := buildPipeline(cfg, db, syncOpts)
	ctx := context.Background()

	if opts.force {
		if opts.dryRun {
			return fmt.Errorf("-forceと-dry-runは併用できません")
		}
		if !opts.yes && !confirm(stdin, "チェックポイントとインデックスを破棄して全件同期をやり直します。よろしいですか？") {
			slog.Info("強制再作成はキャンセルされました")
			return nil
		}

		slog.Warn("チェックポイントとインデックスを破棄します",
			slog.String("index", cfg.IndexName),
		)
		if err := p.syncLogRepo.ClearAll(ctx); err != nil {
			return fmt.Errorf("チェックポイントの削除に失敗: %w", err)
		}
		if err := p.indexClient.CreateIndex(ctx, true); err != nil {
			return fmt.Errorf("インデックスの再作成に失敗: %w", err)
		}
	}

	result, err := p.orchestrator.Run(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	slog.Info("sync finished",
		slog.String("sync_type", string(result.SyncType)),
		slog.Bool("dry_run", result.DryRun),
		slog.Bool("yielded", result.Yielded),
		slog.Int("processed", result.Processed),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("deleted", result.Deleted),
		slog.Int("skipped", result.Skipped),
		slog.Int("skipped_deletes", result.SkippedDeletes),
		slog.Int64("total_documents", result.TotalDocuments),
	)

	return nil
}
