// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kakensync/internal/config"
	"github.com/hitoshi/kakensync/internal/database"
	"github.com/hitoshi/kakensync/internal/handler"
	"github.com/hitoshi/kakensync/internal/index"
	"github.com/hitoshi/kakensync/internal/logger"
	"github.com/hitoshi/kakensync/internal/metrics"
	"github.com/hitoshi/kakensync/internal/middleware"
	"github.com/hitoshi/kakensync/internal/repository"
	"github.com/hitoshi/kakensync/internal/resourcesync"
	"github.com/hitoshi/kakensync/internal/security"
	"github.com/hitoshi/kakensync/internal/sync"
	"github.com/hitoshi/kakensync/internal/transform"
	"github.com/hitoshi/kakensync/internal/worker"
	"github.com/hitoshi/kakensync/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, verbose bool) (*config.Config, error) {
	// ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, verbose)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	// syncはフラグを持つため、初期化前に解析する（-verboseがログレベルを変える）
	if cmd == CommandSync {
		opts, err := parseSyncFlags(args[1:])
		if err != nil {
			return err
		}
		cfg, err := Init(w, opts.verbose)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		return runSync(cfg, opts, os.Stdin)
	}

	cfg, err := Init(w, false)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("resourcesync_url", cfg.ResourceSyncURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// pipeline は同期パイプラインの依存一式。
type pipeline struct {
	syncLogRepo  *repository.PostgresSyncLogRepo
	feedClient   *resourcesync.Client
	indexClient  *index.Client
	orchestrator *sync.Orchestrator
	collector    *metrics.Collector
	registry     *prometheus.Registry
}

// buildPipeline は同期パイプラインの依存関係をワイヤリングする。
// フィードへのHTTPアクセスにはSSRF防止付きクライアントを使用する。
// インデックスサービスは内部ネットワーク上にあるため素のクライアントを使う
// （SSRF防止はプライベートアドレスへの接続を遮断するため）。
func buildPipeline(cfg *config.Config, db *sql.DB, opts sync.Options) *pipeline {
	syncLogRepo := repository.NewPostgresSyncLogRepo(db)

	ssrfGuard := security.NewSSRFGuard()
	feedClient := resourcesync.NewClient(
		ssrfGuard.NewSafeClient(cfg.FetchTimeout),
		slog.Default(),
		cfg.ResourceSyncURL,
	)

	indexClient := index.NewClient(
		&http.Client{Timeout: cfg.FetchTimeout},
		slog.Default(),
		cfg.IndexURL,
		cfg.IndexName,
	)

	transformer := transform.NewTransformer()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	orchestrator := sync.NewOrchestrator(
		syncLogRepo, feedClient, indexClient, transformer,
		collector, slog.Default(), opts,
	)

	return &pipeline{
		syncLogRepo:  syncLogRepo,
		feedClient:   feedClient,
		indexClient:  indexClient,
		orchestrator: orchestrator,
		collector:    collector,
		registry:     registry,
	}
}

// syncOptionsFromConfig はConfigからオーケストレーターのOptionsを組み立てる。
func syncOptionsFromConfig(cfg *config.Config) sync.Options {
	return sync.Options{
		MaxDocumentsPerRun: cfg.MaxDocumentsPerRun,
		BulkBatchSize:      cfg.BulkBatchSize,
		CheckpointInterval: cfg.CheckpointInterval,
		FetchRate:          cfg.FetchRate,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	p := buildPipeline(cfg, db, syncOptionsFromConfig(cfg))

	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.RequestsPerMinute = cfg.RateLimitGeneral
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Collector:         p.collector,
		Gatherer:          p.registry,
		SuggestionService: p.indexClient,
		SyncLogReader:     p.syncLogRepo,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期スケジューラとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	p := buildPipeline(cfg, db, syncOptionsFromConfig(cfg))
	scheduler := worker.NewScheduler(p.orchestrator, slog.Default())
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_documents_per_run", cfg.MaxDocumentsPerRun),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// confirm は破壊的操作の前に対話的な確認を求める。
// "yes"または"y"の入力のみを承認とみなす。
func confirm(r io.Reader, prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
