package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kakensync/internal/metrics"
	"github.com/hitoshi/kakensync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string

	// メトリクス
	Collector *metrics.Collector
	Gatherer  prometheus.Gatherer

	// サービス
	SuggestionService SuggestionService
	SyncLogReader     SyncLogReader
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit
//
// /healthと/metricsはレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.CORSAllowedOrigin != "" {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	}

	var statusRecorder middleware.StatusRecorder
	if deps.Collector != nil {
		statusRecorder = deps.Collector
	}
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, statusRecorder))

	// --- 監視用ルート ---

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- APIルート ---

	var queryRecorder QueryRecorder
	if deps.Collector != nil {
		queryRecorder = deps.Collector
	}
	suggestionHandler := NewSuggestionHandler(deps.SuggestionService, queryRecorder, deps.Logger)
	syncHandler := NewSyncHandler(deps.SyncLogReader, deps.Logger)

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware(deps.Logger))
		}

		r.Get("/suggestions", suggestionHandler.Suggest)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", syncHandler.Status)
			r.Get("/logs", syncHandler.Logs)
		})
	})

	return r
}
