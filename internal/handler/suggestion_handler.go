// Package handler はAPIサーバーのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/kakensync/internal/index"
	"github.com/hitoshi/kakensync/internal/middleware"
	"github.com/hitoshi/kakensync/internal/model"
)

// サジェスト検索のページングの既定値と上限。
const (
	defaultSuggestionSize = 10
	maxSuggestionSize     = 100
)

// SuggestionService はサジェスト検索のインターフェース。
type SuggestionService interface {
	Search(ctx context.Context, queryText string, size, offset int) (*index.SearchResult, error)
}

// QueryRecorder はサジェスト検索のメトリクス記録フック。
type QueryRecorder interface {
	RecordSuggestionQuery()
}

// SuggestionResponse はサジェスト検索のレスポンスボディ。
type SuggestionResponse struct {
	Total int64            `json:"total"`
	Size  int              `json:"size"`
	From  int              `json:"from"`
	Hits  []model.Document `json:"hits"`
}

// SuggestionHandler は研究者サジェスト検索のHTTPハンドラー。
type SuggestionHandler struct {
	service SuggestionService
	metrics QueryRecorder
	logger  *slog.Logger
}

// NewSuggestionHandler はSuggestionHandlerを生成する。
func NewSuggestionHandler(service SuggestionService, metrics QueryRecorder, logger *slog.Logger) *SuggestionHandler {
	return &SuggestionHandler{service: service, metrics: metrics, logger: logger}
}

// Suggest はGET /api/suggestionsを処理する。
// クエリパラメータ: q（必須）、size、from。
func (h *SuggestionHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	queryText := r.URL.Query().Get("q")
	if queryText == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			"MISSING_QUERY", "クエリパラメータqは必須です。")
		return
	}

	size := parsePositiveInt(r.URL.Query().Get("size"), defaultSuggestionSize)
	if size > maxSuggestionSize {
		size = maxSuggestionSize
	}
	from := parsePositiveInt(r.URL.Query().Get("from"), 0)

	if h.metrics != nil {
		h.metrics.RecordSuggestionQuery()
	}

	result, err := h.service.Search(r.Context(), queryText, size, from)
	if err != nil {
		h.logger.Error("サジェスト検索に失敗しました",
			slog.String("query", queryText),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	hits := result.Documents
	if hits == nil {
		hits = []model.Document{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SuggestionResponse{
		Total: result.Total,
		Size:  size,
		From:  from,
		Hits:  hits,
	})
}

// parsePositiveInt はクエリパラメータを非負整数としてパースする。
// 空・不正・負の値はフォールバック値になる。
func parsePositiveInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
