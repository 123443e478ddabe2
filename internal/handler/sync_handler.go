package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/kakensync/internal/middleware"
	"github.com/hitoshi/kakensync/internal/model"
)

// defaultLogsLimit は同期ログ一覧の既定取得件数。
const defaultLogsLimit = 20

// SyncLogReader は同期チェックポイントの読み取りインターフェース。
type SyncLogReader interface {
	GetLastSyncLog(ctx context.Context) (*model.SyncLog, error)
	ListRecent(ctx context.Context, limit int) ([]*model.SyncLog, error)
}

// SyncLogView は同期ログのAPI表現。
type SyncLogView struct {
	ID          string     `json:"id"`
	SyncType    string     `json:"sync_type"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CurrentResourceListIndex    int    `json:"current_resourcelist_index"`
	CurrentResourceListURL      string `json:"current_resourcelist_url,omitempty"`
	CurrentResourceListProgress int    `json:"current_resourcelist_progress"`
	CurrentChangeListIndex      int    `json:"current_changelist_index"`
	CurrentChangeListURL        string `json:"current_changelist_url,omitempty"`
	CurrentChangeListProgress   int    `json:"current_changelist_progress"`

	ProcessedRecords int    `json:"processed_records"`
	ErrorsCount      int    `json:"errors_count"`
	TotalRecords     int    `json:"total_records"`
	ErrorDetails     string `json:"error_details,omitempty"`
}

// syncLogView はSyncLogをAPI表現に変換する。
func syncLogView(log *model.SyncLog) SyncLogView {
	return SyncLogView{
		ID:          log.ID,
		SyncType:    string(log.SyncType),
		Status:      string(log.Status),
		StartedAt:   log.StartedAt,
		CompletedAt: log.CompletedAt,

		CurrentResourceListIndex:    log.CurrentResourceListIndex,
		CurrentResourceListURL:      log.CurrentResourceListURL,
		CurrentResourceListProgress: log.CurrentResourceListProgress,
		CurrentChangeListIndex:      log.CurrentChangeListIndex,
		CurrentChangeListURL:        log.CurrentChangeListURL,
		CurrentChangeListProgress:   log.CurrentChangeListProgress,

		ProcessedRecords: log.ProcessedRecords,
		ErrorsCount:      log.ErrorsCount,
		TotalRecords:     log.TotalRecords,
		ErrorDetails:     log.ErrorDetails,
	}
}

// SyncHandler は同期状態参照のHTTPハンドラー。
type SyncHandler struct {
	reader SyncLogReader
	logger *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(reader SyncLogReader, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{reader: reader, logger: logger}
}

// Status はGET /api/sync/statusを処理する。
// 最新の同期チェックポイントを返す。同期が一度も実行されていない場合は404。
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	log, err := h.reader.GetLastSyncLog(r.Context())
	if err != nil {
		h.logger.Error("同期状態の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if log == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound,
			"NO_SYNC", "同期はまだ実行されていません。")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(syncLogView(log))
}

// Logs はGET /api/sync/logsを処理する。
// 直近の同期実行履歴をstarted_at降順で返す。
func (h *SyncHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveInt(r.URL.Query().Get("limit"), defaultLogsLimit)
	if limit == 0 {
		limit = defaultLogsLimit
	}

	logs, err := h.reader.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("同期ログ一覧の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	views := make([]SyncLogView, 0, len(logs))
	for _, log := range logs {
		views = append(views, syncLogView(log))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}
