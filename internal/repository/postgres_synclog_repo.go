package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kakensync/internal/model"
)

// syncLogColumns はSELECT句で使用するカラムリスト。
const syncLogColumns = `id, sync_type, status, started_at, completed_at,
        current_resourcelist_index, current_resourcelist_url, current_resourcelist_progress,
        current_changelist_index, current_changelist_url, current_changelist_progress,
        total_documents_in_batch, documents_processed_in_batch,
        processed_records, errors_count, total_records,
        error_details, created_at, updated_at`

// PostgresSyncLogRepo はPostgreSQLを使用した同期ログリポジトリ。
type PostgresSyncLogRepo struct {
	db *sql.DB
}

// NewPostgresSyncLogRepo はPostgresSyncLogRepoを生成する。
func NewPostgresSyncLogRepo(db *sql.DB) *PostgresSyncLogRepo {
	return &PostgresSyncLogRepo{db: db}
}

// GetLastSyncLog は最新の同期ログを取得する。見つからない場合はnilを返す。
func (r *PostgresSyncLogRepo) GetLastSyncLog(ctx context.Context) (*model.SyncLog, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+syncLogColumns+`
		 FROM kaken_sync_logs
		 ORDER BY started_at DESC
		 LIMIT 1`,
	)
	log, err := scanSyncLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新の同期ログの取得に失敗しました: %w", err)
	}
	return log, nil
}

// GetLastSuccessfulSync は最新の完了済み同期ログを取得する。
// 見つからない場合はnilを返す。
func (r *PostgresSyncLogRepo) GetLastSuccessfulSync(ctx context.Context) (*model.SyncLog, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+syncLogColumns+`
		 FROM kaken_sync_logs
		 WHERE status = $1
		 ORDER BY started_at DESC
		 LIMIT 1`,
		model.SyncStatusCompleted,
	)
	log, err := scanSyncLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("完了済み同期ログの取得に失敗しました: %w", err)
	}
	return log, nil
}

// StartSync は指定種別の新しいin_progressレコードを作成して返す。
func (r *PostgresSyncLogRepo) StartSync(ctx context.Context, syncType model.SyncType) (*model.SyncLog, error) {
	now := time.Now()
	log := &model.SyncLog{
		ID:        uuid.NewString(),
		SyncType:  syncType,
		Status:    model.SyncStatusInProgress,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO kaken_sync_logs (id, sync_type, status, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		log.ID, log.SyncType, log.Status, log.StartedAt, log.CreatedAt, log.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("同期ログの作成に失敗しました: %w", err)
	}
	return log, nil
}

// ResumeSync は終端状態のレコードをin_progressに戻す。
// 進捗オフセットは変更しない。
func (r *PostgresSyncLogRepo) ResumeSync(ctx context.Context, log *model.SyncLog) error {
	log.Status = model.SyncStatusInProgress
	log.CompletedAt = nil
	log.ErrorDetails = ""
	log.UpdatedAt = time.Now()

	_, err := r.db.ExecContext(ctx,
		`UPDATE kaken_sync_logs SET
		    status = $2, completed_at = NULL, error_details = '', updated_at = $3
		 WHERE id = $1`,
		log.ID, log.Status, log.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期ログの再開記録に失敗しました: %w", err)
	}
	return nil
}

// UpdateProgress はチェックポイントの進捗フィールドを永続化する。
func (r *PostgresSyncLogRepo) UpdateProgress(ctx context.Context, log *model.SyncLog) error {
	log.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx,
		`UPDATE kaken_sync_logs SET
		    current_resourcelist_index = $2, current_resourcelist_url = $3, current_resourcelist_progress = $4,
		    current_changelist_index = $5, current_changelist_url = $6, current_changelist_progress = $7,
		    total_documents_in_batch = $8, documents_processed_in_batch = $9,
		    processed_records = $10, errors_count = $11, total_records = $12,
		    updated_at = $13
		 WHERE id = $1`,
		log.ID,
		log.CurrentResourceListIndex, log.CurrentResourceListURL, log.CurrentResourceListProgress,
		log.CurrentChangeListIndex, log.CurrentChangeListURL, log.CurrentChangeListProgress,
		log.TotalDocumentsInBatch, log.DocumentsProcessedInBatch,
		log.ProcessedRecords, log.ErrorsCount, log.TotalRecords,
		log.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期ログの進捗更新に失敗しました: %w", err)
	}
	return nil
}

// CompleteSync はレコードをcompletedにし、completed_atと最終カウンタを記録する。
func (r *PostgresSyncLogRepo) CompleteSync(ctx context.Context, log *model.SyncLog) error {
	now := time.Now()
	log.Status = model.SyncStatusCompleted
	log.CompletedAt = &now
	log.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`UPDATE kaken_sync_logs SET
		    status = $2, completed_at = $3,
		    processed_records = $4, errors_count = $5, total_records = $6,
		    updated_at = $7
		 WHERE id = $1`,
		log.ID, log.Status, log.CompletedAt,
		log.ProcessedRecords, log.ErrorsCount, log.TotalRecords,
		log.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期ログの完了記録に失敗しました: %w", err)
	}
	return nil
}

// FailSync はレコードをfailedにし、診断テキストを記録する。
// 進捗オフセットは失敗時点の値のまま保持する。
func (r *PostgresSyncLogRepo) FailSync(ctx context.Context, log *model.SyncLog, errorDetails string) error {
	now := time.Now()
	log.Status = model.SyncStatusFailed
	log.CompletedAt = &now
	log.ErrorDetails = errorDetails
	log.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`UPDATE kaken_sync_logs SET
		    status = $2, completed_at = $3, error_details = $4,
		    processed_records = $5, errors_count = $6, total_records = $7,
		    updated_at = $8
		 WHERE id = $1`,
		log.ID, log.Status, log.CompletedAt, log.ErrorDetails,
		log.ProcessedRecords, log.ErrorsCount, log.TotalRecords,
		log.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期ログの失敗記録に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は直近の同期ログをstarted_at降順で取得する。
func (r *PostgresSyncLogRepo) ListRecent(ctx context.Context, limit int) ([]*model.SyncLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+syncLogColumns+`
		 FROM kaken_sync_logs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期ログ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var logs []*model.SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("同期ログの読み取りに失敗しました: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期ログ一覧の走査に失敗しました: %w", err)
	}
	return logs, nil
}

// ClearAll は全チェックポイントを削除する。強制再作成モード専用。
func (r *PostgresSyncLogRepo) ClearAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kaken_sync_logs`)
	if err != nil {
		return fmt.Errorf("同期ログの全削除に失敗しました: %w", err)
	}
	return nil
}

// rowScanner はsql.Rowとsql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSyncLog は1行をSyncLogに読み取る。
func scanSyncLog(row rowScanner) (*model.SyncLog, error) {
	log := &model.SyncLog{}
	var completedAt sql.NullTime

	err := row.Scan(
		&log.ID, &log.SyncType, &log.Status, &log.StartedAt, &completedAt,
		&log.CurrentResourceListIndex, &log.CurrentResourceListURL, &log.CurrentResourceListProgress,
		&log.CurrentChangeListIndex, &log.CurrentChangeListURL, &log.CurrentChangeListProgress,
		&log.TotalDocumentsInBatch, &log.DocumentsProcessedInBatch,
		&log.ProcessedRecords, &log.ErrorsCount, &log.TotalRecords,
		&log.ErrorDetails, &log.CreatedAt, &log.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		log.CompletedAt = &t
	}
	return log, nil
}
