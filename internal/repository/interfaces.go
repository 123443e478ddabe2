// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/kakensync/internal/model"
)

// SyncLogRepository は同期チェックポイントの永続化インターフェース。
// 再開ロジックはすべてオーケストレーター側にあり、リポジトリは
// チェックポイントレコードの読み書きのみを担う。
type SyncLogRepository interface {
	// GetLastSyncLog は最新の同期ログを取得する。見つからない場合はnilを返す。
	GetLastSyncLog(ctx context.Context) (*model.SyncLog, error)

	// GetLastSuccessfulSync は最新の完了済み同期ログを取得する。
	// 見つからない場合はnilを返す。
	GetLastSuccessfulSync(ctx context.Context) (*model.SyncLog, error)

	// StartSync は指定種別の新しいin_progressレコードを作成して返す。
	StartSync(ctx context.Context, syncType model.SyncType) (*model.SyncLog, error)

	// ResumeSync は終端状態のレコードをin_progressに戻す。
	// 失敗した同期を同じチェックポイント位置から再開する際に使用する。
	ResumeSync(ctx context.Context, log *model.SyncLog) error

	// UpdateProgress はチェックポイントの進捗フィールドを永続化する。
	UpdateProgress(ctx context.Context, log *model.SyncLog) error

	// CompleteSync はレコードをcompletedにし、completed_atと最終カウンタを記録する。
	CompleteSync(ctx context.Context, log *model.SyncLog) error

	// FailSync はレコードをfailedにし、診断テキストを記録する。
	// 進捗オフセットは失敗時点の値のまま保持する（次回実行が途中から再開するため）。
	FailSync(ctx context.Context, log *model.SyncLog, errorDetails string) error

	// ListRecent は直近の同期ログをstarted_at降順で取得する。
	ListRecent(ctx context.Context, limit int) ([]*model.SyncLog, error)

	// ClearAll は全チェックポイントを削除する。強制再作成モード専用。
	ClearAll(ctx context.Context) error
}
