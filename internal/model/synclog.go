package model

import "time"

// SyncType は同期の種別を表す。
type SyncType string

const (
	// SyncTypeInitial はリソースリストを使用した全件同期。
	SyncTypeInitial SyncType = "initial"
	// SyncTypeIncremental はチェンジリストを使用した差分同期。
	SyncTypeIncremental SyncType = "incremental"
)

// SyncStatus は同期実行の状態を表す。
type SyncStatus string

const (
	// SyncStatusInProgress は実行中。再開可能なチェックポイントを持つ。
	SyncStatusInProgress SyncStatus = "in_progress"
	// SyncStatusCompleted は正常完了。
	SyncStatusCompleted SyncStatus = "completed"
	// SyncStatusFailed は異常終了。進捗オフセットは失敗時点のまま保持される。
	SyncStatusFailed SyncStatus = "failed"
)

// SyncLog は1回の同期実行のチェックポイントレコード。
// in_progressのレコードは高々1件という不変条件を前提とする（単一ライター）。
// リスト位置はダブルオフセット（リストindex + リスト内progress）で記録し、
// プロセス再起動後もリスト途中から再開できるようにする。
type SyncLog struct {
	ID        string
	SyncType  SyncType
	Status    SyncStatus
	StartedAt time.Time
	// CompletedAt は終端状態（completed/failed）でのみ設定される。
	CompletedAt *time.Time

	// 全件同期（リソースリスト）の位置
	CurrentResourceListIndex    int
	CurrentResourceListURL      string
	CurrentResourceListProgress int

	// 差分同期（チェンジリスト）の位置
	CurrentChangeListIndex    int
	CurrentChangeListURL      string
	CurrentChangeListProgress int

	// 現在処理中のリストの進捗カウンタ
	TotalDocumentsInBatch     int
	DocumentsProcessedInBatch int

	// 同期全体の累積カウンタ
	ProcessedRecords int
	ErrorsCount      int
	TotalRecords     int

	// ErrorDetails は失敗時の診断テキスト。
	ErrorDetails string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsInProgress は実行中かどうかを返す。
func (s *SyncLog) IsInProgress() bool {
	return s.Status == SyncStatusInProgress
}

// ResetListProgress は現在のリストの処理が完了した際に
// リスト内進捗カウンタをゼロに戻す。次のリストの処理前に呼ぶ。
func (s *SyncLog) ResetListProgress() {
	s.CurrentResourceListProgress = 0
	s.CurrentChangeListProgress = 0
	s.TotalDocumentsInBatch = 0
	s.DocumentsProcessedInBatch = 0
}
