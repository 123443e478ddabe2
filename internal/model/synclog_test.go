package model

import "testing"

func TestSyncLog_IsInProgress(t *testing.T) {
	tests := []struct {
		status SyncStatus
		want   bool
	}{
		{SyncStatusInProgress, true},
		{SyncStatusCompleted, false},
		{SyncStatusFailed, false},
	}
	for _, tt := range tests {
		log := &SyncLog{Status: tt.status}
		if got := log.IsInProgress(); got != tt.want {
			t.Errorf("IsInProgress() with %q = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSyncLog_ResetListProgress(t *testing.T) {
	log := &SyncLog{
		CurrentResourceListIndex:    2,
		CurrentResourceListProgress: 150,
		CurrentChangeListIndex:      1,
		CurrentChangeListProgress:   30,
		TotalDocumentsInBatch:       500,
		DocumentsProcessedInBatch:   150,
		ProcessedRecords:            650,
	}

	log.ResetListProgress()

	if log.CurrentResourceListProgress != 0 {
		t.Errorf("CurrentResourceListProgress = %d, want 0", log.CurrentResourceListProgress)
	}
	if log.CurrentChangeListProgress != 0 {
		t.Errorf("CurrentChangeListProgress = %d, want 0", log.CurrentChangeListProgress)
	}
	if log.TotalDocumentsInBatch != 0 || log.DocumentsProcessedInBatch != 0 {
		t.Error("リスト内進捗カウンタはゼロに戻るべき")
	}

	// リストindexと累積カウンタは保持される
	if log.CurrentResourceListIndex != 2 {
		t.Errorf("CurrentResourceListIndex = %d, want 2", log.CurrentResourceListIndex)
	}
	if log.ProcessedRecords != 650 {
		t.Errorf("ProcessedRecords = %d, want 650", log.ProcessedRecords)
	}
}
