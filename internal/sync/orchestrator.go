package sync

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/kakensync/internal/index"
	"github.com/hitoshi/kakensync/internal/model"
	"github.com/hitoshi/kakensync/internal/repository"
	"github.com/hitoshi/kakensync/internal/resourcesync"
)

// メトリクスのアクションラベル。
const (
	actionCreate = "create"
	actionUpdate = "update"
	actionDelete = "delete"
)

// FeedClient はResourceSyncフィードクライアントのインターフェース。
type FeedClient interface {
	GetCapabilityList(ctx context.Context) (*resourcesync.CapabilityList, error)
	ProcessResourceList(ctx context.Context, listURL string) iter.Seq2[resourcesync.ResourceItem, error]
	ProcessChangeList(ctx context.Context, listURL string) iter.Seq2[resourcesync.ChangeItem, error]
	FetchResearcherData(ctx context.Context, itemURL string) (model.Document, error)
}

// IndexService はインデックスサービスクライアントのインターフェース。
type IndexService interface {
	CreateIndex(ctx context.Context, deleteExisting bool) error
	GetByID(ctx context.Context, id string) (model.Document, error)
	BulkIndex(ctx context.Context, docs []model.Document, batchSize int, updateTimestamp string) (int, error)
	SoftDelete(ctx context.Context, id, sourceURL, updateTimestamp string) error
	RefreshIndex(ctx context.Context) error
	DocCount(ctx context.Context) (int64, error)
}

// DocumentTransformer は研究者レコード変換のインターフェース。
type DocumentTransformer interface {
	Transform(raw model.Document) model.Document
}

// MetricsRecorder は同期メトリクス収集のインターフェース。
type MetricsRecorder interface {
	RecordItemApplied(action string)
	RecordItemSkipped(action string)
	RecordBulkFlush(docs int)
	RecordSyncFailure()
	RecordSyncDuration(duration time.Duration)
}

// Options はオーケストレーターの動作パラメータ。
type Options struct {
	// MaxDocumentsPerRun は1回の実行で走査するアイテム数の上限。
	// 0以下で無制限。上限到達は失敗ではなく協調的な中断であり、
	// 次回実行がチェックポイントの位置から正確に再開する。
	MaxDocumentsPerRun int
	// BulkBatchSize はバルク投入のバッチサイズ。
	BulkBatchSize int
	// CheckpointInterval はスキップが連続する区間でチェックポイントを
	// 永続化する間隔（アイテム数）。書き込み増幅の抑制のため。
	CheckpointInterval int
	// FetchRate はアイテム本文取得のレート（req/sec）。
	FetchRate float64
	// DryRun はインデックスとチェックポイントへの書き込みを行わず、
	// 適用判定の集計のみを行うモード。判定ロジックは実実行と共有される。
	DryRun bool
}

// Result は1回の同期実行の集計結果。
// ドライランの場合、Created/Updated/Deletedは「適用されるはずだった」件数を表す。
type Result struct {
	SyncType model.SyncType
	DryRun   bool

	Processed      int // この実行で走査したアイテム数
	Created        int
	Updated        int
	Deleted        int
	Skipped        int // ウォーターマークによりスキップした作成/更新
	SkippedDeletes int // ウォーターマークによりスキップした削除（適用済み削除と区別して報告する）
	Errors         int

	// Yielded は実行上限による協調的中断を示す。チェックポイントは
	// in_progressのまま保持され、次回実行が続きを処理する。
	Yielded bool

	// TotalDocuments は完了時のインデックス内ドキュメント総数。
	TotalDocuments int64
}

// pendingBatch は未フラッシュのバルク投入バッチ。
// インデックスはフラッシュ済みの状態しか返さないため、同一リスト内に
// 同じURLが複数回現れた場合の競合解決はこのバッチが控えている
// ウォーターマークで行う。marksは書き込みを伴わない適用判定の結果も
// 記録し、ドライランが実実行と同じ状態列を見るようにする。
type pendingBatch struct {
	docs  []model.Document
	pos   map[string]int    // コンテンツアドレスID → docs内の位置
	marks map[string]string // コンテンツアドレスID → 適用済みウォーターマーク
}

func newPendingBatch(capacity int) *pendingBatch {
	return &pendingBatch{
		docs:  make([]model.Document, 0, capacity),
		pos:   make(map[string]int),
		marks: make(map[string]string),
	}
}

func (b *pendingBatch) len() int { return len(b.docs) }

// watermark は保留中の適用によるウォーターマークを返す。
func (b *pendingBatch) watermark(id string) (string, bool) {
	wm, ok := b.marks[id]
	return wm, ok
}

// put はドキュメントをバッチに入れる。同じIDが保留中なら後勝ちで
// その場で置き換え、バルク投入に重複エントリを作らない。
func (b *pendingBatch) put(id string, doc model.Document, lastMod string) {
	if i, ok := b.pos[id]; ok {
		b.docs[i] = doc
	} else {
		b.pos[id] = len(b.docs)
		b.docs = append(b.docs, doc)
	}
	b.marks[id] = lastMod
}

// mark は適用判定の結果だけを記録する（ドライラン用）。
func (b *pendingBatch) mark(id, lastMod string) {
	b.marks[id] = lastMod
}

// reset はフラッシュ後にバッチを空にする。フラッシュ済みの状態は
// インデックスから引けるため、ウォーターマークの控えも不要になる。
func (b *pendingBatch) reset() {
	b.docs = b.docs[:0]
	clear(b.pos)
	clear(b.marks)
}

// Orchestrator は同期の状態機械。単一ライター前提で動作し、
// 内部に並行処理を持たない。アイテムはフィードが返した順序で
// 厳密に処理される。これにより実行上限の中断点が決定的になり、
// チェックポイントのスカラーオフセットが意味を持つ。
type Orchestrator struct {
	syncLogRepo repository.SyncLogRepository
	feed        FeedClient
	indexSvc    IndexService
	transformer DocumentTransformer
	metrics     MetricsRecorder
	logger      *slog.Logger
	limiter     *rate.Limiter
	opts        Options
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
func NewOrchestrator(
	syncLogRepo repository.SyncLogRepository,
	feed FeedClient,
	indexSvc IndexService,
	transformer DocumentTransformer,
	metrics MetricsRecorder,
	logger *slog.Logger,
	opts Options,
) *Orchestrator {
	if opts.BulkBatchSize <= 0 {
		opts.BulkBatchSize = index.DefaultBulkBatchSize
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 10
	}
	if opts.FetchRate <= 0 {
		opts.FetchRate = 5.0
	}
	return &Orchestrator{
		syncLogRepo: syncLogRepo,
		feed:        feed,
		indexSvc:    indexSvc,
		transformer: transformer,
		metrics:     metrics,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(opts.FetchRate), 1),
		opts:        opts,
	}
}

// Run は1回の同期パスを実行する。
// 実行中のチェックポイントがあればそれを再開し、なければ直近の完了実績に
// 基づいて種別を選択して新規に開始する。処理中の未処理例外はすべて
// この最外殻の境界で捕捉され、チェックポイントをfailedにして診断テキストを
// 記録した上で呼び出し元に返される。進捗オフセットは失敗時点のまま
// 保持されるため、次回実行はリスト途中から再開する。
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	syncLog, err := o.selectSyncLog(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{SyncType: syncLog.SyncType, DryRun: o.opts.DryRun}

	o.logger.Info("同期を開始します",
		slog.String("sync_id", syncLog.ID),
		slog.String("sync_type", string(syncLog.SyncType)),
		slog.Bool("dry_run", o.opts.DryRun),
		slog.Int("resourcelist_index", syncLog.CurrentResourceListIndex),
		slog.Int("resourcelist_progress", syncLog.CurrentResourceListProgress),
		slog.Int("changelist_index", syncLog.CurrentChangeListIndex),
		slog.Int("changelist_progress", syncLog.CurrentChangeListProgress),
	)

	start := time.Now()
	defer func() {
		o.metrics.RecordSyncDuration(time.Since(start))
	}()

	if err := o.execute(ctx, syncLog, result); err != nil {
		o.metrics.RecordSyncFailure()
		syncLog.ErrorsCount++
		result.Errors = syncLog.ErrorsCount
		if !o.opts.DryRun {
			if failErr := o.syncLogRepo.FailSync(ctx, syncLog, err.Error()); failErr != nil {
				o.logger.Error("チェックポイントの失敗記録に失敗しました",
					slog.String("sync_id", syncLog.ID),
					slog.String("error", failErr.Error()),
				)
			}
		}
		o.logger.Error("同期が失敗しました",
			slog.String("sync_id", syncLog.ID),
			slog.String("error", err.Error()),
		)
		return result, err
	}

	o.logger.Info("同期パスが終了しました",
		slog.String("sync_id", syncLog.ID),
		slog.String("sync_type", string(syncLog.SyncType)),
		slog.Bool("dry_run", o.opts.DryRun),
		slog.Bool("yielded", result.Yielded),
		slog.Int("processed", result.Processed),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("deleted", result.Deleted),
		slog.Int("skipped", result.Skipped+result.SkippedDeletes),
		slog.Int64("total_documents", result.TotalDocuments),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, nil
}

// selectSyncLog は開始状態を決定する。
// in_progressまたはfailedのチェックポイントがあれば、記録済みのsync_typeと
// 進捗オフセットをそのまま使って再開する（種別の再導出はしない）。
// 失敗後の再実行がリスト途中から続行できるのはこのためで、外部スケジューラの
// リトライは完了済みの作業をやり直さない。
// 再開対象がなければ、完了実績があればincremental、なければinitialで新規開始する。
func (o *Orchestrator) selectSyncLog(ctx context.Context) (*model.SyncLog, error) {
	last, err := o.syncLogRepo.GetLastSyncLog(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil && (last.IsInProgress() || last.Status == model.SyncStatusFailed) {
		if o.opts.DryRun {
			clone := *last
			clone.Status = model.SyncStatusInProgress
			return &clone, nil
		}
		if !last.IsInProgress() {
			if err := o.syncLogRepo.ResumeSync(ctx, last); err != nil {
				return nil, err
			}
		}
		return last, nil
	}

	lastOK, err := o.syncLogRepo.GetLastSuccessfulSync(ctx)
	if err != nil {
		return nil, err
	}
	syncType := model.SyncTypeInitial
	if lastOK != nil {
		syncType = model.SyncTypeIncremental
	}

	if o.opts.DryRun {
		return &model.SyncLog{
			ID:        "dry-run",
			SyncType:  syncType,
			Status:    model.SyncStatusInProgress,
			StartedAt: time.Now(),
		}, nil
	}
	return o.syncLogRepo.StartSync(ctx, syncType)
}

// execute は同期本体。上限による中断以外の全リストを処理し終えたら
// ファイナライズする。
func (o *Orchestrator) execute(ctx context.Context, syncLog *model.SyncLog, result *Result) error {
	// 書き込みの前にインデックスの存在を保証する（CreateIndexは冪等）
	if !o.opts.DryRun {
		if err := o.indexSvc.CreateIndex(ctx, false); err != nil {
			return fmt.Errorf("インデックスの準備に失敗: %w", err)
		}
	}

	capList, err := o.feed.GetCapabilityList(ctx)
	if err != nil {
		return err
	}

	var yielded bool
	switch syncLog.SyncType {
	case model.SyncTypeInitial:
		yielded, err = o.runResourceLists(ctx, syncLog, capList.ResourceLists, result)
	case model.SyncTypeIncremental:
		yielded, err = o.runChangeLists(ctx, syncLog, capList.ChangeLists, result)
	default:
		return fmt.Errorf("未知の同期種別です: %s", syncLog.SyncType)
	}
	if err != nil {
		return err
	}

	if yielded {
		result.Yielded = true
		o.logger.Info("実行上限に達したため協調的に中断します",
			slog.String("sync_id", syncLog.ID),
			slog.Int("max_documents_per_run", o.opts.MaxDocumentsPerRun),
		)
		return nil
	}

	return o.finalize(ctx, syncLog, result)
}

// finalize は全リスト処理後の終端処理を行う。
// インデックスのリフレッシュは同期1回につき1度だけ行い、コストを償却する。
func (o *Orchestrator) finalize(ctx context.Context, syncLog *model.SyncLog, result *Result) error {
	if o.opts.DryRun {
		return nil
	}

	if err := o.indexSvc.RefreshIndex(ctx); err != nil {
		return fmt.Errorf("インデックスのリフレッシュに失敗: %w", err)
	}

	total, err := o.indexSvc.DocCount(ctx)
	if err != nil {
		return fmt.Errorf("インデックス統計の取得に失敗: %w", err)
	}
	result.TotalDocuments = total

	if err := o.syncLogRepo.CompleteSync(ctx, syncLog); err != nil {
		return err
	}
	return nil
}

// runResourceLists は全件同期の主ループ。チェックポイントの
// （リストindex, リスト内progress）から再開する。
func (o *Orchestrator) runResourceLists(ctx context.Context, syncLog *model.SyncLog, lists []resourcesync.ListRef, result *Result) (bool, error) {
	pending := newPendingBatch(o.opts.BulkBatchSize)
	sinceCheckpoint := 0

	for li := syncLog.CurrentResourceListIndex; li < len(lists); li++ {
		ref := lists[li]
		syncLog.CurrentResourceListIndex = li
		syncLog.CurrentResourceListURL = ref.URL

		// 総数がバッチ判断と進捗報告を駆動するため、遅延列挙をここで実体化する
		items, err := materializeResourceList(o.feed.ProcessResourceList(ctx, ref.URL))
		if err != nil {
			return false, err
		}
		syncLog.TotalDocumentsInBatch = len(items)

		o.logger.Info("リソースリストを処理します",
			slog.String("url", ref.URL),
			slog.Int("list_index", li),
			slog.Int("items", len(items)),
			slog.Int("resume_offset", syncLog.CurrentResourceListProgress),
		)

		for i := syncLog.CurrentResourceListProgress; i < len(items); i++ {
			if o.capReached(result) {
				if err := o.flush(ctx, syncLog, pending); err != nil {
					return false, err
				}
				syncLog.CurrentResourceListProgress = i // まだ処理していない位置で止める
				if err := o.persist(ctx, syncLog); err != nil {
					return false, err
				}
				return true, nil
			}

			item := items[i]
			if err := o.processUpsert(ctx, item.URL, item.LastMod, pending, result); err != nil {
				return false, err
			}

			syncLog.CurrentResourceListProgress = i + 1
			syncLog.DocumentsProcessedInBatch++
			syncLog.ProcessedRecords++
			syncLog.TotalRecords++
			result.Processed++
			sinceCheckpoint++

			if pending.len() >= o.opts.BulkBatchSize {
				if err := o.flush(ctx, syncLog, pending); err != nil {
					return false, err
				}
				sinceCheckpoint = 0
			} else if pending.len() == 0 && sinceCheckpoint >= o.opts.CheckpointInterval {
				// 未フラッシュのドキュメントがない時のみ途中経過を永続化する。
				// チェックポイントが未永続のバッチを追い越してはならない。
				if err := o.persist(ctx, syncLog); err != nil {
					return false, err
				}
				sinceCheckpoint = 0
			}
		}

		if err := o.flush(ctx, syncLog, pending); err != nil {
			return false, err
		}
		syncLog.ResetListProgress()
		syncLog.CurrentResourceListIndex = li + 1
		if err := o.persist(ctx, syncLog); err != nil {
			return false, err
		}
		sinceCheckpoint = 0
	}

	return false, nil
}

// runChangeLists は差分同期の主ループ。構造は全件同期と同じ
// ダブルオフセット再開だが、エントリの変更種別で分岐する。
func (o *Orchestrator) runChangeLists(ctx context.Context, syncLog *model.SyncLog, lists []resourcesync.ListRef, result *Result) (bool, error) {
	pending := newPendingBatch(o.opts.BulkBatchSize)
	sinceCheckpoint := 0

	for li := syncLog.CurrentChangeListIndex; li < len(lists); li++ {
		ref := lists[li]
		syncLog.CurrentChangeListIndex = li
		syncLog.CurrentChangeListURL = ref.URL

		items, err := materializeChangeList(o.feed.ProcessChangeList(ctx, ref.URL))
		if err != nil {
			return false, err
		}
		syncLog.TotalDocumentsInBatch = len(items)

		o.logger.Info("チェンジリストを処理します",
			slog.String("url", ref.URL),
			slog.Int("list_index", li),
			slog.Int("items", len(items)),
			slog.Int("resume_offset", syncLog.CurrentChangeListProgress),
		)

		for i := syncLog.CurrentChangeListProgress; i < len(items); i++ {
			if o.capReached(result) {
				if err := o.flush(ctx, syncLog, pending); err != nil {
					return false, err
				}
				syncLog.CurrentChangeListProgress = i
				if err := o.persist(ctx, syncLog); err != nil {
					return false, err
				}
				return true, nil
			}

			item := items[i]
			switch item.Action {
			case resourcesync.ChangeActionDeleted:
				err = o.processDelete(ctx, syncLog, item.URL, item.LastMod, pending, result)
			default:
				// created / updated は全件同期と同じUPSERT経路
				err = o.processUpsert(ctx, item.URL, item.LastMod, pending, result)
			}
			if err != nil {
				return false, err
			}

			syncLog.CurrentChangeListProgress = i + 1
			syncLog.DocumentsProcessedInBatch++
			syncLog.ProcessedRecords++
			syncLog.TotalRecords++
			result.Processed++
			sinceCheckpoint++

			if pending.len() >= o.opts.BulkBatchSize {
				if err := o.flush(ctx, syncLog, pending); err != nil {
					return false, err
				}
				sinceCheckpoint = 0
			} else if pending.len() == 0 && sinceCheckpoint >= o.opts.CheckpointInterval {
				if err := o.persist(ctx, syncLog); err != nil {
					return false, err
				}
				sinceCheckpoint = 0
			}
		}

		if err := o.flush(ctx, syncLog, pending); err != nil {
			return false, err
		}
		syncLog.ResetListProgress()
		syncLog.CurrentChangeListIndex = li + 1
		if err := o.persist(ctx, syncLog); err != nil {
			return false, err
		}
		sinceCheckpoint = 0
	}

	return false, nil
}

// processUpsert は1アイテムのUPSERT経路。
// コンテンツアドレスIDで既存ドキュメントを引き、競合解決判定に従って
// 取得・変換・バッチ追加を行う。ドライラン時は判定と集計のみ行う。
func (o *Orchestrator) processUpsert(ctx context.Context, itemURL, lastMod string, pending *pendingBatch, result *Result) error {
	id := index.DocIDFromURL(itemURL)
	existing, err := o.effectiveExisting(ctx, id, itemURL, pending)
	if err != nil {
		return err
	}

	apply, err := ShouldApply(lastMod, existing, o.logger)
	if err != nil {
		return err
	}
	if !apply {
		result.Skipped++
		o.metrics.RecordItemSkipped(actionUpdate)
		o.logger.Debug("格納済みウォーターマークより新しくないためスキップします",
			slog.String("url", itemURL),
			slog.String("lastmod", lastMod),
		)
		return nil
	}

	if existing == nil {
		result.Created++
		o.metrics.RecordItemApplied(actionCreate)
	} else {
		result.Updated++
		o.metrics.RecordItemApplied(actionUpdate)
	}

	if o.opts.DryRun {
		pending.mark(id, lastMod)
		return nil
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	raw, err := o.feed.FetchResearcherData(ctx, itemURL)
	if err != nil {
		return err
	}

	doc := o.transformer.Transform(raw)
	// ウォーターマークはフィードのアイテムタイムスタンプで刻印する
	doc[model.FieldLastUpdated] = lastMod
	if doc.SourceURL() == "" {
		doc[model.FieldSourceURL] = itemURL
	}
	if doc.SourceURL() == "" {
		return fmt.Errorf("取得元URLを決定できません (%s): %w", itemURL, model.ErrMissingDocumentID)
	}

	pending.put(id, doc, lastMod)
	return nil
}

// processDelete は1アイテムの削除経路。UPSERTと同じウォーターマーク判定を
// 共有し、適用時はUPSERTではなく論理削除を行う。スキップは適用済み削除と
// 区別して集計する。
func (o *Orchestrator) processDelete(ctx context.Context, syncLog *model.SyncLog, itemURL, lastMod string, pending *pendingBatch, result *Result) error {
	id := index.DocIDFromURL(itemURL)
	existing, err := o.effectiveExisting(ctx, id, itemURL, pending)
	if err != nil {
		return err
	}

	apply, err := ShouldApply(lastMod, existing, o.logger)
	if err != nil {
		return err
	}
	if !apply {
		result.SkippedDeletes++
		o.metrics.RecordItemSkipped(actionDelete)
		return nil
	}

	result.Deleted++
	o.metrics.RecordItemApplied(actionDelete)

	if o.opts.DryRun {
		pending.mark(id, lastMod)
		return nil
	}

	// 論理削除は即時書き込みのため、リスト内の適用順序を保つよう
	// 保留バッチを先にフラッシュする
	if err := o.flush(ctx, syncLog, pending); err != nil {
		return err
	}
	if err := o.indexSvc.SoftDelete(ctx, id, itemURL, lastMod); err != nil {
		return fmt.Errorf("論理削除に失敗 (%s): %w", itemURL, err)
	}
	return nil
}

// effectiveExisting は競合解決判定に使う既存状態を返す。
// 同一リスト内の先行エントリが同じURLを適用済みでも、フラッシュ前の
// インデックスには反映されていない。保留バッチにウォーターマークが
// あればそちらを既存状態として返す。
func (o *Orchestrator) effectiveExisting(ctx context.Context, id, itemURL string, pending *pendingBatch) (model.Document, error) {
	if wm, ok := pending.watermark(id); ok {
		return model.Document{
			model.FieldSourceURL:   itemURL,
			model.FieldLastUpdated: wm,
		}, nil
	}
	existing, err := o.indexSvc.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("既存ドキュメントの取得に失敗 (%s): %w", itemURL, err)
	}
	return existing, nil
}

// flush は保留バッチをバルク投入し、成功した場合のみチェックポイントを
// 永続化する。バルク書き込みが失敗した場合はチェックポイントを進めない。
// ストア上のチェックポイントは失敗したバッチの開始前の状態を指したままに
// なり、次回実行が同じバッチを再処理する。
func (o *Orchestrator) flush(ctx context.Context, syncLog *model.SyncLog, pending *pendingBatch) error {
	if pending.len() == 0 {
		return nil
	}

	n, err := o.indexSvc.BulkIndex(ctx, pending.docs, o.opts.BulkBatchSize, "")
	if err != nil {
		return fmt.Errorf("バルク投入に失敗: %w", err)
	}
	o.metrics.RecordBulkFlush(n)
	pending.reset()

	return o.persist(ctx, syncLog)
}

// persist はチェックポイントを永続化する。ドライラン時は何もしない。
func (o *Orchestrator) persist(ctx context.Context, syncLog *model.SyncLog) error {
	if o.opts.DryRun {
		return nil
	}
	return o.syncLogRepo.UpdateProgress(ctx, syncLog)
}

// capReached は実行上限に達したかどうかを返す。
func (o *Orchestrator) capReached(result *Result) bool {
	return o.opts.MaxDocumentsPerRun > 0 && result.Processed >= o.opts.MaxDocumentsPerRun
}

// materializeResourceList は遅延列挙を実体化する。
// エラーに遭遇した場合、それ以前の有効なエントリは破棄して伝播する。
func materializeResourceList(seq iter.Seq2[resourcesync.ResourceItem, error]) ([]resourcesync.ResourceItem, error) {
	var items []resourcesync.ResourceItem
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// materializeChangeList は遅延列挙を実体化する。
func materializeChangeList(seq iter.Seq2[resourcesync.ChangeItem, error]) ([]resourcesync.ChangeItem, error) {
	var items []resourcesync.ChangeItem
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
