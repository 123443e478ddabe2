// Package index は検索インデックスサービスのRESTクライアントを提供する。
// ドキュメント単位のCRUD、バルク投入、業務キー検索、統計取得を行う。
// 通信レベルの失敗（接続エラー・タイムアウト・408/429/5xx）のみを
// 有限回リトライし、意味的な失敗（4xx）はリトライしない。
package index

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/kakensync/internal/model"
)

// DefaultBulkBatchSize はバルク投入の既定バッチサイズ。
const DefaultBulkBatchSize = 100

const (
	defaultMaxRetries   = 3
	retryInitialBackoff = 500 * time.Millisecond
)

// Client はインデックスサービスのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	indexName  string
	maxRetries int
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLはインデックスサービスのルートURL、indexNameは対象インデックス名。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, indexName string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		indexName:  indexName,
		maxRetries: defaultMaxRetries,
	}
}

// DocIDFromURL はソースURLからドキュメントIDを導出する純粋関数。
// SHA-256の16進ダイジェストを返す。同一URLは常に同一IDに写像されるため、
// どのリストから発見されたかに関わらず書き込み先が安定する。
// 空文字列の入力には空文字列を返す。
func DocIDFromURL(sourceURL string) string {
	if sourceURL == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])
}

// IndexExists はインデックスの存在を確認する。
func (c *Client) IndexExists(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/"+c.indexName, nil)
	if err != nil {
		return false, err
	}
	defer drain(resp)

	switch classifyStatus(resp.StatusCode) {
	case statusOK:
		return true, nil
	case statusNotFound:
		return false, nil
	default:
		return false, c.statusError(resp)
	}
}

// CreateIndex はインデックスを作成する。冪等であり、既存のインデックスが
// ある場合はdeleteExistingがfalseなら何もしない。trueなら削除して作り直す。
func (c *Client) CreateIndex(ctx context.Context, deleteExisting bool) error {
	exists, err := c.IndexExists(ctx)
	if err != nil {
		return err
	}

	if exists {
		if !deleteExisting {
			return nil
		}
		resp, err := c.do(ctx, http.MethodDelete, "/"+c.indexName, nil)
		if err != nil {
			return err
		}
		drain(resp)
		if classifyStatus(resp.StatusCode) != statusOK {
			return c.statusError(resp)
		}
		c.logger.Info("既存インデックスを削除しました", slog.String("index", c.indexName))
	}

	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				model.FieldSourceURL:   map[string]any{"type": "keyword"},
				model.FieldLastUpdated: map[string]any{"type": "keyword"},
				model.FieldDeleted:     map[string]any{"type": "boolean"},
				model.FieldSearchText:  map[string]any{"type": "text"},
				model.FieldEradID:      map[string]any{"type": "keyword"},
			},
		},
	}
	resp, err := c.doJSON(ctx, http.MethodPut, "/"+c.indexName, mapping)
	if err != nil {
		return err
	}
	drain(resp)
	if classifyStatus(resp.StatusCode) != statusOK {
		return c.statusError(resp)
	}

	c.logger.Info("インデックスを作成しました", slog.String("index", c.indexName))
	return nil
}

// Index は1ドキュメントをUPSERTする。idが空の場合は_source_urlから導出し、
// どちらも得られない場合はErrMissingDocumentIDを返す。
// _last_updatedは呼び出し側が設定していない場合のみupdateTimestampを
// 付与する（呼び出し側の値を上書きしない）。deletedは未設定ならfalseとする。
func (c *Client) Index(ctx context.Context, doc model.Document, id, updateTimestamp string) error {
	if id == "" {
		id = DocIDFromURL(doc.SourceURL())
	}
	if id == "" {
		return model.ErrMissingDocumentID
	}

	body := doc.Clone()
	if _, ok := body[model.FieldLastUpdated]; !ok && updateTimestamp != "" {
		body[model.FieldLastUpdated] = updateTimestamp
	}
	if _, ok := body[model.FieldDeleted]; !ok {
		body[model.FieldDeleted] = false
	}

	resp, err := c.doJSON(ctx, http.MethodPut, c.docPath(id), map[string]any(body))
	if err != nil {
		return err
	}
	defer drain(resp)
	if classifyStatus(resp.StatusCode) != statusOK {
		return c.statusError(resp)
	}
	return nil
}

// Delete は1ドキュメントを物理削除する。冪等であり、404は
// 「ドキュメント不在」という目的の状態がすでに達成されているため成功とする。
func (c *Client) Delete(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.docPath(id), nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch classifyStatus(resp.StatusCode) {
	case statusOK, statusNotFound:
		return nil
	default:
		return c.statusError(resp)
	}
}

// SoftDelete はドキュメントを{deleted: true}の最小ペイロードで上書きする。
// 意図的に物理削除ではなく、同一IDに対する将来の競合判定のために
// 取得元URLとウォーターマークのフィールドを保持する。
func (c *Client) SoftDelete(ctx context.Context, id, sourceURL, updateTimestamp string) error {
	body := map[string]any{
		model.FieldDeleted: true,
	}
	if sourceURL != "" {
		body[model.FieldSourceURL] = sourceURL
	}
	if updateTimestamp != "" {
		body[model.FieldLastUpdated] = updateTimestamp
	}

	resp, err := c.doJSON(ctx, http.MethodPut, c.docPath(id), body)
	if err != nil {
		return err
	}
	defer drain(resp)
	if classifyStatus(resp.StatusCode) != statusOK {
		return c.statusError(resp)
	}
	return nil
}

// bulkResponse は_bulkエンドポイントのレスポンス。
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// BulkIndex は複数ドキュメントをbatchSize単位のチャンクでバルク投入する。
// チャンク内にIDを導出できないドキュメントが1件でもあれば、そのチャンク全体を
// 中断してエラーを返す（fail-closed: 不整合なバッチの部分的な書き込みは
// バッチ全体の失敗より悪い）。バルク書き込みがアイテム単位のエラーを
// 報告した場合はBulkErrorを返し、呼び出し側はそのバッチが永続化されて
// いないものとして扱わなければならない。戻り値は投入に成功した件数。
func (c *Client) BulkIndex(ctx context.Context, docs []model.Document, batchSize int, updateTimestamp string) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBulkBatchSize
	}

	indexed := 0
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))
		chunk := docs[start:end]

		n, err := c.bulkIndexChunk(ctx, chunk, updateTimestamp)
		indexed += n
		if err != nil {
			return indexed, err
		}
	}
	return indexed, nil
}

// bulkIndexChunk は1チャンク分のNDJSONを構築して_bulkに送信する。
func (c *Client) bulkIndexChunk(ctx context.Context, chunk []model.Document, updateTimestamp string) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, doc := range chunk {
		id := DocIDFromURL(doc.SourceURL())
		if id == "" {
			return 0, fmt.Errorf("バルクバッチを中断します: %w", model.ErrMissingDocumentID)
		}

		body := doc.Clone()
		if _, ok := body[model.FieldLastUpdated]; !ok && updateTimestamp != "" {
			body[model.FieldLastUpdated] = updateTimestamp
		}
		if _, ok := body[model.FieldDeleted]; !ok {
			body[model.FieldDeleted] = false
		}

		action := map[string]any{
			"index": map[string]any{"_index": c.indexName, "_id": id},
		}
		if err := enc.Encode(action); err != nil {
			return 0, fmt.Errorf("バルクアクション行のエンコードに失敗: %w", err)
		}
		if err := enc.Encode(map[string]any(body)); err != nil {
			return 0, fmt.Errorf("バルクドキュメント行のエンコードに失敗: %w", err)
		}
	}

	resp, err := c.doRaw(ctx, http.MethodPost, "/_bulk", buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	if classifyStatus(resp.StatusCode) != statusOK {
		return 0, c.statusError(resp)
	}

	var result bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("バルクレスポンスのデコードに失敗: %w", err)
	}

	if result.Errors {
		bulkErr := &model.BulkError{}
		for _, item := range result.Items {
			for _, detail := range item {
				if detail.Error != nil {
					reason := detail.Error.Reason
					if reason == "" {
						reason = detail.Error.Type
					}
					bulkErr.Items = append(bulkErr.Items, model.BulkItemError{
						ID:     detail.ID,
						Status: detail.Status,
						Reason: reason,
					})
				}
			}
		}
		return 0, bulkErr
	}

	return len(chunk), nil
}

// getResponse は_docエンドポイントのGETレスポンス。
type getResponse struct {
	Found  bool           `json:"found"`
	Source map[string]any `json:"_source"`
}

// GetByID は指定IDのドキュメントを取得する。見つからない場合はnilを返す。
func (c *Client) GetByID(ctx context.Context, id string) (model.Document, error) {
	resp, err := c.do(ctx, http.MethodGet, c.docPath(id), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch classifyStatus(resp.StatusCode) {
	case statusOK:
	case statusNotFound:
		return nil, nil
	default:
		return nil, c.statusError(resp)
	}

	var result getResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ドキュメントレスポンスのデコードに失敗: %w", err)
	}
	if !result.Found {
		return nil, nil
	}
	return model.Document(result.Source), nil
}

// GetByEradID は研究者番号（e-Rad）でドキュメントを検索する。
// コンテンツアドレスIDとは別の業務キーによる検索であり、
// 論理削除済みドキュメントは結果から除外する。見つからない場合はnilを返す。
func (c *Client) GetByEradID(ctx context.Context, eradID string) (model.Document, error) {
	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{model.FieldEradID: eradID}},
				},
				"must_not": []any{
					map[string]any{"term": map[string]any{model.FieldDeleted: true}},
				},
			},
		},
		"size": 1,
	}

	result, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.Documents) == 0 {
		return nil, nil
	}
	return result.Documents[0], nil
}

// SearchResult は検索結果。
type SearchResult struct {
	Total     int64
	Documents []model.Document
}

// Search はsearch_textに対する全文検索を実行する。
// 論理削除済みドキュメントは除外する。インデックスが未作成の場合は
// エラーではなく空の結果を返し、警告ログを出す。呼び出し側が
// 「インデックス未作成」と「該当なし」を区別する必要はない。
func (c *Client) Search(ctx context.Context, queryText string, size, offset int) (*SearchResult, error) {
	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"match": map[string]any{model.FieldSearchText: queryText}},
				},
				"must_not": []any{
					map[string]any{"term": map[string]any{model.FieldDeleted: true}},
				},
			},
		},
		"from": offset,
		"size": size,
	}

	result, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if result == nil {
		c.logger.Warn("インデックスが存在しないため空の検索結果を返します",
			slog.String("index", c.indexName),
		)
		return &SearchResult{}, nil
	}
	return result, nil
}

// searchResponse は_searchエンドポイントのレスポンス。
type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// search はクエリボディを_searchに送信する。インデックス不在（404）の
// 場合はnilを返す。
func (c *Client) search(ctx context.Context, query map[string]any) (*SearchResult, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, "/"+c.indexName+"/_search", query)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch classifyStatus(resp.StatusCode) {
	case statusOK:
	case statusNotFound:
		return nil, nil
	default:
		return nil, c.statusError(resp)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("検索レスポンスのデコードに失敗: %w", err)
	}

	out := &SearchResult{Total: result.Hits.Total.Value}
	for _, hit := range result.Hits.Hits {
		out.Documents = append(out.Documents, model.Document(hit.Source))
	}
	return out, nil
}

// RefreshIndex は直近の書き込みを検索に反映させる。
// コスト償却のため、オーケストレーターは同期1回の最後に1度だけ呼ぶ。
func (c *Client) RefreshIndex(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/"+c.indexName+"/_refresh", nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if classifyStatus(resp.StatusCode) != statusOK {
		return c.statusError(resp)
	}
	return nil
}

// statsResponse は_statsエンドポイントのレスポンス。
type statsResponse struct {
	All struct {
		Primaries struct {
			Docs struct {
				Count int64 `json:"count"`
			} `json:"docs"`
		} `json:"primaries"`
	} `json:"_all"`
}

// DocCount はインデックス内のドキュメント総数を返す。
// 同期完了時のサニティチェックに使用する。
func (c *Client) DocCount(ctx context.Context) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+c.indexName+"/_stats", nil)
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	if classifyStatus(resp.StatusCode) != statusOK {
		return 0, c.statusError(resp)
	}

	var result statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("統計レスポンスのデコードに失敗: %w", err)
	}
	return result.All.Primaries.Docs.Count, nil
}

// docPath は_docエンドポイントのパスを返す。
func (c *Client) docPath(id string) string {
	return "/" + c.indexName + "/_doc/" + id
}

// doJSON はJSONボディ付きのリクエストを実行する。
func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディのエンコードに失敗: %w", err)
	}
	return c.doRaw(ctx, method, path, payload, "application/json")
}

// do はボディなしのリクエストを実行する。
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return c.doRaw(ctx, method, path, body, "")
}

// doRaw はリクエストを実行する。通信エラーおよびリトライ対象ステータス
// （408/429/5xx）は指数バックオフで有限回リトライする。
// 意味的エラー（4xx）のレスポンスはリトライせずそのまま返し、
// 分類は呼び出し側のstatusErrorに委ねる。
func (c *Client) doRaw(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	reqURL := c.baseURL + path
	var lastErr error
	backoff := retryInitialBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("インデックスサービスへのリクエストをリトライします",
				slog.String("method", method),
				slog.String("url", reqURL),
				slog.Int("attempt", attempt),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = &model.TransportError{URL: reqURL, Err: err}
			continue
		}

		if classifyStatus(resp.StatusCode) == statusRetryable {
			drain(resp)
			lastErr = &model.TransportError{URL: reqURL, StatusCode: resp.StatusCode}
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// statusError はエラーステータスのレスポンスをエラー分類に写像する。
func (c *Client) statusError(resp *http.Response) error {
	reqURL := ""
	if resp.Request != nil && resp.Request.URL != nil {
		reqURL = resp.Request.URL.String()
	}

	switch classifyStatus(resp.StatusCode) {
	case statusAuth:
		return &model.AuthError{URL: reqURL, StatusCode: resp.StatusCode}
	case statusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &model.BadRequestError{URL: reqURL, Body: string(body)}
	case statusConflict:
		return &model.ConflictError{URL: reqURL}
	default:
		return &model.TransportError{URL: reqURL, StatusCode: resp.StatusCode}
	}
}

// drain はレスポンスボディを読み捨ててクローズする。コネクション再利用のため。
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
