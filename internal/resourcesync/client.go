package resourcesync

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/kakensync/internal/model"
)

const (
	// contentSuffix はフィードから取得対象とするアイテムURLの拡張子。
	contentSuffix = ".json"
	// userAgent はKAKENサーバーへのリクエストに使用するUA文字列。
	userAgent = "Kakensync/1.0 ResourceSync Harvester"
)

// 一時的エラーのリトライ設定。リトライはこのHTTPクライアント層でのみ行い、
// 上位層はリトライしない。
const (
	defaultMaxRetries   = 3
	retryInitialBackoff = 1 * time.Second
)

// Client はResourceSyncフィードのクライアント。
// ケーパビリティリストの取得、リソース/チェンジリストの遅延列挙、
// アイテムJSONの取得を提供する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	rootURL    string
	maxRetries int
}

// NewClient はClientの新しいインスタンスを生成する。
// rootURLはResourceSyncディスカバリドキュメントのURLを指定する。
func NewClient(httpClient *http.Client, logger *slog.Logger, rootURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		rootURL:    rootURL,
		maxRetries: defaultMaxRetries,
	}
}

// GetCapabilityList はディスカバリドキュメントからケーパビリティリストを
// 特定して取得し、リソースリストとチェンジリストの順序付き参照を返す。
// ディスカバリドキュメントにcapability=capabilitylistのエントリが存在しない
// 場合はProtocolErrorを返す。これは設定またはフィード側の整合性問題であり、
// リトライ対象ではない。
func (c *Client) GetCapabilityList(ctx context.Context) (*CapabilityList, error) {
	discovery, err := c.fetchURLSet(ctx, c.rootURL)
	if err != nil {
		return nil, fmt.Errorf("ディスカバリドキュメントの取得に失敗: %w", err)
	}

	capListURL := ""
	for _, entry := range discovery.URLs {
		if entry.MD != nil && entry.MD.Capability == capabilityCapabilityList {
			capListURL = entry.Loc
			break
		}
	}
	if capListURL == "" {
		return nil, model.NewProtocolError(c.rootURL,
			"ディスカバリドキュメントにcapability=capabilitylistのエントリがありません")
	}

	capDoc, err := c.fetchURLSet(ctx, capListURL)
	if err != nil {
		return nil, fmt.Errorf("ケーパビリティリストの取得に失敗: %w", err)
	}

	result := &CapabilityList{}
	for _, entry := range capDoc.URLs {
		if entry.MD == nil {
			continue
		}
		ref := ListRef{URL: entry.Loc, LastMod: entry.LastMod}
		switch entry.MD.Capability {
		case capabilityResourceList:
			result.ResourceLists = append(result.ResourceLists, ref)
		case capabilityChangeList:
			result.ChangeLists = append(result.ChangeLists, ref)
		}
	}

	c.logger.Info("ケーパビリティリストを取得しました",
		slog.String("url", capListURL),
		slog.Int("resource_lists", len(result.ResourceLists)),
		slog.Int("change_lists", len(result.ChangeLists)),
	)

	return result, nil
}

// ProcessResourceList はリソースリストのエントリを遅延列挙する。
// URLがコンテンツ拡張子（.json）で終わるエントリのみを対象とする。
// 対象エントリにlastmodが欠落している場合、その時点でProtocolErrorを
// 発生させて列挙を打ち切る。タイムスタンプベースの競合解決はすべての
// アイテムがウォーターマークを持つことに依存するため、黙ってスキップしない。
// 列挙は有限かつ非再開始可能で、エラー発生前の有効なエントリは
// 消費側から観測できる。
func (c *Client) ProcessResourceList(ctx context.Context, listURL string) iter.Seq2[ResourceItem, error] {
	return func(yield func(ResourceItem, error) bool) {
		doc, err := c.fetchURLSet(ctx, listURL)
		if err != nil {
			yield(ResourceItem{}, fmt.Errorf("リソースリストの取得に失敗: %w", err))
			return
		}

		for _, entry := range doc.URLs {
			if !strings.HasSuffix(entry.Loc, contentSuffix) {
				continue
			}
			if entry.LastMod == "" {
				yield(ResourceItem{}, model.NewProtocolError(listURL,
					fmt.Sprintf("リソースリストのエントリにlastmodがありません: %s", entry.Loc)))
				return
			}
			if !yield(ResourceItem{URL: entry.Loc, LastMod: entry.LastMod}, nil) {
				return
			}
		}
	}
}

// ProcessChangeList はチェンジリストのエントリを遅延列挙する。
// 各エントリは変更種別（created/updated/deleted）を伴う。
// lastmodの欠落、rs:md要素の欠落、未知のchange値はいずれもProtocolErrorと
// なり、その時点で列挙を打ち切る。
func (c *Client) ProcessChangeList(ctx context.Context, listURL string) iter.Seq2[ChangeItem, error] {
	return func(yield func(ChangeItem, error) bool) {
		doc, err := c.fetchURLSet(ctx, listURL)
		if err != nil {
			yield(ChangeItem{}, fmt.Errorf("チェンジリストの取得に失敗: %w", err))
			return
		}

		for _, entry := range doc.URLs {
			if !strings.HasSuffix(entry.Loc, contentSuffix) {
				continue
			}
			if entry.LastMod == "" {
				yield(ChangeItem{}, model.NewProtocolError(listURL,
					fmt.Sprintf("チェンジリストのエントリにlastmodがありません: %s", entry.Loc)))
				return
			}
			if entry.MD == nil || entry.MD.Change == "" {
				yield(ChangeItem{}, model.NewProtocolError(listURL,
					fmt.Sprintf("チェンジリストのエントリにrs:md change属性がありません: %s", entry.Loc)))
				return
			}
			action, ok := ParseChangeAction(entry.MD.Change)
			if !ok {
				yield(ChangeItem{}, model.NewProtocolError(listURL,
					fmt.Sprintf("未知の変更種別です: %s (%s)", entry.MD.Change, entry.Loc)))
				return
			}
			if !yield(ChangeItem{Action: action, URL: entry.Loc, LastMod: entry.LastMod}, nil) {
				return
			}
		}
	}
}

// FetchResearcherData は1アイテムの研究者JSONを取得してデコードする。
// 取得URLを_source_urlフィールドとして注入する。
// 空のレスポンスボディは上流の仕様揺れを許容するため有効な空ドキュメントと
// して扱う。非JSONの非空ボディはデコードエラーをそのまま返す。
func (c *Client) FetchResearcherData(ctx context.Context, itemURL string) (model.Document, error) {
	body, err := c.fetch(ctx, itemURL)
	if err != nil {
		return nil, err
	}

	doc := model.Document{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("研究者JSONのデコードに失敗 (%s): %w", itemURL, err)
		}
	}
	doc[model.FieldSourceURL] = itemURL

	return doc, nil
}

// fetchURLSet はsitemap-XMLドキュメントを取得してパースする。
func (c *Client) fetchURLSet(ctx context.Context, docURL string) (*urlSet, error) {
	body, err := c.fetch(ctx, docURL)
	if err != nil {
		return nil, err
	}

	var doc urlSet
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, model.NewProtocolError(docURL,
			fmt.Sprintf("sitemap-XMLのパースに失敗しました: %v", err))
	}
	return &doc, nil
}

// fetch は1 URLをGETし、ボディを返す。
// 429/5xx/408および接続エラーは指数バックオフで有限回リトライする。
// それ以外のエラーステータスは即座にTransportErrorとして返す。
func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	backoff := retryInitialBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("フィード取得をリトライします",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, retryable, err := c.doFetch(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// doFetch は1回のGETを実行する。2番目の戻り値はリトライ可能かどうか。
func (c *Client) doFetch(ctx context.Context, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 接続エラー・タイムアウトはリトライ対象（コンテキスト起因を除く）
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, err
		}
		return nil, true, &model.TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if isRetryableStatus(resp.StatusCode) {
		io.Copy(io.Discard, resp.Body)
		return nil, true, &model.TransportError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, false, &model.TransportError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &model.TransportError{URL: rawURL, Err: err}
	}
	return body, false, nil
}

// isRetryableStatus はリトライ対象のHTTPステータスコードかどうかを返す。
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
