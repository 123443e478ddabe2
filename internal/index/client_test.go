package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/kakensync/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestClient(baseURL string) *Client {
	c := NewClient(&http.Client{Timeout: 5 * time.Second}, discardLogger(), baseURL, "kaken_researchers")
	c.maxRetries = 1
	return c
}

func TestDocIDFromURL(t *testing.T) {
	url := "https://kaken.example.org/researchers/1000001.json"
	want := sha256.Sum256([]byte(url))

	got := DocIDFromURL(url)
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("DocIDFromURL(%q) = %q", url, got)
	}

	// 同一URLは常に同一IDに写像される
	if DocIDFromURL(url) != got {
		t.Error("同一URLからのID導出は決定的であるべき")
	}

	if DocIDFromURL("https://kaken.example.org/researchers/1000002.json") == got {
		t.Error("異なるURLは異なるIDに写像されるべき")
	}

	if DocIDFromURL("") != "" {
		t.Error("空URLには空IDを返すべき")
	}
}

func TestIndexExists(t *testing.T) {
	exists := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		if exists {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	got, err := c.IndexExists(context.Background())
	if err != nil {
		t.Fatalf("IndexExists() error = %v", err)
	}
	if !got {
		t.Error("200のときtrueを返すべき")
	}

	exists = false
	got, err = c.IndexExists(context.Background())
	if err != nil {
		t.Fatalf("IndexExists() error = %v", err)
	}
	if got {
		t.Error("404のときfalseを返すべき")
	}
}

func TestCreateIndex_AlreadyExists_NoOp(t *testing.T) {
	var putCalls, deleteCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			putCalls++
		case http.MethodDelete:
			deleteCalls++
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.CreateIndex(context.Background(), false); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if putCalls != 0 || deleteCalls != 0 {
		t.Errorf("既存インデックスのときは何もしないべき: put=%d delete=%d", putCalls, deleteCalls)
	}
}

func TestCreateIndex_DeleteExisting_RecreatesIndex(t *testing.T) {
	var methods []string
	var mapping map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method == http.MethodPut {
			json.NewDecoder(r.Body).Decode(&mapping)
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.CreateIndex(context.Background(), true); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}

	want := []string{http.MethodHead, http.MethodDelete, http.MethodPut}
	if len(methods) != len(want) {
		t.Fatalf("リクエスト列 = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("methods[%d] = %s, want %s", i, methods[i], want[i])
		}
	}

	props, ok := mapping["mappings"].(map[string]any)["properties"].(map[string]any)
	if !ok {
		t.Fatalf("マッピングにpropertiesがない: %v", mapping)
	}
	for _, field := range []string{model.FieldSourceURL, model.FieldLastUpdated, model.FieldDeleted, model.FieldSearchText, model.FieldEradID} {
		if _, ok := props[field]; !ok {
			t.Errorf("マッピングにフィールド%qがない", field)
		}
	}
}

func TestCreateIndex_NotExists_CreatesWithMapping(t *testing.T) {
	var putPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			putPath = r.URL.Path
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.CreateIndex(context.Background(), false); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if putPath != "/kaken_researchers" {
		t.Errorf("putPath = %q", putPath)
	}
}

func TestIndex_PreservesCallerWatermark(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	doc := model.Document{
		model.FieldSourceURL:   "https://kaken.example.org/r/1.json",
		model.FieldLastUpdated: "2024-06-01T00:00:00Z",
	}
	if err := c.Index(context.Background(), doc, "", "2024-07-01T00:00:00Z"); err != nil {
		t.Fatalf("Index() error = %v", err)
	}

	// 呼び出し側が設定済みのウォーターマークを上書きしない
	if body[model.FieldLastUpdated] != "2024-06-01T00:00:00Z" {
		t.Errorf("_last_updated = %q, want 呼び出し側の値", body[model.FieldLastUpdated])
	}
	if body[model.FieldDeleted] != false {
		t.Errorf("deleted = %v, want false", body[model.FieldDeleted])
	}
}

func TestIndex_StampsWatermarkWhenAbsent(t *testing.T) {
	var body map[string]any
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	doc := model.Document{model.FieldSourceURL: "https://kaken.example.org/r/1.json"}
	if err := c.Index(context.Background(), doc, "", "2024-07-01T00:00:00Z"); err != nil {
		t.Fatalf("Index() error = %v", err)
	}

	if body[model.FieldLastUpdated] != "2024-07-01T00:00:00Z" {
		t.Errorf("_last_updated = %q", body[model.FieldLastUpdated])
	}
	wantID := DocIDFromURL("https://kaken.example.org/r/1.json")
	if path != "/kaken_researchers/_doc/"+wantID {
		t.Errorf("path = %q", path)
	}
	// 入力ドキュメントを変更しないこと
	if _, ok := doc[model.FieldLastUpdated]; ok {
		t.Error("Indexは入力ドキュメントを変更すべきではない")
	}
}

func TestIndex_MissingID_ReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("IDを導出できない場合はリクエストを送るべきではない")
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	err := c.Index(context.Background(), model.Document{"name": "x"}, "", "")
	if !errors.Is(err, model.ErrMissingDocumentID) {
		t.Errorf("err = %v, want ErrMissingDocumentID", err)
	}
}

func TestDelete_NotFound_IsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.Delete(context.Background(), "nonexistent"); err != nil {
		t.Errorf("404の削除は成功として扱うべき: %v", err)
	}
}

func TestSoftDelete_WritesMinimalPayload(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.SoftDelete(context.Background(), "doc1", "https://kaken.example.org/r/1.json", "2024-07-01T00:00:00Z"); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}

	if body[model.FieldDeleted] != true {
		t.Errorf("deleted = %v, want true", body[model.FieldDeleted])
	}
	if body[model.FieldSourceURL] != "https://kaken.example.org/r/1.json" {
		t.Errorf("_source_url = %q, want 取得元URLの保持", body[model.FieldSourceURL])
	}
	if body[model.FieldLastUpdated] != "2024-07-01T00:00:00Z" {
		t.Errorf("_last_updated = %q", body[model.FieldLastUpdated])
	}
	if len(body) != 3 {
		t.Errorf("論理削除は最小ペイロードで上書きすべき: %v", body)
	}
}

func TestBulkIndex_SendsNDJSON(t *testing.T) {
	var rawBody string
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rawBody = string(b)
		contentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"errors": false, "items": []}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	docs := []model.Document{
		{model.FieldSourceURL: "https://kaken.example.org/r/1.json", "name": "A"},
		{model.FieldSourceURL: "https://kaken.example.org/r/2.json", "name": "B"},
	}
	n, err := c.BulkIndex(context.Background(), docs, 100, "2024-06-01T00:00:00Z")
	if err != nil {
		t.Fatalf("BulkIndex() error = %v", err)
	}
	if n != 2 {
		t.Errorf("投入件数 = %d, want 2", n)
	}

	if contentType != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", contentType)
	}
	lines := strings.Split(strings.TrimSpace(rawBody), "\n")
	if len(lines) != 4 {
		t.Fatalf("NDJSON行数 = %d, want 4（アクション行+ドキュメント行 × 2）", len(lines))
	}

	var action map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &action); err != nil {
		t.Fatalf("アクション行のパースに失敗: %v", err)
	}
	meta := action["index"].(map[string]any)
	if meta["_index"] != "kaken_researchers" {
		t.Errorf("_index = %q", meta["_index"])
	}
	if meta["_id"] != DocIDFromURL("https://kaken.example.org/r/1.json") {
		t.Errorf("_id = %q", meta["_id"])
	}
}

func TestBulkIndex_ChunksByBatchSize(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"errors": false, "items": []}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	docs := make([]model.Document, 5)
	for i := range docs {
		docs[i] = model.Document{model.FieldSourceURL: "https://kaken.example.org/r/" + string(rune('a'+i)) + ".json"}
	}
	n, err := c.BulkIndex(context.Background(), docs, 2, "")
	if err != nil {
		t.Fatalf("BulkIndex() error = %v", err)
	}
	if n != 5 {
		t.Errorf("投入件数 = %d, want 5", n)
	}
	if requests != 3 {
		t.Errorf("リクエスト数 = %d, want 3（バッチサイズ2で5件）", requests)
	}
}

func TestBulkIndex_ItemErrors_ReturnsBulkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"errors": true,
			"items": [
				{"index": {"_id": "doc1", "status": 200}},
				{"index": {"_id": "doc2", "status": 400, "error": {"type": "mapper_parsing_exception", "reason": "failed to parse field"}}}
			]
		}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	docs := []model.Document{
		{model.FieldSourceURL: "https://kaken.example.org/r/1.json"},
		{model.FieldSourceURL: "https://kaken.example.org/r/2.json"},
	}
	_, err := c.BulkIndex(context.Background(), docs, 100, "")

	var bulkErr *model.BulkError
	if !errors.As(err, &bulkErr) {
		t.Fatalf("BulkErrorであるべき: %v", err)
	}
	if len(bulkErr.Items) != 1 {
		t.Fatalf("失敗アイテム数 = %d, want 1", len(bulkErr.Items))
	}
	if bulkErr.Items[0].ID != "doc2" {
		t.Errorf("Items[0].ID = %q", bulkErr.Items[0].ID)
	}
	if bulkErr.Items[0].Reason != "failed to parse field" {
		t.Errorf("Items[0].Reason = %q", bulkErr.Items[0].Reason)
	}
}

func TestBulkIndex_MissingID_AbortsChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("IDを導出できないドキュメントを含むチャンクは送信すべきではない")
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	docs := []model.Document{
		{model.FieldSourceURL: "https://kaken.example.org/r/1.json"},
		{"name": "URLなし"},
	}
	_, err := c.BulkIndex(context.Background(), docs, 100, "")
	if !errors.Is(err, model.ErrMissingDocumentID) {
		t.Errorf("err = %v, want ErrMissingDocumentID", err)
	}
}

func TestGetByID_Found(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"found": true, "_source": {"name": "山田太郎", "_last_updated": "2024-06-01T00:00:00Z"}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	doc, err := c.GetByID(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc == nil {
		t.Fatal("ドキュメントが返るべき")
	}
	if doc["name"] != "山田太郎" {
		t.Errorf("name = %q", doc["name"])
	}
	if doc.LastUpdated() != "2024-06-01T00:00:00Z" {
		t.Errorf("LastUpdated() = %q", doc.LastUpdated())
	}
}

func TestGetByID_NotFound_ReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	doc, err := c.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("404はエラーではなくnilを返すべき: %v", err)
	}
	if doc != nil {
		t.Errorf("doc = %v, want nil", doc)
	}
}

func TestGetByEradID_ExcludesDeleted(t *testing.T) {
	var query map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&query)
		w.Write([]byte(`{"hits": {"total": {"value": 1}, "hits": [{"_source": {"erad": "90000001"}}]}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	doc, err := c.GetByEradID(context.Background(), "90000001")
	if err != nil {
		t.Fatalf("GetByEradID() error = %v", err)
	}
	if doc == nil || doc[model.FieldEradID] != "90000001" {
		t.Errorf("doc = %v", doc)
	}

	// クエリが論理削除済みを除外していること
	raw, _ := json.Marshal(query)
	if !strings.Contains(string(raw), "must_not") {
		t.Errorf("クエリにmust_notがない: %s", raw)
	}
	if !strings.Contains(string(raw), model.FieldEradID) {
		t.Errorf("クエリにeradフィールドがない: %s", raw)
	}
}

func TestGetByEradID_NoHits_ReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hits": {"total": {"value": 0}, "hits": []}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	doc, err := c.GetByEradID(context.Background(), "00000000")
	if err != nil {
		t.Fatalf("GetByEradID() error = %v", err)
	}
	if doc != nil {
		t.Errorf("doc = %v, want nil", doc)
	}
}

func TestSearch_ReturnsHits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"hits": {
				"total": {"value": 42},
				"hits": [
					{"_source": {"name": "山田太郎"}},
					{"_source": {"name": "佐藤花子"}}
				]
			}
		}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	result, err := c.Search(context.Background(), "machine learning", 10, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if result.Total != 42 {
		t.Errorf("Total = %d, want 42", result.Total)
	}
	if len(result.Documents) != 2 {
		t.Fatalf("Documents = %d件, want 2件", len(result.Documents))
	}
	if result.Documents[0]["name"] != "山田太郎" {
		t.Errorf("Documents[0].name = %q", result.Documents[0]["name"])
	}
}

func TestSearch_IndexNotFound_ReturnsEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	result, err := c.Search(context.Background(), "query", 10, 0)
	if err != nil {
		t.Fatalf("インデックス不在はエラーではなく空結果を返すべき: %v", err)
	}
	if result.Total != 0 || len(result.Documents) != 0 {
		t.Errorf("result = %+v, want 空", result)
	}
}

func TestRefreshIndex(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.RefreshIndex(context.Background()); err != nil {
		t.Fatalf("RefreshIndex() error = %v", err)
	}
	if path != "/kaken_researchers/_refresh" {
		t.Errorf("path = %q", path)
	}
}

func TestDocCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/kaken_researchers/_stats" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"_all": {"primaries": {"docs": {"count": 12345}}}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	count, err := c.DocCount(context.Background())
	if err != nil {
		t.Fatalf("DocCount() error = %v", err)
	}
	if count != 12345 {
		t.Errorf("count = %d, want 12345", count)
	}
}

func TestStatusError_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "401はAuthError",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *model.AuthError
				if !errors.As(err, &authErr) {
					t.Errorf("AuthErrorであるべき: %v", err)
				}
			},
		},
		{
			name:   "400はBadRequestError",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var badErr *model.BadRequestError
				if !errors.As(err, &badErr) {
					t.Errorf("BadRequestErrorであるべき: %v", err)
				}
			},
		},
		{
			name:   "409はConflictError",
			status: http.StatusConflict,
			check: func(t *testing.T, err error) {
				var conflictErr *model.ConflictError
				if !errors.As(err, &conflictErr) {
					t.Errorf("ConflictErrorであるべき: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := newTestClient(server.URL)
			err := c.RefreshIndex(context.Background())
			if err == nil {
				t.Fatal("エラーを返すべき")
			}
			tt.check(t, err)
		})
	}
}

func TestDoRaw_RetriesOnServiceUnavailable(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.RefreshIndex(context.Background()); err != nil {
		t.Fatalf("リトライ後に成功すべき: %v", err)
	}
	if calls != 2 {
		t.Errorf("リクエスト数 = %d, want 2", calls)
	}
}
