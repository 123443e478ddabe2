package resourcesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/kakensync/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestClient(rootURL string) *Client {
	c := NewClient(&http.Client{Timeout: 5 * time.Second}, discardLogger(), rootURL)
	c.maxRetries = 1
	return c
}

const discoveryXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:rs="http://www.openarchives.org/rs/terms/">
  <url>
    <loc>%s/capabilitylist.xml</loc>
    <rs:md capability="capabilitylist"/>
  </url>
</urlset>`

const capabilityXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:rs="http://www.openarchives.org/rs/terms/">
  <url>
    <loc>%s/resourcelist_0001.xml</loc>
    <lastmod>2024-06-01T00:00:00Z</lastmod>
    <rs:md capability="resourcelist"/>
  </url>
  <url>
    <loc>%s/resourcelist_0002.xml</loc>
    <lastmod>2024-06-02T00:00:00Z</lastmod>
    <rs:md capability="resourcelist"/>
  </url>
  <url>
    <loc>%s/changelist_0001.xml</loc>
    <lastmod>2024-06-03T00:00:00Z</lastmod>
    <rs:md capability="changelist"/>
  </url>
</urlset>`

const resourceListXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:rs="http://www.openarchives.org/rs/terms/">
  <url>
    <loc>https://kaken.example.org/researchers/1000001.json</loc>
    <lastmod>2024-06-01T12:00:00Z</lastmod>
  </url>
  <url>
    <loc>https://kaken.example.org/researchers/1000001.html</loc>
    <lastmod>2024-06-01T12:00:00Z</lastmod>
  </url>
  <url>
    <loc>https://kaken.example.org/researchers/1000002.json</loc>
    <lastmod>2024-06-02T08:30:00Z</lastmod>
  </url>
</urlset>`

const changeListXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:rs="http://www.openarchives.org/rs/terms/">
  <url>
    <loc>https://kaken.example.org/researchers/2000001.json</loc>
    <lastmod>2024-07-01T00:00:00Z</lastmod>
    <rs:md change="created"/>
  </url>
  <url>
    <loc>https://kaken.example.org/researchers/2000002.json</loc>
    <lastmod>2024-07-02T00:00:00Z</lastmod>
    <rs:md change="updated"/>
  </url>
  <url>
    <loc>https://kaken.example.org/researchers/2000003.json</loc>
    <lastmod>2024-07-03T00:00:00Z</lastmod>
    <rs:md change="deleted"/>
  </url>
</urlset>`

func TestGetCapabilityList_ReturnsOrderedLists(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/discovery.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sprintfSelf(discoveryXML, server.URL, 1)))
	})
	mux.HandleFunc("/capabilitylist.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sprintfSelf(capabilityXML, server.URL, 3)))
	})

	c := newTestClient(server.URL + "/discovery.xml")
	capList, err := c.GetCapabilityList(context.Background())
	if err != nil {
		t.Fatalf("GetCapabilityList() error = %v", err)
	}

	if len(capList.ResourceLists) != 2 {
		t.Fatalf("ResourceLists = %d件, want 2件", len(capList.ResourceLists))
	}
	if len(capList.ChangeLists) != 1 {
		t.Fatalf("ChangeLists = %d件, want 1件", len(capList.ChangeLists))
	}
	// フィードの列挙順が保持されること
	if capList.ResourceLists[0].URL != server.URL+"/resourcelist_0001.xml" {
		t.Errorf("ResourceLists[0].URL = %q", capList.ResourceLists[0].URL)
	}
	if capList.ResourceLists[1].URL != server.URL+"/resourcelist_0002.xml" {
		t.Errorf("ResourceLists[1].URL = %q", capList.ResourceLists[1].URL)
	}
	if capList.ChangeLists[0].LastMod != "2024-06-03T00:00:00Z" {
		t.Errorf("ChangeLists[0].LastMod = %q", capList.ChangeLists[0].LastMod)
	}
}

func TestGetCapabilityList_MissingCapabilityList_ReturnsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.org/something.xml</loc></url>
</urlset>`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.GetCapabilityList(context.Background())
	if err == nil {
		t.Fatal("capabilitylistエントリがない場合はエラーを返すべき")
	}
	var protoErr *model.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("ProtocolErrorであるべき: %v", err)
	}
}

func TestGetCapabilityList_InvalidXML_ReturnsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("これはXMLではありません"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.GetCapabilityList(context.Background())
	var protoErr *model.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("不正なXMLはProtocolErrorであるべき: %v", err)
	}
}

func TestProcessResourceList_FiltersJSONEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(resourceListXML))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	var items []ResourceItem
	for item, err := range c.ProcessResourceList(context.Background(), server.URL+"/resourcelist.xml") {
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		items = append(items, item)
	}

	// .htmlのエントリは除外される
	if len(items) != 2 {
		t.Fatalf("アイテム数 = %d, want 2", len(items))
	}
	if items[0].URL != "https://kaken.example.org/researchers/1000001.json" {
		t.Errorf("items[0].URL = %q", items[0].URL)
	}
	if items[0].LastMod != "2024-06-01T12:00:00Z" {
		t.Errorf("items[0].LastMod = %q", items[0].LastMod)
	}
	if items[1].URL != "https://kaken.example.org/researchers/1000002.json" {
		t.Errorf("items[1].URL = %q", items[1].URL)
	}
}

func TestProcessResourceList_MissingLastMod_YieldsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url>
    <loc>https://kaken.example.org/researchers/1.json</loc>
    <lastmod>2024-06-01T00:00:00Z</lastmod>
  </url>
  <url>
    <loc>https://kaken.example.org/researchers/2.json</loc>
  </url>
  <url>
    <loc>https://kaken.example.org/researchers/3.json</loc>
    <lastmod>2024-06-03T00:00:00Z</lastmod>
  </url>
</urlset>`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	var items []ResourceItem
	var gotErr error
	for item, err := range c.ProcessResourceList(context.Background(), server.URL) {
		if err != nil {
			gotErr = err
			break
		}
		items = append(items, item)
	}

	// lastmod欠落より前の有効なエントリは観測できる
	if len(items) != 1 {
		t.Errorf("エラー前のアイテム数 = %d, want 1", len(items))
	}
	var protoErr *model.ProtocolError
	if !errors.As(gotErr, &protoErr) {
		t.Fatalf("lastmod欠落はProtocolErrorであるべき: %v", gotErr)
	}
}

func TestProcessChangeList_ParsesChangeActions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(changeListXML))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	var items []ChangeItem
	for item, err := range c.ProcessChangeList(context.Background(), server.URL) {
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		items = append(items, item)
	}

	if len(items) != 3 {
		t.Fatalf("アイテム数 = %d, want 3", len(items))
	}
	wantActions := []ChangeAction{ChangeActionCreated, ChangeActionUpdated, ChangeActionDeleted}
	for i, want := range wantActions {
		if items[i].Action != want {
			t.Errorf("items[%d].Action = %q, want %q", i, items[i].Action, want)
		}
	}
}

func TestProcessChangeList_MissingChangeAttr_YieldsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url>
    <loc>https://kaken.example.org/researchers/1.json</loc>
    <lastmod>2024-07-01T00:00:00Z</lastmod>
  </url>
</urlset>`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	var gotErr error
	for _, err := range c.ProcessChangeList(context.Background(), server.URL) {
		if err != nil {
			gotErr = err
			break
		}
	}
	var protoErr *model.ProtocolError
	if !errors.As(gotErr, &protoErr) {
		t.Fatalf("rs:md欠落はProtocolErrorであるべき: %v", gotErr)
	}
}

func TestProcessChangeList_UnknownChangeAction_YieldsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:rs="http://www.openarchives.org/rs/terms/">
  <url>
    <loc>https://kaken.example.org/researchers/1.json</loc>
    <lastmod>2024-07-01T00:00:00Z</lastmod>
    <rs:md change="renamed"/>
  </url>
</urlset>`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	var gotErr error
	for _, err := range c.ProcessChangeList(context.Background(), server.URL) {
		if err != nil {
			gotErr = err
			break
		}
	}
	var protoErr *model.ProtocolError
	if !errors.As(gotErr, &protoErr) {
		t.Fatalf("未知の変更種別はProtocolErrorであるべき: %v", gotErr)
	}
}

func TestFetchResearcherData_InjectsSourceURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "1000001", "name": "山田太郎", "affiliation": "東京大学"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	itemURL := server.URL + "/researchers/1000001.json"
	doc, err := c.FetchResearcherData(context.Background(), itemURL)
	if err != nil {
		t.Fatalf("FetchResearcherData() error = %v", err)
	}

	if doc["name"] != "山田太郎" {
		t.Errorf("name = %q", doc["name"])
	}
	if doc[model.FieldSourceURL] != itemURL {
		t.Errorf("_source_url = %q, want %q", doc[model.FieldSourceURL], itemURL)
	}
}

func TestFetchResearcherData_EmptyBody_ReturnsEmptyDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	itemURL := server.URL + "/empty.json"
	doc, err := c.FetchResearcherData(context.Background(), itemURL)
	if err != nil {
		t.Fatalf("空ボディは有効な空ドキュメントとして扱うべき: %v", err)
	}
	if doc[model.FieldSourceURL] != itemURL {
		t.Errorf("_source_url = %q", doc[model.FieldSourceURL])
	}
	if len(doc) != 1 {
		t.Errorf("空ボディのドキュメントは_source_urlのみ持つべき: %v", doc)
	}
}

func TestFetchResearcherData_InvalidJSON_ReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.FetchResearcherData(context.Background(), server.URL+"/bad.json")
	if err == nil {
		t.Fatal("非JSONの非空ボディはエラーを返すべき")
	}
}

func TestFetch_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id": "1"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	doc, err := c.FetchResearcherData(context.Background(), server.URL+"/retry.json")
	if err != nil {
		t.Fatalf("リトライ後に成功すべき: %v", err)
	}
	if doc["id"] != "1" {
		t.Errorf("id = %q", doc["id"])
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("リクエスト数 = %d, want 2", got)
	}
}

func TestFetch_NonRetryableStatus_FailsImmediately(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.FetchResearcherData(context.Background(), server.URL+"/missing.json")
	var transportErr *model.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("TransportErrorであるべき: %v", err)
	}
	if transportErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", transportErr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("404はリトライすべきではない: リクエスト数 = %d", got)
	}
}

func TestFetch_SendsUserAgent(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if _, err := c.FetchResearcherData(context.Background(), server.URL+"/x.json"); err != nil {
		t.Fatalf("FetchResearcherData() error = %v", err)
	}
	if gotUA != userAgent {
		t.Errorf("User-Agent = %q, want %q", gotUA, userAgent)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusRequestTimeout, true},
		{http.StatusNotFound, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		if got := isRetryableStatus(tt.status); got != tt.want {
			t.Errorf("isRetryableStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseChangeAction(t *testing.T) {
	tests := []struct {
		input  string
		want   ChangeAction
		wantOK bool
	}{
		{"created", ChangeActionCreated, true},
		{"updated", ChangeActionUpdated, true},
		{"deleted", ChangeActionDeleted, true},
		{"renamed", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseChangeAction(tt.input)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseChangeAction(%q) = (%q, %v), want (%q, %v)",
				tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}

// sprintfSelf はサーバーURLをn回埋め込むフィクスチャ用ヘルパー。
func sprintfSelf(format, serverURL string, n int) string {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = serverURL
	}
	return fmt.Sprintf(format, args...)
}
