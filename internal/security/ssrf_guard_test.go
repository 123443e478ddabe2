package security

import (
	"testing"
	"time"
)

// ssrfGuardがSSRFGuardServiceを実装していることをコンパイル時に検証する。
var _ SSRFGuardService = (*ssrfGuard)(nil)

func TestNewSafeClient_ReturnsConfiguredClient(t *testing.T) {
	guard := NewSSRFGuard()
	client := guard.NewSafeClient(10 * time.Second)

	if client == nil {
		t.Fatal("expected non-nil client")
	}
	if client.Transport == nil {
		t.Error("SSRF防止のカスタムTransportが設定されているべき")
	}
}

func TestValidateURL_AllowsPublicURLs(t *testing.T) {
	guard := NewSSRFGuard()

	valid := []string{
		"https://kaken.nii.ac.jp/resourcesync",
		"http://example.com/feed.xml",
		"https://93.184.216.34/resource.json",
	}
	for _, rawURL := range valid {
		if err := guard.ValidateURL(rawURL); err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", rawURL, err)
		}
	}
}

func TestValidateURL_BlocksDangerousURLs(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		name   string
		rawURL string
	}{
		{"空URL", ""},
		{"不正なスキーム", "ftp://example.com/file"},
		{"fileスキーム", "file:///etc/passwd"},
		{"ループバックIP", "http://127.0.0.1/admin"},
		{"プライベートIP 10系", "http://10.0.0.5/internal"},
		{"プライベートIP 172系", "http://172.16.0.1/internal"},
		{"プライベートIP 192系", "http://192.168.1.1/router"},
		{"リンクローカル（メタデータIP）", "http://169.254.169.254/latest/meta-data/"},
		{"カレントネットワーク", "http://0.0.0.0/x"},
		{"IPv6ループバック", "http://[::1]/admin"},
		{"localhost", "http://localhost:8080/admin"},
		{"localhost大文字", "http://LOCALHOST/admin"},
		{"ホストなし", "http:///path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := guard.ValidateURL(tt.rawURL); err == nil {
				t.Errorf("ValidateURL(%q)はエラーを返すべき", tt.rawURL)
			}
		})
	}
}

func TestValidateURL_SchemeCaseInsensitive(t *testing.T) {
	guard := NewSSRFGuard()
	if err := guard.ValidateURL("HTTPS://example.com/feed"); err != nil {
		t.Errorf("スキームの大文字小文字は無視すべき: %v", err)
	}
}
