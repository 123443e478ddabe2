// Package resourcesync はResourceSyncプロトコル（sitemap-XMLベース）の
// フィードクライアントを提供する。ディスカバリドキュメント、
// ケーパビリティリスト、リソースリスト、チェンジリストの取得とパース、
// および各アイテムのJSONコンテンツ取得を行う。
package resourcesync

import "encoding/xml"

// XML名前空間。ワイヤレベルの互換性要件のため固定値。
const (
	sitemapNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"
	rsNamespace      = "http://www.openarchives.org/rs/terms/"
)

// capabilityCapabilityList はディスカバリドキュメント内で
// ケーパビリティリストを指すrs:md capability属性値。
const capabilityCapabilityList = "capabilitylist"

// ケーパビリティリスト内のリスト種別。
const (
	capabilityResourceList = "resourcelist"
	capabilityChangeList   = "changelist"
)

// ChangeAction はチェンジリストのエントリが示す変更種別。
type ChangeAction string

const (
	// ChangeActionCreated は新規作成。
	ChangeActionCreated ChangeAction = "created"
	// ChangeActionUpdated は更新。
	ChangeActionUpdated ChangeAction = "updated"
	// ChangeActionDeleted は削除。オーケストレーターは論理削除を適用する。
	ChangeActionDeleted ChangeAction = "deleted"
)

// ParseChangeAction は文字列をChangeActionに変換する。
// 未知の値の場合はfalseを返す。
func ParseChangeAction(s string) (ChangeAction, bool) {
	switch ChangeAction(s) {
	case ChangeActionCreated, ChangeActionUpdated, ChangeActionDeleted:
		return ChangeAction(s), true
	default:
		return "", false
	}
}

// ListRef はケーパビリティリストから抽出したリソース/チェンジリストへの参照。
type ListRef struct {
	URL     string
	LastMod string
}

// CapabilityList はフィードが公開するリストの順序付き集合。
type CapabilityList struct {
	ResourceLists []ListRef
	ChangeLists   []ListRef
}

// ResourceItem はリソースリストの1エントリ。
type ResourceItem struct {
	URL     string
	LastMod string
}

// ChangeItem はチェンジリストの1エントリ。
type ChangeItem struct {
	Action  ChangeAction
	URL     string
	LastMod string
}

// urlSet はsitemap-XMLの<urlset>ドキュメント。
type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	URLs    []urlEntry `xml:"url"`
}

// urlEntry は<url>エントリ。rs:mdはResourceSync拡張名前空間の要素。
type urlEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
	MD      *rsMD  `xml:"http://www.openarchives.org/rs/terms/ md"`
}

// rsMD は<rs:md>要素。capabilityはリスト種別、changeは変更種別を示す。
type rsMD struct {
	Capability string `xml:"capability,attr"`
	Change     string `xml:"change,attr"`
}
