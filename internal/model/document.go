package model

// インデックスドキュメントの予約フィールド名。
// ドキュメント本体はKAKEN上流のJSONをそのまま保持する非定型の木構造であり、
// このサブシステムが意味を持たせるのは以下のフィールドのみ。
const (
	// FieldSourceURL は取得元の正規URL。ドキュメントIDの導出元。
	FieldSourceURL = "_source_url"
	// FieldLastUpdated は適用済み上流更新のISO-8601タイムスタンプ。
	// 競合解決の唯一のウォーターマーク。
	FieldLastUpdated = "_last_updated"
	// FieldDeleted は論理削除フラグ。削除後もウォーターマークを保持するため
	// ドキュメント自体は物理削除しない。
	FieldDeleted = "deleted"
	// FieldSearchText はTransformerが導出する全文検索用フィールド。
	FieldSearchText = "search_text"
	// FieldEradID は研究者番号（e-Rad）。コンテンツアドレスIDとは別の
	// 業務キーによる検索に使用する。
	FieldEradID = "erad"
)

// Document は上流から取得した研究者レコードのJSON木。
// 上流のスキーマは固定ではないため、汎用のマップとして扱う。
type Document map[string]any

// SourceURL は_source_urlフィールドを文字列として返す。
// 未設定または文字列以外の場合は空文字列を返す。
func (d Document) SourceURL() string {
	s, _ := d[FieldSourceURL].(string)
	return s
}

// LastUpdated は_last_updatedフィールドを文字列として返す。
// 未設定または文字列以外の場合は空文字列を返す。
func (d Document) LastUpdated() string {
	s, _ := d[FieldLastUpdated].(string)
	return s
}

// IsDeleted は論理削除済みかどうかを返す。
func (d Document) IsDeleted() bool {
	b, _ := d[FieldDeleted].(bool)
	return b
}

// Clone はドキュメントの深いコピーを返す。
// Transformerは入力を変更しない契約のため、変更前に必ずコピーする。
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

// cloneValue はJSON木（map/slice/スカラー）を再帰的にコピーする。
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
