// Package transform は上流の研究者JSONレコードをインデックス投入用
// ドキュメントに変換する。全フィールドをそのまま保持しつつ、
// 全文検索用のsearch_textフィールドを導出する。
package transform

import (
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/kakensync/internal/model"
)

// searchTextPaths はsearch_textの収集対象とする既知のサブ構造のパス。
// 氏名表記・所属履歴・研究課題（題目/区分/分野/キーワード/機関/メンバー）・
// 研究成果物（題目/著者/寄与者）を対象とする。
// パス途中の配列は全要素に展開される。
var searchTextPaths = [][]string{
	{"names"},
	{"affiliations"},
	{"projects", "title"},
	{"projects", "category"},
	{"projects", "field"},
	{"projects", "keywords"},
	{"projects", "institutions"},
	{"projects", "members"},
	{"products", "title"},
	{"products", "creators"},
	{"products", "contributors"},
}

// Transformer は研究者レコードの変換器。副作用を持たず、同一入力に対して
// 常に同一の出力を返す。サニタイズポリシーはプロセス起動時に1回構築し、
// 以後変更しない。
type Transformer struct {
	policy *bluemonday.Policy
}

// NewTransformer はTransformerの新しいインスタンスを生成する。
func NewTransformer() *Transformer {
	return &Transformer{
		// KAKENの題目フィールドにはまれにHTMLマークアップが混入するため、
		// 検索テキストへはタグを除去したプレーンテキストのみを採用する
		policy: bluemonday.StrictPolicy(),
	}
}

// Transform は生の研究者レコードをインデックス投入用ドキュメントに変換する。
// 入力は変更せず、防御的コピーに対してフィールドを追加する。
// 既知のサブ構造を再帰的かつ防御的に走査してsearch_textを構築する。
// サブ構造の欠落や型の不一致は黙って無視し、変換が1レコードの不備で
// バッチ全体を中断させることはない。_source_urlが存在しない場合は
// nullを設定する（投入前の補完はオーケストレーターの責務）。
func (t *Transformer) Transform(raw model.Document) model.Document {
	doc := raw.Clone()
	if doc == nil {
		doc = model.Document{}
	}

	doc[model.FieldSearchText] = t.buildSearchText(doc)

	if _, ok := doc[model.FieldSourceURL]; !ok {
		doc[model.FieldSourceURL] = nil
	}

	return doc
}

// buildSearchText は既知のサブ構造からテキスト葉を収集し、
// 空文字列を除いてスペース区切りで連結する。
func (t *Transformer) buildSearchText(doc model.Document) string {
	var parts []string
	for _, path := range searchTextPaths {
		collectPath(map[string]any(doc), path, &parts)
	}

	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(t.policy.Sanitize(p))
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return strings.Join(cleaned, " ")
}

// collectPath はパスに沿ってJSON木を降りる。パス途中の配列は全要素に
// 展開し、パスの終端に到達した値からテキスト葉を収集する。
// 期待と異なる型に遭遇した場合はその枝を無視する。
func collectPath(v any, path []string, out *[]string) {
	if len(path) == 0 {
		collectText(v, out)
		return
	}

	switch val := v.(type) {
	case map[string]any:
		if child, ok := val[path[0]]; ok {
			collectPath(child, path[1:], out)
		}
	case []any:
		for _, elem := range val {
			collectPath(elem, path, out)
		}
	}
}

// collectText は値以下のすべての文字列葉を収集する。
// マップはキー順に走査し、出力を決定的にする。
func collectText(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		*out = append(*out, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectText(val[k], out)
		}
	case []any:
		for _, elem := range val {
			collectText(elem, out)
		}
	}
}
