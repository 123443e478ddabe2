// Package model はドメインモデルとエラー分類を定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
)

// プログラミング契約違反・データ整合性違反のエラー。
// 捕捉して無視してはならない。
var (
	// ErrMissingDocumentID はドキュメントIDを導出できない場合のエラー。
	// 帰属先のないドキュメントをランダムなキーで書き込んではならない。
	ErrMissingDocumentID = errors.New("ドキュメントIDを導出できません: idも_source_urlも指定されていません")
	// ErrMissingTimestamp はフィードアイテムのlastmodが欠落している場合のエラー。
	// すべてのアイテムは自身のウォーターマークを持つことが契約である。
	ErrMissingTimestamp = errors.New("アイテムのlastmodがありません: ウォーターマークなしの適用判定はできません")
)

// ProtocolError はResourceSyncフィードの形式違反を表す。
// 必須メタデータやlastmodの欠落など、リトライしても解決しない
// フィード側の整合性問題であり、現在のリストの処理は即座に中断される。
type ProtocolError struct {
	URL    string // 問題が発生したドキュメントまたはエントリのURL
	Reason string // 違反内容
}

// Error はerrorインターフェースを実装する。
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ResourceSyncプロトコル違反 (%s): %s", e.URL, e.Reason)
}

// NewProtocolError はProtocolErrorを生成する。
func NewProtocolError(url, reason string) *ProtocolError {
	return &ProtocolError{URL: url, Reason: reason}
}

// TransportError は接続失敗・タイムアウト・5xx/429などの一時的な
// 通信エラーを表す。HTTPクライアント層で有限回リトライされ、
// リトライが尽きた場合のみ上位に伝播する。
type TransportError struct {
	URL        string
	StatusCode int   // HTTPステータスコード。接続エラーの場合は0
	Err        error // 下位のエラー
}

// Error はerrorインターフェースを実装する。
func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("通信エラー (%s): ステータス %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("通信エラー (%s): %v", e.URL, e.Err)
}

// Unwrap は下位のエラーを返す。
func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError はインデックスサービスからの401/403を表す。リトライ対象外。
type AuthError struct {
	URL        string
	StatusCode int
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return fmt.Sprintf("認証エラー (%s): ステータス %d", e.URL, e.StatusCode)
}

// BadRequestError はインデックスサービスからの400を表す。
// 呼び出し側のバグ（不正なドキュメントやクエリ）を示す。リトライ対象外。
type BadRequestError struct {
	URL  string
	Body string
}

// Error はerrorインターフェースを実装する。
func (e *BadRequestError) Error() string {
	return fmt.Sprintf("不正なリクエスト (%s): %s", e.URL, e.Body)
}

// ConflictError はインデックスサービスからの409を表す。
// 現在のオーケストレーターはlast-write-winsのため使用しないが、
// 楽観的並行制御を行う将来の呼び出し元のために区別して公開する。
type ConflictError struct {
	URL string
}

// Error はerrorインターフェースを実装する。
func (e *ConflictError) Error() string {
	return fmt.Sprintf("競合を検出しました (%s)", e.URL)
}

// BulkItemError はバルク書き込み内の1ドキュメント分の失敗情報。
type BulkItemError struct {
	ID     string // ドキュメントID
	Status int    // ステータスコード
	Reason string // 失敗理由
}

// BulkError はバルク書き込みの部分失敗を表す。
// オーケストレーターはこのエラーを「バッチ全体が永続化されていない」と
// 扱い、当該バッチ分のチェックポイントを進めてはならない。
type BulkError struct {
	Items []BulkItemError
}

// Error はerrorインターフェースを実装する。
func (e *BulkError) Error() string {
	if len(e.Items) == 0 {
		return "バルク書き込みに失敗しました"
	}
	details := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		details = append(details, fmt.Sprintf("%s: [%d] %s", item.ID, item.Status, item.Reason))
	}
	return fmt.Sprintf("バルク書き込みで%d件の失敗: %s", len(e.Items), strings.Join(details, "; "))
}
