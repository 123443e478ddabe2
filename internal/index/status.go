package index

import "net/http"

// statusClass はインデックスサービスのHTTPステータスコードの分類。
type statusClass int

const (
	// statusOK は成功（2xx）。
	statusOK statusClass = iota
	// statusNotFound は404。操作によって意味が異なる（GET=不在、DELETE=達成済み）。
	statusNotFound
	// statusRetryable は一時的エラー（408/429/5xx）。有限回リトライする。
	statusRetryable
	// statusAuth は認証エラー（401/403）。リトライしない。
	statusAuth
	// statusBadRequest は400。呼び出し側のバグを示す。リトライしない。
	statusBadRequest
	// statusConflict は409。リトライしない。
	statusConflict
	// statusFatal は上記以外のエラーステータス。リトライしない。
	statusFatal
)

// classifyStatus はHTTPステータスコードを分類する。
func classifyStatus(statusCode int) statusClass {
	switch {
	case statusCode >= 200 && statusCode <= 299:
		return statusOK
	case statusCode == http.StatusNotFound:
		return statusNotFound
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return statusRetryable
	case statusCode >= 500:
		return statusRetryable
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return statusAuth
	case statusCode == http.StatusBadRequest:
		return statusBadRequest
	case statusCode == http.StatusConflict:
		return statusConflict
	default:
		return statusFatal
	}
}
