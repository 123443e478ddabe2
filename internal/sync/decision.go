// Package sync はKAKEN ResourceSync同期のオーケストレーターを提供する。
// フィードクライアント・変換器・インデックスサービス・チェックポイントを
// 駆動する状態機械であり、競合解決と再開アルゴリズムを実装する。
package sync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/kakensync/internal/model"
)

// timestampLayouts はフィードおよび格納済みウォーターマークとして許容する
// ISO-8601のレイアウト。タイムゾーンを持たない値はUTCとみなす。
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp はISO-8601文字列を絶対時刻にパースする。
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("タイムスタンプをパースできません: %q", s)
}

// ShouldApply は競合解決の中核となる判定を行う。
// 受信アイテムのタイムスタンプitemLastModと、格納済みドキュメントexistingの
// ウォーターマークを比較し、このアイテムを適用すべきかどうかを返す。
//
//   - itemLastModが空の場合は常にエラー。フィードアイテムは自身の
//     ウォーターマークを持つことが契約であり、黙って既定値に落とさない。
//   - 格納済みドキュメントが存在しない、ウォーターマークが未設定、または
//     パース不能な場合は適用する（作成として扱う）。パース不能な格納値は
//     警告ログを出すが、処理を妨げることはない。
//   - それ以外は両者を絶対時刻に正規化し、受信側が「厳密に大きい」場合のみ
//     適用する。等しい場合は適用しない。これにより変化のないフィード
//     ウィンドウの再実行が真のno-opになり、隣接実行間で同じチェンジリスト
//     エントリを二重適用することも防がれる。
//
// この判定を実実行とドライランで共有することで、パイプライン全体が
// アイテム粒度で冪等かつ安全に再入可能になる。
func ShouldApply(itemLastMod string, existing model.Document, logger *slog.Logger) (bool, error) {
	if itemLastMod == "" {
		return false, model.ErrMissingTimestamp
	}

	tNew, err := parseTimestamp(itemLastMod)
	if err != nil {
		return false, fmt.Errorf("アイテムのlastmodが不正です: %w", err)
	}

	if existing == nil {
		return true, nil
	}

	stored := existing.LastUpdated()
	if stored == "" {
		return true, nil
	}

	tOld, err := parseTimestamp(stored)
	if err != nil {
		logger.Warn("格納済みウォーターマークをパースできないため適用します",
			slog.String("stored", stored),
			slog.String("source_url", existing.SourceURL()),
		)
		return true, nil
	}

	return tNew.After(tOld), nil
}
