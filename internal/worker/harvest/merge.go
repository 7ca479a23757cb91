// Package harvest はアイテムフィードの収集エンジンを提供する。
// 取得対象IDの計画、並列フェッチ、マージ、バッチコミットを含む。
package harvest

import (
	"time"

	"github.com/hitoshi/hnarchive/internal/model"
)

// MergeAction はマージ結果としてストアに対して行う操作。
type MergeAction int

const (
	// MergeSkip は書き込みを行わない（未保存のIDがabsent）。
	MergeSkip MergeAction = iota
	// MergeInsert は新規アイテムとして保存する。
	MergeInsert
	// MergeOverwrite は保存済みアイテムを取得結果で上書きする。
	// 取得結果が持たない本文系フィールドは保存済みの値を残す。
	MergeOverwrite
	// MergePreserve は保存済みアイテムを変更せずに保持する（absent応答に対する削除保護）。
	MergePreserve
)

// String はメトリクスラベルとログに使う名前を返す。
func (a MergeAction) String() string {
	switch a {
	case MergeInsert:
		return "insert"
	case MergeOverwrite:
		return "overwrite"
	case MergePreserve:
		return "preserve"
	default:
		return "skip"
	}
}

// Merge は保存済みアイテムと取得結果から保存すべき値を決める。
// fetchedがnilの場合はabsentを表す。
// 戻り値のアイテムがnilでない場合でも、MergePreserveのときは書き込み不要。
func Merge(existing, fetched *model.Item, now time.Time) (*model.Item, MergeAction) {
	switch {
	case fetched == nil && existing == nil:
		return nil, MergeSkip
	case fetched == nil:
		// 一度保存した内容はabsent応答で消さない
		return existing, MergePreserve
	}

	merged := fetched.Clone()
	merged.RetrievedAt = now
	if existing == nil {
		return merged, MergeInsert
	}
	keepContent(merged, existing)
	return merged, MergeOverwrite
}

// keepContent は取得結果に含まれない作者・本文・URL・タイトル・スコア・所属投票を保存済みの値で補う。
// 削除済みアイテムの応答はこれらを持たないため、アーカイブ済みの内容を消さない。
// Parent、Kids、Descendants、Deleted、Deadは取得結果の値をそのまま使う。
func keepContent(merged, existing *model.Item) {
	if merged.Author == "" {
		merged.Author = existing.Author
	}
	if merged.Text == "" {
		merged.Text = existing.Text
	}
	if merged.URL == "" {
		merged.URL = existing.URL
	}
	if merged.Title == "" {
		merged.Title = existing.Title
	}
	if merged.Score == nil && existing.Score != nil {
		v := *existing.Score
		merged.Score = &v
	}
	if merged.Poll == nil && existing.Poll != nil {
		v := *existing.Poll
		merged.Poll = &v
	}
}
