// Package model はドメインモデルを定義する。
package model

import "time"

// Item はリモートフィードから取得したアイテム（ストーリー、コメント、求人、投票など）を表す。
// IDはリモート側で採番され、一度割り当てられると変わらない。
// 文字列フィールドの空文字は「値なし」として扱い、ストアにはNULLで保存する。
type Item struct {
	ID          int64
	Type        string // story, comment, job, poll, pollopt など（不透明な文字列）
	Author      string
	CreatedAt   time.Time
	Text        string // リモートが返すHTML断片
	Parent      *int64
	Poll        *int64 // pollopt の所属する投票
	Kids        []int64
	Parts       []int64 // poll の選択肢
	URL         string
	Score       *int
	Title       string
	Descendants *int
	Deleted     bool
	Dead        bool
	RetrievedAt time.Time // 最後に非absentレスポンスで更新した時刻
}

// Clone はアイテムのディープコピーを返す。
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	if it.Parent != nil {
		v := *it.Parent
		c.Parent = &v
	}
	if it.Poll != nil {
		v := *it.Poll
		c.Poll = &v
	}
	if it.Score != nil {
		v := *it.Score
		c.Score = &v
	}
	if it.Descendants != nil {
		v := *it.Descendants
		c.Descendants = &v
	}
	if it.Kids != nil {
		c.Kids = append([]int64(nil), it.Kids...)
	}
	if it.Parts != nil {
		c.Parts = append([]int64(nil), it.Parts...)
	}
	return &c
}

// Purpose はワークユニットの目的を表す。
type Purpose string

const (
	// PurposeFetch は未取得IDの新規フェッチ。
	PurposeFetch Purpose = "fetch"
	// PurposeRefresh は保存済みアイテムの再取得（スコア・子孫数の収束待ち）。
	PurposeRefresh Purpose = "refresh"
)

// WorkUnit はフェッチキューに積まれる1件の作業単位。永続化はしない。
type WorkUnit struct {
	ID      int64
	Purpose Purpose
}
