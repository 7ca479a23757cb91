// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/hnarchive/internal/model"
)

// ItemRepository はアイテムと取得済み最大ID（ウォーターマーク）の永続化インターフェース。
// 書き込みはUpsertBatchのトランザクション単位でのみ行われる。
type ItemRepository interface {
	// Get は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, id int64) (*model.Item, error)

	// UpsertBatch はアイテム群をIDキーで上書き保存し、newWatermarkが0より大きければ
	// ウォーターマークを単調に引き上げる。すべて1つのトランザクションで行う。
	UpsertBatch(ctx context.Context, items []*model.Item, newWatermark int64) error

	// Watermark は保存済み最大IDを返す。ストアが空の場合は0を返す。
	Watermark(ctx context.Context) (int64, error)

	// SelectStale は作成から取得までの経過がdays日未満のアイテムIDを返す。
	// onlyMatureがtrueの場合、作成から14日以上経過したものに限る。
	SelectStale(ctx context.Context, days float64, onlyMature bool, now time.Time) ([]int64, error)

	// ListChildren はparentを親に持つアイテムを作成時刻順に返す。
	ListChildren(ctx context.Context, parent int64) ([]*model.Item, error)

	// ListPollOptions は指定投票に属する選択肢を作成時刻順に返す。
	ListPollOptions(ctx context.Context, poll int64) ([]*model.Item, error)
}
