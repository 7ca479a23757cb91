// Package render は保存済みアイテムとその子孫をHTMLページとして出力する。
package render

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hitoshi/hnarchive/internal/model"
)

// ErrItemNotFound は指定IDのアイテムがストアにない場合のエラー。
var ErrItemNotFound = errors.New("item not in store")

// ItemReader はツリー構築に必要なストアの読み取り操作。
type ItemReader interface {
	Get(ctx context.Context, id int64) (*model.Item, error)
	ListChildren(ctx context.Context, parent int64) ([]*model.Item, error)
	ListPollOptions(ctx context.Context, poll int64) ([]*model.Item, error)
}

// Tree はアイテムと、parentで辿れる子孫のツリー。
type Tree struct {
	Item     *model.Item
	Children []*Tree
	// Options は投票の選択肢。poll以外では空。
	Options []*model.Item
}

// BuildTree は指定IDのアイテムを根とするツリーをストアから構築する。
// 子は作成時刻、同時刻の場合はID順に並ぶ。
func BuildTree(ctx context.Context, store ItemReader, id int64) (*Tree, error) {
	item, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	return buildTree(ctx, store, item)
}

func buildTree(ctx context.Context, store ItemReader, item *model.Item) (*Tree, error) {
	tree := &Tree{Item: item}

	if item.Type == "poll" {
		opts, err := store.ListPollOptions(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		sortByCreation(opts)
		tree.Options = opts
	}

	children, err := store.ListChildren(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	sortByCreation(children)

	for _, child := range children {
		sub, err := buildTree(ctx, store, child)
		if err != nil {
			return nil, err
		}
		tree.Children = append(tree.Children, sub)
	}
	return tree, nil
}

func sortByCreation(items []*model.Item) {
	slices.SortStableFunc(items, func(a, b *model.Item) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
