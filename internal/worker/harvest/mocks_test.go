package harvest

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/hnarchive/internal/model"
)

// --- モック定義 ---

// mockFetcher はFetcherのテスト用モック。
type mockFetcher struct {
	fetchItemFunc  func(ctx context.Context, id int64) (*model.Item, error)
	currentMaxFunc func(ctx context.Context) (int64, error)
}

func (m *mockFetcher) FetchItem(ctx context.Context, id int64) (*model.Item, error) {
	if m.fetchItemFunc != nil {
		return m.fetchItemFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockFetcher) CurrentMax(ctx context.Context) (int64, error) {
	if m.currentMaxFunc != nil {
		return m.currentMaxFunc(ctx)
	}
	return 0, nil
}

// memStore はItemRepositoryのメモリ上の実装。コミット単位の記録も保持する。
type memStore struct {
	mu        sync.Mutex
	items     map[int64]*model.Item
	watermark int64
	batches   [][]int64

	upsertBatchFunc func(items []*model.Item, newWatermark int64) error
	getFunc         func(id int64) (*model.Item, error)
	selectStaleFunc func(days float64, onlyMature bool, now time.Time) ([]int64, error)
}

func newMemStore(items ...*model.Item) *memStore {
	s := &memStore{items: make(map[int64]*model.Item)}
	for _, it := range items {
		s.items[it.ID] = it.Clone()
		if it.ID > s.watermark {
			s.watermark = it.ID
		}
	}
	return s
}

func (s *memStore) Get(ctx context.Context, id int64) (*model.Item, error) {
	if s.getFunc != nil {
		return s.getFunc(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id].Clone(), nil
}

func (s *memStore) UpsertBatch(ctx context.Context, items []*model.Item, newWatermark int64) error {
	if s.upsertBatchFunc != nil {
		if err := s.upsertBatchFunc(items, newWatermark); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		s.items[it.ID] = it.Clone()
		ids = append(ids, it.ID)
	}
	s.batches = append(s.batches, ids)
	if newWatermark > s.watermark {
		s.watermark = newWatermark
	}
	return nil
}

func (s *memStore) Watermark(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

func (s *memStore) SelectStale(ctx context.Context, days float64, onlyMature bool, now time.Time) ([]int64, error) {
	if s.selectStaleFunc != nil {
		return s.selectStaleFunc(days, onlyMature, now)
	}
	return nil, nil
}

func (s *memStore) ListChildren(ctx context.Context, parent int64) ([]*model.Item, error) {
	return nil, nil
}

func (s *memStore) ListPollOptions(ctx context.Context, poll int64) ([]*model.Item, error) {
	return nil, nil
}

func (s *memStore) ids() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memStore) item(id int64) *model.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id].Clone()
}

// --- ヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fastRetry はテスト用の短いリトライポリシー。
var fastRetry = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  time.Millisecond,
	MaxDelay:   2 * time.Millisecond,
	MaxTotal:   100 * time.Millisecond,
}

func remoteItem(id int64) *model.Item {
	score := int(id * 10)
	return &model.Item{
		ID:        id,
		Type:      "story",
		Author:    "author",
		CreatedAt: time.Unix(1700000000+id, 0).UTC(),
		Title:     "title",
		Score:     &score,
	}
}

func transientErr(id int64) error {
	return &model.TransientError{Op: "item", ItemID: id, StatusCode: 503}
}
