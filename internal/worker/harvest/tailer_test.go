package harvest

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/hnarchive/internal/model"
)

// scriptedMax はポーリングごとに決められた最大IDを返し、末尾の値を繰り返す。
type scriptedMax struct {
	mu     sync.Mutex
	values []any // int64 または error
	calls  int
}

func (s *scriptedMax) next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.values) {
		i = len(s.values) - 1
	}
	s.calls++
	switch v := s.values[i].(type) {
	case error:
		return 0, v
	default:
		return v.(int64), nil
	}
}

func TestNewTailer_DefaultInterval(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTailer(newMemStore(), &mockFetcher{}, 0, fastRetry, newTestLogger(&buf))
	if tl.interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", tl.interval)
	}
}

func TestTailer_Source_YieldsNewIDs(t *testing.T) {
	script := &scriptedMax{values: []any{int64(3), int64(3), errors.New("reset by peer"), int64(6)}}
	fetcher := &mockFetcher{currentMaxFunc: script.next}

	var buf bytes.Buffer
	tl := NewTailer(newMemStore(), fetcher, time.Millisecond, fastRetry, newTestLogger(&buf))

	src, err := tl.Source(context.Background())
	if err != nil {
		t.Fatalf("Source がエラーを返した: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []int64
	for u := range src(ctx) {
		if u.Purpose != model.PurposeFetch {
			t.Errorf("Purpose = %q, want %q", u.Purpose, model.PurposeFetch)
		}
		ids = append(ids, u.ID)
		if len(ids) == 6 {
			break
		}
	}

	if !reflect.DeepEqual(ids, []int64{1, 2, 3, 4, 5, 6}) {
		t.Errorf("ids = %v, want [1 ... 6]", ids)
	}
	if !strings.Contains(buf.String(), "最大IDの取得に失敗しました") {
		t.Error("ポーリングの失敗がログに記録されるべき")
	}
}

func TestTailer_Source_StartsFromWatermark(t *testing.T) {
	store := newMemStore(remoteItem(100))
	fetcher := &mockFetcher{
		currentMaxFunc: func(ctx context.Context) (int64, error) { return 102, nil },
	}
	var buf bytes.Buffer
	tl := NewTailer(store, fetcher, time.Millisecond, fastRetry, newTestLogger(&buf))

	src, err := tl.Source(context.Background())
	if err != nil {
		t.Fatalf("Source がエラーを返した: %v", err)
	}

	var ids []int64
	for u := range src(context.Background()) {
		ids = append(ids, u.ID)
		if len(ids) == 2 {
			break
		}
	}
	if !reflect.DeepEqual(ids, []int64{101, 102}) {
		t.Errorf("ids = %v, want [101 102]", ids)
	}
}

func TestTailer_Source_StopsOnCancel(t *testing.T) {
	fetcher := &mockFetcher{
		currentMaxFunc: func(ctx context.Context) (int64, error) { return 0, nil },
	}
	var buf bytes.Buffer
	tl := NewTailer(newMemStore(), fetcher, time.Hour, fastRetry, newTestLogger(&buf))

	src, err := tl.Source(context.Background())
	if err != nil {
		t.Fatalf("Source がエラーを返した: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range src(ctx) {
		}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("キャンセル後もポーリングが続いている")
	}
}

func TestTailer_WithCoordinator_FlushesOnCancel(t *testing.T) {
	var remoteMax atomic.Int64
	remoteMax.Store(5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetched atomic.Int32
	fetcher := &mockFetcher{
		currentMaxFunc: func(ctx context.Context) (int64, error) {
			return remoteMax.Load(), nil
		},
		fetchItemFunc: func(ctx context.Context, id int64) (*model.Item, error) {
			if fetched.Add(1) == 5 {
				remoteMax.Store(8)
			}
			if id == 8 {
				cancel()
			}
			return remoteItem(id), nil
		},
	}
	store := newMemStore()

	var buf bytes.Buffer
	tl := NewTailer(store, fetcher, time.Millisecond, fastRetry, newTestLogger(&buf))
	src, err := tl.Source(ctx)
	if err != nil {
		t.Fatalf("Source がエラーを返した: %v", err)
	}

	// commit_period を大きくして最終フラッシュでのみコミットされるようにする
	c := newTestCoordinator(t, fetcher, store, Options{Threads: 1, CommitPeriod: 1000}, nil)
	stats, err := c.Run(ctx, src)
	if err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}
	if !stats.Interrupted {
		t.Error("Interrupted = false, want true")
	}
	if got := store.ids(); !reflect.DeepEqual(got, []int64{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("stored ids = %v, want [1 ... 8]", got)
	}
	if len(store.batches) != 1 {
		t.Errorf("コミット回数 = %d, want 1", len(store.batches))
	}
	if w, _ := store.Watermark(context.Background()); w != 8 {
		t.Errorf("watermark = %d, want 8", w)
	}
}
