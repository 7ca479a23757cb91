package harvest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/hnarchive/internal/metrics"
	"github.com/hitoshi/hnarchive/internal/model"
	"github.com/hitoshi/hnarchive/internal/repository"
)

// BatchCommitter はマージ済みアイテムをバッファし、period件ごとに1トランザクションでコミットする。
// ウォーターマークの引き上げもバッファ内の最大IDとして同じトランザクションで行う。
// バッファとウォーターマークはmuで保護し、コミットは常に直列に実行される。
type BatchCommitter struct {
	store   repository.ItemRepository
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	period  int

	mu         sync.Mutex
	buf        []*model.Item
	index      map[int64]int
	pendingMax int64
	committed  int64
	commits    int
}

// NewBatchCommitter はBatchCommitterを生成する。periodが1未満の場合はConfigErrorを返す。
func NewBatchCommitter(
	store repository.ItemRepository,
	period int,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) (*BatchCommitter, error) {
	if period < 1 {
		return nil, model.NewInvalidCommitPeriodError(period)
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &BatchCommitter{
		store:   store,
		logger:  logger,
		metrics: m,
		period:  period,
		buf:     make([]*model.Item, 0, period),
		index:   make(map[int64]int, period),
	}, nil
}

// Submit はアイテムをバッファに追加し、period件に達したらフラッシュする。
// 同じIDが既にバッファにある場合は置き換える。
// フラッシュに失敗した場合、バッファは保持したまま *model.StoreWriteError を返す。
func (b *BatchCommitter) Submit(ctx context.Context, item *model.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i, ok := b.index[item.ID]; ok {
		b.buf[i] = item
	} else {
		b.index[item.ID] = len(b.buf)
		b.buf = append(b.buf, item)
	}
	if item.ID > b.pendingMax {
		b.pendingMax = item.ID
	}
	b.metrics.SetPendingWrites(len(b.buf))

	if len(b.buf) < b.period {
		return nil
	}
	return b.flushLocked(ctx)
}

// Flush はバッファ内の残りをコミットする。バッファが空の場合は何もしない。
func (b *BatchCommitter) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *BatchCommitter) flushLocked(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}

	start := time.Now()
	if err := b.store.UpsertBatch(ctx, b.buf, b.pendingMax); err != nil {
		b.logger.Error("バッチコミットに失敗しました",
			slog.Int("item_count", len(b.buf)),
			slog.Int64("watermark", b.pendingMax),
			slog.String("error", err.Error()),
		)
		return &model.StoreWriteError{Op: "upsert batch", Err: err}
	}
	duration := time.Since(start)

	if b.pendingMax > b.committed {
		b.committed = b.pendingMax
		b.metrics.SetWatermark(b.committed)
	}
	b.commits++
	b.metrics.RecordCommit(len(b.buf), duration)
	b.logger.Debug("バッチをコミットしました",
		slog.Int("item_count", len(b.buf)),
		slog.Int64("watermark", b.committed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	clear(b.index)
	b.buf = make([]*model.Item, 0, b.period)
	b.pendingMax = 0
	b.metrics.SetPendingWrites(0)
	return nil
}

// Lookup はバッファ内の未コミットのアイテムを返す。
func (b *BatchCommitter) Lookup(id int64) (*model.Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return b.buf[i], true
}

// Pending は未コミットのアイテム数を返す。
func (b *BatchCommitter) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Commits は成功したコミット回数を返す。
func (b *BatchCommitter) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}
