package harvest

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/hnarchive/internal/metrics"
	"github.com/hitoshi/hnarchive/internal/model"
	"github.com/hitoshi/hnarchive/internal/repository"
)

// maxReportedSkips はStatsに記録するスキップIDの上限。
const maxReportedSkips = 1000

// Fetcher はリモートAPIからの取得インターフェース。
// 複数のワーカーから同時に呼び出される。
type Fetcher interface {
	// FetchItem は指定IDのアイテムを取得する。absentの場合は (nil, nil) を返す。
	FetchItem(ctx context.Context, id int64) (*model.Item, error)
	// CurrentMax はリモートの現在の最大IDを返す。
	CurrentMax(ctx context.Context) (int64, error)
}

// Source は取得対象のワークユニット列を生成する。
// 無限列の場合はctxのキャンセルで終了しなければならない。
type Source func(ctx context.Context) iter.Seq[model.WorkUnit]

// Options はCoordinatorの実行パラメータ。
type Options struct {
	Threads      int
	CommitPeriod int
	// ResultBuffer はワーカーからライターへの結果チャネルの容量。0以下の場合は 4 × Threads。
	ResultBuffer int
	Retry        RetryPolicy
}

// Stats は1回の実行の集計結果。
type Stats struct {
	Targeted  int
	Fetched   int
	Absent    int
	Inserted  int
	Updated   int
	Preserved int
	Skipped   int
	// SkippedIDs は取得を諦めたID。maxReportedSkips件まで記録する。
	SkippedIDs  []int64
	Commits     int
	Interrupted bool
}

// fetchResult はワーカーが取得した1件分の結果。
type fetchResult struct {
	unit     model.WorkUnit
	item     *model.Item
	attempts int
	err      error
}

// Coordinator はワークユニット列を並列に取得し、結果を単一のライターでマージ・コミットする。
// ワーカー数は最大Threadsで、ストアへの書き込みはRunを呼んだゴルーチンだけが行う。
type Coordinator struct {
	fetcher Fetcher
	store   repository.ItemRepository
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	opts    Options
	now     func() time.Time
}

// NewCoordinator はCoordinatorを生成する。
// ThreadsまたはCommitPeriodが1未満の場合はConfigErrorを返す。
func NewCoordinator(
	fetcher Fetcher,
	store repository.ItemRepository,
	logger *slog.Logger,
	m metrics.MetricsCollector,
	opts Options,
) (*Coordinator, error) {
	if opts.Threads < 1 {
		return nil, model.NewInvalidThreadsError(opts.Threads)
	}
	if opts.CommitPeriod < 1 {
		return nil, model.NewInvalidCommitPeriodError(opts.CommitPeriod)
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = 4 * opts.Threads
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Coordinator{
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}, nil
}

// Run はsrcが尽きるか、ctxがキャンセルされるまでワークユニットを処理する。
//
// キャンセル時は新しいワークユニットの投入を止め、実行中のリクエストは完了を待ち、
// 残りのバッファをフラッシュしてから nil を返す（Stats.Interrupted が true になる）。
// ストアへの書き込みに失敗した場合は投入を止めて実行中の結果を捨て、
// 未コミット分のフラッシュを1回だけ試みてから *model.StoreWriteError を返す。
func (c *Coordinator) Run(ctx context.Context, src Source) (*Stats, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ストア操作はキャンセル後の最終フラッシュでも使うため切り離す
	storeCtx := context.WithoutCancel(ctx)

	committer, err := NewBatchCommitter(c.store, c.opts.CommitPeriod, c.logger, c.metrics)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	jobs := make(chan model.WorkUnit)
	results := make(chan fetchResult, c.opts.ResultBuffer)

	c.logger.Info("ハーベストを開始します",
		slog.Int("threads", c.opts.Threads),
		slog.Int("commit_period", c.opts.CommitPeriod),
	)
	start := time.Now()

	var g errgroup.Group

	// ディスパッチャー: ソースからワーカーへ投入する
	g.Go(func() error {
		defer close(jobs)
		for unit := range src(runCtx) {
			if runCtx.Err() != nil {
				return nil
			}
			select {
			case jobs <- unit:
				stats.Targeted++
			case <-runCtx.Done():
				return nil
			}
		}
		return nil
	})

	// キャンセルと同時に受け取ったユニットは取得せずに捨てる
	var dropped atomic.Int64
	for i := 0; i < c.opts.Threads; i++ {
		g.Go(func() error {
			for unit := range jobs {
				if runCtx.Err() != nil {
					dropped.Add(1)
					continue
				}
				results <- c.fetch(runCtx, unit)
			}
			return nil
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	var storeErr error
	for res := range results {
		if storeErr != nil {
			continue
		}
		if err := c.apply(storeCtx, committer, stats, res); err != nil {
			storeErr = err
			cancel()
		}
	}

	if err := committer.Flush(storeCtx); err != nil && storeErr == nil {
		storeErr = err
	}
	stats.Targeted -= int(dropped.Load())
	stats.Commits = committer.Commits()
	stats.Interrupted = ctx.Err() != nil

	attrs := []any{
		slog.Int("targeted", stats.Targeted),
		slog.Int("fetched", stats.Fetched),
		slog.Int("absent", stats.Absent),
		slog.Int("inserted", stats.Inserted),
		slog.Int("updated", stats.Updated),
		slog.Int("preserved", stats.Preserved),
		slog.Int("skipped", stats.Skipped),
		slog.Int("commits", stats.Commits),
		slog.Bool("interrupted", stats.Interrupted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	}
	if storeErr != nil {
		c.logger.Error("ストアへの書き込みに失敗したためハーベストを中断しました",
			append(attrs, slog.String("error", storeErr.Error()))...,
		)
		return stats, storeErr
	}
	c.logger.Info("ハーベストが完了しました", attrs...)
	return stats, nil
}

// fetch は1件のワークユニットをリトライ付きで取得する。
// リクエスト自体はキャンセルの影響を受けず、バックオフ待機のみctxで中断される。
func (c *Coordinator) fetch(ctx context.Context, unit model.WorkUnit) fetchResult {
	reqCtx := context.WithoutCancel(ctx)
	onRetry := func(attempt int, err error, delay time.Duration) {
		c.metrics.RecordRetry()
		c.logger.Debug("一時エラーのためリトライします",
			slog.Int64("item_id", unit.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}

	item, attempts, err := withRetry(ctx, c.opts.Retry, onRetry, func() (*model.Item, error) {
		return c.fetcher.FetchItem(reqCtx, unit.ID)
	})
	return fetchResult{unit: unit, item: item, attempts: attempts, err: err}
}

// apply は取得結果をマージしてコミッターに渡す。ストアの失敗のみエラーとして返す。
func (c *Coordinator) apply(ctx context.Context, committer *BatchCommitter, stats *Stats, res fetchResult) error {
	id := res.unit.ID

	if res.err != nil {
		stats.Skipped++
		if len(stats.SkippedIDs) < maxReportedSkips {
			stats.SkippedIDs = append(stats.SkippedIDs, id)
		}
		c.metrics.RecordSkipped()
		c.logger.Warn("アイテムの取得に失敗したためスキップします",
			slog.Int64("item_id", id),
			slog.String("purpose", string(res.unit.Purpose)),
			slog.Int("attempts", res.attempts),
			slog.String("error", res.err.Error()),
		)
		return nil
	}

	if res.item == nil {
		stats.Absent++
		c.metrics.RecordAbsent()
	} else {
		stats.Fetched++
		c.metrics.RecordFetched()
	}

	existing, ok := committer.Lookup(id)
	if !ok {
		var err error
		existing, err = c.store.Get(ctx, id)
		if err != nil {
			return &model.StoreWriteError{Op: "get", Err: err}
		}
	}

	merged, action := Merge(existing, res.item, c.now())
	switch action {
	case MergeSkip:
		return nil
	case MergePreserve:
		stats.Preserved++
		c.metrics.RecordPreserved()
		c.logger.Info("absent応答のため保存済みのアイテムを保持します",
			slog.Int64("item_id", id),
		)
		return nil
	case MergeInsert:
		stats.Inserted++
	case MergeOverwrite:
		stats.Updated++
	}
	c.metrics.RecordStored(action.String())

	return committer.Submit(ctx, merged)
}
