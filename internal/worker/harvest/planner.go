package harvest

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/hitoshi/hnarchive/internal/model"
	"github.com/hitoshi/hnarchive/internal/repository"
)

// Planner は各モードの取得対象ID列を作る。
type Planner struct {
	store   repository.ItemRepository
	fetcher Fetcher
	retry   RetryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewPlanner はPlannerを生成する。
func NewPlanner(store repository.ItemRepository, fetcher Fetcher, retry RetryPolicy, logger *slog.Logger) *Planner {
	return &Planner{
		store:   store,
		fetcher: fetcher,
		retry:   retry,
		logger:  logger,
		now:     time.Now,
	}
}

// Range は [lower, upper] のすべてのIDを新規取得として返す。
// lowerが1未満、またはlower > upperの場合はConfigErrorを返す。
func (p *Planner) Range(lower, upper int64) (Source, error) {
	if lower < 1 {
		return nil, model.NewInvalidLowerError(lower)
	}
	if lower > upper {
		return nil, model.NewInvalidRangeError(lower, upper)
	}
	p.logger.Info("範囲指定で取得対象を作成しました",
		slog.Int64("lower", lower),
		slog.Int64("upper", upper),
	)
	return idRange(lower, upper, model.PurposeFetch), nil
}

// RemoteMax はリモートの現在の最大IDをリトライ付きで取得する。
func (p *Planner) RemoteMax(ctx context.Context) (int64, error) {
	maxID, _, err := withRetry(ctx, p.retry, nil, func() (int64, error) {
		return p.fetcher.CurrentMax(ctx)
	})
	return maxID, err
}

// CatchUp はストアのウォーターマークWとリモートの最大IDMから [W+1, M] を返す。
// Wは呼び出し時に1回だけ読むため、実行中の書き込みで対象範囲は変わらない。
func (p *Planner) CatchUp(ctx context.Context) (Source, error) {
	w, err := p.store.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	m, err := p.RemoteMax(ctx)
	if err != nil {
		return nil, err
	}

	p.logger.Info("最新IDまでの取得対象を作成しました",
		slog.Int64("watermark", w),
		slog.Int64("remote_max", m),
		slog.Int64("count", max(m-w, 0)),
	)
	if w >= m {
		return emptySource, nil
	}
	return idRange(w+1, m, model.PurposeFetch), nil
}

// Stale は取得時点で作成からdays日未満だったアイテムを再取得対象として返す。
// onlyMatureがtrueの場合、作成から14日以上経過したものに限る。
func (p *Planner) Stale(ctx context.Context, days float64, onlyMature bool) (Source, error) {
	if days < 0 {
		return nil, model.NewInvalidDaysError(days)
	}
	ids, err := p.store.SelectStale(ctx, days, onlyMature, p.now())
	if err != nil {
		return nil, err
	}

	p.logger.Info("再取得対象を作成しました",
		slog.Float64("days", days),
		slog.Bool("only_mature", onlyMature),
		slog.Int("count", len(ids)),
	)
	return func(context.Context) iter.Seq[model.WorkUnit] {
		return func(yield func(model.WorkUnit) bool) {
			for _, id := range ids {
				if !yield(model.WorkUnit{ID: id, Purpose: model.PurposeRefresh}) {
					return
				}
			}
		}
	}, nil
}

func idRange(lower, upper int64, purpose model.Purpose) Source {
	return func(context.Context) iter.Seq[model.WorkUnit] {
		return func(yield func(model.WorkUnit) bool) {
			for id := lower; id <= upper; id++ {
				if !yield(model.WorkUnit{ID: id, Purpose: purpose}) {
					return
				}
			}
		}
	}
}

func emptySource(context.Context) iter.Seq[model.WorkUnit] {
	return func(func(model.WorkUnit) bool) {}
}
