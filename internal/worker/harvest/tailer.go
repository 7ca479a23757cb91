package harvest

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/hnarchive/internal/model"
	"github.com/hitoshi/hnarchive/internal/repository"
)

// defaultPollInterval はリモート最大IDのポーリング間隔の既定値。
const defaultPollInterval = 5 * time.Second

// Tailer はリモートの最大IDをポーリングし、新しく現れたIDを取得対象として流し続ける。
type Tailer struct {
	store    repository.ItemRepository
	fetcher  Fetcher
	interval time.Duration
	retry    RetryPolicy
	logger   *slog.Logger
}

// NewTailer はTailerを生成する。intervalが0以下の場合は5秒を使用する。
func NewTailer(
	store repository.ItemRepository,
	fetcher Fetcher,
	interval time.Duration,
	retry RetryPolicy,
	logger *slog.Logger,
) *Tailer {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Tailer{
		store:    store,
		fetcher:  fetcher,
		interval: interval,
		retry:    retry,
		logger:   logger,
	}
}

// Source はストアのウォーターマークを起点とする無限のワークユニット列を返す。
// 最初のポーリングは即座に行うため、起動直後にキャッチアップ1回分の対象が流れる。
// 列はctxのキャンセルで終了する。ポーリングの一時的な失敗はログに記録して継続する。
func (t *Tailer) Source(ctx context.Context) (Source, error) {
	start, err := t.store.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	t.logger.Info("ライブ追従を開始します",
		slog.Int64("watermark", start),
		slog.Duration("poll_interval", t.interval),
	)

	return func(ctx context.Context) iter.Seq[model.WorkUnit] {
		return func(yield func(model.WorkUnit) bool) {
			limiter := rate.NewLimiter(rate.Every(t.interval), 1)
			lastSeen := start

			for {
				if err := limiter.Wait(ctx); err != nil {
					t.logger.Info("ライブ追従を停止しました", slog.Int64("last_seen", lastSeen))
					return
				}

				maxID, _, err := withRetry(ctx, t.retry, nil, func() (int64, error) {
					return t.fetcher.CurrentMax(ctx)
				})
				if err != nil {
					if ctx.Err() != nil {
						t.logger.Info("ライブ追従を停止しました", slog.Int64("last_seen", lastSeen))
						return
					}
					t.logger.Warn("最大IDの取得に失敗しました",
						slog.Int64("last_seen", lastSeen),
						slog.String("error", err.Error()),
					)
					continue
				}
				if maxID <= lastSeen {
					continue
				}

				t.logger.Debug("新しいアイテムを検出しました",
					slog.Int64("from", lastSeen+1),
					slog.Int64("to", maxID),
				)
				for id := lastSeen + 1; id <= maxID; id++ {
					if !yield(model.WorkUnit{ID: id, Purpose: model.PurposeFetch}) {
						return
					}
				}
				lastSeen = maxID
			}
		}
	}, nil
}
