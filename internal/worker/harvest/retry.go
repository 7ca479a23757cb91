package harvest

import (
	"context"
	"time"

	"github.com/hitoshi/hnarchive/internal/model"
)

const (
	// defaultMaxRetries は一時エラーに対する既定のリトライ回数。
	defaultMaxRetries = 3
	// defaultBaseDelay は指数バックオフの初回遅延。
	defaultBaseDelay = 500 * time.Millisecond
	// defaultMaxDelay は1回あたりのバックオフ遅延の上限。
	defaultMaxDelay = 5 * time.Second
	// defaultMaxTotal は1IDあたりのバックオフ待機時間の合計上限。
	defaultMaxTotal = 15 * time.Second
)

// RetryPolicy は一時エラーに対するリトライの上限を表す。
// 回数と待機時間の合計の両方で打ち切る。
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxTotal   time.Duration
}

// DefaultRetryPolicy は既定のリトライポリシーを返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
		MaxTotal:   defaultMaxTotal,
	}
}

// CalculateBackoff はリトライ回数に基づいて指数バックオフ遅延を計算する。
// BaseDelayから2倍ずつ増加し、MaxDelayで頭打ちになる。
func (p RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// retryHook はリトライ前に呼ばれる。attemptは失敗した試行の番号（1始まり）。
type retryHook func(attempt int, err error, delay time.Duration)

// withRetry はfnを実行し、一時エラーの場合はポリシーの範囲でリトライする。
// 一時エラー以外はリトライせずにそのまま返す。
// バックオフ中にctxがキャンセルされた場合は直前のエラーを返す。
// 戻り値の2番目は実行した試行回数。
func withRetry[T any](ctx context.Context, p RetryPolicy, onRetry retryHook, fn func() (T, error)) (T, int, error) {
	var waited time.Duration
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || !model.IsTransient(err) {
			return v, attempt, err
		}
		if attempt > p.MaxRetries {
			return v, attempt, err
		}

		delay := p.CalculateBackoff(attempt - 1)
		if p.MaxTotal > 0 && waited+delay > p.MaxTotal {
			return v, attempt, err
		}
		waited += delay

		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, attempt, err
		case <-timer.C:
		}
	}
}
