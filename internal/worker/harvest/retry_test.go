package harvest

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // 上限
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.CalculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", p.MaxRetries)
	}
	if p.MaxTotal != 15*time.Second {
		t.Errorf("MaxTotal = %v, want 15s", p.MaxTotal)
	}
}

func TestWithRetry_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	var hooks []int
	got, attempts, err := withRetry(context.Background(), fastRetry,
		func(attempt int, err error, delay time.Duration) { hooks = append(hooks, attempt) },
		func() (int, error) {
			calls++
			if calls < 3 {
				return 0, transientErr(1)
			}
			return 42, nil
		})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("got = %d, want 42", got)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(hooks) != 2 || hooks[0] != 1 || hooks[1] != 2 {
		t.Errorf("retry hooks = %v, want [1 2]", hooks)
	}
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	_, attempts, err := withRetry(context.Background(), fastRetry, nil, func() (int, error) {
		calls++
		return 0, transientErr(1)
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	// 初回 + リトライ3回
	if calls != 4 || attempts != 4 {
		t.Errorf("calls = %d, attempts = %d, want 4", calls, attempts)
	}
}

func TestWithRetry_NonTransientErrorIsNotRetried(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	_, attempts, err := withRetry(context.Background(), fastRetry, nil, func() (int, error) {
		calls++
		return 0, boom
	})

	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1", calls, attempts)
	}
}

func TestWithRetry_StopsAtTotalBackoffBudget(t *testing.T) {
	p := RetryPolicy{
		MaxRetries: 10,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		MaxTotal:   25 * time.Millisecond,
	}
	calls := 0
	_, _, err := withRetry(context.Background(), p, nil, func() (int, error) {
		calls++
		return 0, transientErr(1)
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	// 10ms + 10ms で予算25msに達するため3回で打ち切る
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetry_CancelDuringBackoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, MaxTotal: 10 * time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := withRetry(ctx, p, func(int, error, time.Duration) { cancel() }, func() (int, error) {
			return 0, transientErr(1)
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the last transient error, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("バックオフ中のキャンセルで即座に戻るべき")
	}
}
