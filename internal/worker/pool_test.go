package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestProcessPreservesInputOrder(t *testing.T) {
	pool := NewPool[int, int](3)
	jobs := []int{5, 3, 9, 1, 7}
	results := pool.Process(context.Background(), jobs, func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	})
	if len(results) != len(jobs) {
		t.Fatalf("got %d results, want %d", len(results), len(jobs))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
		if r.Value != jobs[i]*2 {
			t.Errorf("result %d = %d, want %d", i, r.Value, jobs[i]*2)
		}
	}
}

func TestProcessCapturesErrorsPerJob(t *testing.T) {
	pool := NewPool[string, string](2)
	boom := errors.New("boom")
	results := pool.Process(context.Background(), []string{"ok", "bad", "ok"}, func(_ context.Context, s string) (string, error) {
		if s == "bad" {
			return "", boom
		}
		return s, nil
	})
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("healthy jobs reported errors: %v %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Fatalf("results[1].Err = %v, want boom", results[1].Err)
	}
}

func TestProcessBoundsConcurrency(t *testing.T) {
	const workers = 2
	pool := NewPool[int, int](workers)
	var active, peak atomic.Int32
	jobs := make([]int, 16)
	pool.Process(context.Background(), jobs, func(_ context.Context, n int) (int, error) {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		active.Add(-1)
		return n, nil
	})
	if got := peak.Load(); got > workers {
		t.Fatalf("observed %d concurrent jobs, want <= %d", got, workers)
	}
}

func TestProcessCancelledContext(t *testing.T) {
	pool := NewPool[int, int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := pool.Process(ctx, []int{1, 2, 3}, func(ctx context.Context, n int) (int, error) {
		return n, ctx.Err()
	})
	for i, r := range results {
		if r.Err == nil {
			t.Fatalf("results[%d].Err = nil, want context error", i)
		}
	}
}
