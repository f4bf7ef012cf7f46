// Package worker provides a small generic pool for bounded fan-out. The QA
// engine uses it to run validators with execution.parallel workers while
// keeping results in input order so evidence and summaries stay deterministic.
package worker

import (
	"context"
	"sync"
)

// Result pairs a processed value with its input index so callers can restore
// input order after the fan-in.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Pool runs jobs on a fixed number of goroutines. The zero value is not
// usable; construct with NewPool.
type Pool[J, T any] struct {
	workers int
}

// NewPool caps concurrency at workers; values below 1 mean serial execution.
func NewPool[J, T any](workers int) *Pool[J, T] {
	if workers < 1 {
		workers = 1
	}
	return &Pool[J, T]{workers: workers}
}

// Process applies fn to every job and returns results in input order. Errors
// are captured per result, not short-circuited: a rejected validator must not
// hide the outcomes of the others. Jobs not yet started when ctx is cancelled
// report ctx.Err().
func (p *Pool[J, T]) Process(ctx context.Context, jobs []J, fn func(context.Context, J) (T, error)) []Result[T] {
	if len(jobs) == 0 {
		return nil
	}
	workers := p.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	type indexed struct {
		index int
		job   J
	}
	feed := make(chan indexed)
	results := make([]Result[T], len(jobs))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range feed {
				if err := ctx.Err(); err != nil {
					results[j.index] = Result[T]{Index: j.index, Err: err}
					continue
				}
				val, err := fn(ctx, j.job)
				results[j.index] = Result[T]{Index: j.index, Value: val, Err: err}
			}
		}()
	}

	for i, job := range jobs {
		feed <- indexed{index: i, job: job}
	}
	close(feed)
	wg.Wait()

	return results
}
