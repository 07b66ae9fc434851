// Package fanout runs independent tasks under a concurrency limit without cross-task cancellation.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many tasks may run at once. One Gate may be shared by several executors
// to cap load across runs, or each run may own its own.
type Gate struct {
	sem   *semaphore.Weighted
	limit int
}

// NewGate returns a gate admitting at most limit holders. Limits below 1 are raised to 1.
func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Limit returns the configured concurrency.
func (g *Gate) Limit() int { return g.limit }

// Acquire blocks until a slot is free. Waiters are admitted in arrival order.
func (g *Gate) Acquire(ctx context.Context) error { return g.sem.Acquire(ctx, 1) }

// Release frees a slot taken by Acquire.
func (g *Gate) Release() { g.sem.Release(1) }

// Task is one unit of work. Tasks carry their own identity in their closure.
type Task func(ctx context.Context) error

// Executor runs task batches through a Gate.
type Executor struct {
	gate *Gate
}

func NewExecutor(gate *Gate) *Executor {
	return &Executor{gate: gate}
}

// Run admits tasks in submission order as gate slots free up and waits for every one of them.
// A failing task never cancels the others. The result holds one entry per task, nil on success.
// Tasks not yet admitted when ctx is done are reported with ctx.Err() and never start.
func (e *Executor) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		err := e.gate.Acquire(ctx)
		if err == nil && ctx.Err() != nil {
			e.gate.Release()
			err = ctx.Err()
		}
		if err != nil {
			for j := i; j < len(tasks); j++ {
				errs[j] = err
			}
			break
		}
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer e.gate.Release()
			errs[i] = runTask(ctx, task)
		}(i, task)
	}

	wg.Wait()
	return errs
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Join collapses the per-task errors from Run into one error, nil when all succeeded.
func Join(errs []error) error {
	return errors.Join(errs...)
}

// Failed counts the non-nil entries of errs.
func Failed(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
