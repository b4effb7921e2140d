// Package batch runs a homogeneous handler over many inputs using a
// bounded worker pool, aggregating per-item success and failure without
// aborting the whole batch.
package batch

import (
	"context"
	"fmt"
	"sync"
)

// AggregateStatus summarizes a batch run.
type AggregateStatus string

// Aggregate status values.
const (
	// StatusSuccess means every item succeeded.
	StatusSuccess AggregateStatus = "success"

	// StatusPartialSuccess means some items succeeded and some failed.
	StatusPartialSuccess AggregateStatus = "partial_success"

	// StatusError means every item failed.
	StatusError AggregateStatus = "error"
)

// ItemError records one failed item together with its position in the input.
type ItemError struct {
	Index int
	Err   error
}

// Error implements the error interface.
func (e ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying handler error.
func (e ItemError) Unwrap() error {
	return e.Err
}

// ItemResult records one successful item's value together with its
// position in the input.
type ItemResult[R any] struct {
	Index int
	Value R
}

// Summary aggregates the outcome of a batch run: counts plus the indexed
// per-item values and errors.
type Summary[R any] struct {
	Processed int
	Failed    int
	Results   []ItemResult[R]
	Errors    []ItemError
}

// Status derives the aggregate status from the counts.
func (s Summary[R]) Status() AggregateStatus {
	switch {
	case s.Failed == 0:
		return StatusSuccess
	case s.Processed == 0:
		return StatusError
	default:
		return StatusPartialSuccess
	}
}

// Options tune a batch run.
type Options struct {
	// BatchSize is the number of items per chunk. Values below 1 default to 1.
	BatchSize int

	// WorkerCount is how many chunks run concurrently. With one worker, or
	// when the items fit in a single chunk, the run is sequential on the
	// calling goroutine's schedule.
	WorkerCount int

	// OnError, when set, is invoked for each failed item (for side effects
	// such as logging). It does not influence aggregation.
	OnError func(index int, err error)
}

// Handler processes one item of a batch, returning the item's result.
type Handler[T, R any] func(ctx context.Context, item T) (R, error)

// Run splits items into chunks and dispatches them across a bounded worker
// pool. A panicking or failing handler marks its item failed and never
// aborts sibling items or other chunks. Run blocks until all dispatched
// chunks return.
func Run[T, R any](ctx context.Context, items []T, handler Handler[T, R], opts Options) Summary[R] {
	if len(items) == 0 {
		return Summary[R]{}
	}

	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	workerCount := opts.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	type chunk struct {
		offset int
		items  []T
	}

	var chunks []chunk
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, chunk{offset: start, items: items[start:end]})
	}

	var mu sync.Mutex
	summary := Summary[R]{}

	record := func(index int, value R, err error) {
		mu.Lock()
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, ItemError{Index: index, Err: err})
		} else {
			summary.Processed++
			summary.Results = append(summary.Results, ItemResult[R]{Index: index, Value: value})
		}
		mu.Unlock()

		if err != nil && opts.OnError != nil {
			opts.OnError(index, err)
		}
	}

	runChunk := func(c chunk) {
		for i, item := range c.items {
			value, err := runItem(ctx, handler, item)
			record(c.offset+i, value, err)
		}
	}

	if workerCount == 1 || len(chunks) == 1 {
		for _, c := range chunks {
			runChunk(c)
		}
		return summary
	}

	work := make(chan chunk)
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				runChunk(c)
			}
		}()
	}
	for _, c := range chunks {
		work <- c
	}
	close(work)
	wg.Wait()

	return summary
}

// runItem invokes the handler for one item, converting a panic into an error.
func runItem[T, R any](ctx context.Context, handler Handler[T, R], item T) (value R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler(ctx, item)
}
