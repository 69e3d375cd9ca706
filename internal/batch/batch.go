// Package batch splits large write workloads into fixed-size chunks.
//
// Each chunk is handed to the caller's function independently. A failed chunk
// is recorded and processing moves on to the next one; chunks that already
// succeeded are not undone. A Process call is therefore not atomic across all
// items: callers that need all-or-nothing semantics must use a single chunk.
package batch

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/amrhunter/internal/metrics"
)

// DefaultSize is used when a non-positive size is passed to Process.
const DefaultSize = 100

// Func writes one chunk. index is the zero-based chunk number.
type Func[T any] func(ctx context.Context, index int, chunk []T) error

// BatchError describes one failed chunk.
type BatchError struct {
	Index   int    `json:"index"`
	Offset  int    `json:"offset"`
	Size    int    `json:"size"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func newBatchError(index, offset, size int, err error) BatchError {
	return BatchError{Index: index, Offset: offset, Size: size, Message: err.Error(), Err: err}
}

func (e BatchError) Error() string {
	return fmt.Sprintf("batch %d (items %d-%d): %v", e.Index, e.Offset, e.Offset+e.Size-1, e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

// Result is the outcome of a Process call.
type Result struct {
	Success   bool         `json:"success"`
	Processed int          `json:"processed"`
	Batches   int          `json:"batches"`
	Failed    int          `json:"failed"`
	Errors    []BatchError `json:"errors,omitempty"`
}

// FailedItems is the number of items in chunks that did not succeed.
func (r Result) FailedItems() int {
	n := 0
	for _, e := range r.Errors {
		n += e.Size
	}
	return n
}

// Err joins the per-batch errors, or returns nil when every batch succeeded.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &PartialError{Result: r}
}

// PartialError reports a Process call where at least one chunk failed.
type PartialError struct {
	Result Result
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d of %d batches failed (%d items processed): %v",
		e.Result.Failed, e.Result.Batches, e.Result.Processed, e.Result.Errors[0])
}

func (e *PartialError) Unwrap() []error {
	errs := make([]error, len(e.Result.Errors))
	for i, be := range e.Result.Errors {
		errs[i] = be
	}
	return errs
}

// Chunk splits items into consecutive slices of at most size elements.
// The returned slices share the backing array of items.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultSize
	}
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Process calls fn once per chunk of items, in order. Failures are collected
// into the Result and do not stop later chunks. If ctx is cancelled, the
// remaining chunks are recorded as failed with the context error.
func Process[T any](ctx context.Context, items []T, size int, fn Func[T]) Result {
	chunks := Chunk(items, size)
	if size <= 0 {
		size = DefaultSize
	}

	res := Result{Batches: len(chunks)}
	for i, chunk := range chunks {
		offset := i * size
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, newBatchError(i, offset, len(chunk), err))
			metrics.Batches.WithLabelValues("skipped").Inc()
			metrics.BatchItems.WithLabelValues("failed").Add(float64(len(chunk)))
			continue
		}
		if err := runChunk(ctx, fn, i, chunk); err != nil {
			res.Errors = append(res.Errors, newBatchError(i, offset, len(chunk), err))
			metrics.Batches.WithLabelValues("failed").Inc()
			metrics.BatchItems.WithLabelValues("failed").Add(float64(len(chunk)))
			continue
		}
		res.Processed += len(chunk)
		metrics.Batches.WithLabelValues("succeeded").Inc()
		metrics.BatchItems.WithLabelValues("succeeded").Add(float64(len(chunk)))
	}
	res.Failed = len(res.Errors)
	res.Success = res.Failed == 0
	return res
}

// runChunk reports a panic in fn as that chunk's error.
func runChunk[T any](ctx context.Context, fn Func[T], index int, chunk []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, index, chunk)
}
