// Package indexer batches documents into fixed-size chunks and writes them
// to the search backend one bulk request at a time.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"espcap/internal/logger"
	"espcap/internal/metrics"
	"espcap/internal/transform"
)

const (
	// DefaultChunkSize is the number of documents per bulk request
	DefaultChunkSize = 1000
	// DefaultRequestTimeout bounds a single bulk request
	DefaultRequestTimeout = time.Hour
)

// FailureReporter receives every rejected document.
type FailureReporter interface {
	Report(detail any)
}

// Summary counts the outcome of one session.
type Summary struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Indexed   int `json:"indexed"`
	Failed    int `json:"failed"`
	// Skipped counts documents not confirmed because stop-on-error halted
	// processing of their chunk.
	Skipped int `json:"skipped"`
}

// Add accumulates o into s.
func (s *Summary) Add(o Summary) {
	s.Documents += o.Documents
	s.Chunks += o.Chunks
	s.Indexed += o.Indexed
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

// Options configures a BulkIndexer.
type Options struct {
	ChunkSize      int
	StopOnError    bool
	RequestTimeout time.Duration
}

// BulkIndexer submits chunks strictly one after another. It is used for a
// single session and is not safe for concurrent Index calls.
type BulkIndexer struct {
	backend  Backend
	reporter FailureReporter
	opts     Options
	log      *logger.Logger
}

// New creates a BulkIndexer. Zero options take their defaults.
func New(backend Backend, reporter FailureReporter, opts Options) *BulkIndexer {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &BulkIndexer{
		backend:  backend,
		reporter: reporter,
		opts:     opts,
		log:      logger.GetLogger(),
	}
}

// Index consumes docs until the channel is closed, submitting a bulk request
// whenever a chunk fills and once more for the remainder.
//
// Requests run detached from ctx cancellation so that an interrupt still
// lets the in-flight and final chunks complete, bounded by the request
// timeout. The producer is expected to stop and close docs on interrupt.
//
// On a returned error the caller must stop sending on docs.
func (b *BulkIndexer) Index(ctx context.Context, docs <-chan transform.IndexDocument) (Summary, error) {
	var sum Summary
	chunk := make([]transform.IndexDocument, 0, b.opts.ChunkSize)
	for doc := range docs {
		sum.Documents++
		chunk = append(chunk, doc)
		if len(chunk) < b.opts.ChunkSize {
			continue
		}
		if err := b.submit(ctx, chunk, &sum); err != nil {
			return sum, err
		}
		chunk = chunk[:0]
	}
	if len(chunk) > 0 {
		if err := b.submit(ctx, chunk, &sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (b *BulkIndexer) submit(ctx context.Context, chunk []transform.IndexDocument, sum *Summary) error {
	sum.Chunks++
	n := sum.Chunks

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	results, err := b.backend.Bulk(reqCtx, chunk)
	metrics.BulkDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Chunks.WithLabelValues("error").Inc()
		var unavailable *BackendUnavailableError
		if errors.As(err, &unavailable) {
			unavailable.Chunk = n
			return unavailable
		}
		return &BackendUnavailableError{Chunk: n, Err: err}
	}
	if len(results) != len(chunk) {
		metrics.Chunks.WithLabelValues("error").Inc()
		return &BackendUnavailableError{
			Chunk: n,
			Err:   fmt.Errorf("%w: sent %d, got %d", ErrResultMismatch, len(chunk), len(results)),
		}
	}
	metrics.Chunks.WithLabelValues("ok").Inc()

	for i, res := range results {
		if res.OK {
			sum.Indexed++
			metrics.Documents.WithLabelValues("indexed").Inc()
			continue
		}
		sum.Failed++
		metrics.Documents.WithLabelValues("failed").Inc()
		b.reporter.Report(res)
		if b.opts.StopOnError {
			skipped := len(results) - i - 1
			sum.Skipped += skipped
			metrics.Documents.WithLabelValues("skipped").Add(float64(skipped))
			return &SubmissionFailure{Chunk: n, Position: i, Result: res}
		}
	}
	b.log.Debug("[indexer] chunk %d: %d documents in %s", n, len(chunk), time.Since(start).Round(time.Millisecond))
	return nil
}
