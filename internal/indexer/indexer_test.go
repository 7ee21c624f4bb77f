package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espcap/internal/transform"
)

// mockBackend records every chunk and answers from a per-document verdict.
type mockBackend struct {
	mu      sync.Mutex
	chunks  [][]transform.IndexDocument
	reject  map[string]bool
	err     error
	short   bool
	delay   time.Duration
	ctxErrs []error
}

func (m *mockBackend) Bulk(ctx context.Context, docs []transform.IndexDocument) ([]ItemResult, error) {
	m.mu.Lock()
	m.chunks = append(m.chunks, append([]transform.IndexDocument(nil), docs...))
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	results := make([]ItemResult, 0, len(docs))
	for _, d := range docs {
		id := d.Body["id"].(string)
		if m.reject[id] {
			results = append(results, ItemResult{
				Action: "index", Status: 400, Index: d.Index,
				Error: &ItemError{Type: "mapper_parsing_exception", Reason: "bad " + id},
			})
			continue
		}
		results = append(results, ItemResult{OK: true, Action: "index", Status: 201, Index: d.Index, ID: id})
	}
	if m.short {
		results = results[:len(results)-1]
	}
	return results, nil
}

func (m *mockBackend) submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, c := range m.chunks {
		for _, d := range c {
			ids = append(ids, d.Body["id"].(string))
		}
	}
	return ids
}

type mockReporter struct {
	mu      sync.Mutex
	details []any
}

func (r *mockReporter) Report(detail any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.details = append(r.details, detail)
}

func docs(n int) []transform.IndexDocument {
	out := make([]transform.IndexDocument, n)
	for i := range out {
		out[i] = transform.IndexDocument{
			Index: "packets-2024-03-01",
			Body:  map[string]any{"id": fmt.Sprintf("d%d", i+1)},
		}
	}
	return out
}

func feed(in []transform.IndexDocument) <-chan transform.IndexDocument {
	ch := make(chan transform.IndexDocument, len(in))
	for _, d := range in {
		ch <- d
	}
	close(ch)
	return ch
}

func TestIndexChunksInOrder(t *testing.T) {
	backend := &mockBackend{}
	reporter := &mockReporter{}
	bi := New(backend, reporter, Options{ChunkSize: 3})

	sum, err := bi.Index(context.Background(), feed(docs(8)))
	require.NoError(t, err)

	assert.Equal(t, Summary{Documents: 8, Chunks: 3, Indexed: 8}, sum)
	require.Len(t, backend.chunks, 3)
	assert.Len(t, backend.chunks[0], 3)
	assert.Len(t, backend.chunks[1], 3)
	assert.Len(t, backend.chunks[2], 2)
	assert.Equal(t, []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}, backend.submitted())
	assert.Empty(t, reporter.details)
}

func TestIndexEmptyInputSubmitsNothing(t *testing.T) {
	backend := &mockBackend{}
	sum, err := New(backend, &mockReporter{}, Options{}).Index(context.Background(), feed(nil))
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Empty(t, backend.chunks)
}

func TestIndexContinuesPastRejectedDocuments(t *testing.T) {
	backend := &mockBackend{reject: map[string]bool{"d3": true}}
	reporter := &mockReporter{}
	bi := New(backend, reporter, Options{ChunkSize: 5})

	sum, err := bi.Index(context.Background(), feed(docs(5)))
	require.NoError(t, err)

	assert.Equal(t, Summary{Documents: 5, Chunks: 1, Indexed: 4, Failed: 1}, sum)
	require.Len(t, reporter.details, 1)
	res := reporter.details[0].(ItemResult)
	assert.Equal(t, 400, res.Status)
	assert.Equal(t, "bad d3", res.Error.Reason)
}

func TestIndexStopOnErrorHaltsSession(t *testing.T) {
	backend := &mockBackend{reject: map[string]bool{"d3": true}}
	reporter := &mockReporter{}
	bi := New(backend, reporter, Options{ChunkSize: 5, StopOnError: true})

	sum, err := bi.Index(context.Background(), feed(docs(10)))

	var failure *SubmissionFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 2, failure.Position)
	assert.Equal(t, 1, failure.Chunk)
	assert.Contains(t, failure.Error(), "document 3 of chunk 1")

	// documents 4 and 5 are not confirmed and the second chunk is never sent
	assert.Equal(t, 2, sum.Indexed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.Chunks)
	assert.Len(t, backend.chunks, 1)
	assert.Len(t, reporter.details, 1)
}

func TestIndexBackendFailureIsUnavailable(t *testing.T) {
	backend := &mockBackend{err: errors.New("connection refused")}
	reporter := &mockReporter{}
	sum, err := New(backend, reporter, Options{ChunkSize: 2}).Index(context.Background(), feed(docs(4)))

	var unavailable *BackendUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 1, unavailable.Chunk)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, backend.chunks, 1, "no retry and no further chunks")
	assert.Equal(t, 0, sum.Indexed)
	assert.Empty(t, reporter.details)
}

func TestIndexResultCountMismatch(t *testing.T) {
	backend := &mockBackend{short: true}
	_, err := New(backend, &mockReporter{}, Options{ChunkSize: 3}).Index(context.Background(), feed(docs(3)))
	assert.True(t, errors.Is(err, ErrResultMismatch))
}

func TestIndexRequestsSurviveCancellation(t *testing.T) {
	backend := &mockBackend{delay: 50 * time.Millisecond}
	bi := New(backend, &mockReporter{}, Options{ChunkSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := bi.Index(ctx, feed(docs(3)))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Indexed)
	for _, e := range backend.ctxErrs {
		assert.NoError(t, e)
	}
}

func TestIndexRequestTimeout(t *testing.T) {
	backend := &mockBackend{delay: 100 * time.Millisecond}
	bi := New(backend, &mockReporter{}, Options{ChunkSize: 1, RequestTimeout: 10 * time.Millisecond})

	_, err := bi.Index(context.Background(), feed(docs(1)))
	require.NoError(t, err)
	require.Len(t, backend.ctxErrs, 1)
	assert.ErrorIs(t, backend.ctxErrs[0], context.DeadlineExceeded)
}

func TestIndexChunkSizesPreserveOrder(t *testing.T) {
	for _, size := range []int{1, 2, 3, 7, 10, 11} {
		for _, n := range []int{0, 1, 5, 10, 23} {
			t.Run(fmt.Sprintf("size=%d/n=%d", size, n), func(t *testing.T) {
				backend := &mockBackend{}
				sum, err := New(backend, &mockReporter{}, Options{ChunkSize: size}).Index(context.Background(), feed(docs(n)))
				require.NoError(t, err)

				want := (n + size - 1) / size
				assert.Equal(t, Summary{Documents: n, Chunks: want, Indexed: n}, sum)
				require.Len(t, backend.chunks, want)
				for i, c := range backend.chunks {
					if i < want-1 {
						assert.Len(t, c, size)
					} else {
						assert.LessOrEqual(t, len(c), size)
						assert.NotEmpty(t, c)
					}
				}

				var ids []string
				for _, d := range docs(n) {
					ids = append(ids, d.Body["id"].(string))
				}
				assert.Equal(t, ids, backend.submitted())
			})
		}
	}
}

func TestSummaryAdd(t *testing.T) {
	s := Summary{Documents: 1, Chunks: 1, Indexed: 1}
	s.Add(Summary{Documents: 2, Chunks: 1, Failed: 1, Skipped: 1, Indexed: 0})
	assert.Equal(t, Summary{Documents: 3, Chunks: 2, Indexed: 1, Failed: 1, Skipped: 1}, s)
}
