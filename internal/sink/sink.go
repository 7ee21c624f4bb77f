// Package sink decides where transformed documents go: to the search
// backend in bulk, or to standard output one JSON document per line.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"espcap/internal/indexer"
	"espcap/internal/transform"
)

// Summary counts the outcome of one session.
type Summary = indexer.Summary

// Sink consumes one session's documents until docs is closed. After an
// error the caller must stop sending.
type Sink interface {
	Consume(ctx context.Context, docs <-chan transform.IndexDocument) (Summary, error)
}

// Select returns the dump sink when no backend endpoint is configured and
// the sink built by index otherwise. The two never mix: index is not called
// in dump mode and the dump writer is unused in index mode.
func Select(endpoint string, dump io.Writer, index func() (Sink, error)) (Sink, error) {
	if strings.TrimSpace(endpoint) == "" {
		return NewDumpSink(dump), nil
	}
	return index()
}

// DumpSink writes each document as one JSON line.
type DumpSink struct {
	w io.Writer
}

// NewDumpSink returns a DumpSink writing to w.
func NewDumpSink(w io.Writer) *DumpSink {
	return &DumpSink{w: w}
}

// Consume writes documents as they arrive, without batching.
func (d *DumpSink) Consume(ctx context.Context, docs <-chan transform.IndexDocument) (Summary, error) {
	var sum Summary
	bw := bufio.NewWriter(d.w)
	enc := json.NewEncoder(bw)
	for doc := range docs {
		sum.Documents++
		if err := enc.Encode(doc); err != nil {
			return sum, fmt.Errorf("dump document %d: %w", sum.Documents, err)
		}
		// flush per document so piped consumers see records live
		if err := bw.Flush(); err != nil {
			return sum, fmt.Errorf("dump document %d: %w", sum.Documents, err)
		}
		sum.Indexed++
	}
	return sum, nil
}

// IndexSink hands documents to a BulkIndexer.
type IndexSink struct {
	indexer *indexer.BulkIndexer
}

// NewIndexSink wraps bi.
func NewIndexSink(bi *indexer.BulkIndexer) *IndexSink {
	return &IndexSink{indexer: bi}
}

// Consume indexes documents chunk by chunk.
func (s *IndexSink) Consume(ctx context.Context, docs <-chan transform.IndexDocument) (Summary, error) {
	return s.indexer.Index(ctx, docs)
}
