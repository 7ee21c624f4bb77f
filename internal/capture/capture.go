// Package capture turns a packet-capture tool invocation into an ordered,
// lazily produced stream of decoded packet records.
package capture

import (
	"context"
	"fmt"
)

// Invocation describes one capture session. File replay ignores the
// live-only options (Interface, Filter, Count).
type Invocation struct {
	// Interface is the network interface for live capture
	Interface string
	// File is the capture file to replay. Empty means live capture.
	File string
	// Filter is a BPF capture filter expression
	Filter string
	// Count stops live capture after this many packets, 0 is unbounded
	Count int
	// Session tags every record produced by this invocation
	Session string
}

// Live reports whether the invocation captures from an interface.
func (inv Invocation) Live() bool { return inv.File == "" }

// Origin names where records come from: the file path or the interface.
func (inv Invocation) Origin() string {
	if inv.Live() {
		return inv.Interface
	}
	return inv.File
}

// Source opens capture streams and enumerates capture interfaces.
type Source interface {
	Open(ctx context.Context, inv Invocation) (Stream, error)
	ListInterfaces(ctx context.Context) ([]Interface, error)
}

// Stream is a lazy iterator over packet records in arrival order.
//
//	for s.Next() {
//		rec := s.Record()
//	}
//	if err := s.Err(); err != nil { ... }
//
// Close releases the underlying process or handle. It is idempotent and may
// be called from another goroutine while Next is blocked.
type Stream interface {
	Next() bool
	Record() PacketRecord
	Err() error
	Close() error
}

// StartError reports that the capture could not begin: the tool could not
// be launched, the file could not be opened, or the tool failed before
// emitting any record.
type StartError struct {
	Origin string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("capture start failed for %s: %v", e.Origin, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StreamError reports a failure after records were already produced.
// Records yielded before it remain valid.
type StreamError struct {
	Origin string
	// After is the sequence number of the last good record
	After uint64
	Err   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("capture stream from %s failed after record %d: %v", e.Origin, e.After, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
