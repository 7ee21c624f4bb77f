// Package pipeline runs capture sessions: capture feeds the transformer,
// which feeds the sink, with failures routed to the error log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"espcap/internal/capture"
	"espcap/internal/indexer"
	"espcap/internal/logger"
	"espcap/internal/metrics"
	"espcap/internal/sink"
	"espcap/internal/transform"
)

// State is a session's position in its lifecycle. Sessions only move
// forward and are never reused.
type State int

const (
	NotStarted State = iota
	Capturing
	Draining
	Completed
	Aborted
)

var stateNames = map[State]string{
	NotStarted: "not_started",
	Capturing:  "capturing",
	Draining:   "draining",
	Completed:  "completed",
	Aborted:    "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrSessionReused is returned when Run is called twice on one session.
var ErrSessionReused = errors.New("session already started")

// Result describes a finished session.
type Result struct {
	sink.Summary
	Session   string `json:"session"`
	Source    string `json:"source"`
	State     State  `json:"-"`
	Captured  uint64 `json:"captured"`
	Malformed int    `json:"malformed"`
}

// Session is one capture-to-sink run over a single source.
type Session struct {
	ID  string
	inv capture.Invocation

	source      capture.Source
	transformer *transform.Transformer
	sink        sink.Sink
	reporter    indexer.FailureReporter
	buffer      int
	log         *logger.Logger

	mu      sync.Mutex
	state   State
	started bool
}

// NewSession prepares a session for inv. The invocation's Session tag is
// set to the new session id.
func NewSession(inv capture.Invocation, source capture.Source, tr *transform.Transformer, snk sink.Sink, reporter indexer.FailureReporter, buffer int) *Session {
	id := uuid.NewString()
	inv.Session = id
	if buffer < 1 {
		buffer = 1
	}
	return &Session{
		ID:          id,
		inv:         inv,
		source:      source,
		transformer: tr,
		sink:        snk,
		reporter:    reporter,
		buffer:      buffer,
		log:         logger.GetLogger(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) advance(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.state {
		return
	}
	s.state = to
}

// Run captures until the source ends, the context is cancelled, or the sink
// fails. Documents produced before an interrupt or a capture stream error
// are still flushed to the sink.
func (s *Session) Run(ctx context.Context) (Result, error) {
	res := Result{Session: s.ID, Source: s.inv.Origin()}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return res, ErrSessionReused
	}
	s.started = true
	s.mu.Unlock()

	stream, err := s.source.Open(ctx, s.inv)
	if err != nil {
		s.finish(&res, Aborted)
		return res, err
	}
	defer stream.Close()
	s.advance(Capturing)
	s.log.Info("[session] %s capturing from %s", s.ID, res.Source)

	// An interrupt stops capture; what was produced still drains.
	stopOnInterrupt := context.AfterFunc(ctx, func() { stream.Close() })
	defer stopOnInterrupt()

	// abort stops the producer when the sink gives up.
	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()

	docs := make(chan transform.IndexDocument, s.buffer)
	var (
		wg         sync.WaitGroup
		captureErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(docs)
		captureErr = s.produce(abortCtx, stream, docs, &res)
		s.advance(Draining)
	}()

	sum, sinkErr := s.sink.Consume(ctx, docs)
	if sinkErr != nil {
		abort()
		stream.Close()
	}
	wg.Wait()
	res.Summary = sum

	switch {
	case sinkErr != nil:
		s.finish(&res, Aborted)
		return res, sinkErr
	case captureErr != nil:
		s.finish(&res, Aborted)
		return res, captureErr
	}
	s.finish(&res, Completed)
	return res, nil
}

func (s *Session) produce(abortCtx context.Context, stream capture.Stream, docs chan<- transform.IndexDocument, res *Result) error {
	mode := "file"
	if s.inv.Live() {
		mode = "live"
	}
	for stream.Next() {
		rec := stream.Record()
		res.Captured++
		metrics.PacketsCaptured.WithLabelValues(mode).Inc()

		doc, err := s.transformer.Transform(rec)
		if err != nil {
			res.Malformed++
			metrics.MalformedRecords.Inc()
			s.log.Debug("[session] %s skipping record: %v", s.ID, err)
			s.reporter.Report(err)
			continue
		}
		select {
		case docs <- doc:
		case <-abortCtx.Done():
			return nil
		}
	}
	return stream.Err()
}

func (s *Session) finish(res *Result, state State) {
	s.advance(state)
	res.State = state
	metrics.Sessions.WithLabelValues(state.String()).Inc()
	s.log.Info("[session] %s %s: captured=%d malformed=%d documents=%d chunks=%d indexed=%d failed=%d skipped=%d",
		s.ID, state, res.Captured, res.Malformed, res.Documents, res.Chunks, res.Indexed, res.Failed, res.Skipped)
}
