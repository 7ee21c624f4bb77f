package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"espcap/internal/logger"
)

// commandContext is swapped in tests to run a fake capture tool.
var commandContext = exec.CommandContext

const (
	// DefaultTsharkPath is looked up on PATH
	DefaultTsharkPath = "tshark"
	// maxLineSize bounds a single ek JSON line
	maxLineSize = 16 * 1024 * 1024
	stderrTail  = 4096
)

// TsharkSource runs tshark with elastic-style JSON output (-T ek) and
// decodes one packet per output line.
type TsharkSource struct {
	path      string
	waitDelay time.Duration
	log       *logger.Logger
}

// NewTsharkSource returns a source running the tshark binary at path.
func NewTsharkSource(path string) *TsharkSource {
	if path == "" {
		path = DefaultTsharkPath
	}
	return &TsharkSource{
		path:      path,
		waitDelay: 5 * time.Second,
		log:       logger.GetLogger(),
	}
}

// Args builds the tshark command line for an invocation.
func (s *TsharkSource) Args(inv Invocation) []string {
	if !inv.Live() {
		return []string{"-r", inv.File, "-T", "ek"}
	}
	args := []string{"-i", inv.Interface}
	if inv.Count > 0 {
		args = append(args, "-c", strconv.Itoa(inv.Count))
	}
	if inv.Filter != "" {
		args = append(args, "-f", inv.Filter)
	}
	// -l flushes after every packet so live records arrive promptly
	return append(args, "-T", "ek", "-l")
}

// Open starts tshark and returns a stream over its output.
func (s *TsharkSource) Open(ctx context.Context, inv Invocation) (Stream, error) {
	origin := inv.Origin()
	if inv.Live() && inv.Interface == "" {
		return nil, &StartError{Origin: origin, Err: errors.New("no interface given")}
	}
	if !inv.Live() {
		if _, err := os.Stat(inv.File); err != nil {
			return nil, &StartError{Origin: origin, Err: err}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	args := s.Args(inv)
	cmd := commandContext(ctx, s.path, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.waitDelay
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &StartError{Origin: origin, Err: err}
	}
	s.log.Debug("[capture] starting %s %s", s.path, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &StartError{Origin: origin, Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &tsharkStream{
		ctx:     ctx,
		inv:     inv,
		cmd:     cmd,
		cancel:  cancel,
		scanner: scanner,
		stderr:  stderr,
		log:     s.log,
	}, nil
}

// ListInterfaces parses the output of tshark -D.
func (s *TsharkSource) ListInterfaces(ctx context.Context) ([]Interface, error) {
	cmd := commandContext(ctx, s.path, "-D")
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("tshark -D: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseInterfaceList(out), nil
}

// parseInterfaceList reads lines of the form "1. eth0 (Ethernet)".
func parseInterfaceList(out []byte) []Interface {
	var ifaces []Interface
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		num, rest, ok := strings.Cut(line, ". ")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		iface := Interface{Index: idx, Name: rest}
		if open := strings.Index(rest, " ("); open > 0 && strings.HasSuffix(rest, ")") {
			iface.Name = rest[:open]
			iface.Description = rest[open+2 : len(rest)-1]
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces
}

type tsharkStream struct {
	ctx     context.Context
	inv     Invocation
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *tailBuffer
	log     *logger.Logger

	seq    uint64
	rec    PacketRecord
	err    error
	done   bool
	closed atomic.Bool

	waitOnce sync.Once
	waitErr  error
}

func (s *tsharkStream) Next() bool {
	if s.done {
		return false
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, ok, err := decodeEKLine(line)
		if err != nil {
			s.fail(&StreamError{Origin: s.inv.Origin(), After: s.seq, Err: err})
			return false
		}
		if !ok {
			continue
		}
		s.seq++
		rec.Sequence = s.seq
		rec.Source = s.inv.Origin()
		rec.Session = s.inv.Session
		s.rec = rec
		if s.inv.Live() && s.inv.Count > 0 && s.seq >= uint64(s.inv.Count) {
			s.log.Debug("[capture] count limit %d reached on %s", s.inv.Count, s.inv.Interface)
			s.release()
			s.done = true
		}
		return true
	}
	s.finish(s.scanner.Err())
	return false
}

func (s *tsharkStream) Record() PacketRecord { return s.rec }

func (s *tsharkStream) Err() error { return s.err }

func (s *tsharkStream) Close() error {
	s.release()
	return nil
}

// release interrupts the tool and reaps it.
func (s *tsharkStream) release() {
	s.closed.Store(true)
	s.cancel()
	s.wait()
}

func (s *tsharkStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func (s *tsharkStream) fail(err error) {
	s.err = err
	s.done = true
	s.release()
}

// finish classifies the end of output.
func (s *tsharkStream) finish(readErr error) {
	s.done = true
	if s.closed.Load() {
		s.wait()
		return
	}
	waitErr := s.wait()
	interrupted := s.ctx.Err() != nil
	s.cancel()
	if s.closed.Load() || interrupted {
		return
	}

	err := readErr
	if err == nil && waitErr != nil {
		err = waitErr
		if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", waitErr, msg)
		}
	}
	if err == nil {
		return
	}
	if s.seq == 0 {
		s.err = &StartError{Origin: s.inv.Origin(), Err: err}
		return
	}
	s.err = &StreamError{Origin: s.inv.Origin(), After: s.seq, Err: err}
}

// ekPacket is one line of tshark -T ek output. Index action lines carry
// only "index" and are skipped.
type ekPacket struct {
	Index     json.RawMessage `json:"index"`
	Timestamp json.RawMessage `json:"timestamp"`
	Layers    json.RawMessage `json:"layers"`
}

func decodeEKLine(line []byte) (PacketRecord, bool, error) {
	var pkt ekPacket
	if err := json.Unmarshal(line, &pkt); err != nil {
		return PacketRecord{}, false, fmt.Errorf("decode ek line: %w", err)
	}
	if pkt.Layers == nil && pkt.Index != nil {
		return PacketRecord{}, false, nil
	}
	layers, err := decodeLayers(pkt.Layers)
	if err != nil {
		return PacketRecord{}, false, err
	}
	return PacketRecord{
		Timestamp: parseEKTimestamp(pkt.Timestamp),
		Layers:    layers,
	}, true, nil
}

// parseEKTimestamp accepts epoch milliseconds as a JSON string or number.
// Anything else yields the zero time.
func parseEKTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return time.Time{}
		}
		ms = int64(f)
	}
	return time.UnixMilli(ms).UTC()
}

// decodeLayers walks the layers object keeping key order.
func decodeLayers(raw json.RawMessage) ([]Layer, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode layers: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decode layers: expected object, got %v", tok)
	}

	var out []Layer
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode layers: %w", err)
		}
		name, _ := tok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("decode layer %q: %w", name, err)
		}
		fields, ok := value.(map[string]any)
		if !ok {
			fields = map[string]any{"value": value}
		}
		out = append(out, Layer{Name: name, Fields: fields})
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode layers: %w", err)
	}
	return out, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
