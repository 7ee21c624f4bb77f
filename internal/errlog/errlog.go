// Package errlog keeps the durable, append-only record of documents and
// packets that could not be indexed.
package errlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"espcap/internal/logger"
)

// DefaultPath is where failures are written when no path is configured.
const DefaultPath = "logs/packet-errors.log"

// TimestampFormat is the layout of the timestamp inside each record.
const TimestampFormat = "2006-01-02 15:04:05.000000"

// Reporter appends one line per failure. It is safe for concurrent use.
type Reporter struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New returns a Reporter writing to path, creating the directory and the
// file if they do not exist.
func New(path string) (*Reporter, error) {
	if path == "" {
		path = DefaultPath
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create error log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close error log: %w", err)
	}
	return &Reporter{path: path, now: time.Now}, nil
}

// Path returns the file the reporter appends to.
func (r *Reporter) Path() string { return r.path }

// Report appends detail as a single record. It never fails the caller; I/O
// problems are written to the application log instead.
func (r *Reporter) Report(detail any) {
	line := fmt.Sprintf("[ERROR]: [%s] %s\n", r.now().Format(TimestampFormat), Format(detail))

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.GetLogger().Error("[errlog] open %s: %v", r.path, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		logger.GetLogger().Error("[errlog] write %s: %v", r.path, err)
	}
}

// Reset truncates the log. Intended for test setup and teardown.
func (r *Reporter) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Truncate(r.path, 0); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("truncate error log: %w", err)
	}
	return nil
}

// Format renders a failure detail as one line: its JSON encoding when
// possible, otherwise its string form, otherwise a note naming its type.
func Format(detail any) string {
	var msg string
	switch d := detail.(type) {
	case string:
		msg = d
	case error:
		if b, err := json.Marshal(d); err == nil && string(b) != "{}" {
			msg = string(b)
		} else {
			msg = d.Error()
		}
	default:
		if b, err := json.Marshal(d); err == nil {
			msg = string(b)
		} else if s, ok := d.(fmt.Stringer); ok {
			msg = s.String()
		} else {
			msg = fmt.Sprintf("There is an error in unknown type: %T", detail)
		}
	}
	return escapeNewlines(msg)
}

func escapeNewlines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(s)
}
