package errlog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringerOnly struct {
	Ch chan int
}

func (stringerOnly) String() string { return "stringer fallback" }

type opaque struct {
	Fn func()
}

func newTestReporter(t *testing.T) *Reporter {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "logs", "packet-errors.log"))
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC) }
	return r
}

func readLines(t *testing.T, r *Reporter) []string {
	t.Helper()
	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	trimmed := strings.TrimSuffix(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestNewCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "errors.log")
	r, err := New(path)
	require.NoError(t, err)

	info, err := os.Stat(r.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestReportFormats(t *testing.T) {
	r := newTestReporter(t)

	r.Report(map[string]any{"status": 400, "error": "mapper_parsing_exception"})
	r.Report("plain message")
	r.Report(errors.New("boom"))
	r.Report(stringerOnly{Ch: make(chan int)})
	r.Report(opaque{Fn: func() {}})

	lines := readLines(t, r)
	require.Len(t, lines, 5)
	prefix := "[ERROR]: [2024-03-01 12:30:45.123456] "
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, prefix), l)
	}
	assert.Equal(t, prefix+`{"error":"mapper_parsing_exception","status":400}`, lines[0])
	assert.Equal(t, prefix+"plain message", lines[1])
	assert.Equal(t, prefix+"boom", lines[2])
	assert.Equal(t, prefix+"stringer fallback", lines[3])
	assert.Equal(t, prefix+"There is an error in unknown type: errlog.opaque", lines[4])
}

func TestReportEscapesNewlines(t *testing.T) {
	r := newTestReporter(t)
	r.Report("line one\nline two")

	lines := readLines(t, r)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `line one\nline two`)
}

func TestReportNeverPanicsOnMissingDirectory(t *testing.T) {
	r := newTestReporter(t)
	require.NoError(t, os.RemoveAll(filepath.Dir(r.Path())))
	assert.NotPanics(t, func() { r.Report("lost") })
}

func TestResetIsIdempotent(t *testing.T) {
	r := newTestReporter(t)
	r.Report("first")
	r.Report("second")
	require.Len(t, readLines(t, r), 2)

	require.NoError(t, r.Reset())
	assert.Empty(t, readLines(t, r))
	require.NoError(t, r.Reset())
	assert.Empty(t, readLines(t, r))

	r.Report("after reset")
	assert.Len(t, readLines(t, r), 1)
}

func TestReportConcurrentAppends(t *testing.T) {
	r := newTestReporter(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Report(map[string]int{"n": i})
		}(i)
	}
	wg.Wait()
	assert.Len(t, readLines(t, r), 20)
}
