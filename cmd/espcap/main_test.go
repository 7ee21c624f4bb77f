package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espcap/config"
	"espcap/internal/capture"
)

type stubSource struct {
	n int
}

func (s *stubSource) Open(ctx context.Context, inv capture.Invocation) (capture.Stream, error) {
	return &stubStream{inv: inv, left: s.n}, nil
}

func (s *stubSource) ListInterfaces(ctx context.Context) ([]capture.Interface, error) {
	return []capture.Interface{
		{Index: 1, Name: "eth0", Description: "Ethernet"},
		{Index: 2, Name: "lo"},
	}, nil
}

type stubStream struct {
	inv  capture.Invocation
	left int
	seq  uint64
}

func (s *stubStream) Next() bool {
	if s.left == 0 {
		return false
	}
	s.left--
	s.seq++
	return true
}

func (s *stubStream) Record() capture.PacketRecord {
	return capture.PacketRecord{
		Sequence:  s.seq,
		Source:    s.inv.Origin(),
		Session:   s.inv.Session,
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, int(s.seq)*1000, time.UTC),
		Layers: []capture.Layer{
			{Name: "frame", Fields: map[string]any{"frame_frame_len": "60"}},
			{Name: "eth", Fields: map[string]any{"eth_eth_type": "0x0800"}},
		},
	}
}

func (s *stubStream) Err() error   { return nil }
func (s *stubStream) Close() error { return nil }

func useStubSource(t *testing.T, n int) {
	t.Helper()
	prev := newSource
	newSource = func(*config.Config) capture.Source { return &stubSource{n: n} }
	t.Cleanup(func() { newSource = prev })
}

// bulkServer answers bulk requests, rejecting documents by their
// position across the whole run (1-based).
type bulkServer struct {
	mu       sync.Mutex
	requests int
	docs     int
	reject   map[int]bool
}

func (b *bulkServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !strings.HasSuffix(r.URL.Path, "/_bulk") {
		_, _ = w.Write([]byte(`{"version":{"number":"2.11.0","distribution":"opensearch"}}`))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++

	var items []map[string]any
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line%2 == 1 {
			continue
		}
		b.docs++
		item := map[string]any{"_index": "packets-2024-03-01", "status": 201, "result": "created"}
		if b.reject[b.docs] {
			item["status"] = 400
			item["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": "bad field"}
		}
		items = append(items, map[string]any{"index": item})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"took": 1, "errors": false, "items": items})
}

type syslogRecorder struct {
	mu   sync.Mutex
	info []string
	errs []string
}

func recordSyslog(t *testing.T) *syslogRecorder {
	t.Helper()
	rec := &syslogRecorder{}
	prevInfo, prevErr := syslogInfo, syslogErr
	syslogInfo = func(tag, msg string) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.info = append(rec.info, tag+": "+msg)
	}
	syslogErr = func(tag, msg string) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.errs = append(rec.errs, tag+": "+msg)
	}
	t.Cleanup(func() { syslogInfo, syslogErr = prevInfo, prevErr })
	return rec
}

func tempErrorLog(t *testing.T) string {
	return filepath.Join(t.TempDir(), "logs", "packet-errors.log")
}

func TestMissingSourceExitsWithError(t *testing.T) {
	useStubSource(t, 1)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--error-log", tempErrorLog(t)}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "[ERROR]  no capture source")
	assert.Empty(t, stdout.String())
}

func TestConflictingSourcesExitWithError(t *testing.T) {
	useStubSource(t, 1)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--nic", "eth0", "--file", "a.pcap"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "conflicting capture sources")
}

func TestDumpModeWritesJSONLines(t *testing.T) {
	useStubSource(t, 3)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--file", "capture.pcap", "--error-log", tempErrorLog(t)}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 3)
	for i, l := range lines {
		var doc struct {
			Index  string         `json:"_index"`
			Source map[string]any `json:"_source"`
		}
		require.NoError(t, json.Unmarshal([]byte(l), &doc))
		assert.Equal(t, "packets-2024-03-01", doc.Index)
		capt := doc.Source["capture"].(map[string]any)
		assert.Equal(t, float64(i+1), capt["sequence"])
		assert.Equal(t, "capture.pcap", capt["source"])
	}
}

func TestIndexModeDoesNotWriteStdout(t *testing.T) {
	useStubSource(t, 5)
	backend := &bulkServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	var stdout, stderr bytes.Buffer

	code := run([]string{"--file", "capture.pcap", "--node", srv.URL, "--chunk", "2", "--error-log", tempErrorLog(t)}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	assert.Empty(t, stdout.String())
	assert.Equal(t, 3, backend.requests)
	assert.Equal(t, 5, backend.docs)
}

func TestStopOnErrorUnderscoreSpelling(t *testing.T) {
	useStubSource(t, 5)
	backend := &bulkServer{reject: map[int]bool{3: true}}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	errLog := tempErrorLog(t)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--file", "capture.pcap", "--node", srv.URL, "--chunk", "5", "--stop_on_error", "--error-log", errLog}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "[ERROR]  ")
	assert.Contains(t, stderr.String(), "document 3 of chunk 1 rejected by packets-2024-03-01: mapper_parsing_exception")

	data, err := os.ReadFile(errLog)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "[ERROR]: ["))
	assert.Contains(t, string(data), "mapper_parsing_exception")
}

func TestFailuresWithoutStopOnErrorStillSucceed(t *testing.T) {
	useStubSource(t, 5)
	backend := &bulkServer{reject: map[int]bool{3: true}}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	errLog := tempErrorLog(t)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--file", "capture.pcap", "--node", srv.URL, "--chunk", "5", "--error-log", errLog}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, 5, backend.docs)

	data, err := os.ReadFile(errLog)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "[ERROR]: ["))
}

func TestStartupIsSentToSyslog(t *testing.T) {
	useStubSource(t, 1)
	rec := recordSyslog(t)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--file", "capture.pcap", "--error-log", tempErrorLog(t)}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, []string{"espcap: espcap started"}, rec.info)
	assert.Empty(t, rec.errs)
}

func TestFatalErrorIsSentToSyslog(t *testing.T) {
	useStubSource(t, 1)
	rec := recordSyslog(t)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--error-log", tempErrorLog(t)}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Empty(t, rec.info)
	require.Len(t, rec.errs, 1)
	assert.Contains(t, rec.errs[0], "no capture source")
}

func TestListInterfaces(t *testing.T) {
	useStubSource(t, 0)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--list"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "1. eth0 (Ethernet)\n2. lo\n", stdout.String())
}

func TestVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--version"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "dev")
}

func TestBadChunkSize(t *testing.T) {
	useStubSource(t, 1)
	var stdout, stderr bytes.Buffer

	code := run([]string{"--file", "a.pcap", "--chunk", "0"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "chunk size must be at least 1")
}

func TestCollectLogsSubcommand(t *testing.T) {
	dir := t.TempDir()
	errLog := filepath.Join(dir, "packet-errors.log")
	require.NoError(t, os.WriteFile(errLog, []byte("[ERROR]: [x] y\n"), 0o644))
	out := filepath.Join(dir, "bundle.zip")
	var stdout, stderr bytes.Buffer

	code := run([]string{"collect-logs", "--error-log", errLog, "-o", out}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "Created "+out)
	_, err := os.Stat(out)
	assert.NoError(t, err)
}
