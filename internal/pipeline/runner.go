package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"espcap/internal/capture"
	"espcap/internal/indexer"
	"espcap/internal/logger"
	"espcap/internal/sink"
	"espcap/internal/transform"
)

// Config wires a Runner.
type Config struct {
	Source      capture.Source
	Transformer *transform.Transformer
	// NewSink builds a fresh sink for each session
	NewSink  func() (sink.Sink, error)
	Reporter indexer.FailureReporter
	// Buffer is how many documents may wait between capture and the sink
	Buffer int
}

// Runner executes sessions one at a time.
type Runner struct {
	cfg Config
	log *logger.Logger
}

// NewRunner returns a Runner for cfg.
func NewRunner(cfg Config) *Runner {
	if cfg.Transformer == nil {
		cfg.Transformer = transform.New("")
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = indexer.DefaultChunkSize
	}
	return &Runner{cfg: cfg, log: logger.GetLogger()}
}

func (r *Runner) session(inv capture.Invocation) (*Session, error) {
	snk, err := r.cfg.NewSink()
	if err != nil {
		return nil, err
	}
	return NewSession(inv, r.cfg.Source, r.cfg.Transformer, snk, r.cfg.Reporter, r.cfg.Buffer), nil
}

// RunLive captures from an interface until the count limit is reached or
// ctx is cancelled.
func (r *Runner) RunLive(ctx context.Context, inv capture.Invocation) (Result, error) {
	inv.File = ""
	sess, err := r.session(inv)
	if err != nil {
		return Result{}, err
	}
	return sess.Run(ctx)
}

// RunFiles replays files strictly in the given order, each as its own
// session. A capture start failure stops the run. Other session failures
// are collected and the remaining files still run. Cancellation skips the
// files not yet started.
func (r *Runner) RunFiles(ctx context.Context, paths []string) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for i, path := range paths {
		if ctx.Err() != nil {
			r.log.Warn("[runner] interrupted, skipping %d remaining file(s)", len(paths)-i)
			break
		}
		sess, err := r.session(capture.Invocation{File: path})
		if err != nil {
			return results, errors.Join(append(errs, err)...)
		}
		res, err := sess.Run(ctx)
		results = append(results, res)
		if err == nil {
			continue
		}

		var startErr *capture.StartError
		if errors.As(err, &startErr) {
			return results, errors.Join(append(errs, err)...)
		}
		r.log.Error("[runner] %s: %v", path, err)
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return results, errors.Join(errs...)
}

// RunDir replays every capture file in dir in lexicographic order.
func (r *Runner) RunDir(ctx context.Context, dir string) ([]Result, error) {
	paths, err := ListCaptureFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		r.log.Warn("[runner] no capture files found in %s", dir)
		return nil, nil
	}
	r.log.Info("[runner] replaying %d file(s) from %s", len(paths), dir)
	return r.RunFiles(ctx, paths)
}

// ListCaptureFiles returns the regular, non-hidden files in dir sorted by
// name. Subdirectories are not descended into.
func ListCaptureFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &capture.StartError{Origin: dir, Err: fmt.Errorf("failed to read directory: %w", err)}
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			logger.GetLogger().Warn("[runner] failed to stat %s: %v, skipping", path, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}
