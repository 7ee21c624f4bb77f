package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"espcap/internal/logger"
)

var (
	// Capture metrics
	PacketsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espcap_packets_captured_total",
			Help: "Total number of packet records read from capture sources",
		},
		[]string{"mode"},
	)

	MalformedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "espcap_malformed_records_total",
			Help: "Total number of records skipped because they could not be transformed",
		},
	)

	// Indexing metrics
	Documents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espcap_documents_total",
			Help: "Total number of documents by indexing outcome",
		},
		[]string{"outcome"},
	)

	Chunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espcap_bulk_chunks_total",
			Help: "Total number of bulk requests by status",
		},
		[]string{"status"},
	)

	BulkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "espcap_bulk_duration_seconds",
			Help:    "Duration of bulk requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session metrics
	Sessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espcap_sessions_total",
			Help: "Total number of capture sessions by final state",
		},
		[]string{"state"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.GetLogger().Info("[metrics] serving prometheus metrics on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.GetLogger().Error("[metrics] server stopped: %v", err)
		}
	}()
	return nil
}
