// Package metrics exposes Prometheus instrumentation for the ingestion loop.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/juno-intents/pool-ingest/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "pool_ingest"

// Stage labels a failure by the pipeline step that produced it.
const (
	StageFetch  = "fetch"
	StageDecode = "decode"
	StageWrite  = "write"
	StageLease  = "lease"
)

// Metrics is safe to use through a nil pointer; every method is a no-op then.
type Metrics struct {
	BlocksPersisted prometheus.Counter
	RowsInserted    *prometheus.CounterVec
	LogsSkipped     prometheus.Counter
	FetchRetries    prometheus.Counter
	HeadWaits       prometheus.Counter
	Failures        *prometheus.CounterVec
	Watermark       prometheus.Gauge

	FetchDuration prometheus.Histogram
	WriteDuration prometheus.Histogram
}

// New registers the ingestion metrics with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	f := promauto.With(reg)
	return &Metrics{
		BlocksPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_persisted_total",
			Help:      "Blocks whose write transaction committed",
		}),
		RowsInserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Rows newly inserted, by table",
		}, []string{"table"}),
		LogsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_skipped_total",
			Help:      "Logs from tracked contracts that are not pool events",
		}),
		FetchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Block fetches retried after a transient RPC failure",
		}),
		HeadWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "head_waits_total",
			Help:      "Polls that found the next block past the chain head",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Block failures by stage",
		}, []string{"stage"}),
		Watermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_block",
			Help:      "Highest block number durably persisted",
		}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of one block fetch",
			Buckets:   prometheus.DefBuckets,
		}),
		WriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Latency of one block write transaction",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) Persisted(block uint64, res pool.WriteResult, took time.Duration) {
	if m == nil {
		return
	}
	m.BlocksPersisted.Inc()
	m.WriteDuration.Observe(took.Seconds())
	m.Watermark.Set(float64(block))
	m.RowsInserted.WithLabelValues("blocks").Add(float64(res.Blocks))
	m.RowsInserted.WithLabelValues("transactions").Add(float64(res.Transactions))
	for k, n := range res.Events {
		m.RowsInserted.WithLabelValues(k.Table()).Add(float64(n))
	}
}

// SetWatermark records a watermark read from the store at startup.
func (m *Metrics) SetWatermark(block uint64) {
	if m == nil {
		return
	}
	m.Watermark.Set(float64(block))
}

func (m *Metrics) Fetched(took time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(took.Seconds())
}

func (m *Metrics) Skipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LogsSkipped.Add(float64(n))
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.FetchRetries.Inc()
}

func (m *Metrics) Waited() {
	if m == nil {
		return
	}
	m.HeadWaits.Inc()
}

func (m *Metrics) Failed(stage string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(stage).Inc()
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if log != nil {
		log.Info("metrics listening", "addr", addr)
	}

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
