// Package metrics exposes batch run counters over a Prometheus endpoint.
// The listener is optional; RecordRun works whether or not it is serving.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evradar/evradar/internal/pipeline"
)

// Exporter holds the run metrics and the optional /metrics listener.
type Exporter struct {
	server *http.Server

	upsertTotal    *prometheus.CounterVec
	rejectedTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	collectedTotal prometheus.Counter
	lastRunTS      prometheus.Gauge
	runDuration    prometheus.Summary
}

// NewExporter registers the metrics on a fresh registry and prepares an HTTP
// server on addr. Call Serve to expose it.
func NewExporter(addr string) *Exporter {
	reg := prometheus.NewRegistry()
	e := &Exporter{}

	e.upsertTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evradar",
		Name:      "upserts_total",
		Help:      "Number of store writes by outcome",
	}, []string{"outcome"})
	e.rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "evradar",
		Name:      "rejected_total",
		Help:      "Number of candidates rejected by validation",
	})
	e.errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "evradar",
		Name:      "collector_errors_total",
		Help:      "Number of advisory collector errors",
	})
	e.collectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "evradar",
		Name:      "collected_total",
		Help:      "Number of candidates produced by collectors",
	})
	e.lastRunTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "evradar",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last completed run",
	})
	e.runDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "evradar",
		Name:      "run_duration_seconds",
		Help:      "Time spent on one batch run",
	})

	reg.MustRegister(e.upsertTotal, e.rejectedTotal, e.errorsTotal,
		e.collectedTotal, e.lastRunTS, e.runDuration)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	e.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return e
}

func (e *Exporter) Serve() error                       { return e.server.ListenAndServe() }
func (e *Exporter) Shutdown(ctx context.Context) error { return e.server.Shutdown(ctx) }

// RecordRun folds one batch's stats into the counters.
func (e *Exporter) RecordRun(stats *pipeline.Stats, took time.Duration) {
	e.upsertTotal.WithLabelValues("inserted").Add(float64(stats.Inserted))
	e.upsertTotal.WithLabelValues("updated").Add(float64(stats.Updated))
	e.upsertTotal.WithLabelValues("merged").Add(float64(stats.Merged))
	e.upsertTotal.WithLabelValues("cancelled").Add(float64(stats.Cancelled))
	e.upsertTotal.WithLabelValues("ignored").Add(float64(stats.Ignored))
	e.rejectedTotal.Add(float64(stats.Rejected))
	e.errorsTotal.Add(float64(len(stats.Errors)))
	e.collectedTotal.Add(float64(stats.Collected))
	e.lastRunTS.Set(float64(time.Now().Unix()))
	e.runDuration.Observe(took.Seconds())
}
