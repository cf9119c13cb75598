// Package metrics exposes Prometheus collectors for the CVS update pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds the pipeline collectors on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	outcomes       *prometheus.CounterVec
	eventDuration  prometheus.Histogram
	batches        prometheus.Counter
	batchEvents    prometheus.Counter
	committedBlock prometheus.Gauge
	outOfOrder     prometheus.Counter
}

// NewCollector creates and registers the pipeline collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "atlas"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cvs",
			Name:      "updates_total",
			Help:      "License sales handled, by terminal state and error kind",
		},
		[]string{"state", "error_kind"},
	)
	c.eventDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cvs",
			Name:      "update_duration_seconds",
			Help:      "Time from detection to terminal state per license sale",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 11), // 100ms to ~100s
		},
	)
	c.batches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "batches_total",
		Help:      "Batches delivered by the event watcher",
	})
	c.batchEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "events_total",
		Help:      "License sale events delivered by the event watcher",
	})
	c.committedBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "committed_block",
		Help:      "Last block whose events were fully handled",
	})
	c.outOfOrder = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "out_of_order_total",
		Help:      "Events delivered out of (block, log index) order",
	})

	c.registry.MustRegister(c.outcomes, c.eventDuration, c.batches, c.batchEvents, c.committedBlock, c.outOfOrder)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveOutcome records one handled sale.
func (c *Collector) ObserveOutcome(state, errorKind string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(state, errorKind).Inc()
	c.eventDuration.Observe(elapsed.Seconds())
}

// ObserveBatch records one watcher delivery.
func (c *Collector) ObserveBatch(events int) {
	if c == nil {
		return
	}
	c.batches.Inc()
	c.batchEvents.Add(float64(events))
}

// ObserveOutOfOrder records events found out of chain order.
func (c *Collector) ObserveOutOfOrder(count int) {
	if c == nil || count == 0 {
		return
	}
	c.outOfOrder.Add(float64(count))
}

// SetCommittedBlock records the last checkpointed block.
func (c *Collector) SetCommittedBlock(block uint64) {
	if c == nil {
		return
	}
	c.committedBlock.Set(float64(block))
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}()

	logger.Info("metrics server start", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
