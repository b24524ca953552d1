package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the ingestor's Prometheus collectors.
type Collector struct {
	reg *prometheus.Registry

	PositionsUpserted   prometheus.Counter
	DelayEventsInserted prometheus.Counter

	FetchErrors   *prometheus.CounterVec // feed label: train_view|trip_updates|release_feed|schedule_api
	EmptyPayloads *prometheus.CounterVec

	StaticRefreshes       prometheus.Counter
	ScheduleFetchFailures prometheus.Counter

	CycleDuration *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		PositionsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_positions_upserted_total",
			Help: "Total train position rows upserted.",
		}),
		DelayEventsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_delay_events_inserted_total",
			Help: "Total delay event rows appended.",
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_fetch_errors_total",
			Help: "Total failed fetch cycles per feed.",
		}, []string{"feed"}),
		EmptyPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_empty_payloads_total",
			Help: "Total cycles that returned no data per feed.",
		}, []string{"feed"}),
		StaticRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_static_refreshes_total",
			Help: "Total successful static schedule refreshes.",
		}),
		ScheduleFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_schedule_fetch_failures_total",
			Help: "Total failed per-block schedule sub-fetches.",
		}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestor_cycle_duration_seconds",
			Help:    "Duration of ingestion cycles per feed.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"feed"}),
	}

	reg.MustRegister(
		c.PositionsUpserted, c.DelayEventsInserted,
		c.FetchErrors, c.EmptyPayloads,
		c.StaticRefreshes, c.ScheduleFetchFailures,
		c.CycleDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
