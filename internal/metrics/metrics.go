// Package metrics exports the pipeline's prometheus metrics. Snapshot-backed
// series (queue accounting, delivery outcomes, breaker state, worker status)
// are collected at scrape time from the owning components; only the per-event
// hooks (fetch outcomes, evaluation tiers) are live counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"killfeed/internal/delivery"
	"killfeed/internal/feed"
	"killfeed/internal/interest"
	"killfeed/internal/worker"
)

const namespace = "killfeed"

type Metrics struct {
	reg *prometheus.Registry

	queue   *feed.Queue
	router  *delivery.Router
	workers func() worker.Status

	fetches *prometheus.CounterVec
	tiers   *prometheus.CounterVec

	descIngestReceived *prometheus.Desc
	descIngestDropped  *prometheus.Desc
	descIngestWritten  *prometheus.Desc
	descIngestDepth    *prometheus.Desc

	descDeliverEnqueued *prometheus.Desc
	descDeliverSent     *prometheus.Desc
	descDeliverFailed   *prometheus.Desc
	descDeliverStale    *prometheus.Desc
	descDeliverDropped  *prometheus.Desc
	descDeliverDepth    *prometheus.Desc
	descBreakerOpen     *prometheus.Desc

	descWorkersActive   *prometheus.Desc
	descWorkerProcessed *prometheus.Desc
	descWorkerRouted    *prometheus.Desc
	descWorkerErrors    *prometheus.Desc
}

// Option wires one snapshot source into the collector. All are optional.
type Option func(*Metrics)

func WithQueue(q *feed.Queue) Option {
	return func(m *Metrics) { m.queue = q }
}

func WithRouter(r *delivery.Router) Option {
	return func(m *Metrics) { m.router = r }
}

func WithWorkerStatus(fn func() worker.Status) Option {
	return func(m *Metrics) { m.workers = fn }
}

func New(opts ...Option) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Enrichment fetch attempts by outcome",
		}, []string{"outcome"}),
		tiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Interest evaluations by profile and resulting tier",
		}, []string{"profile", "tier"}),

		descIngestReceived: prometheus.NewDesc(namespace+"_ingest_received_total", "Events offered to the admission queue", nil, nil),
		descIngestDropped:  prometheus.NewDesc(namespace+"_ingest_dropped_total", "Events evicted from the admission queue", nil, nil),
		descIngestWritten:  prometheus.NewDesc(namespace+"_ingest_written_total", "Events drained from the queue into the store", nil, nil),
		descIngestDepth:    prometheus.NewDesc(namespace+"_ingest_queue_depth", "Current admission queue depth", nil, nil),

		descDeliverEnqueued: prometheus.NewDesc(namespace+"_delivery_enqueued_total", "Messages enqueued per channel", []string{"channel"}, nil),
		descDeliverSent:     prometheus.NewDesc(namespace+"_delivery_sent_total", "Messages sent per channel", []string{"channel"}, nil),
		descDeliverFailed:   prometheus.NewDesc(namespace+"_delivery_failed_total", "Send failures per channel", []string{"channel"}, nil),
		descDeliverStale:    prometheus.NewDesc(namespace+"_delivery_stale_total", "Messages skipped as stale per channel", []string{"channel"}, nil),
		descDeliverDropped:  prometheus.NewDesc(namespace+"_delivery_dropped_total", "Messages evicted on overflow per channel", []string{"channel"}, nil),
		descDeliverDepth:    prometheus.NewDesc(namespace+"_delivery_queue_depth", "Current outbound queue depth per channel", []string{"channel"}, nil),
		descBreakerOpen:     prometheus.NewDesc(namespace+"_breaker_open", "1 when the channel breaker is open", []string{"channel"}, nil),

		descWorkersActive:   prometheus.NewDesc(namespace+"_workers_active", "Active profile pollers", nil, nil),
		descWorkerProcessed: prometheus.NewDesc(namespace+"_worker_processed_total", "Events processed per profile", []string{"profile"}, nil),
		descWorkerRouted:    prometheus.NewDesc(namespace+"_worker_routed_total", "Events routed to delivery per profile", []string{"profile"}, nil),
		descWorkerErrors:    prometheus.NewDesc(namespace+"_worker_errors_total", "Per-event errors per profile", []string{"profile"}, nil),
	}
	for _, o := range opts {
		o(m)
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetches,
		m.tiers,
		m,
	)
	return m
}

// Registry exposes the backing registry for the debug server.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveFetch counts one enrichment fetch outcome
// ("success", "failed", "unfetchable", "claim_lost").
func (m *Metrics) ObserveFetch(outcome string) {
	m.fetches.WithLabelValues(outcome).Inc()
}

// ObserveTier counts one evaluation result.
func (m *Metrics) ObserveTier(profile string, tier interest.Tier) {
	m.tiers.WithLabelValues(profile, string(tier)).Inc()
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.descIngestReceived
	ch <- m.descIngestDropped
	ch <- m.descIngestWritten
	ch <- m.descIngestDepth
	ch <- m.descDeliverEnqueued
	ch <- m.descDeliverSent
	ch <- m.descDeliverFailed
	ch <- m.descDeliverStale
	ch <- m.descDeliverDropped
	ch <- m.descDeliverDepth
	ch <- m.descBreakerOpen
	ch <- m.descWorkersActive
	ch <- m.descWorkerProcessed
	ch <- m.descWorkerRouted
	ch <- m.descWorkerErrors
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m.queue != nil {
		st := m.queue.Stats()
		ch <- prometheus.MustNewConstMetric(m.descIngestReceived, prometheus.CounterValue, float64(st.Received))
		ch <- prometheus.MustNewConstMetric(m.descIngestDropped, prometheus.CounterValue, float64(st.Dropped))
		ch <- prometheus.MustNewConstMetric(m.descIngestWritten, prometheus.CounterValue, float64(st.Written))
		ch <- prometheus.MustNewConstMetric(m.descIngestDepth, prometheus.GaugeValue, float64(st.Depth))
	}
	if m.router != nil {
		for _, q := range m.router.Queues() {
			st := q.Stats()
			name := q.Name()
			ch <- prometheus.MustNewConstMetric(m.descDeliverEnqueued, prometheus.CounterValue, float64(st.Enqueued), name)
			ch <- prometheus.MustNewConstMetric(m.descDeliverSent, prometheus.CounterValue, float64(st.Sent), name)
			ch <- prometheus.MustNewConstMetric(m.descDeliverFailed, prometheus.CounterValue, float64(st.Failed), name)
			ch <- prometheus.MustNewConstMetric(m.descDeliverStale, prometheus.CounterValue, float64(st.Stale), name)
			ch <- prometheus.MustNewConstMetric(m.descDeliverDropped, prometheus.CounterValue, float64(st.Dropped), name)
			ch <- prometheus.MustNewConstMetric(m.descDeliverDepth, prometheus.GaugeValue, float64(st.Depth), name)
			open := 0.0
			if st.Breaker.Open {
				open = 1
			}
			ch <- prometheus.MustNewConstMetric(m.descBreakerOpen, prometheus.GaugeValue, open, name)
		}
	}
	if m.workers != nil {
		st := m.workers()
		ch <- prometheus.MustNewConstMetric(m.descWorkersActive, prometheus.GaugeValue, float64(st.Active))
		for _, w := range st.Workers {
			ch <- prometheus.MustNewConstMetric(m.descWorkerProcessed, prometheus.CounterValue, float64(w.Processed), w.Profile)
			ch <- prometheus.MustNewConstMetric(m.descWorkerRouted, prometheus.CounterValue, float64(w.Routed), w.Profile)
			ch <- prometheus.MustNewConstMetric(m.descWorkerErrors, prometheus.CounterValue, float64(w.Errors), w.Profile)
		}
	}
}
