package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the core exports. One collector is built per
// process and shared by injection; the registry is private so tests can build
// throwaway collectors without global registration conflicts.
type Collector struct {
	registry *prometheus.Registry

	RecordsAdmitted   *prometheus.CounterVec
	OutboundRequests  *prometheus.CounterVec
	SectionsParsed    prometheus.Counter
	MentionsExtracted *prometheus.CounterVec
	Resolutions       *prometheus.CounterVec
	Relationships     *prometheus.CounterVec
	DeadLetters       prometheus.Counter
	ValidationEvents  *prometheus.CounterVec

	QueueDepth    *prometheus.GaugeVec
	WSSubscribers prometheus.Gauge

	FetchDuration prometheus.Histogram
	ParseDuration prometheus.Histogram
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		RecordsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgar_records_admitted_total",
			Help: "Feed candidates admitted, by result (new, duplicate, resighted)",
		}, []string{"result"}),

		OutboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgar_outbound_requests_total",
			Help: "Outbound SEC requests, by HTTP status class",
		}, []string{"status"}),

		SectionsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgar_sections_parsed_total",
			Help: "Section rows emitted by the parser",
		}),

		MentionsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgar_mentions_extracted_total",
			Help: "Candidate mentions surviving cascade reconciliation, by method",
		}, []string{"method"}),

		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgar_resolutions_total",
			Help: "Resolver outcomes, by method",
		}, []string{"method"}),

		Relationships: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgar_relationships_total",
			Help: "Relationships emitted by the graph builder, by type",
		}, []string{"type"}),

		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgar_dead_letters_total",
			Help: "Tasks quarantined after exhausting retries",
		}),

		ValidationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgar_validation_events_total",
			Help: "Validation events recorded, by kind",
		}, []string{"kind"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgar_queue_depth",
			Help: "Pending tasks per queue",
		}, []string{"queue"}),

		WSSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgar_ws_subscribers",
			Help: "Connected /feed/stream clients",
		}),

		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgar_fetch_duration_seconds",
			Help:    "Filing bundle download duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		ParseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgar_parse_duration_seconds",
			Help:    "Section parse duration per filing",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}

	registry.MustRegister(
		c.RecordsAdmitted,
		c.OutboundRequests,
		c.SectionsParsed,
		c.MentionsExtracted,
		c.Resolutions,
		c.Relationships,
		c.DeadLetters,
		c.ValidationEvents,
		c.QueueDepth,
		c.WSSubscribers,
		c.FetchDuration,
		c.ParseDuration,
	)
	return c
}

// Handler serves the collector's registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Nop returns a collector wired to a private registry nothing scrapes.
// Handy default for tests and CLI one-shots.
func Nop() *Collector { return NewCollector() }
