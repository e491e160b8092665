package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mes_bridge"

// Result label values for Dispatches.
const (
	ResultPass       = "pass"
	ResultFail       = "fail"
	ResultSuppressed = "suppressed"
	ResultAbandoned  = "abandoned"
)

type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	DecodeFailures     prometheus.Counter
	FieldParseFailures *prometheus.CounterVec
	EventsDerived      *prometheus.CounterVec
	Dispatches         *prometheus.CounterVec
	DispatchRetries    prometheus.Counter
	DispatchDuration   *prometheus.HistogramVec
	EventQueueFull     prometheus.Counter
	EventQueueDepth    prometheus.Gauge
	ChannelDrops       *prometheus.CounterVec
	JournalWrites      *prometheus.CounterVec
	IngestRejected     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the bridge metrics and registers them on a fresh registry
// together with the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWith(reg)
}

// NewWith registers the bridge metrics on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Telemetry messages received, by transport.",
		}, []string{"source"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Telemetry messages dropped because the payload could not be decoded.",
		}),
		FieldParseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_parse_failures_total",
			Help:      "Telemetry fields skipped because their value could not be parsed.",
		}, []string{"field"}),
		EventsDerived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_derived_total",
			Help:      "Business events derived from telemetry, by kind.",
		}, []string{"kind"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "MES dispatch outcomes, by event kind and result.",
		}, []string{"kind", "result"}),
		DispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "MES calls repeated after a transient failure.",
		}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of one MES dispatch including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		EventQueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_full_total",
			Help:      "Times the driver had to wait for room in the dispatch queue.",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Events waiting for dispatch.",
		}),
		ChannelDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_drops_total",
			Help:      "Items dropped from side channels because they were full.",
		}, []string{"channel"}),
		JournalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_writes_total",
			Help:      "Dispatch journal rows written, by result.",
		}, []string{"result"}),
		IngestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_total",
			Help:      "HTTP ingest requests rejected, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.DecodeFailures,
		m.FieldParseFailures,
		m.EventsDerived,
		m.Dispatches,
		m.DispatchRetries,
		m.DispatchDuration,
		m.EventQueueFull,
		m.EventQueueDepth,
		m.ChannelDrops,
		m.JournalWrites,
		m.IngestRejected,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
