// Package metrics exposes Prometheus collectors for the agent link. All
// recording methods are safe to call on a nil *Metrics, so components can
// run without metrics wired in.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "edgeagent").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is where collectors are registered. A fresh registry is
	// created when nil.
	Registry *prometheus.Registry
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the agent collectors.
type Metrics struct {
	registry *prometheus.Registry

	framesDecoded  *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	messagesSent   *prometheus.CounterVec
	sendFailures   prometheus.Counter
	connectTries   prometheus.Counter
	logins         *prometheus.CounterVec
	linkLosses     prometheus.Counter
	pings          prometheus.Counter
	updates        prometheus.Counter
	queriesHandled *prometheus.CounterVec
	queryResults   *prometheus.CounterVec
	queriesExpired prometheus.Counter
	pendingQueries prometheus.Gauge
	peers          prometheus.Gauge
	phase          prometheus.Gauge
	bufferedBytes  prometheus.Gauge
	hostCPU        prometheus.Gauge
	hostMemory     prometheus.Gauge
	journalPruned  prometheus.Counter
}

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	cfg := Config{Namespace: "edgeagent"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace
	cl := cfg.ConstLabels

	return &Metrics{
		registry: cfg.Registry,

		framesDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "frames_decoded_total", ConstLabels: cl,
			Help: "Inbound frames decoded, by message type",
		}, []string{"type"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "decode_errors_total", ConstLabels: cl,
			Help: "Inbound frames discarded, by error kind",
		}, []string{"kind"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "messages_sent_total", ConstLabels: cl,
			Help: "Outbound messages handed to the transport, by message type",
		}, []string{"type"}),

		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "send_failures_total", ConstLabels: cl,
			Help: "Outbound messages the transport refused",
		}),

		connectTries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "connect_attempts_total", ConstLabels: cl,
			Help: "Transport connect attempts",
		}),

		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "logins_total", ConstLabels: cl,
			Help: "Login replies, by result",
		}, []string{"result"}),

		linkLosses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "link_losses_total", ConstLabels: cl,
			Help: "Transport disconnects observed",
		}),

		pings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "pings_sent_total", ConstLabels: cl,
			Help: "Liveness pings sent",
		}),

		updates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "host_updates_sent_total", ConstLabels: cl,
			Help: "Host status updates sent to the agent channel",
		}),

		queriesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "queries_handled_total", ConstLabels: cl,
			Help: "Inbound query requests answered, by command and result",
		}, []string{"cmd", "result"}),

		queryResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "query_results_total", ConstLabels: cl,
			Help: "Replies and acknowledgements for our own queries, by outcome",
		}, []string{"outcome"}),

		queriesExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "queries_expired_total", ConstLabels: cl,
			Help: "Outstanding queries dropped without a reply",
		}),

		pendingQueries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "pending_queries", ConstLabels: cl,
			Help: "Outstanding queries awaiting a reply",
		}),

		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "channel_peers", ConstLabels: cl,
			Help: "Agents currently joined to the channel",
		}),

		phase: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "session_phase", ConstLabels: cl,
			Help: "Session phase (0 disconnected, 1 connecting, 2 connected, 3 logged in)",
		}),

		bufferedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "reassembly_buffered_bytes", ConstLabels: cl,
			Help: "Bytes of a partial inbound frame carried between reads",
		}),

		hostCPU: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "host_cpu_percent", ConstLabels: cl,
			Help: "Host CPU usage at the last sample",
		}),

		hostMemory: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "host_memory_percent", ConstLabels: cl,
			Help: "Host memory usage at the last sample",
		}),

		journalPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "journal_pruned_rows_total", ConstLabels: cl,
			Help: "Journal rows removed by retention",
		}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameDecoded(msgType string) {
	if m == nil {
		return
	}
	m.framesDecoded.WithLabelValues(msgType).Inc()
}

func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

// MessageSent counts an outbound message; ok false counts a refused send.
func (m *Metrics) MessageSent(msgType string, ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.sendFailures.Inc()
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectTries.Inc()
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) LinkLost() {
	if m == nil {
		return
	}
	m.linkLosses.Inc()
}

func (m *Metrics) PingSent() {
	if m == nil {
		return
	}
	m.pings.Inc()
}

func (m *Metrics) UpdateSent() {
	if m == nil {
		return
	}
	m.updates.Inc()
}

func (m *Metrics) QueryHandled(cmd, result string) {
	if m == nil {
		return
	}
	m.queriesHandled.WithLabelValues(cmd, result).Inc()
}

// QueryResult counts a resolution of one of our own queries: "replied",
// "rejected" or "unmatched".
func (m *Metrics) QueryResult(outcome string) {
	if m == nil {
		return
	}
	m.queryResults.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueriesExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.queriesExpired.Add(float64(n))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingQueries.Set(float64(n))
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) SetPhase(phase int) {
	if m == nil {
		return
	}
	m.phase.Set(float64(phase))
}

func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.bufferedBytes.Set(float64(n))
}

// SetHostUsage records a host resource sample.
func (m *Metrics) SetHostUsage(cpuPercent, memoryPercent float64) {
	if m == nil {
		return
	}
	m.hostCPU.Set(cpuPercent)
	m.hostMemory.Set(memoryPercent)
}

func (m *Metrics) JournalPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.journalPruned.Add(float64(n))
}
