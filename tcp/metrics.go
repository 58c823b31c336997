package tcp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

const metricsNamespace = "ktcp"

// Drop reasons.
const (
	dropMalformed    = "malformed"
	dropChecksum     = "checksum"
	dropQueueFull    = "queue_full"
	dropBacklogFull  = "backlog_full"
	dropOutOfWindow  = "out_of_window"
	dropRSTLimit     = "rst_ratelimit"
	dropUnreachable  = "unreachable"
	dropEngineClosed = "engine_closed"
)

// Connection open directions.
const (
	openActive  = "active"
	openPassive = "passive"
)

type metrics struct {
	segmentsIn  prometheus.Counter
	segmentsOut prometheus.Counter
	retransmits prometheus.Counter
	timeouts    prometheus.Counter
	resetsSent  prometheus.Counter
	drops       *prometheus.CounterVec
	aborts      *prometheus.CounterVec
	opens       *prometheus.CounterVec
	tcbs        prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		segmentsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "segments_received_total",
			Help:      "Segments handed to the engine by the IP layer.",
		}),
		segmentsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "segments_sent_total",
			Help:      "Segments handed by the engine to the IP layer.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmits_total",
			Help:      "Segments retransmitted after a timeout or window opening.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rto_exhausted_total",
			Help:      "Connections aborted after the retransmission timeout reached its cap.",
		}),
		resetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resets_sent_total",
			Help:      "RST segments sent.",
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "drops_total",
			Help:      "Inbound segments discarded, by reason.",
		}, []string{"reason"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "aborts_total",
			Help:      "Connections moved to ABORT, by reported error.",
		}, []string{"errno"}),
		opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "established_total",
			Help:      "Connections that reached ESTABLISHED.",
		}, []string{"direction"}),
		tcbs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tcbs",
			Help:      "Live transmission control blocks.",
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.segmentsIn, m.segmentsOut, m.retransmits, m.timeouts, m.resetsSent,
		m.drops, m.aborts, m.opens, m.tcbs,
	}
}

// errnoLabel returns the symbolic errno name of err for metric labels.
func errnoLabel(err error) string {
	var errno unix.Errno
	if errors.As(err, &errno) {
		if name := unix.ErrnoName(errno); name != "" {
			return name
		}
	}
	return "other"
}
