// Package metrics exposes Prometheus instruments for the call bridge.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeNothing     = "nothing_heard"
	OutcomeFailed      = "failed"
	OutcomeSendAborted = "send_aborted"
	OutcomeCancelled   = "cancelled"
)

type Collector struct {
	sessionsActive      prometheus.Gauge
	sessionsTotal       *prometheus.CounterVec
	inboundFrames       prometheus.Counter
	malformedEvents     prometheus.Counter
	turnsTotal          *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	stageFailures       *prometheus.CounterVec
	outboundFrames      prometheus.Counter
	outboundTruncations prometheus.Counter
}

// NewCollector registers every instrument on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Call sessions currently connected",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Call sessions accepted, by transport kind",
		}, []string{"kind"}),
		inboundFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Inbound caller media frames buffered",
		}),
		malformedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Inbound stream events that could not be parsed",
		}),
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns, by outcome",
		}, []string{"outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of collaborator calls",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Collaborator calls that failed",
		}, []string{"stage"}),
		outboundFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "20ms media frames sent to the transport",
		}),
		outboundTruncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_truncations_total",
			Help:      "Replies clamped to the maximum outbound duration",
		}),
	}
}

func (c *Collector) SessionStarted(kind string) {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
	c.sessionsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) SessionEnded() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

func (c *Collector) InboundFrame() {
	if c == nil {
		return
	}
	c.inboundFrames.Inc()
}

func (c *Collector) MalformedEvent() {
	if c == nil {
		return
	}
	c.malformedEvents.Inc()
}

func (c *Collector) Turn(outcome string) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(outcome).Inc()
}

// Stage records one collaborator call.
func (c *Collector) Stage(stage string, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(took.Seconds())
	if err != nil {
		c.stageFailures.WithLabelValues(stage).Inc()
	}
}

func (c *Collector) FrameSent() {
	if c == nil {
		return
	}
	c.outboundFrames.Inc()
}

func (c *Collector) Truncated() {
	if c == nil {
		return
	}
	c.outboundTruncations.Inc()
}
