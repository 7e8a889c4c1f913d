// Package metrics exports queue measurements to prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/takehaya/nfqbridge/pkg/nfqueue"
)

const namespace = "nfqbridge"

var allStates = []nfqueue.State{
	nfqueue.StateIdle,
	nfqueue.StateBound,
	nfqueue.StateRunning,
	nfqueue.StateRecovering,
	nfqueue.StateDraining,
	nfqueue.StateClosed,
}

// Metrics implements nfqueue.Observer.
type Metrics struct {
	packets          *prometheus.CounterVec
	verdicts         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	malformed        *prometheus.CounterVec
	overflows        *prometheus.CounterVec
	presumed         *prometheus.CounterVec
	lost             *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	state            *prometheus.GaugeVec
}

var _ nfqueue.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	queue := []string{"queue"}
	m := &Metrics{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets delivered by the kernel.",
		}, queue),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Verdicts sent to the kernel, by kind.",
		}, []string{"queue", "verdict"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent in the decision function.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		}, queue),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Messages from the kernel that failed to decode.",
		}, queue),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflows_total",
			Help:      "Receive buffer overflows recovered from.",
		}, queue),
		presumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_discarded_total",
			Help:      "Buffered packets discarded during overflow recovery.",
		}, queue),
		lost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Packet ids skipped by the kernel.",
		}, queue),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Verdicts that could not be delivered or were rejected.",
		}, queue),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_state",
			Help:      "1 for the current lifecycle state of each queue.",
		}, []string{"queue", "state"}),
	}
	for _, c := range []prometheus.Collector{
		m.packets, m.verdicts, m.latency, m.malformed, m.overflows,
		m.presumed, m.lost, m.dispatchFailures, m.state,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func label(q uint16) string { return strconv.FormatUint(uint64(q), 10) }

func (m *Metrics) PacketReceived(q uint16) { m.packets.WithLabelValues(label(q)).Inc() }

func (m *Metrics) VerdictIssued(q uint16, k nfqueue.VerdictKind) {
	m.verdicts.WithLabelValues(label(q), k.String()).Inc()
}

func (m *Metrics) DecisionLatency(q uint16, d time.Duration) {
	m.latency.WithLabelValues(label(q)).Observe(d.Seconds())
}

func (m *Metrics) Malformed(q uint16) { m.malformed.WithLabelValues(label(q)).Inc() }

func (m *Metrics) Overflow(q uint16, presumedLost int) {
	m.overflows.WithLabelValues(label(q)).Inc()
	m.presumed.WithLabelValues(label(q)).Add(float64(presumedLost))
}

func (m *Metrics) PacketsLost(q uint16, n uint32) {
	m.lost.WithLabelValues(label(q)).Add(float64(n))
}

func (m *Metrics) DispatchFailed(q uint16) { m.dispatchFailures.WithLabelValues(label(q)).Inc() }

func (m *Metrics) StateChanged(q uint16, s nfqueue.State) {
	l := label(q)
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(l, st.String()).Set(v)
	}
}
