package campaign

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/sim"
)

const namespace = "ringsim"

// Metrics are the campaign counters
type Metrics struct {
	RingsCompleted prometheus.Counter
	RingsFailed    prometheus.Counter
	Hops           prometheus.Counter
	Defections     prometheus.Counter
	Executed       prometheus.Counter
	Expired        prometheus.Counter
	Epochs         prometheus.Counter
	SkippedExits   prometheus.Counter
	LowTrust       prometheus.Counter
	WaitingTime    prometheus.Histogram
}

// NewMetrics creates the campaign metrics and registers them on reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RingsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rings_completed_total",
			Help:      "Rings that ran their full epoch horizon.",
		}),
		RingsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rings_failed_total",
			Help:      "Rings aborted by a protocol violation.",
		}),
		Hops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hops_total",
			Help:      "Bus hops processed.",
		}),
		Defections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "defections_total",
			Help:      "Hops on which the holder did not cooperate.",
		}),
		Executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_executed_total",
			Help:      "Payment requests paid by an exit.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_expired_total",
			Help:      "Payment requests that missed the confirmation threshold.",
		}),
		Epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_settled_total",
			Help:      "Epoch settlements across all rings.",
		}),
		SkippedExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_skipped_total",
			Help:      "Exits passed over after withholding an empty bus.",
		}),
		LowTrust: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "members_below_reward_floor_total",
			Help:      "Members that finished their ring at or below the reward floor.",
		}),
		WaitingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "epoch_waiting_time_seconds",
			Help:      "Mean payment waiting time of a ring epoch.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RingsCompleted, m.RingsFailed, m.Hops, m.Defections,
			m.Executed, m.Expired, m.Epochs, m.SkippedExits,
			m.LowTrust, m.WaitingTime,
		)
	}
	return m
}

func (m *Metrics) observeRing(sm sim.Metrics) {
	m.RingsCompleted.Inc()
	m.Hops.Add(float64(sm.Hops))
	m.Defections.Add(float64(sm.Defections))
	m.Executed.Add(float64(sm.Executed))
	m.Expired.Add(float64(sm.Expired))
	m.Epochs.Add(float64(sm.Epochs))
	m.SkippedExits.Add(float64(sm.SkippedExits))
	m.LowTrust.Add(float64(sm.LowTrust))
}
