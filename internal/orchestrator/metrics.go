package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report pipeline activity.
type Metrics struct {
	stageDuration  *prometheus.HistogramVec
	verdicts       *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	errorKinds     *prometheus.CounterVec
	messagesActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the orchestrator is instantiated multiple
// times (e.g. in unit tests or a REPL and server sharing one process).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will panic
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "banto",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	verdicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banto",
			Subsystem: "pipeline",
			Name:      "verdicts_total",
			Help:      "Safety gate verdicts by kind and risk level.",
		},
		[]string{"verdict", "risk"},
	)
	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banto",
			Subsystem: "pipeline",
			Name:      "state_transitions_total",
			Help:      "Conversation state transitions by target state.",
		},
		[]string{"to"},
	)
	conflicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banto",
			Subsystem: "pipeline",
			Name:      "learning_conflicts_total",
			Help:      "Detected learning conflicts by type and resolution outcome.",
		},
		[]string{"type", "outcome"},
	)
	errorKinds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banto",
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Pipeline errors by taxonomy kind.",
		},
		[]string{"kind"},
	)
	messagesActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "banto",
			Subsystem: "pipeline",
			Name:      "messages_active",
			Help:      "Number of messages currently being processed.",
		},
	)

	collectors := []prometheus.Collector{stageDuration, verdicts, transitions, conflicts, errorKinds, messagesActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected type.
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case verdicts:
						verdicts = already.ExistingCollector.(*prometheus.CounterVec)
					case transitions:
						transitions = already.ExistingCollector.(*prometheus.CounterVec)
					case conflicts:
						conflicts = already.ExistingCollector.(*prometheus.CounterVec)
					case errorKinds:
						errorKinds = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					messagesActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration:  stageDuration,
		verdicts:       verdicts,
		transitions:    transitions,
		conflicts:      conflicts,
		errorKinds:     errorKinds,
		messagesActive: messagesActive,
	}
}

// ObserveStage records the time spent in a stage with the provided status label.
func (m *Metrics) ObserveStage(stage string, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncVerdict increments the verdict counter for the given kind and risk level.
func (m *Metrics) IncVerdict(verdict string, risk string) {
	if m == nil || m.verdicts == nil {
		return
	}
	m.verdicts.WithLabelValues(verdict, risk).Inc()
}

// IncTransition increments the transition counter for the target state.
func (m *Metrics) IncTransition(to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// IncConflict increments the conflict counter for the given type and outcome.
func (m *Metrics) IncConflict(conflictType string, outcome string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.WithLabelValues(conflictType, outcome).Inc()
}

// IncErrorKind increments the error counter for the given taxonomy kind.
func (m *Metrics) IncErrorKind(kind string) {
	if m == nil || m.errorKinds == nil {
		return
	}
	m.errorKinds.WithLabelValues(kind).Inc()
}

// IncActiveMessages marks a message as in flight.
func (m *Metrics) IncActiveMessages() {
	if m == nil || m.messagesActive == nil {
		return
	}
	m.messagesActive.Inc()
}

// DecActiveMessages marks a message as finished or rejected.
func (m *Metrics) DecActiveMessages() {
	if m == nil || m.messagesActive == nil {
		return
	}
	m.messagesActive.Dec()
}
