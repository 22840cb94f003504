package qpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quickpaste"

// Values for the `result` label of PastesRetrieved.
const (
	ResultFound    = "found"
	ResultNotFound = "not_found"
)

// Values for the `path` label of PastesExpired.
const (
	PathLazy      = "lazy"
	PathOverwrite = "overwrite"
	PathReap      = "reap"
)

// Metrics holds collectors for paste store activity. A nil *Metrics is valid
// and records nothing, which keeps tests and callers that don't care about
// metrics free of registry plumbing.
type Metrics struct {
	CapacityErrors  prometheus.Counter
	CodeCollisions  prometheus.Counter
	CodeScans       prometheus.Counter
	PastesCreated   prometheus.Counter
	PastesExpired   *prometheus.CounterVec
	PastesHeld      prometheus.Gauge
	PastesRetrieved *prometheus.CounterVec
	ReapCycles      prometheus.Counter
}

// New builds and registers all collectors with registerer. Registration panics
// on duplicates, so call this once per registry.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		CapacityErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_errors_total",
			Help:      "no. of creates rejected because every code was live",
		}),
		CodeCollisions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_collisions_total",
			Help:      "no. of random code draws that landed on a live code",
		}),
		CodeScans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_scans_total",
			Help:      "no. of creates that fell back to scanning the code space",
		}),
		PastesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pastes_created_total",
			Help:      "no. of pastes created",
		}),
		PastesExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pastes_expired_total",
			Help:      "no. of expired pastes removed, by removal path",
		}, []string{"path"}),
		PastesHeld: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pastes_held",
			Help:      "no. of pastes currently held in memory, including expired ones not yet reclaimed",
		}),
		PastesRetrieved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pastes_retrieved_total",
			Help:      "no. of paste lookups, by result",
		}, []string{"result"}),
		ReapCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reap_cycles_total",
			Help:      "no. of reap sweeps run",
		}),
	}
}

func (m *Metrics) ObserveCreate(collisions int, scanned bool) {
	if m == nil {
		return
	}

	m.PastesCreated.Inc()
	m.CodeCollisions.Add(float64(collisions))
	if scanned {
		m.CodeScans.Inc()
	}
}

func (m *Metrics) ObserveCapacityError(collisions int) {
	if m == nil {
		return
	}

	m.CapacityErrors.Inc()
	m.CodeCollisions.Add(float64(collisions))
	m.CodeScans.Inc()
}

func (m *Metrics) ObserveExpired(path string, num int) {
	if m == nil || num == 0 {
		return
	}

	m.PastesExpired.WithLabelValues(path).Add(float64(num))
}

func (m *Metrics) ObserveHeld(num int) {
	if m == nil {
		return
	}

	m.PastesHeld.Set(float64(num))
}

func (m *Metrics) ObserveReap() {
	if m == nil {
		return
	}

	m.ReapCycles.Inc()
}

func (m *Metrics) ObserveRetrieve(result string) {
	if m == nil {
		return
	}

	m.PastesRetrieved.WithLabelValues(result).Inc()
}
