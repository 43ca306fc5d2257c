// Package metrics exports scanning session activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiroq/qrscan/internal/scanerr"
	"github.com/tiroq/qrscan/internal/session"
)

const namespace = "qrscan"

var kinds = []session.Kind{
	session.KindUnsupported,
	session.KindIncompatibleDevice,
	session.KindAwaitingPermission,
	session.KindPermissionDenied,
	session.KindReady,
	session.KindScanning,
	session.KindFailed,
	session.KindClosed,
}

// Metrics holds the collectors for one process.
type Metrics struct {
	transitions   *prometheus.CounterVec
	deviceOps     *prometheus.CounterVec
	decodes       prometheus.Counter
	errors        *prometheus.CounterVec
	noDecode      prometheus.Counter
	torch         *prometheus.CounterVec
	state         *prometheus.GaugeVec
	stateDuration *prometheus.HistogramVec

	mu      sync.Mutex
	entered time.Time
	now     func() time.Time
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
		deviceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_operations_total",
			Help:      "Capture device open and close calls by result.",
		}, []string{"op", "result"}),
		decodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decodes_total",
			Help:      "Decodes delivered to the host.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors that moved the session into an error state.",
		}, []string{"code"}),
		noDecode: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_decode_timeouts_total",
			Help:      "Armed periods that elapsed without a decode.",
		}),
		torch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "torch_requests_total",
			Help:      "Torch set requests by target and result.",
		}, []string{"on", "result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		stateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_duration_seconds",
			Help:      "Time spent in a state before leaving it.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"state"}),
		now: time.Now,
	}
	reg.MustRegister(m.transitions, m.deviceOps, m.decodes, m.errors, m.noDecode, m.torch, m.state, m.stateDuration)
	for _, k := range kinds {
		m.state.WithLabelValues(string(k)).Set(0)
	}
	m.entered = m.now()
	return m
}

// Hooks returns session hooks feeding these collectors.
func (m *Metrics) Hooks() session.Hooks {
	return session.Hooks{
		OnTransition:  m.transition,
		OnDeviceOpen:  func(_ string, err error) { m.deviceOps.WithLabelValues("open", result(err)).Inc() },
		OnDeviceClose: func(_ string, err error) { m.deviceOps.WithLabelValues("close", result(err)).Inc() },
		OnDecode:      m.decodes.Inc,
		OnError:       func(code scanerr.Code) { m.errors.WithLabelValues(string(code)).Inc() },
		OnNoDecode:    m.noDecode.Inc,
		OnTorch: func(on bool, err error) {
			label := "false"
			if on {
				label = "true"
			}
			m.torch.WithLabelValues(label, result(err)).Inc()
		},
	}
}

func (m *Metrics) transition(from, to session.Kind) {
	m.mu.Lock()
	now := m.now()
	spent := now.Sub(m.entered)
	m.entered = now
	m.mu.Unlock()

	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	if from != to {
		m.stateDuration.WithLabelValues(string(from)).Observe(spent.Seconds())
	}
	m.state.WithLabelValues(string(from)).Set(0)
	m.state.WithLabelValues(string(to)).Set(1)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
