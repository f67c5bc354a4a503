package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts client traffic and token refreshes.
type Metrics struct {
	requests  *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	retries   prometheus.Counter
}

// NewMetrics creates the client collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceclone",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Backend requests by method and status code (0 for transport failures).",
		}, []string{"method", "code"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceclone",
			Subsystem: "client",
			Name:      "refresh_total",
			Help:      "Access token refresh attempts by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voiceclone",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Requests re-issued after a successful token refresh.",
		}),
	}

	for _, collector := range []prometheus.Collector{metrics.requests, metrics.refreshes, metrics.retries} {
		err := reg.Register(collector)
		if err != nil {
			return nil, err
		}
	}

	return metrics, nil
}

// Refreshes returns the refresh counter for result ("success" or "failure").
func (m *Metrics) Refreshes(result string) prometheus.Counter {
	return m.refreshes.WithLabelValues(result)
}

// Retries returns the retry counter.
func (m *Metrics) Retries() prometheus.Counter {
	return m.retries
}

func (m *Metrics) observeRequest(method string, status int) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeRefresh(ok bool) {
	if m == nil {
		return
	}

	result := refreshFailure
	if ok {
		result = refreshSuccess
	}

	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}

	m.retries.Inc()
}
