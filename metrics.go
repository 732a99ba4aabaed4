package partnermsg

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client-side Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RetriesTotal        prometheus.Counter
	ReconnectAttempts   prometheus.Counter
	ChannelConnected    prometheus.Gauge
	PollRefreshes       prometheus.Counter
	OptimisticRollbacks prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partnermsg_http_requests_total",
				Help: "Backend requests by method and final status code",
			},
			[]string{"method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partnermsg_http_request_duration_seconds",
				Help:    "Backend request duration including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "partnermsg_http_retries_total",
			Help: "Retried backend requests",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "partnermsg_realtime_reconnect_attempts_total",
			Help: "Real-time channel reconnection attempts",
		}),
		ChannelConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "partnermsg_realtime_connected",
			Help: "1 while the real-time channel is connected",
		}),
		PollRefreshes: f.NewCounter(prometheus.CounterOpts{
			Name: "partnermsg_poll_refreshes_total",
			Help: "Message window refreshes driven by the polling fallback",
		}),
		OptimisticRollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "partnermsg_optimistic_rollbacks_total",
			Help: "Optimistic messages removed after a failed send",
		}),
	}
}

func (m *Metrics) observeRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.RequestsTotal.WithLabelValues(method, label).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) retry() {
	if m != nil {
		m.RetriesTotal.Inc()
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) setConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ChannelConnected.Set(1)
	} else {
		m.ChannelConnected.Set(0)
	}
}

func (m *Metrics) pollRefresh() {
	if m != nil {
		m.PollRefreshes.Inc()
	}
}

func (m *Metrics) rollback() {
	if m != nil {
		m.OptimisticRollbacks.Inc()
	}
}
