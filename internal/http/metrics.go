package httpx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type metrics struct {
	once        sync.Once
	initialized bool

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pushTotal       *prometheus.CounterVec
}

func (m *metrics) init() {
	m.once.Do(func() {
		m.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pemasak",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pemasak",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		m.pushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pemasak",
			Name:      "git_pushes_total",
			Help:      "Number of received git pack operations",
		}, []string{"service"})

		collectors := []prometheus.Collector{m.requestTotal, m.requestDuration, m.pushTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == m.requestTotal {
							m.requestTotal = existing
						} else {
							m.pushTotal = existing
						}
					case *prometheus.HistogramVec:
						m.requestDuration = existing
					}
				}
			}
		}
		m.initialized = true
	})
}

func (m *metrics) recordRequest(method, route string, status int, duration time.Duration) {
	if !m.initialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(duration.Seconds())
}

func (m *metrics) recordPush(service string) {
	if !m.initialized {
		return
	}
	m.pushTotal.With(prometheus.Labels{"service": service}).Inc()
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
