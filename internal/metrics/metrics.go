package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_proxy_requests_total",
		Help: "Proxy requests by handler and response status",
	}, []string{"handler", "status"})

	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workflow_upstream_duration_seconds",
		Help:    "Time until the upstream workflow service returned response headers",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	}, []string{"handler"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_upstream_errors_total",
		Help: "Upstream failures by handler and kind",
	}, []string{"handler", "kind"})

	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_streams_active",
		Help: "Streaming workflow runs currently being relayed",
	})

	StreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_stream_bytes_total",
		Help: "Bytes relayed from upstream event streams",
	})

	ExtractDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "product_extract_duration_seconds",
		Help:    "Product-info extraction latency by backend",
		Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 40.0, 60.0},
	}, []string{"backend"})
)
