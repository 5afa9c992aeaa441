package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "scanner",
		Name:      "scans_total",
		Help:      "Scan cycles by outcome.",
	}, []string{"outcome"})

	pipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendance",
		Subsystem: "scanner",
		Name:      "pipeline_duration_seconds",
		Help:      "Time from payload capture to result, lookup through write.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	deviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "scanner",
		Name:      "device_errors_total",
		Help:      "Camera failures that forced manual entry.",
	}, []string{"kind"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"route", "status"})
)

// ObserveScan records one finished scan cycle.
func ObserveScan(outcome string, took time.Duration) {
	scans.WithLabelValues(outcome).Inc()
	pipelineDuration.Observe(took.Seconds())
}

// ObserveDeviceError records a camera failure.
func ObserveDeviceError(kind string) {
	deviceErrors.WithLabelValues(kind).Inc()
}

// GinMiddleware counts requests by matched route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
