package server

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dSync/rpc/common"
)

var (
	activeConnections atomic.Int64

	metricPublished = metrics.GetOrCreateCounter(`dsync_exchange_published_total`)
	metricPushes    = metrics.GetOrCreateCounter(`dsync_exchange_pushes_total`)
	metricErrors    = metrics.GetOrCreateCounter(`dsync_exchange_errors_total`)

	_ = metrics.GetOrCreateGauge(`dsync_exchange_connections`, func() float64 {
		return float64(activeConnections.Load())
	})
)

// requestCounter returns the request counter of a message type
func requestCounter(t common.MessageType) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dsync_exchange_requests_total{type=%q}`, t.String()))
}

// WriteMetrics writes all metrics in prometheus text format
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
