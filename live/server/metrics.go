package server

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	activeConnections atomic.Int64

	metricActionErrors = metrics.GetOrCreateCounter(`dsync_live_action_errors_total`)
	metricDecodeErrors = metrics.GetOrCreateCounter(`dsync_live_decode_errors_total`)

	_ = metrics.GetOrCreateGauge(`dsync_live_connections`, func() float64 {
		return float64(activeConnections.Load())
	})
)

// messageCounter returns the counter of a client message name
func messageCounter(name string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dsync_live_messages_total{name=%q}`, name))
}

// observeAction records the duration of one action call
func observeAction(name string, start time.Time) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`dsync_live_action_duration_seconds{action=%q}`, name)).
		Update(time.Since(start).Seconds())
}

// WriteMetrics writes all metrics in prometheus text format
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
