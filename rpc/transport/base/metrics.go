package base

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"io"
)

// linkMetrics holds the counters of one link type, all links of a type share them
type linkMetrics struct {
	framesSent     *metrics.Counter
	framesReceived *metrics.Counter
	framesDropped  *metrics.Counter
	requestsQueued *metrics.Counter
	crashes        *metrics.Counter
	responseWait   *metrics.Histogram
}

func newLinkMetrics(name string) *linkMetrics {
	return &linkMetrics{
		framesSent:     metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_frames_sent_total{transport=%q}`, name)),
		framesReceived: metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_frames_received_total{transport=%q}`, name)),
		framesDropped:  metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_frames_dropped_total{transport=%q}`, name)),
		requestsQueued: metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_requests_queued_total{transport=%q}`, name)),
		crashes:        metrics.GetOrCreateCounter(fmt.Sprintf(`dlink_link_crashes_total{transport=%q}`, name)),
		responseWait:   metrics.GetOrCreateHistogram(fmt.Sprintf(`dlink_response_wait_seconds{transport=%q}`, name)),
	}
}

// WriteMetrics writes all transport metrics in Prometheus text format to w
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
