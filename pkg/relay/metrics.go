package relay

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/C12AK/TCP-chat/pkg/metricsx"
)

// Metrics holds the relay's Prometheus counters and gauges, lazily
// initialized the same way the teacher project's api0.Handler builds its
// metrics object: a private struct of *metrics.Set/*metrics.Counter
// fields, built once behind a sync.Once so the zero value is always safe
// to use and every metric still appears (at zero) in scrape output even
// before it's ever incremented.
type Metrics struct {
	once sync.Once
	set  *metrics.Set

	connectionsAcceptedTotal *metrics.Counter
	connectionsEvictedTotal  *metrics.Counter

	handshakeFailuresTotal      *metrics.Counter
	handshakeDuplicateUsernames *metrics.Counter
	handshakeSuccessTotal       *metrics.Counter

	framesRoutedTotal  *metrics.Counter
	framesDroppedTotal struct {
		malformed     *metrics.Counter
		decryptFailed *metrics.Counter
	}
	noSuchUserTotal *metrics.Counter

	sendErrorsTotal *metrics.Counter

	queueDepth *metrics.Gauge
}

func (m *Metrics) init() *Metrics {
	m.once.Do(func() {
		m.set = metrics.NewSet()
		m.connectionsAcceptedTotal = m.set.NewCounter(`relay_connections_accepted_total`)
		m.connectionsEvictedTotal = m.set.NewCounter(`relay_connections_evicted_total`)
		m.handshakeFailuresTotal = m.set.NewCounter(`relay_handshake_failures_total`)
		m.handshakeDuplicateUsernames = m.set.NewCounter(`relay_handshake_duplicate_usernames_total`)
		m.handshakeSuccessTotal = m.set.NewCounter(`relay_handshake_success_total`)
		m.framesRoutedTotal = m.set.NewCounter(`relay_frames_routed_total`)
		m.framesDroppedTotal.malformed = m.set.NewCounter(metricsx.MetricName(`relay_frames_dropped_total`, "reason", "malformed"))
		m.framesDroppedTotal.decryptFailed = m.set.NewCounter(metricsx.MetricName(`relay_frames_dropped_total`, "reason", "decrypt_failed"))
		m.noSuchUserTotal = m.set.NewCounter(`relay_no_such_user_total`)
		m.sendErrorsTotal = m.set.NewCounter(`relay_send_errors_total`)
		m.queueDepth = m.set.NewGauge(`relay_pool_queue_depth`, nil)
	})
	return m
}

// WritePrometheus writes the relay's metrics in the Prometheus text
// exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.init().set.WritePrometheus(w)
}
