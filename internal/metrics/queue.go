package metrics

import (
	"sync/atomic"

	"github.com/kstaniek/go-j1939-bus/internal/logging"
	"github.com/kstaniek/go-j1939-bus/internal/multiqueue"
)

// QueueObserver publishes broadcast queue diagnostics as gauges and logs
// cursors that stopped reading.
type QueueObserver struct{}

var _ multiqueue.Observer = QueueObserver{}

func (QueueObserver) Backlog(queue string, cursors int, maxPending uint64) {
	QueueCursors.WithLabelValues(queue).Set(float64(cursors))
	QueueBacklogMax.WithLabelValues(queue).Set(float64(maxPending))
	atomic.StoreUint64(&localBacklogMax, maxPending)
}

func (QueueObserver) Leak(queue string, pending uint64) {
	QueueLeaks.WithLabelValues(queue).Inc()
	atomic.AddUint64(&localLeaks, 1)
	logging.L().Warn("queue_cursor_leak", "queue", queue, "pending", pending)
}
