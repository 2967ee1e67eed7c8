// Package alert delivers match notifications to a moderation room without
// touching the request path. Delivery is best effort: each event is sent at
// most once and failures are only logged and counted.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lessucettes/redlight/internal/matrix"
	"github.com/lessucettes/redlight/internal/metrics"
)

// Event is a pending alert. It carries hashes only, never raw identifiers.
type Event struct {
	TargetRoom string
	ReportID   string
	Message    string
}

// NewEvent composes the alert for a matched lookup.
func NewEvent(targetRoom, reportID, userHash string) Event {
	return Event{
		TargetRoom: targetRoom,
		ReportID:   reportID,
		Message: fmt.Sprintf(
			"Redlight alert: room lookup matched report %s (requesting user hash %s)",
			reportID, userHash),
	}
}

type Options struct {
	QueueSize int
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Notifier queues events for a single delivery worker.
type Notifier struct {
	client  matrix.ClientInterface
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// New starts the delivery worker. Call Close to stop it.
func New(client matrix.ClientInterface, opts Options, logger *slog.Logger) *Notifier {
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &Notifier{
		client:  client,
		timeout: timeout,
		metrics: opts.Metrics,
		logger:  logger.With("component", "alert"),
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify enqueues ev and returns immediately. When the queue is full or the
// notifier is closed the event is dropped.
func (n *Notifier) Notify(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		n.drop(ev, "notifier closed")
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.drop(ev, "queue full")
	}
}

func (n *Notifier) drop(ev Event, reason string) {
	n.metrics.IncAlert("dropped")
	n.logger.Warn("Alert dropped", "reason", reason, "report_id", ev.ReportID)
}

// Close stops intake and waits for queued events to be delivered.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for ev := range n.queue {
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.client.SendText(ctx, ev.TargetRoom, ev.Message); err != nil {
		n.metrics.IncAlert("failed")
		n.logger.Error("Failed to deliver alert", "report_id", ev.ReportID, "room_id", ev.TargetRoom, "error", err)
		return
	}
	n.metrics.IncAlert("sent")
	n.logger.Info("Alert delivered", "report_id", ev.ReportID, "room_id", ev.TargetRoom)
}

// Noop discards events. It is used when no alert room is configured.
type Noop struct{}

func (Noop) Notify(Event) {}
func (Noop) Close()       {}
