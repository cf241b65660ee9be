package notify

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/metrics"
)

// Dispatcher queues events and delivers them to every notifier from a
// single background goroutine. Publish never blocks; a full queue drops.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan Event
	metrics   *metrics.Metrics
	timeout   time.Duration

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(queueSize int, m *metrics.Metrics, notifiers ...Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan Event, queueSize),
		metrics:   m,
		timeout:   5 * time.Second,
		done:      make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Publish enqueues e and reports whether it was accepted.
func (d *Dispatcher) Publish(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		if d.metrics != nil {
			d.metrics.NotificationsDropped.Add(1)
		}
		logger.Warn("Dispatcher", "Queue full, dropped %s event for %s", e.Type, e.User)
		return false
	}
}

// Stop stops accepting events, delivers what is queued and waits for the
// loop to exit or ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		logger.Warn("Dispatcher", "Stop timed out with %d events queued", len(d.queue))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := n.Notify(ctx, e)
		cancel()
		if err != nil {
			logger.Warn("Dispatcher", "%s notifier failed for %s: %v", n.Name(), e.User, err)
			continue
		}
		if d.metrics != nil {
			d.metrics.NotificationsSent.Add(1)
		}
	}
}
