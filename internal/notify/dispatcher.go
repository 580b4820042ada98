// Package notify batches payment notifications and fans them out to
// in-process subscribers. Publishing never blocks the caller.
package notify

import (
	"context"
	"fmt"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"paygate/internal/metrics"
)

// AllEvents subscribes a handler to every event name
const AllEvents = "*"

// Event is one published notification
type Event struct {
	Name        string      `json:"name"`
	PaymentID   string      `json:"payment_id"`
	Payload     interface{} `json:"payload"`
	PublishedAt time.Time   `json:"published_at"`
}

// Handler receives a batch of events sharing one name (or mixed names when
// subscribed to AllEvents)
type Handler func(batch []Event)

// Config sizes the queue and batching
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// Dispatcher queues events and delivers them in batches
type Dispatcher struct {
	cfg    Config
	queue  chan Event
	bus    evbus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	return &Dispatcher{
		cfg:    cfg,
		queue:  make(chan Event, cfg.QueueSize),
		bus:    evbus.New(),
		logger: logger.Named("notify"),
		now:    time.Now,
	}
}

// Subscribe registers h for eventName, or every event with AllEvents
func (d *Dispatcher) Subscribe(eventName string, h Handler) error {
	if err := d.bus.Subscribe(eventName, h); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eventName, err)
	}
	return nil
}

// Publish enqueues an event. When the queue is full the event is dropped.
func (d *Dispatcher) Publish(ctx context.Context, eventName, paymentID string, payload interface{}) {
	ev := Event{
		Name:        eventName,
		PaymentID:   paymentID,
		Payload:     payload,
		PublishedAt: d.now().UTC(),
	}
	select {
	case d.queue <- ev:
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("Notification queue full, dropping event",
			zap.String("event", eventName),
			zap.String("payment_id", paymentID))
	}
}

// Pending returns the number of queued events
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run batches queued events until ctx is cancelled, then drains the queue
// and flushes what is left
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Notification dispatcher started",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Duration("flush_interval", d.cfg.FlushInterval))

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = d.drain(batch)
			d.flush(batch)
			d.logger.Info("Notification dispatcher stopped")
			return

		case ev := <-d.queue:
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				d.flush(batch)
				batch = make([]Event, 0, d.cfg.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = make([]Event, 0, d.cfg.BatchSize)
			}
		}
	}
}

func (d *Dispatcher) drain(batch []Event) []Event {
	for {
		select {
		case ev := <-d.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

// flush delivers batch grouped by event name, preserving publish order
func (d *Dispatcher) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	metrics.NotificationBatches.Inc()

	var names []string
	groups := make(map[string][]Event)
	for _, ev := range batch {
		if _, ok := groups[ev.Name]; !ok {
			names = append(names, ev.Name)
		}
		groups[ev.Name] = append(groups[ev.Name], ev)
	}

	for _, name := range names {
		d.deliver(name, groups[name])
	}
	d.deliver(AllEvents, batch)
}

func (d *Dispatcher) deliver(topic string, events []Event) {
	if !d.bus.HasCallback(topic) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Notification subscriber panicked",
				zap.String("topic", topic),
				zap.Any("panic", r))
		}
	}()
	d.bus.Publish(topic, events)
}
