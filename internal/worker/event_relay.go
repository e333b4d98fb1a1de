// Package worker runs background consumers of ticket change events.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/broker"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
)

const (
	relayBuffer         = 256
	relayPublishTimeout = 5 * time.Second
)

// EventRelay forwards committed ticket events to the message broker. Events
// are queued so that request handlers never wait on the broker; when the
// queue is full the event is dropped and logged.
type EventRelay struct {
	publisher broker.Publisher
	logger    *zap.Logger
	queue     chan events.Event
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// StartEventRelay subscribes to every event on dispatcher and starts the
// forwarding goroutine.
func StartEventRelay(dispatcher events.Dispatcher, publisher broker.Publisher, logger *zap.Logger) *EventRelay {
	r := &EventRelay{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan events.Event, relayBuffer),
	}
	dispatcher.SubscribeAll(r.enqueue)

	r.wg.Add(1)
	go r.run()
	return r
}

func (r *EventRelay) enqueue(_ context.Context, event events.Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	select {
	case r.queue <- event:
	default:
		r.logger.Warn("event relay queue full; dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID))
	}
	return nil
}

func (r *EventRelay) run() {
	defer r.wg.Done()
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		if err := r.publisher.Publish(ctx, string(event.Type), event); err != nil {
			r.logger.Error("relay event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be published.
// Events published to the dispatcher after Close are ignored.
func (r *EventRelay) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
