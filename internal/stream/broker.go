package stream

import (
	"log/slog"
	"sync"

	"github.com/star/handover/internal/handover"
	"github.com/star/handover/internal/metrics"
)

// Broker fans handover events out to stream subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu     sync.Mutex
	subs   map[chan handover.Event]struct{}
	buffer int
	logger *slog.Logger
}

// NewBroker creates a Broker with the given per-subscriber buffer.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{
		subs:   make(map[chan handover.Event]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Publish delivers events to every subscriber in order.
func (b *Broker) Publish(events []handover.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				metrics.IncStreamDropped()
				b.logger.Debug("dropping event for slow subscriber", "event_id", ev.ID.String())
			}
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel.
func (b *Broker) Subscribe() (<-chan handover.Event, func()) {
	ch := make(chan handover.Event, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
