package bus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/mission"
)

// MemoryBus is the in-process broadcast implementation used in single
// instance deployments.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[*memorySubscriber]bool
	logger      *logger.Logger
	closed      bool
}

var _ Bus = (*MemoryBus)(nil)

type memorySubscriber struct {
	ch chan *mission.AgentEvent
	// dropped counts events lost since the last successful delivery.
	// Guarded by the bus lock.
	dropped int
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[*memorySubscriber]bool),
		logger:      log.WithFields(zap.String("component", "event-bus")),
	}
}

func (b *MemoryBus) Publish(event *mission.AgentEvent) {
	// Full lock: delivery mutates per-subscriber drop counters, and sends
	// never block, so the critical section stays short.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for sub := range b.subscribers {
		b.deliver(sub, event)
	}
}

// deliver sends non-blockingly. A full buffer increments the subscriber's
// drop counter; once the subscriber drains enough to accept again, it first
// receives a synthetic error naming how many events it missed.
func (b *MemoryBus) deliver(sub *memorySubscriber, event *mission.AgentEvent) {
	if sub.dropped > 0 {
		notice := mission.NewErrorEvent(event.MissionID,
			fmt.Sprintf("subscriber lagged: %d events dropped, resync via event replay", sub.dropped))
		select {
		case sub.ch <- notice:
			sub.dropped = 0
		default:
			sub.dropped++
			return
		}
	}

	select {
	case sub.ch <- event:
	default:
		sub.dropped++
	}
}

func (b *MemoryBus) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscriber{ch: make(chan *mission.AgentEvent, buffer)}
	b.subscribers[sub] = true

	var once sync.Once
	return &Subscription{
		C: sub.ch,
		unsubscribe: func() {
			once.Do(func() {
				b.mu.Lock()
				defer b.mu.Unlock()
				if b.subscribers[sub] {
					delete(b.subscribers, sub)
					close(sub.ch)
				}
			})
		},
	}, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, sub)
	}
	b.logger.Info("event bus closed")
}
