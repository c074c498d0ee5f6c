// Package bus provides telemetry fan-out for mission events.
//
// The bus is not a durability mechanism: the mission store is. Publishers
// never block on slow subscribers; a subscriber that falls behind loses
// events and receives one synthetic error event naming the drop count, after
// which it can resync from the store's event log.
package bus

import (
	"github.com/sandboxd/sandboxd/internal/mission"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 1024

// Bus broadcasts AgentEvents to subscribers.
type Bus interface {
	// Publish fans an event out to all current subscribers without blocking.
	Publish(event *mission.AgentEvent)

	// Subscribe registers a new subscriber with the given buffer capacity
	// (DefaultBufferSize if non-positive).
	Subscribe(buffer int) (*Subscription, error)

	// Close tears down the bus and closes all subscriber channels.
	Close()
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	// C delivers events in publish order. Closed on Unsubscribe or bus Close.
	C <-chan *mission.AgentEvent

	unsubscribe func()
}

// Unsubscribe detaches from the bus and closes C. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}
