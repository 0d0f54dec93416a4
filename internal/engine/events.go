package engine

import "github.com/trove-shop/storefront/internal/cart"

// EventKind enumerates the notifications the engine publishes.
type EventKind string

const (
	EventStoreUpdated       EventKind = "store_updated"
	EventTotalUpdated       EventKind = "total_updated"
	EventError              EventKind = "error"
	EventSessionInvalidated EventKind = "session_invalidated"
)

// Event is one notification delivered to subscribers. Total and Missing are
// set on total updates; Err on error events.
type Event struct {
	Kind    EventKind
	Total   cart.Total
	Missing []cart.LineKey
	Err     error
}

const subscriberBuffer = 16

type subscriber struct {
	id int
	ch chan Event
}

// Subscribe registers a listener for engine events. The returned cancel
// func drops the subscription and closes the channel. Delivery is
// best-effort: a subscriber that falls more than subscriberBuffer events
// behind misses the older ones, which is acceptable because every event
// describes current state reachable through Lines/Total/State.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.nextSubID++
	sub := subscriber{id: e.nextSubID, ch: make(chan Event, subscriberBuffer)}
	e.subscribers = append(e.subscribers, sub)

	id := sub.id
	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, s := range e.subscribers {
			if s.id == id {
				e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

func (e *Engine) publish(event Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, sub := range e.subscribers {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// publishCartChanged emits the store-updated and total-updated pair every
// optimistic apply, rollback, and resync produces.
func (e *Engine) publishCartChanged() {
	total, missing := e.computeTotal()
	e.publish(Event{Kind: EventStoreUpdated})
	e.publish(Event{Kind: EventTotalUpdated, Total: total, Missing: missing})
}
