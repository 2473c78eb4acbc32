package auth

import "sync"

// EventType labels auth-state changes.
type EventType int

const (
	SignedIn EventType = iota + 1
	SignedOut
)

// Event notifies subscribers of a sign-in or sign-out.
type Event struct {
	Type   EventType
	UserID int64
}

// notifier fans events out to subscribers. Slow subscribers drop
// events rather than block the auth path.
type notifier struct {
	mu   sync.Mutex
	subs []chan Event
}

func (n *notifier) subscribe() <-chan Event {
	ch := make(chan Event, 8)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

func (n *notifier) publish(evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
