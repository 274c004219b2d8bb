package outbox

import (
	"sync"
)

// Handle identifies one rejection subscription.
type Handle int

// Notifier fans rejection notices out to subscribers (typically the UI
// layer surfacing "your edit was refused"). Callbacks run synchronously on
// the delivering goroutine and must not block.
type Notifier struct {
	mu   sync.RWMutex
	subs map[Handle]func(Rejection)
	next Handle
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[Handle]func(Rejection))}
}

// Subscribe registers a callback and returns its handle.
func (n *Notifier) Subscribe(fn func(Rejection)) Handle {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	handle := n.next
	n.subs[handle] = fn
	return handle
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (n *Notifier) Unsubscribe(handle Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, handle)
}

// Publish delivers a rejection to every subscriber.
func (n *Notifier) Publish(r Rejection) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, fn := range n.subs {
		fn(r)
	}
}
