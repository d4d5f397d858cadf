package checkout

import (
	"log/slog"
	"slices"
	"sync"
)

// StateListener receives every state the machine announces.
type StateListener func(State)

// FulfillmentEvent reports the fulfillments of the current process.
type FulfillmentEvent struct {
	Done         bool
	Fulfillments []Fulfillment
}

// FulfillmentListener receives fulfillment updates.
type FulfillmentListener func(FulfillmentEvent)

// Subscription is returned by the Subscribe methods. Unsubscribe is safe to
// call more than once.
type Subscription struct {
	id uint64
	n  *notifier
}

// Unsubscribe stops delivery to the subscribed listener.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.n == nil {
		return
	}
	s.n.remove(s.id)
}

// notifier delivers notifications in order on a single goroutine so
// listeners never run while the machine lock is held.
type notifier struct {
	logger *slog.Logger

	mu           sync.Mutex
	nextID       uint64
	states       map[uint64]StateListener
	fulfillments map[uint64]FulfillmentListener
	pending      []func()
	closed       bool

	wake chan struct{}
	done chan struct{}
}

func newNotifier(logger *slog.Logger) *notifier {
	n := &notifier{
		logger:       logger,
		states:       make(map[uint64]StateListener),
		fulfillments: make(map[uint64]FulfillmentListener),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribeState(l StateListener) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.states[n.nextID] = l
	return &Subscription{id: n.nextID, n: n}
}

func (n *notifier) subscribeFulfillment(l FulfillmentListener) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.fulfillments[n.nextID] = l
	return &Subscription{id: n.nextID, n: n}
}

func (n *notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.states, id)
	delete(n.fulfillments, id)
}

func (n *notifier) state(s State) {
	n.enqueue(func() {
		for _, l := range n.stateListeners() {
			n.deliver(func() { l(s) })
		}
	})
}

func (n *notifier) fulfillment(ev FulfillmentEvent) {
	n.enqueue(func() {
		for _, l := range n.fulfillmentListeners() {
			n.deliver(func() { l(ev) })
		}
	})
}

func (n *notifier) enqueue(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			if len(n.pending) == 0 {
				n.mu.Unlock()
				break
			}
			fn := n.pending[0]
			n.pending[0] = nil
			n.pending = n.pending[1:]
			n.mu.Unlock()
			fn()
		}
	}
}

// deliver runs a listener and keeps the delivery goroutine alive if it panics.
func (n *notifier) deliver(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Error("checkout listener panicked", slog.Any("panic", rec))
		}
	}()
	fn()
}

func (n *notifier) stateListeners() []StateListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]StateListener, 0, len(n.states))
	for _, id := range sortedKeys(n.states) {
		out = append(out, n.states[id])
	}
	return out
}

func (n *notifier) fulfillmentListeners() []FulfillmentListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]FulfillmentListener, 0, len(n.fulfillments))
	for _, id := range sortedKeys(n.fulfillments) {
		out = append(out, n.fulfillments[id])
	}
	return out
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	n.pending = nil
	close(n.done)
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
