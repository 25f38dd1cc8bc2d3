package ringchan

import "sync"

// Broadcaster fans values out to any number of subscribers, each backed by its
// own RingChannel so a slow subscriber only loses its own oldest values.
//
// With replay enabled a new subscriber immediately receives the latest value.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     map[*Subscription[T]]struct{}
	capacity int
	replay   bool
	last     T
	hasLast  bool
	closed   bool
}

// Subscription is a single consumer of a Broadcaster.
type Subscription[T any] struct {
	rc    *RingChannel[T]
	owner *Broadcaster[T]
}

// NewBroadcaster creates a Broadcaster whose subscriptions buffer up to capacity values.
func NewBroadcaster[T any](capacity int, replay bool) *Broadcaster[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Broadcaster[T]{
		subs:     make(map[*Subscription[T]]struct{}),
		capacity: capacity,
		replay:   replay,
	}
}

// Publish delivers v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last, b.hasLast = v, true
	for s := range b.subs {
		s.rc.ForceSend(v)
	}
}

// Latest returns the most recently published value.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Subscribe registers a new consumer. On a closed Broadcaster the returned
// subscription's channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{rc: New[T](b.capacity), owner: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replay && b.hasLast {
		s.rc.ForceSend(b.last)
	}
	if b.closed {
		s.rc.Close()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Close closes every subscription; later Publish calls are dropped.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.rc.Close()
	}
	b.subs = nil
}

// C returns the receive side of the subscription.
func (s *Subscription[T]) C() <-chan T {
	return s.rc.C()
}

// Cancel detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription[T]) Cancel() {
	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.rc.Close()
}
