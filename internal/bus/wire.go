package bus

import "sync"

// Wire is a hot multi-subscriber broadcast. Subscribers joining late do not
// see earlier events. Events from one publisher reach each subscriber in
// publish order; no ordering is guaranteed across publishers.
type Wire struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// NewWire creates an empty wire.
func NewWire() *Wire {
	return &Wire{subs: make(map[int]*Subscription)}
}

// Publish broadcasts ev to all current subscribers without blocking.
// With no subscribers the event is dropped.
func (w *Wire) Publish(ev Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	for _, s := range w.subs {
		s.push(ev)
	}
	w.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its stream.
// The caller must drain C in its own goroutine or call Close.
func (w *Wire) Subscribe() *Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := &Subscription{
		wire: w,
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if w.closed {
		s.closed = true
		close(s.out)
		return s
	}
	s.id = w.nextID
	w.nextID++
	w.subs[s.id] = s
	go s.pump()
	return s
}

// Close terminates all subscriber streams. Pending queued events are still
// delivered before each stream closes.
func (w *Wire) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	subs := w.subs
	w.subs = make(map[int]*Subscription)
	w.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Subscription is one subscriber's view of the wire.
type Subscription struct {
	wire *Wire
	id   int

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
	out    chan Event
}

// C returns the subscriber's event stream. It is closed when the wire closes
// or the subscription is cancelled.
func (s *Subscription) C() <-chan Event { return s.out }

// Close cancels the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.wire.mu.Lock()
	delete(s.wire.subs, s.id)
	s.wire.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		close(s.done)
	}
	s.mu.Unlock()
	s.signal()
}

// close is the wire-initiated shutdown: remaining events drain, then out closes.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the unbounded queue to the out channel. Publishers
// only touch the queue, so a slow consumer never back-pressures Publish.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- ev:
		case <-s.done:
			// Consumer cancelled; nobody reads out anymore.
			return
		}
	}
}
