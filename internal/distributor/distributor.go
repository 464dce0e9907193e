// Package distributor fans one session's output out to every attached
// client. Each subscriber has its own bounded queue; when a subscriber falls
// behind, its oldest queued chunk is dropped. Publish never blocks, so a
// stalled client cannot stall the session reader or any other client.
package distributor

import (
	"context"
	"io"
	"sync"
)

// DefaultCapacity is the per-subscriber queue length in messages.
const DefaultCapacity = 1024

// Distributor is a single-producer, multi-consumer broadcaster.
type Distributor struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a distributor whose subscribers buffer up to capacity messages.
func New(capacity int) *Distributor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Distributor{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Publish hands data to every current subscriber. The slice is shared
// between subscribers and must not be modified afterwards.
func (d *Distributor) Publish(data []byte) {
	if len(data) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for sub := range d.subs {
		sub.push(data)
	}
}

// Subscribe registers a new subscriber. It sees only output published after
// this call. Subscribing to a closed distributor yields an already-closed
// subscription.
func (d *Distributor) Subscribe() *Subscription {
	sub := &Subscription{
		capacity: d.capacity,
		notify:   make(chan struct{}, 1),
		dist:     d,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		sub.close()
		return sub
	}
	d.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes sub. Unsubscribing twice is harmless.
func (d *Distributor) Unsubscribe(sub *Subscription) {
	d.mu.Lock()
	delete(d.subs, sub)
	d.mu.Unlock()
	sub.close()
}

// Subscribers returns the number of live subscriptions.
func (d *Distributor) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close closes every subscription. Queued data can still be drained.
func (d *Distributor) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = make(map[*Subscription]struct{})
	d.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

// Subscription is one consumer's view of a distributor.
type Subscription struct {
	capacity int
	dist     *Distributor
	notify   chan struct{}

	mu      sync.Mutex
	queue   [][]byte
	dropped uint64
	closed  bool
}

func (s *Subscription) push(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Notify receives a value whenever data arrives or the subscription closes.
// It is a hint: always follow up with TryRecv.
func (s *Subscription) Notify() <-chan struct{} {
	return s.notify
}

// TryRecv pops the oldest queued chunk. ok is false when the queue is
// empty; err is io.EOF when the queue is empty and the subscription closed.
func (s *Subscription) TryRecv() (data []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		if s.closed {
			return nil, false, io.EOF
		}
		return nil, false, nil
	}
	data = s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return data, true, nil
}

// Recv blocks until a chunk is available, the subscription is closed and
// drained (io.EOF), or ctx is done.
func (s *Subscription) Recv(ctx context.Context) ([]byte, error) {
	for {
		data, ok, err := s.TryRecv()
		if ok || err != nil {
			return data, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain returns everything currently queued, concatenated.
func (s *Subscription) Drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := 0
	for _, chunk := range s.queue {
		size += len(chunk)
	}
	out := make([]byte, 0, size)
	for _, chunk := range s.queue {
		out = append(out, chunk...)
	}
	s.queue = nil
	return out
}

// Dropped is the number of chunks discarded because this subscriber lagged.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Closed reports whether the subscription has been closed.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Unsubscribe detaches the subscription from its distributor.
func (s *Subscription) Unsubscribe() {
	s.dist.Unsubscribe(s)
}
