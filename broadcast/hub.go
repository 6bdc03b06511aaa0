package broadcast

import (
	"context"
	"sync"
)

// Hub connects contexts running in the same process.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]map[*Endpoint]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]map[*Endpoint]struct{})}
}

// Endpoint joins the named channel.
func (h *Hub) Endpoint(name string) *Endpoint {
	ep := &Endpoint{
		hub:  h,
		name: name,
		subs: make(map[*subscription]struct{}),
	}
	h.mu.Lock()
	if h.endpoints[name] == nil {
		h.endpoints[name] = make(map[*Endpoint]struct{})
	}
	h.endpoints[name][ep] = struct{}{}
	h.mu.Unlock()
	return ep
}

func (h *Hub) detach(ep *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints[ep.name], ep)
	if len(h.endpoints[ep.name]) == 0 {
		delete(h.endpoints, ep.name)
	}
	h.mu.Unlock()
}

func (h *Hub) fanout(from *Endpoint, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ep := range h.endpoints[from.name] {
		if ep != from {
			ep.deliver(msg)
		}
	}
}

// Endpoint is one context's membership of a hub channel.
type Endpoint struct {
	hub  *Hub
	name string

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

// Publish queues msg for every other endpoint on the channel.
func (e *Endpoint) Publish(_ context.Context, msg Message) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	e.hub.fanout(e, msg)
	return nil
}

// Subscribe registers handler for messages from other endpoints.
func (e *Endpoint) Subscribe(_ context.Context, handler func(Message)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	sub := newSubscription(handler)
	e.subs[sub] = struct{}{}
	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, sub)
			e.mu.Unlock()
			sub.stop()
		})
	}, nil
}

// Close detaches the endpoint and stops its subscriptions.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[*subscription]struct{})
	e.mu.Unlock()

	e.hub.detach(e)
	for sub := range subs {
		sub.stop()
	}
	return nil
}

func (e *Endpoint) deliver(msg Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for sub := range e.subs {
		sub.push(msg)
	}
}

// subscription delivers messages to one handler in order on its own goroutine.
type subscription struct {
	handler func(Message)

	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newSubscription(handler func(Message)) *subscription {
	return &subscription{
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (s *subscription) push(msg Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handler(msg)
		}
	}
}

// stop ends delivery. Pending messages are dropped.
func (s *subscription) stop() {
	close(s.done)
	<-s.exited
}

// Compile-time interface checks
var _ Channel = (*Endpoint)(nil)
