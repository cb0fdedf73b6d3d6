package store

import (
	"context"
	"sync"
)

// mailbox decouples a subscriber from the writer: push never blocks, and a
// delivery goroutine drains the queue into out in push order.
type mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan T
}

func newMailbox[T any](ctx context.Context) *mailbox[T] {
	m := &mailbox[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go m.run(ctx)
	return m
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) close() {
	m.once.Do(func() { close(m.done) })
}

func (m *mailbox[T]) run(ctx context.Context) {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// subscribers is a registry of filtered mailboxes for one record kind.
type subscribers[T any] struct {
	next int
	subs map[int]*subscription[T]
}

type subscription[T any] struct {
	accept func(T) bool
	box    *mailbox[T]
}

func (r *subscribers[T]) add(s *subscription[T]) int {
	if r.subs == nil {
		r.subs = make(map[int]*subscription[T])
	}
	r.next++
	r.subs[r.next] = s
	return r.next
}

func (r *subscribers[T]) remove(id int) {
	if s, ok := r.subs[id]; ok {
		s.box.close()
		delete(r.subs, id)
	}
}

func (r *subscribers[T]) publish(v T, clone func(T) T) {
	for _, s := range r.subs {
		if s.accept(v) {
			s.box.push(clone(v))
		}
	}
}

func (r *subscribers[T]) closeAll() {
	for id := range r.subs {
		r.remove(id)
	}
}
