package ami

import (
	"strings"
	"sync"
)

// Matcher selects the events a subscription receives.
type Matcher func(Message) bool

// EventIs matches events by name, case-insensitively.
func EventIs(names ...string) Matcher {
	return func(m Message) bool {
		ev := m.Event()
		for _, n := range names {
			if strings.EqualFold(ev, n) {
				return true
			}
		}
		return false
	}
}

// Subscription delivers matching events in wire order. Its queue is
// unbounded so a slow consumer never stalls the read loop.
type Subscription struct {
	match  Matcher
	out    chan Message
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	remove func(*Subscription)

	mu    sync.Mutex
	queue []Message
}

func newSubscription(match Matcher, remove func(*Subscription)) *Subscription {
	s := &Subscription{
		match:  match,
		out:    make(chan Message),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		remove: remove,
	}
	go s.pump()
	return s
}

// Events is closed after Close.
func (s *Subscription) Events() <-chan Message { return s.out }

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.remove != nil {
			s.remove(s)
		}
	})
}

func (s *Subscription) push(m Message) {
	if s.match != nil && !s.match(m) {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		m := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- m:
		case <-s.done:
			return
		}
	}
}
