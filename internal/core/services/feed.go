package services

import "sync"

// Subscription receives values from a feed in publish order. C is closed
// after Unsubscribe, or once the feed ends and every queued value has been
// delivered. A slow reader never blocks the publisher.
type Subscription[T any] struct {
	C <-chan T

	out   chan T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	queue []T
	ended bool

	id   uint64
	feed *feed[T]
}

// Unsubscribe stops delivery. It is safe to call more than once and from
// any goroutine.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if s.feed != nil {
			s.feed.remove(s.id)
		}
	})
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription[T]) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription[T]) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

// feed fans values out to any number of subscriptions, each with its own
// unbounded queue.
type feed[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{subs: make(map[uint64]*Subscription[T])}
}

// subscribe registers a subscription whose first values are initial.
func (f *feed[T]) subscribe(initial ...T) *Subscription[T] {
	out := make(chan T)
	s := &Subscription[T]{
		C:     out,
		out:   out,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		queue: append([]T(nil), initial...),
	}

	f.mu.Lock()
	if f.closed {
		s.ended = true
	} else {
		f.nextID++
		s.id = f.nextID
		s.feed = f
		f.subs[s.id] = s
	}
	f.mu.Unlock()

	go s.pump()
	return s
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, s := range f.subs {
		s.push(v)
	}
}

// close ends every subscription after its queued values drain.
func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, s := range f.subs {
		s.end()
		delete(f.subs, id)
	}
}

func (f *feed[T]) remove(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

func (f *feed[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
