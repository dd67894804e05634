package search

import (
	"context"
	"iter"
	"sync"
	"time"
)

// Stream is a finite, single-use sequence of search results. It is consumed
// by one goroutine; Close may be called from any goroutine. The subscription
// behind it is removed on every exit path.
type Stream struct {
	query   string
	timeout time.Duration
	start   func() (stop func(), err error)

	started  bool
	deadline time.Time
	current  Result
	err      error

	mu     sync.Mutex
	queue  []Result
	closed bool
	stop   func()
	notify chan struct{}
}

func newStream(query string, timeout time.Duration) *Stream {
	return &Stream{
		query:   query,
		timeout: timeout,
		notify:  make(chan struct{}, 1),
	}
}

func (s *Stream) Query() string {
	return s.query
}

// Next blocks until a result is available, the deadline passes or ctx is
// done. It returns false once the stream is finished.
func (s *Stream) Next(ctx context.Context) bool {
	if !s.started {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return false
		}

		s.started = true
		s.deadline = time.Now().Add(s.timeout)
		stop, err := s.start()
		if err != nil {
			s.err = err
			s.Close()
			return false
		}

		s.mu.Lock()
		if s.closed {
			// closed by another goroutine while starting
			s.mu.Unlock()
			stop()
			return false
		}
		s.stop = stop
		s.mu.Unlock()
	}

	for {
		remaining := time.Until(s.deadline)
		if remaining <= 0 {
			s.Close()
			return false
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false
		}
		if len(s.queue) > 0 {
			s.current = s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.err = ctx.Err()
			s.Close()
			return false
		}
	}
}

func (s *Stream) Result() Result {
	return s.current
}

// Err returns the error that ended the stream early. Reaching the deadline
// is not an error.
func (s *Stream) Err() error {
	return s.err
}

// Close ends the stream and removes its subscription. It is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// All adapts the stream to a range loop. Breaking out of the loop closes the
// stream.
func (s *Stream) All(ctx context.Context) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		defer s.Close()
		for s.Next(ctx) {
			if !yield(s.Result()) {
				return
			}
		}
	}
}

// push queues r unless the stream is closed. It never blocks.
func (s *Stream) push(r Result) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, r)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}
