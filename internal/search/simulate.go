package search

import (
	"sync"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/events"
)

// Simulate returns a stream that yields the given results one per interval
// without touching the network.
func Simulate(query string, results []Result, interval, timeout time.Duration, em *events.Emitter) *Stream {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := newStream(query, timeout)
	s.start = func() (func(), error) {
		done := make(chan struct{})
		go func() {
			for _, r := range results {
				select {
				case <-done:
					return
				case <-time.After(interval):
				}
				if s.push(r) && em != nil {
					em.Emit(events.SearchResult, r)
				}
			}
		}()

		var once sync.Once
		return func() { once.Do(func() { close(done) }) }, nil
	}
	return s
}
