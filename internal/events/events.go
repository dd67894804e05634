// Package events delivers named lifecycle notifications to application code.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Name string

const (
	Connected         Name = "connected"
	Disconnected      Name = "disconnected"
	AuthSucceeded     Name = "auth_succeeded"
	AuthFailed        Name = "auth_failed"
	SearchResult      Name = "search_result"
	DownloadStarted   Name = "download_started"
	DownloadProgress  Name = "download_progress"
	DownloadCompleted Name = "download_completed"
	DownloadFailed    Name = "download_failed"
	DownloadCancelled Name = "download_cancelled"
	Log               Name = "log"
)

const DefaultHandlerTimeout = 5 * time.Second

type Event struct {
	Name Name
	Data any
	Time time.Time
}

type Handler func(Event) error

type Options struct {
	Logger         *logrus.Logger
	HandlerTimeout time.Duration
}

type entry struct {
	id      uint64
	handler Handler
}

// queued is an event waiting for delivery together with the handlers that
// were subscribed when it was emitted.
type queued struct {
	ev      Event
	targets []entry
}

// Emitter fans events out to subscribers. Emit only queues; a single worker
// delivers events in emit order, and the handlers for one event one after
// another in subscription order. Each call is recovered and bounded by the
// handler timeout.
type Emitter struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[Name][]entry
	wildcard []entry
	nextID   uint64

	qmu     sync.Mutex
	idle    *sync.Cond
	queue   []queued
	running bool
}

func New(opts Options) *Emitter {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	e := &Emitter{
		logger:   opts.Logger,
		timeout:  opts.HandlerTimeout,
		handlers: make(map[Name][]entry),
	}
	e.idle = sync.NewCond(&e.qmu)
	return e
}

// On subscribes h to name and returns a func that removes it.
func (e *Emitter) On(name Name, h Handler) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[name] = append(e.handlers[name], entry{id: id, handler: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.handlers[name] = without(e.handlers[name], id)
	}
}

// OnAny subscribes h to every event. It is called after the named handlers.
func (e *Emitter) OnAny(h Handler) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.wildcard = append(e.wildcard, entry{id: id, handler: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.wildcard = without(e.wildcard, id)
	}
}

func without(entries []entry, id uint64) []entry {
	for i, en := range entries {
		if en.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

// Emit queues an event for the current subscribers of name and returns
// without waiting for any handler.
func (e *Emitter) Emit(name Name, data any) {
	e.mu.RLock()
	targets := make([]entry, 0, len(e.handlers[name])+len(e.wildcard))
	targets = append(targets, e.handlers[name]...)
	targets = append(targets, e.wildcard...)
	e.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.queue = append(e.queue, queued{
		ev:      Event{Name: name, Data: data, Time: time.Now()},
		targets: targets,
	})
	if !e.running {
		e.running = true
		go e.drain()
	}
}

// Flush blocks until every event emitted before the call was delivered. It
// must not be called from a handler.
func (e *Emitter) Flush() {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	for e.running {
		e.idle.Wait()
	}
}

// drain delivers queued events and exits once the queue is empty.
func (e *Emitter) drain() {
	for {
		e.qmu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.idle.Broadcast()
			e.qmu.Unlock()
			return
		}
		q := e.queue[0]
		e.queue[0] = queued{}
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		for _, t := range q.targets {
			e.deliver(t.handler, q.ev)
		}
	}
}

// Logf emits a log event with a formatted message.
func (e *Emitter) Logf(format string, args ...any) {
	e.Emit(Log, fmt.Sprintf(format, args...))
}

func (e *Emitter) deliver(h Handler, ev Event) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h(ev)
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Warnf("Handler for %s failed: %v", ev.Name, err)
		}
	case <-timer.C:
		e.logger.Warnf("Handler for %s still running after %s, moving on", ev.Name, e.timeout)
	}
}
