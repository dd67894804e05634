// Package dispatch routes decoded server messages to one-shot waiters and
// persistent per-code subscribers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/sirupsen/logrus"
)

var ErrTimeout = errors.New("timed out waiting for message")

type Predicate func(protocol.Message) bool

type Handler func(protocol.Message) error

// MatchCodes returns a predicate that accepts any of the given type codes.
func MatchCodes(codes ...protocol.Code) Predicate {
	return func(m protocol.Message) bool {
		for _, c := range codes {
			if m.Code == c {
				return true
			}
		}
		return false
	}
}

type Options struct {
	Logger *logrus.Logger
	// OnError is called when a subscriber returns an error or panics.
	OnError func(code protocol.Code, err error)
}

type subscription struct {
	id      uint64
	handler Handler
}

type Dispatcher struct {
	logger  *logrus.Logger
	onError func(protocol.Code, error)

	mu     sync.Mutex
	waits  []*Wait
	subs   map[protocol.Code][]subscription
	nextID uint64
}

func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Dispatcher{
		logger:  opts.Logger,
		onError: opts.OnError,
		subs:    make(map[protocol.Code][]subscription),
	}
}

// Wait is a registered one-shot correlation for a future message.
type Wait struct {
	d    *Dispatcher
	pred Predicate
	ch   chan protocol.Message
}

// Register adds a pending wait. Register before sending the request so the
// reply cannot arrive unobserved. The predicate runs with the dispatcher lock
// held and must not call back into the dispatcher.
func (d *Dispatcher) Register(pred Predicate) *Wait {
	w := &Wait{d: d, pred: pred, ch: make(chan protocol.Message, 1)}
	d.mu.Lock()
	d.waits = append(d.waits, w)
	d.mu.Unlock()
	return w
}

// Wait blocks until the wait is fulfilled, the timeout elapses or ctx is
// done. A zero timeout waits on ctx alone. The wait is removed on every
// return path.
func (w *Wait) Wait(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-expired:
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if !w.d.remove(w) {
		// fulfilled while we were giving up
		return <-w.ch, nil
	}
	return protocol.Message{}, err
}

// Cancel removes the wait if it is still pending.
func (w *Wait) Cancel() {
	w.d.remove(w)
}

// WaitFor registers a wait and blocks on it.
func (d *Dispatcher) WaitFor(ctx context.Context, pred Predicate, timeout time.Duration) (protocol.Message, error) {
	return d.Register(pred).Wait(ctx, timeout)
}

func (d *Dispatcher) remove(w *Wait) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.waits {
		if p == w {
			d.waits = append(d.waits[:i], d.waits[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe registers h for every message with the given code. The returned
// func removes the subscription and may be called more than once.
func (d *Dispatcher) Subscribe(code protocol.Code, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[code] = append(d.subs[code], subscription{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.subs[code]
			for i, s := range subs {
				if s.id == id {
					d.subs[code] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(d.subs[code]) == 0 {
				delete(d.subs, code)
			}
		})
	}
}

// Dispatch fulfils the first matching pending wait, then calls every
// subscriber for msg.Code in registration order.
func (d *Dispatcher) Dispatch(msg protocol.Message) {
	d.mu.Lock()
	for i, w := range d.waits {
		if d.matches(w.pred, msg) {
			d.waits = append(d.waits[:i], d.waits[i+1:]...)
			w.ch <- msg
			break
		}
	}
	subs := append([]subscription(nil), d.subs[msg.Code]...)
	d.mu.Unlock()

	for _, s := range subs {
		if err := d.call(s.handler, msg); err != nil {
			d.logger.Warnf("Subscriber for %s failed: %v", msg.Code, err)
			if d.onError != nil {
				d.onError(msg.Code, err)
			}
		}
	}
}

func (d *Dispatcher) matches(pred Predicate, msg protocol.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warnf("Wait predicate panicked on %s: %v", msg.Code, r)
			ok = false
		}
	}()
	return pred(msg)
}

func (d *Dispatcher) call(h Handler, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h(msg)
}

func (d *Dispatcher) PendingWaits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waits)
}

func (d *Dispatcher) Subscriptions(code protocol.Code) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[code])
}
