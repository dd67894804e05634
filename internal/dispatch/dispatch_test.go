package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(code protocol.Code, payload string) protocol.Message {
	return protocol.Message{Code: code, Payload: []byte(payload)}
}

func TestFirstMatchWins(t *testing.T) {
	d := New(Options{})
	first := d.Register(MatchCodes(0x02))
	second := d.Register(MatchCodes(0x02, 0x03))

	d.Dispatch(msg(0x02, "ok"))

	got, err := first.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got.Payload))
	assert.Equal(t, 1, d.PendingWaits(), "second wait must stay pending")

	_, err = second.Wait(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, d.PendingWaits())
}

func TestWaitForTimeoutRemovesWait(t *testing.T) {
	d := New(Options{})
	start := time.Now()
	_, err := d.WaitFor(context.Background(), MatchCodes(0x02), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, d.PendingWaits())
}

func TestWaitContextCancelled(t *testing.T) {
	d := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	w := d.Register(MatchCodes(0x02))
	cancel()

	_, err := w.Wait(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.PendingWaits())
}

func TestFulfilledBeforeWait(t *testing.T) {
	d := New(Options{})
	w := d.Register(MatchCodes(0x11))
	d.Dispatch(msg(0x11, "early"))

	got, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early", string(got.Payload))
}

func TestConcurrentWaitsDoNotInterfere(t *testing.T) {
	d := New(Options{})
	var wg sync.WaitGroup
	results := make([]string, 10)

	waits := make([]*Wait, 10)
	for i := range waits {
		code := protocol.Code(0x40 + i)
		waits[i] = d.Register(MatchCodes(code))
	}
	for i, w := range waits {
		wg.Add(1)
		go func(i int, w *Wait) {
			defer wg.Done()
			m, err := w.Wait(context.Background(), 2*time.Second)
			if err == nil {
				results[i] = string(m.Payload)
			}
		}(i, w)
	}
	for i := 9; i >= 0; i-- {
		d.Dispatch(msg(protocol.Code(0x40+i), string(rune('a'+i))))
	}
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, string(rune('a'+i)), r)
	}
}

func TestSubscribersInOrderAndIsolated(t *testing.T) {
	var reported []error
	d := New(Options{OnError: func(_ protocol.Code, err error) { reported = append(reported, err) }})

	var calls []string
	d.Subscribe(0x11, func(protocol.Message) error {
		calls = append(calls, "a")
		return errors.New("boom")
	})
	d.Subscribe(0x11, func(protocol.Message) error {
		calls = append(calls, "b")
		panic("bad subscriber")
	})
	d.Subscribe(0x11, func(protocol.Message) error {
		calls = append(calls, "c")
		return nil
	})
	d.Subscribe(0x12, func(protocol.Message) error {
		calls = append(calls, "other")
		return nil
	})

	d.Dispatch(msg(0x11, ""))
	d.Dispatch(msg(0x11, ""))

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, calls)
	assert.Len(t, reported, 4)
}

func TestWaitAndSubscriptionBothSeeMessage(t *testing.T) {
	d := New(Options{})
	w := d.Register(MatchCodes(0x11))
	seen := 0
	d.Subscribe(0x11, func(protocol.Message) error { seen++; return nil })

	d.Dispatch(msg(0x11, "x"))

	_, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	d := New(Options{})
	off := d.Subscribe(0x11, func(protocol.Message) error { return nil })
	keep := d.Subscribe(0x11, func(protocol.Message) error { return nil })
	defer keep()

	assert.Equal(t, 2, d.Subscriptions(0x11))
	off()
	off()
	assert.Equal(t, 1, d.Subscriptions(0x11))
}

func TestPanickingPredicateIsNoMatch(t *testing.T) {
	d := New(Options{})
	bad := d.Register(func(protocol.Message) bool { panic("nope") })
	good := d.Register(MatchCodes(0x02))

	d.Dispatch(msg(0x02, ""))

	_, err := good.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	bad.Cancel()
	assert.Equal(t, 0, d.PendingWaits())
}
