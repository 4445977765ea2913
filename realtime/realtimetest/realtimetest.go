// Package realtimetest provides a conformance suite run against every
// realtime.Transport implementation.
package realtimetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sensahq/mapsync/realtime"
)

// TransportFactory creates a fresh Transport for testing.
type TransportFactory func(t *testing.T) realtime.Transport

// RunTransportTests runs the complete Transport test suite against the
// provided factory.
func RunTransportTests(t *testing.T, factory TransportFactory) {
	t.Run("SendReachesAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("SenderReceivesOwnEcho", func(t *testing.T) { testOwnEcho(t, factory) })
	t.Run("IsolationBetweenChannelNames", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("StatusTransitions", func(t *testing.T) { testStatusTransitions(t, factory) })
	t.Run("RemoveChannelFailsSubsequentSend", func(t *testing.T) { testRemoveChannel(t, factory) })
	t.Run("ContextCancellationStopsDelivery", func(t *testing.T) { testCancellation(t, factory) })
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
	gotOne chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{gotOne: make(chan struct{})}
}

func (r *recorder) handle(_ context.Context, ev realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.once.Do(func() { close(r.gotOne) })
}

func (r *recorder) snapshot() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitOne(t *testing.T) {
	t.Helper()
	select {
	case <-r.gotOne:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func subscribe(t *testing.T, ctx context.Context, ch realtime.Channel, rec *recorder) {
	t.Helper()
	if err := ch.Subscribe(ctx, rec.handle, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func testFanOut(t *testing.T, factory TransportFactory) {
	tr := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := tr.Channel("session:fanout")
	b := tr.Channel("session:fanout")
	ra, rb := newRecorder(), newRecorder()
	subscribe(t, ctx, a, ra)
	subscribe(t, ctx, b, rb)

	if err := a.Send(ctx, realtime.TopicCursor, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	ra.waitOne(t)
	rb.waitOne(t)

	for name, rec := range map[string]*recorder{"a": ra, "b": rb} {
		evs := rec.snapshot()
		if len(evs) == 0 {
			t.Fatalf("%s received nothing", name)
		}
		if evs[0].Topic != realtime.TopicCursor {
			t.Fatalf("%s: expected topic %q, got %q", name, realtime.TopicCursor, evs[0].Topic)
		}
		if string(evs[0].Payload) != `{"x":1}` {
			t.Fatalf("%s: payload mangled: %s", name, evs[0].Payload)
		}
	}
}

func testOwnEcho(t *testing.T, factory TransportFactory) {
	tr := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := tr.Channel("session:echo")
	rec := newRecorder()
	subscribe(t, ctx, ch, rec)

	if err := ch.Send(ctx, realtime.TopicOperationChange, []byte(`{"op":"x"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	rec.waitOne(t)
}

func testIsolation(t *testing.T, factory TransportFactory) {
	tr := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := tr.Channel("session:one")
	b := tr.Channel("session:two")
	ra, rb := newRecorder(), newRecorder()
	subscribe(t, ctx, a, ra)
	subscribe(t, ctx, b, rb)

	if err := a.Send(ctx, realtime.TopicCursor, []byte("only-one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ra.waitOne(t)

	// Give any misrouted delivery a moment to land before asserting.
	time.Sleep(100 * time.Millisecond)
	if evs := rb.snapshot(); len(evs) != 0 {
		t.Fatalf("channel two received %d events meant for channel one", len(evs))
	}
}

func testStatusTransitions(t *testing.T, factory TransportFactory) {
	tr := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var seen []realtime.Status
	joined := make(chan struct{})
	var once sync.Once

	ch := tr.Channel("session:status")
	err := ch.Subscribe(ctx, func(context.Context, realtime.Event) {}, func(st realtime.Status, _ error) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
		if st == realtime.StatusJoined {
			once.Do(func() { close(joined) })
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case <-joined:
	case <-time.After(3 * time.Second):
		t.Fatal("never reached joined status")
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[len(seen)-1] != realtime.StatusJoined {
		t.Fatalf("expected joined last, got %v", seen)
	}
}

func testRemoveChannel(t *testing.T, factory TransportFactory) {
	tr := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := tr.Channel("session:remove")
	rec := newRecorder()
	subscribe(t, ctx, ch, rec)

	if err := tr.RemoveChannel(ch); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := ch.Send(ctx, realtime.TopicCursor, []byte("late")); err == nil {
		t.Fatal("expected send on removed channel to fail")
	}
}

func testCancellation(t *testing.T, factory TransportFactory) {
	tr := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := tr.Channel("session:cancel")
	rec := newRecorder()
	subscribe(t, ctx, ch, rec)

	cancel()
	time.Sleep(100 * time.Millisecond)

	sender := tr.Channel("session:cancel")
	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	_ = sender.Send(sctx, realtime.TopicCursor, []byte("after-cancel"))

	time.Sleep(100 * time.Millisecond)
	if evs := rec.snapshot(); len(evs) != 0 {
		t.Fatalf("received %d events after cancellation", len(evs))
	}
}
