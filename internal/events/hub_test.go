package events

import (
	"context"
	"testing"
	"time"

	"github.com/crucible-run/engine/internal/model"
)

func TestOrderingStdoutThenExit(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(context.Background(), "r1")
	pub := h.NewPublisher("r1")

	pub.Publish(model.Event{Kind: model.EventStdout, Bytes: []byte("a")})
	pub.Publish(model.Event{Kind: model.EventStdout, Bytes: []byte("b")})
	pub.Publish(model.Event{Kind: model.EventExit, ExitCode: 0})
	h.Close("r1")

	var got []model.Event
	for ev := range sub.Ch {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if string(got[0].Bytes) != "a" || string(got[1].Bytes) != "b" {
		t.Fatalf("stdout events out of order: %+v", got)
	}
	if got[2].Kind != model.EventExit {
		t.Fatalf("expected Exit as final event, got %v", got[2].Kind)
	}
}

func TestLateSubscriberNoReplay(t *testing.T) {
	h := NewHub()
	pub := h.NewPublisher("r2")
	pub.Publish(model.Event{Kind: model.EventStdout, Bytes: []byte("missed")})

	sub := h.Subscribe(context.Background(), "r2")
	pub.Publish(model.Event{Kind: model.EventStdout, Bytes: []byte("seen")})
	pub.Publish(model.Event{Kind: model.EventExit})
	h.Close("r2")

	var got []model.Event
	for ev := range sub.Ch {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events (no replay of pre-subscription event), got %d: %+v", len(got), got)
	}
	if string(got[0].Bytes) != "seen" {
		t.Fatalf("expected first observed event to be 'seen', got %q", got[0].Bytes)
	}
}

func TestUnsubscribeDoesNotAffectProducer(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(context.Background(), "r3")
	pub := h.NewPublisher("r3")

	sub.Unsubscribe()
	// Producer must not block or panic after its only subscriber leaves.
	done := make(chan struct{})
	go func() {
		pub.Publish(model.Event{Kind: model.EventStdout, Bytes: []byte("x")})
		pub.Publish(model.Event{Kind: model.EventExit})
		h.Close("r3")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked after subscriber unsubscribed")
	}
}

func TestHeartbeatDroppedWhenSubscriberSlow(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(context.Background(), "r4")
	pub := h.NewPublisher("r4")

	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		pub.Publish(model.Event{Kind: model.EventHeartbeat})
	}
	pub.Publish(model.Event{Kind: model.EventExit})
	h.Close("r4")

	count := 0
	sawExit := false
	for ev := range sub.Ch {
		count++
		if ev.Kind == model.EventExit {
			sawExit = true
		}
	}
	if !sawExit {
		t.Fatal("Exit event must never be dropped")
	}
	if count > defaultSubscriberBuffer+1 {
		t.Fatalf("expected heartbeats to be dropped under backpressure, got %d events", count)
	}
}
