// Package events implements the event stream hub (spec §4.10): a
// per-Request multi-producer/multi-consumer broker for Stdout/Stderr/Exit
// and custom events, with backpressure coalescing and no-replay semantics
// for late subscribers.
//
// The subscriber bookkeeping follows the same sync.Map-keyed,
// channel-correlated shape as the teacher's
// control-plane/internal/grpc/stream.go StreamHandler (pendingRequests +
// streams), generalized from one-response-per-request-id to an ordered
// multi-event stream per request id.
package events

import (
	"context"
	"sync"

	"github.com/crucible-run/engine/internal/model"
)

const defaultSubscriberBuffer = 256

// Subscription is a consumer's handle on one Request's event stream. Ch is
// closed when the producer completes or the hub is torn down; a consumer
// observes end-of-stream as a closed channel, per Go idiom.
type Subscription struct {
	Ch     <-chan model.Event
	cancel func()
}

// Unsubscribe detaches this consumer immediately; the producer is
// unaffected (spec §4.10: "subscription cancellation is immediate; the
// producer continues unaffected").
func (s *Subscription) Unsubscribe() { s.cancel() }

type subscriber struct {
	id   uint64
	ch   chan model.Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// broker is the per-Request event fan-out point.
type broker struct {
	mu          sync.Mutex
	subs        map[uint64]*subscriber
	nextSubID   uint64
	closed      bool
	stdoutSeq   uint64
	stderrSeq   uint64
}

func newBroker() *broker {
	return &broker{subs: make(map[uint64]*subscriber)}
}

// Hub owns one broker per in-flight Request id.
type Hub struct {
	mu      sync.Mutex
	brokers map[string]*broker
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{brokers: make(map[string]*broker)}
}

func (h *Hub) brokerFor(requestID string, create bool) *broker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.brokers[requestID]
	if !ok && create {
		b = newBroker()
		h.brokers[requestID] = b
	}
	return b
}

// Publisher is the producer-side handle a backend uses to emit events for
// one Request.
type Publisher struct {
	hub       *Hub
	requestID string
}

// NewPublisher opens (or reopens) the broker for requestID and returns a
// handle a backend can publish events through.
func (h *Hub) NewPublisher(requestID string) *Publisher {
	h.brokerFor(requestID, true)
	return &Publisher{hub: h, requestID: requestID}
}

// Subscribe attaches a new consumer to requestID's stream. Late
// subscribers see only events published from this call forward — no
// replay (spec §4.10).
func (h *Hub) Subscribe(ctx context.Context, requestID string) *Subscription {
	b := h.brokerFor(requestID, true)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{
		id:   id,
		ch:   make(chan model.Event, defaultSubscriberBuffer),
		done: make(chan struct{}),
	}
	if b.closed {
		// Producer already finished; consumer sees an immediately closed
		// stream rather than hanging.
		close(sub.ch)
	} else {
		b.subs[id] = sub
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return &Subscription{Ch: sub.ch, cancel: cancel}
}

// Publish delivers one event to every current subscriber of this
// Publisher's Request. Stdout/Stderr get per-stream monotonic sequence
// numbers; ordering within each is preserved (spec §4.10, §5).
func (p *Publisher) Publish(ev model.Event) {
	b := p.hub.brokerFor(p.requestID, true)

	b.mu.Lock()
	switch ev.Kind {
	case model.EventStdout:
		b.stdoutSeq++
		ev.Seq = b.stdoutSeq
	case model.EventStderr:
		b.stderrSeq++
		ev.Seq = b.stderrSeq
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		deliver(s, ev)
	}
}

// deliver applies the backpressure policy: Exit and Custom events are
// never dropped (blocking send, abandoned only if the subscriber
// unsubscribes); Heartbeat is dropped outright when the subscriber is
// slow; Stdout/Stderr coalesce by discarding the oldest queued byte event
// of the same kind to make room, preserving the newest bytes and overall
// stream progress.
func deliver(s *subscriber, ev model.Event) {
	switch ev.Kind {
	case model.EventExit, model.EventCustom:
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	case model.EventHeartbeat:
		select {
		case s.ch <- ev:
		default:
		}
	default: // Stdout, Stderr, FileChanged, ProcessLifecycle
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch: // drop oldest to make room
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// Close marks requestID's broker as finished: any event not yet published
// this call is assumed final, the channel is closed for every current
// subscriber (observed as end-of-stream), and the broker is removed from
// the Hub. Safe to call more than once.
func (h *Hub) Close(requestID string) {
	h.mu.Lock()
	b, ok := h.brokers[requestID]
	if ok {
		delete(h.brokers, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
