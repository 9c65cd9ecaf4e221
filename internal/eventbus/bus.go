// Package eventbus provides the per-run ordered event stream. Every event
// published for a run carries a monotonically increasing sequence number, a
// bounded history is retained for replay, and slow subscribers lose oldest
// events rather than blocking the publisher.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quantfolio/researchd/internal/metrics"
	"github.com/quantfolio/researchd/pkg/types"
)

// Bus is the event stream for a single run. Publish assigns sequence numbers
// under a single lock, so observed order always matches sequence order.
type Bus struct {
	runID      string
	maxHistory int
	bufferSize int

	mu      sync.Mutex
	seq     uint64
	history []*types.Event
	subs    map[*subscriber]struct{}
	closed  bool
}

// subscriber state is only touched under the bus lock; the channel itself is
// shared with the consumer.
type subscriber struct {
	ch      chan *types.Event
	dropped int
	fromSeq uint64
	toSeq   uint64
}

// New creates a bus for the given run. maxHistory bounds the replay buffer
// and bufferSize bounds each subscriber channel.
func New(runID string, maxHistory, bufferSize int) *Bus {
	if maxHistory <= 0 {
		maxHistory = 1024
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		runID:      runID,
		maxHistory: maxHistory,
		bufferSize: bufferSize,
		subs:       make(map[*subscriber]struct{}),
	}
}

// Publish appends an event to the stream and fans it out to subscribers
// without blocking. The payload is marshalled once; a marshal failure drops
// the payload but never the event.
func (b *Bus) Publish(evType types.EventType, nodeID string, data interface{}) *types.Event {
	var payload json.RawMessage
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			payload = raw
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.seq++
	event := &types.Event{
		Seq:       b.seq,
		RunID:     b.runID,
		Type:      evType,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}

	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, event)

	for sub := range b.subs {
		b.send(sub, event)
	}

	return event
}

// send delivers an event to one subscriber, shedding oldest buffered events
// when the channel is full. Shed events are summarized by a lag marker that
// precedes the next delivered event.
func (b *Bus) send(sub *subscriber, event *types.Event) {
	if sub.dropped > 0 {
		select {
		case sub.ch <- b.lagEvent(sub):
			metrics.SubscribersLaggedTotal.Inc()
			sub.dropped = 0
		default:
		}
	}

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Buffer full: evict the oldest buffered event to make room.
	select {
	case old := <-sub.ch:
		if old.Type != types.EventSubscriberLagged {
			sub.recordDrop(old.Seq)
		}
	default:
	}

	select {
	case sub.ch <- event:
	default:
		sub.recordDrop(event.Seq)
	}
}

func (sub *subscriber) recordDrop(seq uint64) {
	if sub.dropped == 0 {
		sub.fromSeq = seq
	}
	sub.toSeq = seq
	sub.dropped++
}

func (b *Bus) lagEvent(sub *subscriber) *types.Event {
	data, _ := json.Marshal(types.LagEventData{
		Dropped: uint64(sub.dropped),
		FromSeq: sub.fromSeq,
		ToSeq:   sub.toSeq,
	})
	return &types.Event{
		Seq:       sub.toSeq,
		RunID:     b.runID,
		Type:      types.EventSubscriberLagged,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Forward injects an event whose sequence number was assigned elsewhere,
// such as a persistent stream. The event is retained and fanned out like a
// published one; the bus sequence follows the event's.
func (b *Bus) Forward(event *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || event == nil {
		return
	}
	if event.Seq > b.seq {
		b.seq = event.Seq
	}

	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, event)

	for sub := range b.subs {
		b.send(sub, event)
	}
}

// Subscribe registers a live subscriber starting at the current position.
// The returned cancel function must be called when the consumer is done.
func (b *Bus) Subscribe() (<-chan *types.Event, func()) {
	_, ch, cancel := b.SubscribeFrom(b.Seq())
	return ch, cancel
}

// SubscribeFrom atomically replays retained history newer than afterSeq and
// registers a live subscriber, so no event between replay and live delivery
// is lost. Events older than the retained history are gone; callers detect
// that gap by comparing afterSeq with the first replayed sequence.
func (b *Bus) SubscribeFrom(afterSeq uint64) ([]*types.Event, <-chan *types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []*types.Event
	for _, event := range b.history {
		if event.Seq > afterSeq {
			replay = append(replay, event)
		}
	}

	sub := &subscriber{ch: make(chan *types.Event, b.bufferSize)}
	if b.closed {
		close(sub.ch)
		return replay, sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}

	return replay, sub.ch, cancel
}

// EventsSince returns retained events with sequence numbers greater than
// afterSeq.
func (b *Bus) EventsSince(afterSeq uint64) []*types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*types.Event
	for _, event := range b.history {
		if event.Seq > afterSeq {
			out = append(out, event)
		}
	}
	return out
}

// Seq returns the sequence number of the most recently published event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close closes all subscriber channels. Further publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscriber]struct{})
}
