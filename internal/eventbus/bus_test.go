package eventbus

import (
	"testing"

	"github.com/quantfolio/researchd/pkg/types"
)

func TestPublishAssignsSequence(t *testing.T) {
	bus := New("run-1", 16, 4)
	defer bus.Close()

	first := bus.Publish(types.EventRunStarted, "", nil)
	second := bus.Publish(types.EventNodeStarted, "research", nil)

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", first.Seq, second.Seq)
	}
	if first.RunID != "run-1" {
		t.Fatalf("unexpected run id %q", first.RunID)
	}
	if bus.Seq() != 2 {
		t.Fatalf("expected current seq 2, got %d", bus.Seq())
	}
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	bus := New("run-1", 16, 8)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(types.EventRunStarted, "", nil)
	bus.Publish(types.EventNodeStarted, "a", nil)
	bus.Publish(types.EventNodeCompleted, "a", nil)

	var last uint64
	for i := 0; i < 3; i++ {
		event := <-ch
		if event.Seq <= last {
			t.Fatalf("sequence went backwards: %d after %d", event.Seq, last)
		}
		last = event.Seq
	}
}

func TestHistoryReplay(t *testing.T) {
	bus := New("run-1", 16, 8)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(types.EventNodeStarted, "a", nil)
	}

	events := bus.EventsSince(2)
	if len(events) != 3 {
		t.Fatalf("expected 3 events after seq 2, got %d", len(events))
	}
	if events[0].Seq != 3 {
		t.Fatalf("expected first replayed seq 3, got %d", events[0].Seq)
	}
}

func TestHistoryBounded(t *testing.T) {
	bus := New("run-1", 3, 8)
	defer bus.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(types.EventNodeStarted, "a", nil)
	}

	events := bus.EventsSince(0)
	if len(events) != 3 {
		t.Fatalf("expected retained history of 3, got %d", len(events))
	}
	if events[0].Seq != 8 || events[2].Seq != 10 {
		t.Fatalf("expected seqs 8..10, got %d..%d", events[0].Seq, events[2].Seq)
	}
}

func TestSubscribeFromReplaysAndGoesLive(t *testing.T) {
	bus := New("run-1", 16, 8)
	defer bus.Close()

	bus.Publish(types.EventRunStarted, "", nil)
	bus.Publish(types.EventNodeStarted, "a", nil)

	replay, ch, cancel := bus.SubscribeFrom(1)
	defer cancel()

	if len(replay) != 1 || replay[0].Seq != 2 {
		t.Fatalf("expected replay of seq 2, got %v", replay)
	}

	bus.Publish(types.EventNodeCompleted, "a", nil)
	event := <-ch
	if event.Seq != 3 {
		t.Fatalf("expected live event seq 3, got %d", event.Seq)
	}
}

func TestSlowSubscriberDropsOldestWithLagMarker(t *testing.T) {
	bus := New("run-1", 64, 2)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	// Publish more than the buffer holds without consuming.
	for i := 0; i < 6; i++ {
		bus.Publish(types.EventNodeStarted, "a", nil)
	}

	var sawLag bool
	var received []*types.Event
	for len(ch) > 0 {
		event := <-ch
		if event.Type == types.EventSubscriberLagged {
			sawLag = true
			continue
		}
		received = append(received, event)
	}

	// Publishing one more flushes the pending lag marker.
	bus.Publish(types.EventNodeCompleted, "a", nil)
	for len(ch) > 0 {
		event := <-ch
		if event.Type == types.EventSubscriberLagged {
			sawLag = true
			continue
		}
		received = append(received, event)
	}

	if !sawLag {
		t.Fatal("expected a lag marker after overflow")
	}
	var last uint64
	for _, event := range received {
		if event.Seq <= last {
			t.Fatalf("delivered events out of order: %d after %d", event.Seq, last)
		}
		last = event.Seq
	}
	if last != 7 {
		t.Fatalf("expected newest event seq 7 delivered, got %d", last)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New("run-1", 8, 1)
	defer bus.Close()

	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(types.EventNodeStarted, "a", nil)
		}
		close(done)
	}()

	<-done // would deadlock if publish blocked on the idle subscriber
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := New("run-1", 8, 4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if event := bus.Publish(types.EventRunCompleted, "", nil); event != nil {
		t.Fatal("expected publish after close to be discarded")
	}
}

func TestCancelIsIdempotentWithClose(t *testing.T) {
	bus := New("run-1", 8, 4)
	_, cancel := bus.Subscribe()
	bus.Close()
	cancel() // must not panic on the already-closed channel
}
