package bus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New(nil)
	defer b.Close()

	first := b.Subscribe()
	second := b.Subscribe()

	b.Publish(SelfEvent{Muted: true})

	for i, ch := range []<-chan Event{first, second} {
		select {
		case event := <-ch:
			self, ok := event.(SelfEvent)
			if !ok || !self.Muted {
				t.Errorf("subscriber %d got %+v", i, event)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received", i)
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueDepth*3; i++ {
			b.Publish(ConnectionEvent{State: StateConnecting})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	// The subscriber still sees the most recent events.
	if len(ch) == 0 {
		t.Error("subscriber queue empty after burst")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe()
	b.Close()

	select {
	case _, open := <-ch:
		if open {
			t.Error("channel still open after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Publishing after close is a no-op, not a panic.
	b.Publish(SelfEvent{})
}

func TestCoalescerLimitsRate(t *testing.T) {
	var emitted []Event
	done := make(chan struct{}, 8)
	c := NewCoalescer(50*time.Millisecond, func(e Event) {
		emitted = append(emitted, e)
		done <- struct{}{}
	})
	defer c.Stop()

	// A burst collapses to the first event plus one trailing flush of the
	// newest value.
	c.Offer(RosterEvent{Channel: ChannelInfo{Name: "a"}})
	c.Offer(RosterEvent{Channel: ChannelInfo{Name: "b"}})
	c.Offer(RosterEvent{Channel: ChannelInfo{Name: "c"}})

	<-done
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("trailing flush never fired")
	}

	if len(emitted) != 2 {
		t.Fatalf("emitted %d events, want 2", len(emitted))
	}
	if emitted[1].(RosterEvent).Channel.Name != "c" {
		t.Errorf("trailing flush = %+v, want newest value c", emitted[1])
	}
}
