package events

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishOrderPreserved(t *testing.T) {
	b := NewBroker("op", Config{SubscriberQueue: 64, ReplayDepth: 64})
	sub := b.Subscribe(0)

	for i := 0; i < 10; i++ {
		b.Publish(Heartbeat, "", i)
	}
	got := collect(sub, 10, time.Second)
	if len(got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Data.(int) != i {
			t.Fatalf("event %d carries %v", i, ev.Data)
		}
	}
	b.Close()
	collect(sub, 1, 100*time.Millisecond) // drain to end-of-stream
}

func TestReplayFromSequence(t *testing.T) {
	b := NewBroker("op", Config{SubscriberQueue: 64, ReplayDepth: 64})
	for i := 0; i < 5; i++ {
		b.Publish(GraphChanged, "", i)
	}

	sub := b.Subscribe(3)
	got := collect(sub, 3, time.Second)
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("unexpected replay: %+v", got)
	}
	b.Close()
	collect(sub, 1, 100*time.Millisecond)
}

func TestReplayPastRetentionMarksOverflow(t *testing.T) {
	b := NewBroker("op", Config{SubscriberQueue: 4, ReplayDepth: 4})
	for i := 0; i < 20; i++ {
		b.Publish(GraphChanged, "", i)
	}

	sub := b.Subscribe(1) // long gone
	got := collect(sub, 5, time.Second)
	if len(got) == 0 || got[0].Event != Overflow {
		t.Fatalf("expected leading overflow marker, got %+v", got)
	}
	b.Close()
	collect(sub, 1, 100*time.Millisecond)
}

func TestSlowSubscriberOverflows(t *testing.T) {
	b := NewBroker("op", Config{SubscriberQueue: 8, ReplayDepth: 64})
	sub := b.Subscribe(0)

	// Publish far beyond the queue without consuming. The pump takes one
	// event into the channel buffer; the rest pile into the queue and the
	// head is truncated behind a single marker.
	for i := 0; i < 100; i++ {
		b.Publish(Heartbeat, "", i)
	}
	b.Close()

	got := collect(sub, 200, time.Second)
	if len(got) >= 100 {
		t.Fatalf("nothing was dropped: %d events", len(got))
	}
	overflows := 0
	for _, ev := range got {
		if ev.Event == Overflow {
			overflows++
		}
	}
	if overflows == 0 {
		t.Fatal("no overflow marker")
	}
	// The tail must end with the newest event.
	last := got[len(got)-1]
	if last.Data.(int) != 99 {
		t.Fatalf("tail is not the newest event: %+v", last)
	}
	// Post-marker events stay in order.
	var prev uint64
	for _, ev := range got {
		if ev.Event == Overflow {
			continue
		}
		if ev.Seq <= prev {
			t.Fatalf("order violated: %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}
}

func TestSubscriberCloseDetaches(t *testing.T) {
	b := NewBroker("op", Config{SubscriberQueue: 8, ReplayDepth: 8})
	sub := b.Subscribe(0)
	b.Publish(Heartbeat, "", 1)
	sub.Close()
	// Publishing after detach must not block or panic.
	for i := 0; i < 50; i++ {
		b.Publish(Heartbeat, "", i)
	}
	b.Close()
}

func TestLateSubscribeAfterClose(t *testing.T) {
	b := NewBroker("op", Config{SubscriberQueue: 8, ReplayDepth: 8})
	b.Publish(Heartbeat, "", 1)
	b.Close()

	sub := b.Subscribe(1)
	got := collect(sub, 2, 200*time.Millisecond)
	// The retained tail replays, then the stream ends.
	if len(got) != 1 || got[0].Seq != 1 {
		t.Fatalf("unexpected replay after close: %+v", got)
	}
}
