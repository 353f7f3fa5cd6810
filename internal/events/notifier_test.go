package events

import (
	"log/slog"
	"testing"
)

func TestPublish_OrderingPerSessionJob(t *testing.T) {
	n := New(nil)
	sub := n.Subscribe("sess-1")
	defer n.Unsubscribe(sub)

	n.Publish("sess-1", "job-1", KindProgress, 10)
	n.Publish("sess-1", "job-1", KindProgress, 50)
	n.Publish("sess-1", "job-1", KindTerminal, "done")

	var seqs []uint64
	for i := 0; i < 3; i++ {
		ev := <-sub.Ch()
		seqs = append(seqs, ev.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("expected strictly increasing seq, got %v", seqs)
		}
	}
}

func TestPublish_OnlyMatchingSessionDelivered(t *testing.T) {
	n := New(nil)
	subA := n.Subscribe("sess-a")
	subB := n.Subscribe("sess-b")
	defer n.Unsubscribe(subA)
	defer n.Unsubscribe(subB)

	n.Publish("sess-a", "job-1", KindProgress, 1)

	select {
	case ev := <-subA.Ch():
		if ev.SessionID != "sess-a" {
			t.Fatalf("expected sess-a, got %s", ev.SessionID)
		}
	default:
		t.Fatal("expected event delivered to sess-a subscriber")
	}

	select {
	case ev := <-subB.Ch():
		t.Fatalf("expected no event for sess-b, got %+v", ev)
	default:
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	n := New(nil)
	sub := n.Subscribe("sess-1")
	n.Unsubscribe(sub)

	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestPublish_BackpressureOnFullBuffer(t *testing.T) {
	n := New(slog.Default())
	sub := n.Subscribe("sess-1")
	defer n.Unsubscribe(sub)

	// Fill the buffer beyond its capacity with non-terminal events.
	for i := 0; i < defaultBufferSize+5; i++ {
		n.Publish("sess-1", "job-1", KindProgress, i)
	}

	if n.DroppedEventCount() == 0 {
		t.Fatal("expected some events to be dropped once buffer filled")
	}

	sawBackpressure := false
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		if ev.Kind == KindBackpressure {
			sawBackpressure = true
		}
	}
	if !sawBackpressure {
		t.Fatal("expected a backpressure marker event in the queue")
	}
}

func TestPublish_TerminalNeverDropped(t *testing.T) {
	n := New(nil)
	sub := n.Subscribe("sess-1")
	defer n.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+5; i++ {
		n.Publish("sess-1", "job-1", KindProgress, i)
	}
	n.Publish("sess-1", "job-1", KindTerminal, "done")

	var lastKind Kind
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		lastKind = ev.Kind
	}
	if lastKind != KindTerminal {
		t.Fatalf("expected the terminal event to survive as the last queued event, got %v", lastKind)
	}
}
