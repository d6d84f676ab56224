package events

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEmitAssignsMonotonicSequence(t *testing.T) {
	b := New(16, fixedClock(time.Unix(0, 0)))
	e1 := b.Emit(KindAgentStarted, "", nil)
	e2 := b.Emit(KindContainerRegistered, "A", nil)
	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Fatalf("sequences = %d, %d, want 1, 2", e1.Sequence, e2.Sequence)
	}
}

func TestSubscribeFromZeroReplaysRetainedRingThenLive(t *testing.T) {
	b := New(16, fixedClock(time.Unix(0, 0)))
	b.Emit(KindAgentStarted, "", nil) // seq 1

	sub := b.Subscribe(0)
	defer sub.Cancel()

	select {
	case e := <-sub.Events:
		if e.Kind != KindAgentStarted || e.Sequence != 1 {
			t.Fatalf("first replayed event = %+v, want agent.started seq 1", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed agent.started")
	}

	b.Emit(KindContainerRegistered, "A", nil)

	select {
	case e := <-sub.Events:
		if e.Kind != KindContainerRegistered {
			t.Fatalf("kind = %s, want container.registered", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestSubscribeFromSequenceReplaysRingTail(t *testing.T) {
	b := New(16, fixedClock(time.Unix(0, 0)))
	b.Emit(KindAgentStarted, "", nil)    // seq 1
	b.Emit(KindContainerRegistered, "A", nil) // seq 2
	b.Emit(KindContainerRegistered, "B", nil) // seq 3

	sub := b.Subscribe(2)
	defer sub.Cancel()

	var got []uint64
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.Events:
			got = append(got, e.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for replay event %d", i)
		}
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("replayed sequences = %v, want [2 3]", got)
	}
}

func TestSlowSubscriberGetsGapNotBlockEmitter(t *testing.T) {
	b := New(8, fixedClock(time.Unix(0, 0)))
	sub := b.Subscribe(0)
	defer sub.Cancel()

	// Emit more than the subscriber outbox can hold without draining it.
	for i := 0; i < defaultSubscriberBufferSize+20; i++ {
		b.Emit(KindContainerStatusChanged, "A", nil)
	}

	select {
	case <-sub.Gaps:
	case <-time.After(time.Second):
		t.Fatal("expected a gap marker for the slow subscriber")
	}
}

func TestOtherSubscribersUnaffectedBySlowOne(t *testing.T) {
	b := New(1024, fixedClock(time.Unix(0, 0)))
	slow := b.Subscribe(0)
	defer slow.Cancel()
	fast := b.Subscribe(0)
	defer fast.Cancel()

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			b.Emit(KindContainerStatusChanged, "A", nil)
		}
	}()

	received := 0
	for received < n {
		select {
		case <-fast.Events:
			received++
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber only received %d/%d events", received, n)
		}
	}
}
