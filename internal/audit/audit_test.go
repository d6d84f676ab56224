package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hanaponodata/sentinel-core/internal/events"
	"github.com/hanaponodata/sentinel-core/internal/logging"
)

type stubSink struct {
	mu   sync.Mutex
	name string
	sent []events.Event
	err  error
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Send(_ context.Context, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, evt)
	return nil
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestLogger() *logging.Logger {
	return logging.New(false, slog.LevelError)
}

func TestForwarderDeliversEventsEmittedAfterRun(t *testing.T) {
	bus := events.New(16, nil)
	sink := &stubSink{name: "test"}
	f := NewForwarder(bus, sink, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	// Give Run a chance to subscribe before anything is emitted.
	time.Sleep(10 * time.Millisecond)
	bus.Emit(events.KindContainerRegistered, "A", map[string]any{"name": "web"})

	deadline := time.After(time.Second)
	for sink.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sink delivery")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestForwarderDoesNotReplayHistoricalEvents(t *testing.T) {
	bus := events.New(16, nil)
	bus.Emit(events.KindAgentStarted, "", nil) // happens before the forwarder subscribes

	sink := &stubSink{name: "test"}
	f := NewForwarder(bus, sink, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	cancel()

	if sink.count() != 0 {
		t.Fatalf("sink received %d historical events, want 0", sink.count())
	}
}

func TestForwarderLogsButSurvivesSinkError(t *testing.T) {
	bus := events.New(16, nil)
	sink := &stubSink{name: "failing", err: errors.New("unreachable")}
	f := NewForwarder(bus, sink, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	// Should not panic or block the bus even though every Send fails.
	bus.Emit(events.KindContainerRegistered, "A", nil)
	bus.Emit(events.KindContainerUnregistered, "A", nil)
	time.Sleep(10 * time.Millisecond)

	if sink.count() != 0 {
		t.Fatalf("expected no successful deliveries from a failing sink, got %d", sink.count())
	}
}
