package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/hanaponodata/sentinel-core/internal/config"
	"github.com/hanaponodata/sentinel-core/internal/events"
	"github.com/hanaponodata/sentinel-core/internal/logging"
	"github.com/hanaponodata/sentinel-core/internal/registry"
	"github.com/hanaponodata/sentinel-core/internal/runtime"
)

// manualClock never fires After on its own; tests call tick directly
// instead of driving Run, so only Now and Since are exercised.
type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time                        { return c.now }
func (c *manualClock) After(d time.Duration) <-chan time.Time { return make(chan time.Time) }
func (c *manualClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }

func newTestLoop(t *testing.T) (*Loop, *runtime.Fake, *registry.Registry, *events.Bus) {
	t.Helper()
	rt := runtime.NewFake()
	reg := registry.New()
	bus := events.New(64, nil)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	log := logging.New(false, slog.LevelDebug)
	l := New(rt, reg, bus, cfg, log, &manualClock{now: time.Unix(0, 0)})
	return l, rt, reg, bus
}

func TestFreshStartTwoContainersRegistered(t *testing.T) {
	l, rt, reg, bus := newTestLoop(t)

	rt.Seed(runtime.Detail{Summary: runtime.Summary{ID: "A", Name: "a", ImageRef: "app:1", Status: runtime.StatusRunning}})
	rt.Seed(runtime.Detail{Summary: runtime.Summary{ID: "B", Name: "b", ImageRef: "db:2", Status: runtime.StatusRunning}})

	sub := bus.Subscribe(0)
	defer sub.Cancel()

	l.tick(context.Background())

	var kinds []events.Kind
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.Events:
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if len(kinds) != 2 || kinds[0] != events.KindContainerRegistered || kinds[1] != events.KindContainerRegistered {
		t.Fatalf("kinds = %v, want two container.registered", kinds)
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	for _, rec := range snap {
		if rec.UpdateState != registry.UpdateIdle {
			t.Fatalf("record %s update_state = %s, want idle", rec.ID, rec.UpdateState)
		}
	}
}

func TestRemovalDeferredWhileUpdating(t *testing.T) {
	l, rt, reg, _ := newTestLoop(t)

	rt.Seed(runtime.Detail{Summary: runtime.Summary{ID: "A", Name: "a", ImageRef: "app:1", Status: runtime.StatusRunning}})
	l.tick(context.Background())

	if _, ok := reg.SetUpdateState("A", registry.UpdateChecking, "", time.Now()); !ok {
		t.Fatal("idle -> checking should succeed")
	}
	if _, ok := reg.SetUpdateState("A", registry.UpdateAvailable, "", time.Now()); !ok {
		t.Fatal("checking -> update_available should succeed")
	}
	if _, ok := reg.SetUpdateState("A", registry.UpdateUpdating, "", time.Now()); !ok {
		t.Fatal("update_available -> updating should succeed")
	}

	// Container vanishes from the runtime mid-update.
	rt2 := runtime.NewFake()
	l.rt = rt2

	l.tick(context.Background())

	if _, ok := reg.Get("A"); !ok {
		t.Fatal("record A was removed while updating, want deferred")
	}
}

func TestLabelFilterExcludesNonMatchingNames(t *testing.T) {
	l, rt, reg, _ := newTestLoop(t)
	l.cfg.SetLabelFilter("web-*")

	rt.Seed(runtime.Detail{Summary: runtime.Summary{ID: "A", Name: "web-1", Status: runtime.StatusRunning}})
	rt.Seed(runtime.Detail{Summary: runtime.Summary{ID: "B", Name: "db-1", Status: runtime.StatusRunning}})

	l.tick(context.Background())

	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].ID != "A" {
		t.Fatalf("snapshot = %+v, want only A", snap)
	}
}

func TestRuntimeUnavailableThenRecoveredEmittedOnce(t *testing.T) {
	l, rt, _, _ := newTestLoop(t)
	bus := events.New(64, nil)
	l.bus = bus
	sub := bus.Subscribe(0)
	defer sub.Cancel()

	rt.Unavailable = true
	l.tick(context.Background())
	l.tick(context.Background())

	rt.Unavailable = false
	l.tick(context.Background())

	var kinds []events.Kind
drain:
	for {
		select {
		case e := <-sub.Events:
			kinds = append(kinds, e.Kind)
		default:
			break drain
		}
	}
	unavailableCount := 0
	recoveredCount := 0
	for _, k := range kinds {
		if k == events.KindRuntimeUnavailable {
			unavailableCount++
		}
		if k == events.KindRuntimeRecovered {
			recoveredCount++
		}
	}
	if unavailableCount != 1 {
		t.Fatalf("runtime.unavailable emitted %d times, want 1", unavailableCount)
	}
	if recoveredCount != 1 {
		t.Fatalf("runtime.recovered emitted %d times, want 1", recoveredCount)
	}
}
