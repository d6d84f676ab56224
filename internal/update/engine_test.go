package update

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hanaponodata/sentinel-core/internal/config"
	"github.com/hanaponodata/sentinel-core/internal/events"
	"github.com/hanaponodata/sentinel-core/internal/logging"
	"github.com/hanaponodata/sentinel-core/internal/registry"
	"github.com/hanaponodata/sentinel-core/internal/runtime"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }
func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *manualClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

func newTestEngine(t *testing.T) (*Engine, *runtime.Fake, *registry.Registry, *events.Bus) {
	t.Helper()
	rt := runtime.NewFake()
	reg := registry.New()
	bus := events.New(64, nil)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	log := logging.New(false, slog.LevelError)
	clk := &manualClock{now: time.Unix(0, 0)}
	e := New(rt, reg, bus, cfg, log, clk)
	return e, rt, reg, bus
}

func seedRecord(t *testing.T, rt *runtime.Fake, reg *registry.Registry, id, imageRef, digest string) {
	t.Helper()
	rt.Seed(runtime.Detail{
		Summary: runtime.Summary{ID: id, Name: id, ImageRef: imageRef, Status: runtime.StatusRunning},
		Env:     []string{"FOO=bar"},
	})
	reg.ApplyObservation([]registry.Observation{{
		Op: registry.DeltaAdd,
		Record: registry.Record{
			ID: id, Name: id, ImageRef: imageRef, ImageDigest: digest,
			EnvFingerprint: "sha256:fixed",
		},
	}})
}

func TestCheckDetectsUpdateAndEmitsAvailable(t *testing.T) {
	e, rt, reg, bus := newTestEngine(t)
	seedRecord(t, rt, reg, "A", "app:1", "sha256:aaa")
	rt.ImageDigests["app:1"] = "sha256:ccc"

	sub := bus.Subscribe(0)
	defer sub.Cancel()

	e.Check(context.Background(), "A")

	select {
	case ev := <-sub.Events:
		if ev.Kind != events.KindUpdateAvailable {
			t.Fatalf("kind = %s, want update.available", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update.available")
	}

	rec, _ := reg.Get("A")
	if rec.UpdateState != registry.UpdateAvailable {
		t.Fatalf("update_state = %s, want update_available", rec.UpdateState)
	}
}

func TestCheckNoUpdateReturnsIdle(t *testing.T) {
	e, rt, reg, _ := newTestEngine(t)
	seedRecord(t, rt, reg, "A", "app:1", "sha256:aaa")
	rt.ImageDigests["app:1"] = "sha256:aaa"

	e.Check(context.Background(), "A")

	rec, _ := reg.Get("A")
	if rec.UpdateState != registry.UpdateIdle {
		t.Fatalf("update_state = %s, want idle", rec.UpdateState)
	}
}

func TestApplySucceedsAndRecordsHistory(t *testing.T) {
	e, rt, reg, bus := newTestEngine(t)
	seedRecord(t, rt, reg, "A", "app:1", "sha256:aaa")
	rt.ImageDigests["app:1"] = "sha256:ccc"

	sub := bus.Subscribe(0)
	defer sub.Cancel()

	e.Check(context.Background(), "A")
	<-sub.Events // update.available

	if err := e.Apply(context.Background(), "A"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var kinds []events.Kind
	for i := 0; i < 2; i++ {
		ev := <-sub.Events
		kinds = append(kinds, ev.Kind)
	}
	if kinds[0] != events.KindUpdateStarted || kinds[1] != events.KindUpdateApplied {
		t.Fatalf("kinds = %v, want [update.started update.applied]", kinds)
	}

	rec, _ := reg.Get("A")
	if rec.UpdateState != registry.UpdateUpdated {
		t.Fatalf("update_state = %s, want updated", rec.UpdateState)
	}
	if rec.ImageDigest != "sha256:ccc" {
		t.Fatalf("image_digest = %s, want sha256:ccc written back on success", rec.ImageDigest)
	}

	if e.HistoryCount() != 1 {
		t.Fatalf("history count = %d, want 1", e.HistoryCount())
	}
	hist := e.History(1)
	if hist[0].Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", hist[0].Outcome)
	}

	if len(rt.StopCalls) != 1 || len(rt.CreateCalls) != 1 {
		t.Fatalf("expected one stop and one create call, got stop=%d create=%d", len(rt.StopCalls), len(rt.CreateCalls))
	}
}

func TestCheckAllResetsUpdatedToIdleOnNextCycle(t *testing.T) {
	e, rt, reg, bus := newTestEngine(t)
	seedRecord(t, rt, reg, "A", "app:1", "sha256:aaa")
	rt.ImageDigests["app:1"] = "sha256:ccc"

	sub := bus.Subscribe(0)
	defer sub.Cancel()

	e.Check(context.Background(), "A")
	<-sub.Events // update.available

	if err := e.Apply(context.Background(), "A"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	<-sub.Events // update.started
	<-sub.Events // update.applied

	rec, _ := reg.Get("A")
	if rec.UpdateState != registry.UpdateUpdated {
		t.Fatalf("update_state = %s, want updated before next cycle", rec.UpdateState)
	}

	e.checkAll(context.Background())

	rec, _ = reg.Get("A")
	if rec.UpdateState != registry.UpdateIdle {
		t.Fatalf("update_state = %s, want idle after the next cycle resets it", rec.UpdateState)
	}
	if rec.ImageDigest != "sha256:ccc" {
		t.Fatalf("image_digest = %s, want sha256:ccc to still be reconciled after the reset", rec.ImageDigest)
	}
}

func TestApplyRollsBackOnStartFailure(t *testing.T) {
	e, rt, reg, bus := newTestEngine(t)
	seedRecord(t, rt, reg, "A", "app:1", "sha256:aaa")
	rt.ImageDigests["app:1"] = "sha256:ccc"
	rt.StartFailNewContainers = true

	sub := bus.Subscribe(0)
	defer sub.Cancel()

	e.Check(context.Background(), "A")
	<-sub.Events // update.available

	err := e.Apply(context.Background(), "A")
	if err == nil {
		t.Fatal("Apply: want error when the replacement container fails to start")
	}

	rec, _ := reg.Get("A")
	if rec.UpdateState != registry.UpdateFailed {
		t.Fatalf("update_state = %s, want failed", rec.UpdateState)
	}
	if rec.UpdateLastError == "" {
		t.Fatal("update_last_error should be populated on failure")
	}

	// Rollback should have restarted the original container "A".
	found := false
	for _, id := range rt.StartCalls {
		if id == "A" {
			found = true
		}
	}
	if !found {
		t.Fatalf("StartCalls = %v, want rollback to include original id A", rt.StartCalls)
	}

	hist := e.History(1)
	if hist[0].Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", hist[0].Outcome)
	}
}

func TestApplyRejectsConcurrentUpdateSameContainer(t *testing.T) {
	e, rt, reg, _ := newTestEngine(t)
	seedRecord(t, rt, reg, "A", "app:1", "sha256:aaa")
	reg.SetUpdateState("A", registry.UpdateChecking, "", time.Now())
	reg.SetUpdateState("A", registry.UpdateAvailable, "", time.Now())

	held := &sync.Mutex{}
	held.Lock()
	e.locking.Store("A", held)
	defer held.Unlock()

	if err := e.Apply(context.Background(), "A"); err == nil {
		t.Fatal("Apply: want conflict error when already in flight")
	}
}
