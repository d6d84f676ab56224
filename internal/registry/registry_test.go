package registry

import (
	"testing"
	"time"
)

func TestApplyObservationAddUpdateRemove(t *testing.T) {
	r := New()

	deltas := r.ApplyObservation([]Observation{
		{Op: DeltaAdd, Record: Record{ID: "A", Name: "a", Status: "running"}},
	})
	if len(deltas) != 1 || deltas[0].Op != DeltaAdd {
		t.Fatalf("deltas = %+v, want one add", deltas)
	}
	rec, ok := r.Get("A")
	if !ok || rec.UpdateState != UpdateIdle {
		t.Fatalf("Get(A) = %+v, %v, want idle", rec, ok)
	}

	r.ApplyObservation([]Observation{
		{Op: DeltaUpdate, Record: Record{ID: "A", Name: "a", Status: "paused"}},
	})
	rec, _ = r.Get("A")
	if rec.Status != "paused" {
		t.Fatalf("status after update = %s, want paused", rec.Status)
	}

	r.ApplyObservation([]Observation{{Op: DeltaRemove, Record: Record{ID: "A"}}})
	if _, ok := r.Get("A"); ok {
		t.Fatal("Get(A) after remove: want not found")
	}
}

func TestSetUpdateStateRejectsBackwardsTransition(t *testing.T) {
	r := New()
	r.ApplyObservation([]Observation{{Op: DeltaAdd, Record: Record{ID: "A"}}})

	if _, ok := r.SetUpdateState("A", UpdateChecking, "", time.Now()); !ok {
		t.Fatal("idle -> checking should be valid")
	}
	if _, ok := r.SetUpdateState("A", UpdateAvailable, "", time.Now()); !ok {
		t.Fatal("checking -> update_available should be valid")
	}
	if _, ok := r.SetUpdateState("A", UpdateChecking, "", time.Now()); ok {
		t.Fatal("update_available -> checking should be rejected (backwards)")
	}
	if _, ok := r.SetUpdateState("A", UpdateIdle, "", time.Now()); !ok {
		t.Fatal("any state -> idle should always be valid")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := New()
	r.ApplyObservation([]Observation{{Op: DeltaAdd, Record: Record{ID: "A", Labels: map[string]string{"k": "v"}}}})

	snap := r.Snapshot()
	snap[0].Labels["k"] = "mutated"

	rec, _ := r.Get("A")
	if rec.Labels["k"] != "v" {
		t.Fatal("mutating a snapshot record leaked into the registry")
	}
}

func TestSubscribeReceivesDeltasInOrder(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe()
	defer cancel()

	r.ApplyObservation([]Observation{{Op: DeltaAdd, Record: Record{ID: "A"}}})
	r.ApplyObservation([]Observation{{Op: DeltaUpdate, Record: Record{ID: "A", Status: "running"}}})

	d1 := <-ch
	d2 := <-ch
	if d1.Op != DeltaAdd || d2.Op != DeltaUpdate {
		t.Fatalf("deltas = %v, %v, want add then update", d1.Op, d2.Op)
	}
}
