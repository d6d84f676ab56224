package runtime

import (
	"context"
	"testing"

	"github.com/hanaponodata/sentinel-core/internal/sentinelerr"
)

func TestFakeCreateStartStopRemove(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.Create(ctx, CreateSpec{Name: "web", ImageRef: "nginx:1.25"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d, err := f.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if d.Status != StatusCreated {
		t.Fatalf("status = %s, want created", d.Status)
	}

	if err := f.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d, _ = f.Inspect(ctx, id)
	if d.Status != StatusRunning {
		t.Fatalf("status = %s, want running", d.Status)
	}

	list, err := f.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Containers) != 1 {
		t.Fatalf("len(containers) = %d, want 1", len(list.Containers))
	}

	if err := f.Remove(ctx, id, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.Inspect(ctx, id); err == nil {
		t.Fatal("Inspect after Remove: want error")
	}
}

func TestFakeInspectNotFound(t *testing.T) {
	f := NewFake()
	_, err := f.Inspect(context.Background(), "missing")
	if sentinelerr.KindOf(err) != sentinelerr.KindNotFound {
		t.Fatalf("err kind = %v, want NotFound", sentinelerr.KindOf(err))
	}
}

func TestFakeUnavailable(t *testing.T) {
	f := NewFake()
	f.Unavailable = true
	if _, err := f.List(context.Background()); err == nil {
		t.Fatal("List: want error when unavailable")
	}
}
