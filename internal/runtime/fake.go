package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hanaponodata/sentinel-core/internal/sentinelerr"
)

// Fake is the in-memory Runtime Adapter variant used in tests: the
// adapter is polymorphic over a real daemon client and this in-memory
// fake. It holds its containers by value and never talks to a daemon, so
// monitor/update/control tests can drive full reconciliation cycles
// deterministically.
type Fake struct {
	mu sync.Mutex

	containers map[string]Detail
	nextID     int

	// ImageDigests maps an image ref to the digest Pull should report for
	// it, letting tests simulate a new image becoming available.
	ImageDigests map[string]string

	// Unavailable, when true, makes every call return
	// KindRuntimeUnavailable, simulating a dead daemon.
	Unavailable bool

	// StartFailNewContainers, when true, makes Start fail for any
	// container not present at seed time, i.e. any container created by
	// Create during this test. Used to exercise the apply procedure's
	// rollback path.
	StartFailNewContainers bool
	seededIDs               map[string]bool

	ListDiagnostics []ListDiagnostic
	PullCalls       []string
	StopCalls       []string
	StartCalls      []string
	CreateCalls     []CreateSpec
	RemoveCalls     []string
	ImageRemoveCalls []string
}

var _ API = (*Fake)(nil)

// NewFake returns an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		containers:   make(map[string]Detail),
		ImageDigests: make(map[string]string),
		seededIDs:    make(map[string]bool),
	}
}

// Seed installs a container directly, bypassing Create, for test setup.
func (f *Fake) Seed(d Detail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[d.ID] = d
	f.seededIDs[d.ID] = true
}

func (f *Fake) unavailableErr() error {
	return sentinelerr.New(sentinelerr.KindRuntimeUnavailable, "fake runtime unavailable")
}

func (f *Fake) List(_ context.Context) (ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return ListResult{}, f.unavailableErr()
	}
	result := ListResult{Diagnostics: f.ListDiagnostics}
	for _, d := range f.containers {
		result.Containers = append(result.Containers, d.Summary)
	}
	return result, nil
}

func (f *Fake) Inspect(_ context.Context, id string) (Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return Detail{}, f.unavailableErr()
	}
	d, ok := f.containers[id]
	if !ok {
		return Detail{}, sentinelerr.New(sentinelerr.KindNotFound, "container "+id+" not found")
	}
	return d, nil
}

func (f *Fake) Pull(_ context.Context, imageRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PullCalls = append(f.PullCalls, imageRef)
	if f.Unavailable {
		return "", f.unavailableErr()
	}
	if digest, ok := f.ImageDigests[imageRef]; ok {
		return digest, nil
	}
	return "sha256:" + imageRef, nil
}

func (f *Fake) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCalls = append(f.StopCalls, id)
	if f.Unavailable {
		return f.unavailableErr()
	}
	d, ok := f.containers[id]
	if !ok {
		return nil
	}
	d.Status = StatusExited
	f.containers[id] = d
	return nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls = append(f.StartCalls, id)
	if f.Unavailable {
		return f.unavailableErr()
	}
	if f.StartFailNewContainers && !f.seededIDs[id] {
		return sentinelerr.New(sentinelerr.KindTimeout, "start "+id+" timed out")
	}
	d, ok := f.containers[id]
	if !ok {
		return sentinelerr.New(sentinelerr.KindNotFound, "container "+id+" not found")
	}
	d.Status = StatusRunning
	f.containers[id] = d
	return nil
}

func (f *Fake) Create(_ context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls = append(f.CreateCalls, spec)
	if f.Unavailable {
		return "", f.unavailableErr()
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = Detail{
		Summary: Summary{
			ID:       id,
			Name:     spec.Name,
			ImageRef: spec.ImageRef,
			Status:   StatusCreated,
			Labels:   spec.Labels,
		},
		Ports:         spec.Ports,
		Env:           spec.Env,
		Mounts:        spec.Mounts,
		AllLabels:     spec.Labels,
		Hostname:      spec.Hostname,
		NetworkMode:   spec.NetworkMode,
		RestartPolicy: spec.RestartPolicy,
	}
	return id, nil
}

func (f *Fake) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemoveCalls = append(f.RemoveCalls, id)
	if f.Unavailable {
		return f.unavailableErr()
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) ImageRemove(_ context.Context, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ImageRemoveCalls = append(f.ImageRemoveCalls, digest)
	if f.Unavailable {
		return f.unavailableErr()
	}
	return nil
}

func (f *Fake) Close() error { return nil }
