package runtime

import (
	"context"
	"time"
)

// API is the Runtime Adapter interface. It is implemented by DockerClient
// for production and by Fake for tests; every other component depends
// only on this interface, never on the concrete client.
//
// All methods are blocking from the caller's perspective and must be safe
// to call concurrently from multiple goroutines without external
// serialization.
type API interface {
	// List returns lightweight summaries of all containers on the host.
	// Partial per-entry failures are reported as diagnostics rather than
	// failing the whole call; only a total listing failure returns err.
	List(ctx context.Context) (ListResult, error)

	// Inspect returns full detail for one container. Returns a
	// sentinelerr KindNotFound error if the container has disappeared.
	Inspect(ctx context.Context, id string) (Detail, error)

	// Pull pulls imageRef and returns the resulting local image digest,
	// which may be identical to what was already present. Returns
	// sentinelerr KindRegistryUnreachable or KindAuthRequired on failure.
	Pull(ctx context.Context, imageRef string) (digest string, err error)

	// Stop stops id with a cooperative grace period then forces. Idempotent
	// on an already-stopped container.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Start starts a stopped container. Idempotent on an already-running one.
	Start(ctx context.Context, id string) error

	// Create creates a container from spec and returns its new ID.
	Create(ctx context.Context, spec CreateSpec) (id string, err error)

	// Remove removes a container. Idempotent on a missing one.
	Remove(ctx context.Context, id string, force bool) error

	// ImageRemove best-effort removes an image by digest, ignoring
	// still-referenced errors.
	ImageRemove(ctx context.Context, digest string) error

	Close() error
}
