// Package runtime is the sole path to the container daemon. Every other
// component talks to containers only through the API interface defined
// here, never directly to a Docker client.
package runtime

import "time"

// Status is a container's lifecycle status as reported by the runtime.
type Status string

const (
	StatusCreated    Status = "created"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusRestarting Status = "restarting"
	StatusExited     Status = "exited"
	StatusRemoving   Status = "removing"
	StatusDead       Status = "dead"
	StatusUnknown    Status = "unknown"
)

// PortMapping is one published port mapping, ordered as reported by the
// runtime.
type PortMapping struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port,omitempty"`
	Protocol      string `json:"protocol"` // "tcp" or "udp"
}

// Summary is the lightweight view returned by List: enough to reconcile
// identity and detect a status/label change without a full inspect.
type Summary struct {
	ID        string
	Name      string
	ImageRef  string
	Status    Status
	CreatedAt time.Time
	Labels    map[string]string
}

// Detail is the full view returned by Inspect, carrying everything the
// Update Engine needs to build a recreation spec and everything the
// Container Registry needs to fill in a newly observed record.
type Detail struct {
	Summary
	StartedAt      time.Time
	ImageDigest    string
	Ports          []PortMapping
	Env            []string          // "KEY=VALUE"
	Mounts         []string          // "src:dst:mode"
	AllLabels      map[string]string // unfiltered, for CreateSpec round-trips
	Hostname       string
	NetworkMode    string
	RestartPolicy  string
}

// CreateSpec is the recreation spec derived from a Detail plus a new
// image, passed to Create.
type CreateSpec struct {
	Name          string
	ImageRef      string
	Env           []string
	Mounts        []string
	Ports         []PortMapping
	Labels        map[string]string
	Hostname      string
	NetworkMode   string
	RestartPolicy string
}

// ListDiagnostic records a per-entry failure during List, so the caller
// can surface partial results instead of discarding the whole listing.
type ListDiagnostic struct {
	ID    string
	Error error
}

// ListResult is the outcome of a List call: whatever containers could be
// described, plus diagnostics for any that couldn't.
type ListResult struct {
	Containers  []Summary
	Diagnostics []ListDiagnostic
}
