// Package audit provides optional, best-effort audit subscribers of the
// Event Bus. Both sinks here are push-only and fire-and-forget; neither
// is a durable audit store.
package audit

import (
	"context"

	"github.com/hanaponodata/sentinel-core/internal/events"
	"github.com/hanaponodata/sentinel-core/internal/logging"
)

// Sink delivers one Event to an external collaborator. Implementations
// must not block for long; Forwarder treats a slow or failing sink the
// same way the Event Bus treats a slow subscriber: the agent keeps
// running regardless.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt events.Event) error
}

// Forwarder subscribes to the Event Bus and pushes every event (and gap
// marker, logged only) to a Sink, independent of the Control Surface's
// own WebSocket subscribers.
//
// Run subscribes from the current tail rather than replaying the ring:
// audit forwarders care about what happens from the moment they're wired
// up, not historical replay.
type Forwarder struct {
	bus  *events.Bus
	sink Sink
	log  *logging.Logger
}

// NewForwarder returns a Forwarder that will push events to sink once Run
// is called.
func NewForwarder(bus *events.Bus, sink Sink, log *logging.Logger) *Forwarder {
	return &Forwarder{bus: bus, sink: sink, log: log}
}

// Run forwards events until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	sub := f.bus.Subscribe(f.bus.Sequence() + 1)
	defer sub.Cancel()

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := f.sink.Send(ctx, evt); err != nil {
				f.log.Warn("audit sink delivery failed", "sink", f.sink.Name(), "kind", evt.Kind, "error", err)
			}
		case gap, ok := <-sub.Gaps:
			if !ok {
				return
			}
			f.log.Warn("audit sink fell behind", "sink", f.sink.Name(), "gap_from", gap.From)
		case <-ctx.Done():
			return
		}
	}
}
