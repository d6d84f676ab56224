// Package events is the Event Bus: an in-process broadcast channel with a
// bounded replay ring, giving every subscriber a total, gap-annotated
// order over everything that happens in the agent.
package events

import (
	"sync"
	"time"

	"github.com/hanaponodata/sentinel-core/internal/metrics"
)

// Kind is one entry in the agent's fixed event taxonomy.
type Kind string

const (
	KindAgentStarted Kind = "agent.started"
	KindAgentStopped Kind = "agent.stopped"

	KindContainerRegistered    Kind = "container.registered"
	KindContainerUnregistered  Kind = "container.unregistered"
	KindContainerStatusChanged Kind = "container.status_changed"

	KindUpdateAvailable Kind = "update.available"
	KindUpdateStarted   Kind = "update.started"
	KindUpdateApplied   Kind = "update.applied"
	KindUpdateFailed    Kind = "update.failed"

	KindRuntimeUnavailable Kind = "runtime.unavailable"
	KindRuntimeRecovered   Kind = "runtime.recovered"
)

// Event is one entry on the bus: a monotonic sequence number, a kind, a
// timestamp, an optional container id, and a free-form payload.
type Event struct {
	Sequence    uint64         `json:"sequence"`
	Kind        Kind           `json:"kind"`
	At          time.Time      `json:"at"`
	ContainerID string         `json:"container_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Gap is delivered in place of events this subscriber missed because it
// could not keep up; From is the first sequence number it no longer has.
type Gap struct {
	From uint64
}

// defaultSubscriberBufferSize bounds each subscriber's per-SPSC outbox
// independently of the bus's shared replay ring.
const defaultSubscriberBufferSize = 64

// Subscription is returned by Subscribe. Events delivers in-order Event
// values; Gaps delivers a Gap whenever this subscriber's outbox overflowed.
// Both channels close together when Cancel is called.
type Subscription struct {
	Events <-chan Event
	Gaps   <-chan Gap
	Cancel func()
}

type subscriber struct {
	id     uint64
	events chan Event
	gaps   chan Gap
}

// Bus is a bounded-replay-ring broadcast channel. The replay ring retains
// the last ringSize emitted events; Subscribe(from) replays whatever of
// that window is still present before switching to live delivery. The
// timestamp source (now) is injected so emission timestamps are
// deterministic in tests.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64

	seq uint64

	ring     []Event
	ringSize int

	subBufferSize int

	now func() time.Time
}

// New creates a Bus with the given replay ring capacity (event buffer
// size); each subscriber's outbox holds defaultSubscriberBufferSize
// events. now defaults to time.Now when nil.
func New(ringSize int, now func() time.Time) *Bus {
	if ringSize <= 0 {
		ringSize = 1024
	}
	if now == nil {
		now = time.Now
	}
	return &Bus{
		subs:          make(map[uint64]*subscriber),
		ring:          make([]Event, 0, ringSize),
		ringSize:      ringSize,
		subBufferSize: defaultSubscriberBufferSize,
		now:           now,
	}
}

// Emit assigns the next sequence number to an event of the given kind and
// fans it out to every current subscriber, never blocking on a slow one.
func (b *Bus) Emit(kind Kind, containerID string, payload map[string]any) Event {
	b.mu.Lock()
	b.seq++
	evt := Event{
		Sequence:    b.seq,
		Kind:        kind,
		At:          b.now(),
		ContainerID: containerID,
		Payload:     payload,
	}
	b.appendRing(evt)
	metrics.EventsEmittedTotal.WithLabelValues(string(kind)).Inc()

	for _, s := range b.subs {
		select {
		case s.events <- evt:
		default:
			b.markGapLocked(s)
		}
	}
	b.mu.Unlock()
	return evt
}

func (b *Bus) appendRing(evt Event) {
	if len(b.ring) < b.ringSize {
		b.ring = append(b.ring, evt)
		return
	}
	// Ring is full: drop the oldest by shifting. The default ring size
	// (1024) is small enough that this is cheap relative to emission rate.
	copy(b.ring, b.ring[1:])
	b.ring[len(b.ring)-1] = evt
}

// markGapLocked drains s's pending events (they're now stale relative to
// the gap) and posts a non-blocking gap marker. Must be called with b.mu held.
func (b *Bus) markGapLocked(s *subscriber) {
	var dropped uint64
drain:
	for {
		select {
		case <-s.events:
			dropped++
		default:
			break drain
		}
	}
	from := b.seq - dropped
	select {
	case s.gaps <- Gap{From: from}:
		metrics.SubscriberGapsTotal.Inc()
	default:
		// A gap marker is already pending for this subscriber; fine to skip,
		// the next event delivery attempt will re-trigger one if needed.
	}
}

// Subscribe returns a Subscription. fromSequence = 0 replays everything
// still in the replay ring, in order, before switching to live delivery:
// every event has Sequence >= 1, so "from 0" means "from the start".
// fromSequence > 0 replays any retained events with Sequence >= fromSequence.
// If fromSequence names a sequence older than the oldest retained event,
// delivery starts with a Gap for the missing window, then replays
// everything still retained, then proceeds live.
func (b *Bus) Subscribe(fromSequence uint64) *Subscription {
	b.mu.Lock()
	id := b.next
	b.next++

	s := &subscriber{
		id:     id,
		events: make(chan Event, b.subBufferSize),
		gaps:   make(chan Gap, 1),
	}

	var replay []Event
	if len(b.ring) > 0 {
		oldest := b.ring[0].Sequence
		switch {
		case fromSequence == 0 || fromSequence == oldest:
			replay = append(replay, b.ring...)
		case fromSequence > oldest:
			for _, e := range b.ring {
				if e.Sequence >= fromSequence {
					replay = append(replay, e)
				}
			}
		default:
			// Requested sequence predates the ring: announce the gap,
			// then replay everything currently retained.
			select {
			case s.gaps <- Gap{From: fromSequence}:
			default:
			}
			replay = append(replay, b.ring...)
		}
	}

	b.subs[id] = s
	b.mu.Unlock()

	// Replay runs before the caller can start draining s.events, so a
	// blocking send here would deadlock if replay exceeds the outbox
	// capacity. Send non-blocking and fall back to a gap for whatever
	// doesn't fit.
replayLoop:
	for _, e := range replay {
		select {
		case s.events <- e:
		default:
			select {
			case s.gaps <- Gap{From: e.Sequence}:
			default:
			}
			break replayLoop
		}
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.events)
			close(s.gaps)
		}
	}

	return &Subscription{Events: s.events, Gaps: s.gaps, Cancel: cancel}
}

// Sequence returns the most recently assigned sequence number (0 if no
// event has been emitted yet).
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
