// Package monitor is the Monitor Loop: a single cooperative task that
// reconciles runtime truth into the Container Registry at check_interval
// and publishes the resulting diff as Event Bus events.
package monitor

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/hanaponodata/sentinel-core/internal/clock"
	"github.com/hanaponodata/sentinel-core/internal/config"
	"github.com/hanaponodata/sentinel-core/internal/events"
	"github.com/hanaponodata/sentinel-core/internal/logging"
	"github.com/hanaponodata/sentinel-core/internal/metrics"
	"github.com/hanaponodata/sentinel-core/internal/registry"
	"github.com/hanaponodata/sentinel-core/internal/runtime"
)

// Loop drives ticks at cfg.CheckInterval(), calling Runtime.List, diffing
// against the Registry snapshot, and applying the result.
type Loop struct {
	rt   runtime.API
	reg  *registry.Registry
	bus  *events.Bus
	cfg  *config.Config
	log  *logging.Logger
	clk  clock.Clock

	resetCh chan struct{}

	// wasUnavailable tracks whether the previous tick ended in
	// runtime.unavailable, so a single runtime.recovered is emitted on the
	// first successful tick after an outage.
	wasUnavailable bool

	lastCheckMu sync.Mutex
	lastCheckAt time.Time
}

// New returns a Loop wired to its collaborators.
func New(rt runtime.API, reg *registry.Registry, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Loop {
	return &Loop{
		rt:      rt,
		reg:     reg,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		clk:     clk,
		resetCh: make(chan struct{}, 1),
	}
}

// Run executes an initial tick immediately, then ticks at
// cfg.CheckInterval() until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.tick(ctx)

	for {
		select {
		case <-l.clk.After(l.cfg.CheckInterval()):
			l.tick(ctx)
		case <-l.resetCh:
			// Interval changed; loop back around to re-read it.
		case <-ctx.Done():
			l.log.Info("monitor loop stopped")
			return nil
		}
	}
}

// NotifyIntervalChanged wakes the loop so a changed check_interval takes
// effect without waiting out the old one.
func (l *Loop) NotifyIntervalChanged() {
	select {
	case l.resetCh <- struct{}{}:
	default:
	}
}

func matchesFilter(name string, pattern string) bool {
	if pattern == "" {
		return true
	}
	matched, _ := path.Match(pattern, name)
	return matched
}

// LastCheckAt returns the start time of the most recent tick (recorded
// when the tick begins, including ticks skipped because the runtime was
// unavailable), for the Control Surface's agent status endpoint.
func (l *Loop) LastCheckAt() time.Time {
	l.lastCheckMu.Lock()
	defer l.lastCheckMu.Unlock()
	return l.lastCheckAt
}

// tick performs one reconciliation cycle: list, diff against the
// registry, apply the result.
func (l *Loop) tick(ctx context.Context) {
	l.lastCheckMu.Lock()
	l.lastCheckAt = l.clk.Now()
	l.lastCheckMu.Unlock()
	metrics.ScansTotal.Inc()
	start := l.clk.Now()
	defer func() { metrics.ScanDuration.Observe(l.clk.Since(start).Seconds()) }()

	result, err := l.rt.List(ctx)
	if err != nil {
		if !l.wasUnavailable {
			l.bus.Emit(events.KindRuntimeUnavailable, "", map[string]any{"error": err.Error()})
			l.wasUnavailable = true
			metrics.RuntimeUnavailableTotal.Inc()
		}
		l.log.Warn("runtime list failed, skipping tick", "error", err)
		return
	}
	if l.wasUnavailable {
		l.bus.Emit(events.KindRuntimeRecovered, "", nil)
		l.wasUnavailable = false
	}

	for _, diag := range result.Diagnostics {
		l.log.Warn("partial listing failure", "container_id", diag.ID, "error", diag.Error)
	}

	filter := l.cfg.LabelFilter()
	seen := make(map[string]runtime.Summary, len(result.Containers))
	for _, s := range result.Containers {
		if !matchesFilter(s.Name, filter) {
			continue
		}
		seen[s.ID] = s
	}

	existing := l.reg.Snapshot()
	existingByID := make(map[string]registry.Record, len(existing))
	for _, rec := range existing {
		existingByID[rec.ID] = rec
	}

	var batch []registry.Observation

	// Present in runtime, absent in registry -> add, with follow-up inspect.
	for id := range seen {
		if _, ok := existingByID[id]; ok {
			continue
		}
		detail, err := l.rt.Inspect(ctx, id)
		if err != nil {
			l.log.Warn("inspect failed for newly observed container", "container_id", id, "error", err)
			continue
		}
		batch = append(batch, registry.Observation{
			Op:     registry.DeltaAdd,
			Record: recordFromDetail(detail, l.clk),
		})
	}

	// Present in both -> compare status/labels; any change -> update. The
	// image digest is not re-read here: List carries no digest, so a
	// record's digest is only set on add and by the Update Engine.
	statusChanged := make(map[string]bool)
	for id, s := range seen {
		rec, ok := existingByID[id]
		if !ok {
			continue
		}
		sChanged := rec.Status != s.Status
		lChanged := !labelsEqual(rec.Labels, s.Labels)
		rec.LastSeenAt = l.clk.Now()
		rec.Status = s.Status
		rec.Labels = s.Labels
		if !sChanged && !lChanged {
			continue
		}
		if sChanged {
			statusChanged[id] = true
		}
		batch = append(batch, registry.Observation{Op: registry.DeltaUpdate, Record: rec})
	}

	// Absent from runtime, present in registry and not updating -> remove.
	for id, rec := range existingByID {
		if _, ok := seen[id]; ok {
			continue
		}
		if rec.UpdateState == registry.UpdateUpdating {
			// Defer: the Update Engine is recreating this container.
			continue
		}
		batch = append(batch, registry.Observation{Op: registry.DeltaRemove, Record: registry.Record{ID: id}})
	}

	deltas := l.reg.ApplyObservation(batch)
	for _, d := range deltas {
		l.publishDelta(d, existingByID[d.Record.ID], statusChanged[d.Record.ID])
	}
	metrics.ContainersMonitored.Set(float64(len(l.reg.Snapshot())))
}

func labelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// publishDelta translates a committed registry delta into the matching
// Event Bus event. A DeltaUpdate caused only by a label change (no status
// transition) is applied to the registry but does not emit
// container.status_changed: there is nothing status-shaped to report.
func (l *Loop) publishDelta(d registry.Delta, old registry.Record, statusChanged bool) {
	switch d.Op {
	case registry.DeltaAdd:
		l.bus.Emit(events.KindContainerRegistered, d.Record.ID, map[string]any{
			"name": d.Record.Name, "image_ref": d.Record.ImageRef,
		})
	case registry.DeltaUpdate:
		if statusChanged {
			l.bus.Emit(events.KindContainerStatusChanged, d.Record.ID, map[string]any{
				"old_status": string(old.Status), "new_status": string(d.Record.Status),
			})
		}
	case registry.DeltaRemove:
		l.bus.Emit(events.KindContainerUnregistered, d.Record.ID, nil)
	}
}

func recordFromDetail(d runtime.Detail, clk clock.Clock) registry.Record {
	now := clk.Now()
	return registry.Record{
		ID:             d.ID,
		Name:           d.Name,
		ImageRef:       d.ImageRef,
		ImageDigest:    d.ImageDigest,
		Status:         d.Status,
		CreatedAt:      d.CreatedAt,
		StartedAt:      d.StartedAt,
		LastSeenAt:     now,
		Labels:         d.Labels,
		Ports:          d.Ports,
		EnvFingerprint: runtime.Fingerprint(d),
	}
}
