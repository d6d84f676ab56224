// Package update is the Update Engine: per-container update state
// machine, periodic digest checks, and the pull/stop/create/start apply
// procedure with rollback-on-failure.
package update

import (
	"context"
	"sync"
	"time"

	"github.com/hanaponodata/sentinel-core/internal/clock"
	"github.com/hanaponodata/sentinel-core/internal/config"
	"github.com/hanaponodata/sentinel-core/internal/events"
	"github.com/hanaponodata/sentinel-core/internal/logging"
	"github.com/hanaponodata/sentinel-core/internal/metrics"
	"github.com/hanaponodata/sentinel-core/internal/registry"
	"github.com/hanaponodata/sentinel-core/internal/runtime"
	"github.com/hanaponodata/sentinel-core/internal/sentinelerr"
)

const (
	pullRetryBase = time.Second
	pullRetryCap  = 30 * time.Second
	pullRetries   = 3

	defaultStopGrace    = 10 * time.Second
	defaultStartTimeout = 30 * time.Second

	historyCap = 200
)

// Outcome is the terminal result of one apply attempt.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
)

// Record is an Update Record: one completed or attempted update.
type Record struct {
	ContainerID    string    `json:"container_id"`
	OldImageDigest string    `json:"old_image_digest,omitempty"`
	NewImageDigest string    `json:"new_image_digest,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Error          string    `json:"error,omitempty"`
}

// Engine owns the per-container update state machine and the bounded
// worker pool that executes apply procedures.
type Engine struct {
	rt   runtime.API
	reg  *registry.Registry
	bus  *events.Bus
	cfg  *config.Config
	log  *logging.Logger
	clk  clock.Clock

	locking sync.Map // map[string]*sync.Mutex, per-container apply lock (single worker per container id)
	sem     chan struct{}

	historyMu sync.Mutex
	history   []Record

	triggerCh chan struct{}
}

// New returns an Engine wired to its collaborators. max_parallel_updates
// is read from cfg at construction to size the worker pool; changing it
// later requires a restart.
func New(rt runtime.API, reg *registry.Registry, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Engine {
	n := cfg.MaxParallelUpdates()
	if n <= 0 {
		n = 1
	}
	return &Engine{
		rt:        rt,
		reg:       reg,
		bus:       bus,
		cfg:       cfg,
		log:       log,
		clk:       clk,
		sem:       make(chan struct{}, n),
		triggerCh: make(chan struct{}, 1),
	}
}

// Run drives the periodic check cycle at cfg.UpdateInterval() until ctx
// is cancelled, and also responds to TriggerCheck for an immediate sweep.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-e.clk.After(e.cfg.UpdateInterval()):
			e.checkAll(ctx)
		case <-e.triggerCh:
			e.checkAll(ctx)
		case <-ctx.Done():
			e.log.Info("update engine stopped")
			return nil
		}
	}
}

// TriggerCheck nudges an immediate check sweep (non-blocking).
func (e *Engine) TriggerCheck() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// labelPolicy is the optional per-container override of sentinel.policy
// (a SUPPLEMENTED feature): it overrides cfg.AutoUpdate() for that one
// container in either direction (auto applies even when the global flag
// is off, manual never auto-applies, pinned is never checked).
type labelPolicy string

const (
	policyNone   labelPolicy = ""
	policyPinned labelPolicy = "pinned"
	policyAuto   labelPolicy = "auto"
	policyManual labelPolicy = "manual"
)

const policyLabelKey = "sentinel.policy"

func policyOf(rec registry.Record) labelPolicy {
	switch labelPolicy(rec.Labels[policyLabelKey]) {
	case policyPinned:
		return policyPinned
	case policyAuto:
		return policyAuto
	case policyManual:
		return policyManual
	default:
		return policyNone
	}
}

// autoUpdateFor resolves whether id should auto-apply once update_available,
// honoring a per-container sentinel.policy override over the global default.
func (e *Engine) autoUpdateFor(rec registry.Record) bool {
	switch policyOf(rec) {
	case policyAuto:
		return true
	case policyManual:
		return false
	default:
		return e.cfg.AutoUpdate()
	}
}

// checkAll sweeps every monitored container once: a container left in
// updated from a prior successful apply returns to idle so it is
// checkable again, and every idle, non-pinned container gets a check
// cycle.
func (e *Engine) checkAll(ctx context.Context) {
	for _, rec := range e.reg.Snapshot() {
		if err := ctx.Err(); err != nil {
			return
		}
		if rec.UpdateState == registry.UpdateUpdated {
			e.reg.SetUpdateState(rec.ID, registry.UpdateIdle, "", e.clk.Now())
			continue
		}
		if rec.UpdateState != registry.UpdateIdle {
			continue
		}
		if policyOf(rec) == policyPinned {
			continue
		}
		e.Check(ctx, rec.ID)
	}
}

// Check runs one check cycle for a single container: pull, compare
// digest, transition idle->checking->{idle, update_available}.
func (e *Engine) Check(ctx context.Context, id string) {
	rec, ok := e.reg.Get(id)
	if !ok {
		return
	}
	if _, ok := e.reg.SetUpdateState(id, registry.UpdateChecking, "", e.clk.Now()); !ok {
		return
	}

	newDigest, err := e.pullWithRetry(ctx, rec.ImageRef)
	if err != nil {
		e.log.Warn("check: pull failed", "container_id", id, "error", err)
		e.reg.SetUpdateState(id, registry.UpdateIdle, err.Error(), e.clk.Now())
		return
	}

	if newDigest == rec.ImageDigest || newDigest == "" {
		e.reg.SetUpdateState(id, registry.UpdateIdle, "", e.clk.Now())
		return
	}

	e.reg.SetUpdateState(id, registry.UpdateAvailable, "", e.clk.Now())
	metrics.PendingUpdates.Inc()
	e.bus.Emit(events.KindUpdateAvailable, id, map[string]any{
		"old_digest": rec.ImageDigest, "new_digest": newDigest,
	})

	if e.autoUpdateFor(rec) {
		e.Apply(ctx, id)
	}
}

// pullWithRetry retries pull on transient errors with exponential backoff
// (base 1s, cap 30s, up to 3 retries). Auth and not-found style failures
// are not retried.
func (e *Engine) pullWithRetry(ctx context.Context, imageRef string) (string, error) {
	var lastErr error
	backoff := pullRetryBase
	for attempt := 0; attempt <= pullRetries; attempt++ {
		digest, err := e.rt.Pull(ctx, imageRef)
		if err == nil {
			return digest, nil
		}
		lastErr = err
		if k := sentinelerr.KindOf(err); k == sentinelerr.KindAuthRequired || k == sentinelerr.KindNotFound {
			return "", err
		}
		if attempt == pullRetries {
			break
		}
		select {
		case <-e.clk.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
		if backoff > pullRetryCap {
			backoff = pullRetryCap
		}
	}
	return "", lastErr
}

// Apply transitions a container to updating and executes the apply
// procedure, enforcing at-most-one-in-flight per container id and
// bounded global concurrency via the worker semaphore.
func (e *Engine) Apply(ctx context.Context, id string) error {
	muVal, _ := e.locking.LoadOrStore(id, &sync.Mutex{})
	mu := muVal.(*sync.Mutex)
	if !mu.TryLock() {
		return sentinelerr.New(sentinelerr.KindConflict, "update already in progress for "+id)
	}
	defer func() {
		mu.Unlock()
		e.locking.Delete(id)
	}()

	rec, ok := e.reg.Get(id)
	if !ok {
		return sentinelerr.New(sentinelerr.KindNotFound, "container "+id+" not found")
	}
	if rec.UpdateState != registry.UpdateAvailable && rec.UpdateState != registry.UpdateIdle {
		return sentinelerr.New(sentinelerr.KindConflict, "container "+id+" is not in an updatable state")
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	return e.apply(ctx, id, rec)
}

func (e *Engine) apply(ctx context.Context, id string, rec registry.Record) error {
	start := e.clk.Now()
	if rec.UpdateState == registry.UpdateAvailable {
		metrics.PendingUpdates.Dec()
	}
	metrics.UpdatingNow.Inc()
	defer metrics.UpdatingNow.Dec()
	e.reg.SetUpdateState(id, registry.UpdateUpdating, "", start)
	e.bus.Emit(events.KindUpdateStarted, id, nil)

	applyCtx, cancel := context.WithTimeout(ctx, config.DefaultApplyTimeoutCeiling)
	defer cancel()

	outcome, newDigest, applyErr := e.runApplySteps(applyCtx, id, rec)
	finished := e.clk.Now()
	metrics.UpdateDuration.Observe(e.clk.Since(start).Seconds())
	record := Record{
		ContainerID:    id,
		OldImageDigest: rec.ImageDigest,
		NewImageDigest: newDigest,
		Outcome:        outcome,
		StartedAt:      start,
		FinishedAt:     finished,
	}
	if applyErr != nil {
		record.Error = applyErr.Error()
	}
	e.appendHistory(record)

	if outcome == OutcomeApplied {
		metrics.UpdatesTotal.WithLabelValues(string(OutcomeApplied)).Inc()
		e.reg.CompleteUpdate(id, newDigest, registry.UpdateUpdated, "", finished)
		e.bus.Emit(events.KindUpdateApplied, id, map[string]any{
			"old_digest": rec.ImageDigest, "new_digest": newDigest,
		})
		return nil
	}

	metrics.UpdatesTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	errMsg := ""
	if applyErr != nil {
		errMsg = applyErr.Error()
	}
	e.reg.SetUpdateState(id, registry.UpdateFailed, errMsg, finished)
	e.bus.Emit(events.KindUpdateFailed, id, map[string]any{"error": errMsg})
	return applyErr
}

// runApplySteps executes the pull/inspect/stop/create/start/remove steps
// of the apply procedure and reports the terminal outcome. Rollback
// attempts on failure are best-effort.
func (e *Engine) runApplySteps(ctx context.Context, id string, rec registry.Record) (Outcome, string, error) {
	if rec.EnvFingerprint == "" {
		return OutcomeFailed, "", sentinelerr.New(sentinelerr.KindConfigNotReplicable,
			"container "+id+" has no stable env_fingerprint")
	}

	newDigest, err := e.pullWithRetry(ctx, rec.ImageRef)
	if err != nil {
		return OutcomeFailed, "", sentinelerr.Wrap(sentinelerr.KindRegistryUnreachable, "pull "+rec.ImageRef, err)
	}

	detail, err := e.rt.Inspect(ctx, id)
	if err != nil {
		return OutcomeFailed, newDigest, sentinelerr.Wrap(sentinelerr.KindInternal, "inspect before recreate", err)
	}

	spec := runtime.CreateSpec{
		Name:          rec.Name,
		ImageRef:      rec.ImageRef,
		Env:           detail.Env,
		Mounts:        detail.Mounts,
		Ports:         detail.Ports,
		Labels:        detail.AllLabels,
		Hostname:      detail.Hostname,
		NetworkMode:   detail.NetworkMode,
		RestartPolicy: detail.RestartPolicy,
	}

	if err := e.rt.Stop(ctx, id, defaultStopGrace); err != nil {
		return OutcomeFailed, newDigest, sentinelerr.Wrap(sentinelerr.KindRuntimeUnavailable, "stop "+id, err)
	}

	newID, err := e.rt.Create(ctx, spec)
	if err != nil {
		e.rollback(ctx, id, rec.Name)
		return OutcomeFailed, newDigest, sentinelerr.Wrap(sentinelerr.KindInternal, "create replacement", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, defaultStartTimeout)
	defer startCancel()
	if err := e.rt.Start(startCtx, newID); err != nil {
		_ = e.rt.Remove(ctx, newID, true)
		e.rollback(ctx, id, rec.Name)
		return OutcomeFailed, newDigest, sentinelerr.Wrap(sentinelerr.KindTimeout, "start replacement", err)
	}

	if err := e.rt.Remove(ctx, id, true); err != nil {
		e.log.Warn("failed to remove old container after successful start", "container_id", id, "error", err)
	}
	if e.cfg.Cleanup() && rec.ImageDigest != "" {
		if err := e.rt.ImageRemove(ctx, rec.ImageDigest); err != nil {
			e.log.Warn("best-effort image cleanup failed", "digest", rec.ImageDigest, "error", err)
		} else {
			metrics.ImageCleanups.Inc()
		}
	}

	return OutcomeApplied, newDigest, nil
}

// rollback attempts, best-effort, to restart the original container
// after a failed apply step.
func (e *Engine) rollback(ctx context.Context, id, name string) {
	if err := e.rt.Start(ctx, id); err != nil {
		e.log.Error("rollback failed: could not restart original container", "container_id", id, "name", name, "error", err)
		return
	}
	e.log.Info("rollback succeeded", "container_id", id, "name", name)
}

func (e *Engine) appendHistory(r Record) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	e.history = append(e.history, r)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
}

// History returns the last n update records, newest first. n <= 0
// returns everything retained.
func (e *Engine) History(n int) []Record {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	total := len(e.history)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = e.history[total-1-i]
	}
	return out
}

// HistoryCount returns the number of retained update records.
func (e *Engine) HistoryCount() int {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	return len(e.history)
}

// IsUpdating reports whether id currently has an apply in flight.
func (e *Engine) IsUpdating(id string) bool {
	val, ok := e.locking.Load(id)
	if !ok {
		return false
	}
	mu := val.(*sync.Mutex)
	if mu.TryLock() {
		mu.Unlock()
		return false
	}
	return true
}
