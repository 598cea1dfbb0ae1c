// Package lifecycle holds the machinery every backend executor shares: the
// persisted state tracker, the poll driver and collaborator sequencing.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"appbroker/internal/collaborator"
	"appbroker/internal/executor"
	"appbroker/internal/observability"
	"appbroker/internal/store"
)

// ErrTerminated is returned when work is attempted on an application an
// operator already asked to terminate.
var ErrTerminated = errors.New("application was terminated")

// errSkip lets an Update callback decline the mutation without error.
var errSkip = errors.New("skip")

// Env carries the dependencies shared by all executors of a broker.
type Env struct {
	Store         store.Store
	Logger        *zap.Logger
	Metrics       *observability.BrokerMetrics
	Collaborators *collaborator.Client
	// Services are the collaborator base URLs handed to new applications.
	Services executor.Collaborators
	Now      func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Tracker owns one application's record. Mutations are serialized and
// persisted before they become visible to observers.
type Tracker struct {
	env Env
	log *zap.Logger

	writeMu sync.Mutex

	mu  sync.RWMutex
	rec executor.Record

	wake chan struct{}

	releaseMu  sync.Mutex
	released   bool
	releaseErr error
}

// NewTracker creates the record for a fresh application in state created.
func NewTracker(env Env, plugin, appID string) *Tracker {
	now := env.now()
	return newTracker(env, executor.Record{
		AppID:     appID,
		Plugin:    plugin,
		State:     executor.StateCreated,
		Handle:    map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// RestoreTracker rebuilds a tracker from a persisted snapshot.
func RestoreTracker(env Env, snap *store.Snapshot) (*Tracker, error) {
	rec, err := FromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return newTracker(env, rec), nil
}

func newTracker(env Env, rec executor.Record) *Tracker {
	return &Tracker{
		env:  env,
		log:  env.logger().With(zap.String("app_id", rec.AppID), zap.String("plugin", rec.Plugin)),
		rec:  rec,
		wake: make(chan struct{}, 1),
	}
}

func (t *Tracker) Logger() *zap.Logger { return t.log }

func (t *Tracker) Env() Env { return t.env }

func (t *Tracker) AppID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.AppID
}

func (t *Tracker) State() executor.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.State
}

func (t *Tracker) Terminated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.Terminated
}

func (t *Tracker) StartTime() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.StartTime, t.rec.Started()
}

func (t *Tracker) ExecutionTime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.ExecutionTime(t.env.now())
}

func (t *Tracker) Record() executor.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.Clone()
}

// Handle returns one backend reference, empty when unset.
func (t *Tracker) Handle(key string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.Handle[key]
}

// Persist writes the current record.
func (t *Tracker) Persist(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	rec := t.Record()
	if err := t.env.Store.Put(ctx, rec.AppID, ToSnapshot(rec)); err != nil {
		return fmt.Errorf("persist %s: %w", rec.AppID, err)
	}
	return nil
}

// Update applies fn to a copy of the record, checks the resulting state
// change, persists it and only then publishes it. A failed write leaves the
// visible record untouched.
func (t *Tracker) Update(ctx context.Context, fn func(r *executor.Record) error) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	cur := t.Record()
	next := cur.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errSkip) {
			return nil
		}
		return err
	}

	from, to := cur.State, next.State
	if from != to {
		if !executor.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", executor.ErrInvalidTransition, from, to)
		}
		if next.Terminated && to.Active() {
			return fmt.Errorf("%w: %s -> %s after termination", executor.ErrInvalidTransition, from, to)
		}
		if from == executor.StateNotFound {
			next.EndTime = time.Time{}
		}
	}
	now := t.env.now()
	if to.Terminal() && next.EndTime.IsZero() {
		next.EndTime = now
	}
	next.UpdatedAt = now

	if err := t.env.Store.Put(ctx, next.AppID, ToSnapshot(next)); err != nil {
		return fmt.Errorf("persist %s: %w", next.AppID, err)
	}

	t.mu.Lock()
	t.rec = next
	t.mu.Unlock()

	if from != to {
		fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
		if next.Reason != "" && to.Terminal() {
			fields = append(fields, zap.String("reason", next.Reason))
		}
		t.log.Info("state changed", fields...)
		t.env.Metrics.RecordTransition(ctx, next.Plugin, string(to))
	}
	return nil
}

// Transition moves the record to state to. Moving to the current state is a no-op.
func (t *Tracker) Transition(ctx context.Context, to executor.State, reason string) error {
	return t.Update(ctx, func(r *executor.Record) error {
		if r.State == to {
			return errSkip
		}
		r.State = to
		if reason != "" {
			r.Reason = reason
		}
		return nil
	})
}

// Settle moves the record to a hard terminal state unless it already has one.
func (t *Tracker) Settle(ctx context.Context, to executor.State, reason string) error {
	return t.Update(ctx, func(r *executor.Record) error {
		if r.State.Settled() {
			return errSkip
		}
		r.State = to
		if reason != "" {
			r.Reason = reason
		}
		return nil
	})
}

// Begin moves a created application to running.
func (t *Tracker) Begin(ctx context.Context) error {
	if t.Terminated() {
		return ErrTerminated
	}
	return t.Transition(ctx, executor.StateRunning, "")
}

// MarkStarted records backend acceptance: running -> ongoing with the
// start time set once.
func (t *Tracker) MarkStarted(ctx context.Context) error {
	return t.Update(ctx, func(r *executor.Record) error {
		if r.Terminated {
			return ErrTerminated
		}
		r.State = executor.StateOngoing
		if r.StartTime.IsZero() {
			r.StartTime = t.env.now()
		}
		return nil
	})
}

// SetHandle merges backend references into the record and persists them.
func (t *Tracker) SetHandle(ctx context.Context, kv map[string]string) error {
	return t.Update(ctx, func(r *executor.Record) error {
		for k, v := range kv {
			r.Handle[k] = v
		}
		return nil
	})
}

// RequestTermination sets and persists the terminated flag and wakes a
// sleeping poll loop. It reports whether the record had already settled.
func (t *Tracker) RequestTermination(ctx context.Context) (settled bool, err error) {
	err = t.Update(ctx, func(r *executor.Record) error {
		settled = r.State.Settled()
		if r.Terminated {
			return errSkip
		}
		r.Terminated = true
		return nil
	})
	t.Wake()
	return settled, err
}

// Wake interrupts a pending Sleep.
func (t *Tracker) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Sleep waits for d, an early Wake or ctx cancellation. It returns false
// only when ctx is done.
func (t *Tracker) Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release runs the backend teardown until one attempt succeeds. Concurrent
// callers wait for the attempt in flight; a failed attempt is retried by the
// next caller.
func (t *Tracker) Release(ctx context.Context, release func(context.Context) error) error {
	t.releaseMu.Lock()
	defer t.releaseMu.Unlock()
	if t.released || release == nil {
		return nil
	}
	if err := release(ctx); err != nil {
		t.releaseErr = err
		t.log.Warn("failed to release resources", zap.Error(err))
		return err
	}
	t.released, t.releaseErr = true, nil
	t.log.Info("resources released")
	return nil
}

// releasePending reports whether the last release attempt failed.
func (t *Tracker) releasePending() bool {
	t.releaseMu.Lock()
	defer t.releaseMu.Unlock()
	return !t.released && t.releaseErr != nil
}

// Abort tears down partial resources after a provisioning failure and moves
// the record to error, or to terminated when an operator asked for it.
// It returns cause, or nil for operator termination.
func (t *Tracker) Abort(ctx context.Context, cause error, release func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	_ = t.Release(ctx, release)

	if t.Terminated() || errors.Is(cause, ErrTerminated) {
		if err := t.Settle(ctx, executor.StateTerminated, "terminated during provisioning"); err != nil {
			t.log.Error("failed to persist termination", zap.Error(err))
		}
		return nil
	}

	t.log.Error("provisioning failed", zap.Error(cause))
	if err := t.Settle(ctx, executor.StateError, cause.Error()); err != nil {
		t.log.Error("failed to persist error state", zap.Error(err))
	}
	return cause
}

// Run wraps one lifecycle run (start or resume) in a span and the live
// executors gauge.
func (t *Tracker) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	rec := t.Record()
	ctx, span := observability.StartLifecycleSpan(ctx, name, rec.AppID, rec.Plugin)
	defer span.End()

	t.env.Metrics.ExecutorStarted(ctx, rec.Plugin)
	defer t.env.Metrics.ExecutorFinished(ctx, rec.Plugin)

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	t.log.Info("lifecycle finished",
		zap.String("run", name),
		zap.String("state", string(t.State())),
		zap.Duration("execution_time", t.ExecutionTime()),
	)
	return err
}

// Terminate is the termination flow shared by backends. It persists the
// flag and, for an application past provisioning, runs release before
// settling to terminated. While provisioning, the provisioning goroutine
// observes the flag and releases what it created. A settled record only
// gets the flag, plus another release attempt if the last one failed.
func (t *Tracker) Terminate(ctx context.Context, release func(context.Context) error) error {
	settled, err := t.RequestTermination(ctx)
	if err != nil {
		return err
	}
	if settled {
		if t.releasePending() {
			return t.Release(ctx, release)
		}
		return nil
	}

	reason := "terminated by operator"
	switch t.State() {
	case executor.StateCreated, executor.StateRunning:
	default:
		if rerr := t.Release(ctx, release); rerr != nil {
			reason = fmt.Sprintf("terminated by operator; release failed: %v", rerr)
			err = rerr
		}
	}
	if serr := t.Settle(ctx, executor.StateTerminated, reason); serr != nil {
		return serr
	}
	return err
}

// Finish runs the post-poll teardown: an optional grace delay (skipped on
// termination), collaborator stop, then release.
func (t *Tracker) Finish(ctx context.Context, delay time.Duration, visualizerInfo map[string]any, release func(context.Context) error) {
	if delay > 0 && !t.Terminated() {
		t.Sleep(ctx, delay)
	}
	ctx = context.WithoutCancel(ctx)
	t.StopCollaborators(ctx, visualizerInfo)
	_ = t.Release(ctx, release)
}
