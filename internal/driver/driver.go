// Package driver runs application lifecycles. Each accepted submission gets
// its own goroutine; the driver only keeps track of them so operators can
// reach the live executor and so shutdown can wait for them.
package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/observability"
	"appbroker/internal/plugin"
	"appbroker/internal/store"
)

var (
	// ErrShuttingDown is returned by Submit once Shutdown has been called.
	ErrShuttingDown = errors.New("driver is shutting down")

	// ErrNotSettled is returned when deleting an application that has not
	// reached a hard terminal state.
	ErrNotSettled = errors.New("application has not finished")
)

type Options struct {
	Logger  *zap.Logger
	Metrics *observability.BrokerMetrics
}

type Driver struct {
	registry *plugin.Registry
	store    store.Store
	log      *zap.Logger
	metrics  *observability.BrokerMetrics

	// ctx is the parent of every lifecycle; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	live   map[string]executor.Executor
	closed bool
}

func New(registry *plugin.Registry, st store.Store, opts Options) *Driver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		registry: registry,
		store:    st,
		log:      log,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[string]executor.Executor),
	}
}

// Submit validates payload against the plugin schema, persists the initial
// record and starts the lifecycle in the background. It returns before any
// backend call is made.
func (d *Driver) Submit(ctx context.Context, pluginName string, payload map[string]any) (string, executor.Executor, error) {
	if d.isClosed() {
		return "", nil, ErrShuttingDown
	}

	f, err := d.registry.Resolve(pluginName)
	if err != nil {
		return "", nil, err
	}
	if err := f.Validate(payload); err != nil {
		return "", nil, err
	}

	appID := f.NewAppID()
	ex, err := f.New(appID)
	if err != nil {
		return "", nil, fmt.Errorf("create executor %s: %w", appID, err)
	}
	if d.isClosed() {
		return "", nil, ErrShuttingDown
	}
	if err := ex.Persist(ctx); err != nil {
		return "", nil, err
	}

	if err := d.launch(ex, "start", func(ctx context.Context) error { return ex.Start(ctx, payload) }); err != nil {
		// Shutdown won the race; nothing would ever drive the record.
		if derr := d.store.Delete(context.WithoutCancel(ctx), appID); derr != nil {
			d.log.Warn("failed to discard unlaunched record", zap.String("app_id", appID), zap.Error(derr))
		}
		return "", nil, err
	}
	d.metrics.RecordSubmission(ctx, pluginName)
	d.log.Info("submission accepted", zap.String("app_id", appID), zap.String("plugin", pluginName))
	return appID, ex, nil
}

// Recover restores every unfinished record and resumes it. Records whose
// plugin is no longer enabled are skipped. It returns how many lifecycles
// were resumed.
func (d *Driver) Recover(ctx context.Context) (int, error) {
	snaps, err := d.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	resumed := 0
	for _, snap := range snaps {
		state, err := executor.ParseState(snap.State)
		if err != nil {
			d.log.Warn("skipping snapshot with unknown state", zap.String("app_id", snap.AppID), zap.Error(err))
			continue
		}
		if state.Settled() {
			continue
		}
		ex, err := d.restore(snap)
		if err != nil {
			d.log.Warn("cannot restore application", zap.String("app_id", snap.AppID), zap.Error(err))
			continue
		}
		if err := d.launch(ex, "resume", ex.Resume); err != nil {
			return resumed, err
		}
		resumed++
	}
	d.log.Info("recovery finished", zap.Int("resumed", resumed), zap.Int("records", len(snaps)))
	return resumed, nil
}

func (d *Driver) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Driver) launch(ex executor.Executor, run string, fn func(ctx context.Context) error) error {
	appID := ex.AppID()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	d.live[appID] = ex
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.live, appID)
			d.mu.Unlock()
		}()

		if err := fn(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("lifecycle ended with error",
				zap.String("app_id", appID),
				zap.String("run", run),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (d *Driver) restore(snap *store.Snapshot) (executor.Executor, error) {
	f, err := d.registry.Resolve(snap.Plugin)
	if err != nil {
		return nil, err
	}
	return f.Restore(snap)
}

// lookup returns the live executor for appID or one restored from the store.
// A restored executor is not tracked; its operations act on persisted state.
func (d *Driver) lookup(ctx context.Context, appID string) (executor.Executor, error) {
	d.mu.RLock()
	ex, ok := d.live[appID]
	d.mu.RUnlock()
	if ok {
		return ex, nil
	}

	snap, err := d.store.Get(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", appID, err)
	}
	return d.restore(snap)
}

// Get returns the current record of an application.
func (d *Driver) Get(ctx context.Context, appID string) (executor.Record, error) {
	d.mu.RLock()
	ex, ok := d.live[appID]
	d.mu.RUnlock()
	if ok {
		return ex.Record(), nil
	}

	snap, err := d.store.Get(ctx, appID)
	if err != nil {
		return executor.Record{}, fmt.Errorf("lookup %s: %w", appID, err)
	}
	return lifecycle.FromSnapshot(snap)
}

func (d *Driver) Status(ctx context.Context, appID string) (executor.State, error) {
	rec, err := d.Get(ctx, appID)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// List returns every persisted record, newest first.
func (d *Driver) List(ctx context.Context) ([]executor.Record, error) {
	snaps, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]executor.Record, 0, len(snaps))
	for _, snap := range snaps {
		rec, err := lifecycle.FromSnapshot(snap)
		if err != nil {
			d.log.Warn("skipping unreadable snapshot", zap.String("app_id", snap.AppID), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	slices.SortStableFunc(out, func(a, b executor.Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// stateCounter is implemented by stores that count in place instead of
// loading every snapshot.
type stateCounter interface {
	CountByState(ctx context.Context) (map[string]int64, error)
}

// CountByState feeds the broker.applications gauge.
func (d *Driver) CountByState(ctx context.Context) (map[string]int64, error) {
	if c, ok := d.store.(stateCounter); ok {
		return c.CountByState(ctx)
	}
	snaps, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for _, snap := range snaps {
		counts[snap.State]++
	}
	return counts, nil
}

func (d *Driver) Terminate(ctx context.Context, appID string) error {
	ex, err := d.lookup(ctx, appID)
	if err != nil {
		return err
	}
	d.log.Info("termination requested", zap.String("app_id", appID))
	return ex.Terminate(ctx)
}

func (d *Driver) StopResources(ctx context.Context, appID string) error {
	ex, err := d.lookup(ctx, appID)
	if err != nil {
		return err
	}
	return ex.StopResources(ctx)
}

func (d *Driver) Errors(ctx context.Context, appID string) ([]string, error) {
	ex, err := d.lookup(ctx, appID)
	if err != nil {
		return nil, err
	}
	return ex.Errors(ctx)
}

// Synchronize reconciles one application with its backend.
func (d *Driver) Synchronize(ctx context.Context, appID string) (executor.State, error) {
	ex, err := d.lookup(ctx, appID)
	if err != nil {
		return "", err
	}
	if err := ex.Synchronize(ctx); err != nil {
		return ex.State(), err
	}
	return ex.State(), nil
}

// Callback delivers a completion report to a push-based executor.
func (d *Driver) Callback(ctx context.Context, appID string, result executor.CallbackResult) error {
	ex, err := d.lookup(ctx, appID)
	if err != nil {
		return err
	}
	rcv, ok := ex.(executor.CallbackReceiver)
	if !ok {
		return fmt.Errorf("%w: %s", executor.ErrCallbackUnsupported, appID)
	}
	return rcv.Callback(ctx, result)
}

// Delete removes the record of a finished application.
func (d *Driver) Delete(ctx context.Context, appID string) error {
	rec, err := d.Get(ctx, appID)
	if err != nil {
		return err
	}
	if !rec.State.Settled() {
		return fmt.Errorf("%w: %s is %s", ErrNotSettled, appID, rec.State)
	}
	if err := d.store.Delete(ctx, appID); err != nil {
		return fmt.Errorf("delete %s: %w", appID, err)
	}
	// A settled lifecycle may still be releasing resources; it no longer
	// needs to be reachable.
	d.mu.Lock()
	delete(d.live, appID)
	d.mu.Unlock()
	d.log.Info("record deleted", zap.String("app_id", appID))
	return nil
}

func (d *Driver) Plugins() []plugin.Descriptor {
	return d.registry.Describe()
}

// Live returns how many lifecycles are running in this process.
func (d *Driver) Live() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.live)
}

// Shutdown stops accepting submissions, cancels every lifecycle and waits
// for them to return or for ctx to expire. Backend resources are left in
// place so the next Recover resumes them.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("all lifecycles stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for lifecycles: %w", ctx.Err())
	}
}
