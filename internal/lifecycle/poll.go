package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"appbroker/internal/executor"
)

// PollConfig bounds one poll loop.
type PollConfig struct {
	// Interval between status queries.
	Interval time.Duration
	// Timeout, measured from the start time, after which the application is
	// failed. Zero disables it.
	Timeout time.Duration
	// NotFoundLimit is how many consecutive confirmed misses end the loop.
	// Rounds where the backend could not be asked never count.
	NotFoundLimit int
}

// maxBackoff caps the wait between queries to an unreachable backend.
const maxBackoff = 30 * time.Second

// Status is a backend's answer mapped onto lifecycle states.
type Status struct {
	State  executor.State
	Reason string
}

// StatusFunc queries the backend once. An error means the backend could not
// be asked, not that the application failed.
type StatusFunc func(ctx context.Context) (Status, error)

// Reconcile queries the backend once and applies the answer. Settled states
// are never revised, and a failed query can only move ongoing to not_found.
// Applications still being provisioned are left to their owner.
func (t *Tracker) Reconcile(ctx context.Context, status StatusFunc) (executor.State, error) {
	state, _, err := t.reconcile(ctx, status)
	return state, err
}

// reconcile is Reconcile that also reports whether the backend answered.
func (t *Tracker) reconcile(ctx context.Context, status StatusFunc) (executor.State, bool, error) {
	switch cur := t.State(); {
	case cur.Settled(), cur == executor.StateCreated, cur == executor.StateRunning:
		return cur, true, nil
	}

	answered := true
	st, err := status(ctx)
	if err != nil {
		t.log.Warn("status query failed", zap.Error(err))
		answered = false
		st = Status{State: executor.StateNotFound, Reason: fmt.Sprintf("%v: %v", executor.ErrBackendUnreachable, err)}
	}
	if !st.State.Valid() {
		return t.State(), answered, fmt.Errorf("backend reported unknown state %q", st.State)
	}

	err = t.Update(ctx, func(r *executor.Record) error {
		if r.State.Settled() || r.State == st.State {
			return errSkip
		}
		if r.Terminated && st.State.Active() {
			return errSkip
		}
		r.State = st.State
		if st.Reason != "" || st.State.Active() {
			r.Reason = st.Reason
		}
		return nil
	})
	return t.State(), answered, err
}

// Poll reconciles until the application settles, is confirmed missing for
// NotFoundLimit rounds in a row, is terminated, times out or ctx is
// cancelled. It returns the state it stopped at. While the backend cannot be
// reached the record shows not_found and the wait backs off, but the loop
// keeps going.
func (t *Tracker) Poll(ctx context.Context, cfg PollConfig, status StatusFunc) (executor.State, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	limit := max(cfg.NotFoundLimit, 1)

	misses, failures := 0, 0
	for {
		if t.Terminated() {
			return t.State(), nil
		}
		if err := ctx.Err(); err != nil {
			return t.State(), err
		}
		if cfg.Timeout > 0 {
			if start, ok := t.StartTime(); ok {
				if elapsed := t.env.now().Sub(start); elapsed > cfg.Timeout {
					t.log.Warn("inactivity timeout reached",
						zap.Duration("timeout", cfg.Timeout),
						zap.Duration("elapsed", elapsed),
					)
					reason := fmt.Sprintf("timed out after %s without completing", cfg.Timeout)
					err := t.Settle(ctx, executor.StateFailed, reason)
					return t.State(), err
				}
			}
		}

		state, answered, err := t.reconcile(ctx, status)
		if err != nil {
			// The write is retried on the next round.
			t.log.Warn("reconcile failed", zap.Error(err))
		}
		wait := interval
		switch {
		case state.Settled():
			return state, nil
		case !answered:
			failures++
			wait = backoff(interval, failures)
		case state == executor.StateNotFound:
			misses++
			if misses >= limit {
				t.log.Warn("application missing on backend, giving up", zap.Int("attempts", misses))
				return state, nil
			}
		default:
			misses = 0
		}
		if answered {
			failures = 0
		}

		if !t.Sleep(ctx, wait) {
			return t.State(), ctx.Err()
		}
	}
}

// backoff doubles interval per consecutive failed query, up to maxBackoff
// or interval itself when that is longer.
func backoff(interval time.Duration, failures int) time.Duration {
	return min(interval<<min(failures, 6), max(interval, maxBackoff))
}
