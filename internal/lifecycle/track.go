package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"appbroker/internal/executor"
)

// Tracking describes how to follow one provisioned application.
type Tracking struct {
	Poll    PollConfig
	Status  StatusFunc
	Release func(context.Context) error
	// Delay is the grace period before collaborators are stopped.
	Delay          time.Duration
	VisualizerInfo map[string]any
}

// Track polls until the application stops, then stops collaborators and
// releases its resources. A poll loop left because ctx ended does neither:
// the application is picked up again by ResumeTracking.
func (t *Tracker) Track(ctx context.Context, tr Tracking) error {
	state, err := t.Poll(ctx, tr.Poll, tr.Status)
	if err != nil && ctx.Err() != nil {
		t.log.Info("tracking interrupted", zap.String("state", string(state)))
		return err
	}

	t.Finish(ctx, tr.Delay, tr.VisualizerInfo, tr.Release)
	if t.Terminated() {
		if serr := t.Settle(context.WithoutCancel(ctx), executor.StateTerminated, "terminated by operator"); serr != nil {
			return serr
		}
	}
	return err
}

// ResumeTracking continues an application restored from the store. Settled
// records are left alone and records caught mid-provisioning are aborted,
// since the broker cannot tell what the backend already created.
func (t *Tracker) ResumeTracking(ctx context.Context, tr Tracking) error {
	return t.Run(ctx, "executor.resume", func(ctx context.Context) error {
		switch st := t.State(); {
		case st.Settled():
			return nil
		case st == executor.StateCreated, st == executor.StateRunning:
			return t.Abort(ctx, errors.New("interrupted during provisioning"), tr.Release)
		}
		return t.Track(ctx, tr)
	})
}
