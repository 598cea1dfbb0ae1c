// Package docker runs an application as a single container on the local
// Docker daemon. It is meant for development setups without a cluster.
package docker

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"appbroker/internal/collaborator"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
)

const handleContainer = "container_id"

// errorLogTail bounds how many stderr lines Errors returns.
const errorLogTail = 100

type Executor struct {
	*lifecycle.Tracker
	opts Options
}

var _ executor.Executor = (*Executor)(nil)

func (e *Executor) Start(ctx context.Context, payload map[string]any) error {
	return e.Run(ctx, "executor.start", func(ctx context.Context) error {
		var sub Submission
		if err := executor.Decode(payload, &sub); err != nil {
			return e.Abort(ctx, err, nil)
		}
		if err := e.Begin(ctx); err != nil {
			return e.Abort(ctx, err, nil)
		}
		n, err := e.provision(ctx, sub)
		if err != nil {
			return e.Abort(ctx, err, e.release)
		}
		e.StartCollaborators(ctx, n)
		return e.Track(ctx, e.tracking())
	})
}

func (e *Executor) Resume(ctx context.Context) error {
	return e.ResumeTracking(ctx, e.tracking())
}

func (e *Executor) Synchronize(ctx context.Context) error {
	_, err := e.Reconcile(ctx, e.status)
	return err
}

func (e *Executor) Terminate(ctx context.Context) error {
	return e.Tracker.Terminate(ctx, e.release)
}

func (e *Executor) StopResources(context.Context) error { return nil }

// Errors returns the tail of the container's stderr.
func (e *Executor) Errors(ctx context.Context) ([]string, error) {
	lines, err := e.opts.Engine.Logs(ctx, e.containerRef(), errorLogTail)
	if err != nil {
		e.Logger().Debug("container logs unavailable", zap.Error(err))
		return []string{}, nil
	}
	return lines, nil
}

func (e *Executor) provision(ctx context.Context, sub Submission) (lifecycle.Notifications, error) {
	none := lifecycle.Notifications{}
	if err := e.opts.Engine.EnsureImage(ctx, sub.Img); err != nil {
		return none, &executor.ProvisioningError{Resource: "image", Err: err}
	}
	if e.Terminated() {
		return none, lifecycle.ErrTerminated
	}

	id, err := e.opts.Engine.Run(ctx, ContainerSpec{
		Name:    e.AppID(),
		Image:   sub.Img,
		Command: sub.Cmd,
		Env:     sub.EnvVars,
	})
	if err != nil {
		return none, &executor.ProvisioningError{Resource: "container", Err: err}
	}
	if err := e.SetHandle(ctx, map[string]string{handleContainer: id}); err != nil {
		return none, err
	}
	if err := e.MarkStarted(ctx); err != nil {
		return none, err
	}
	e.Logger().Info("container started", zap.String("container_id", id), zap.String("image", sub.Img))

	info := maps.Clone(sub.MonitorInfo)
	if info == nil {
		info = map[string]any{}
	}
	info["container_id"] = id
	return lifecycle.Notifications{
		Monitor: &collaborator.MonitorRequest{Plugin: sub.MonitorPlugin, PluginInfo: info, CollectPeriod: 2},
	}, nil
}

func (e *Executor) tracking() lifecycle.Tracking {
	return lifecycle.Tracking{Poll: e.opts.Poll, Status: e.status, Release: e.release}
}

func (e *Executor) status(ctx context.Context) (lifecycle.Status, error) {
	st, err := e.opts.Engine.Inspect(ctx, e.containerRef())
	if errors.Is(err, ErrContainerNotFound) {
		return lifecycle.Status{State: executor.StateNotFound, Reason: "container not found"}, nil
	}
	if err != nil {
		return lifecycle.Status{}, err
	}
	return containerStatus(st), nil
}

func containerStatus(st ContainerState) lifecycle.Status {
	switch {
	case st.Running, st.Status == "created", st.Status == "restarting", st.Status == "paused":
		return lifecycle.Status{State: executor.StateOngoing}
	case st.OOMKilled:
		return lifecycle.Status{State: executor.StateFailed, Reason: "container killed: out of memory"}
	case st.ExitCode == 0 && st.Error == "":
		return lifecycle.Status{State: executor.StateCompleted}
	case st.Error != "":
		return lifecycle.Status{State: executor.StateFailed, Reason: st.Error}
	}
	return lifecycle.Status{State: executor.StateFailed, Reason: fmt.Sprintf("container exited with code %d", st.ExitCode)}
}

// containerRef prefers the recorded id; containers are also named after
// the app id, which covers records interrupted before the id was saved.
func (e *Executor) containerRef() string {
	if id := e.Handle(handleContainer); id != "" {
		return id
	}
	return e.AppID()
}

func (e *Executor) release(ctx context.Context) error {
	return e.opts.Engine.Remove(ctx, e.containerRef())
}
