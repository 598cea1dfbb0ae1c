// Package kubeapps deploys long-running applications on Kubernetes from a
// container image or a git repository and keeps them until terminated.
package kubeapps

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"appbroker/internal/backend/kube"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
)

const (
	handleNamespace  = "namespace"
	handleDeployment = "deployment"
	handleNodePort   = "node_port"
	handleURL        = "url"
)

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
		if err := e.deploy(ctx, sub); err != nil {
			return e.Abort(ctx, err, e.release)
		}
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

// StopResources scales the deployment to zero. The deployment and its
// service stay until the application is terminated.
func (e *Executor) StopResources(ctx context.Context) error {
	if e.Handle(handleDeployment) == "" || e.State().Settled() {
		return nil
	}
	return e.opts.Kube.ScaleApp(ctx, e.AppID(), 0)
}

// Errors is always empty: deployed applications report through their own
// endpoints.
func (e *Executor) Errors(context.Context) ([]string, error) {
	return []string{}, nil
}

func (e *Executor) deploy(ctx context.Context, sub Submission) error {
	appID := e.AppID()

	env := maps.Clone(sub.EnvVars)
	if env == nil {
		env = map[string]string{}
	}
	if sub.ConfigID != "" {
		env["SCONE_CONFIG_ID"] = sub.ConfigID
	}

	spec := kube.AppSpec{
		Name:     appID,
		Image:    sub.Img,
		Command:  sub.Cmd,
		Env:      env,
		Replicas: int32(sub.InitSize),
		Port:     int32(sub.Port),
	}
	if strings.EqualFold(sub.CodeFrom, fromGit) {
		if spec.Image == "" {
			spec.Image = e.opts.GitRuntimeImage
		}
		spec.InitContainer = &corev1.Container{
			Name:    "clone",
			Image:   e.opts.GitImage,
			Command: []string{"git", "clone", "--depth", "1", sub.GitAddress, "/app"},
		}
	}

	if e.Terminated() {
		return lifecycle.ErrTerminated
	}
	nodePort, err := e.opts.Kube.CreateApp(ctx, spec)
	if err != nil {
		return &executor.ProvisioningError{Resource: "deployment", Err: err}
	}

	handle := map[string]string{
		handleNamespace:  e.opts.Kube.Namespace(),
		handleDeployment: appID,
		handleNodePort:   strconv.Itoa(int(nodePort)),
	}
	if url := e.opts.Kube.NodeURL(nodePort); url != "" {
		handle[handleURL] = url
	}
	if err := e.SetHandle(ctx, handle); err != nil {
		return err
	}
	if err := e.MarkStarted(ctx); err != nil {
		return err
	}
	e.Logger().Info("application deployed",
		zap.String("code_from", sub.CodeFrom),
		zap.Int32("node_port", nodePort),
		zap.String("url", handle[handleURL]),
	)
	return nil
}

// track watches the deployment until it goes missing or the application is
// terminated. A cancelled ctx leaves it running for the next Resume.
func (e *Executor) tracking() lifecycle.Tracking {
	return lifecycle.Tracking{Poll: e.opts.Poll, Status: e.status, Release: e.release}
}

func (e *Executor) status(ctx context.Context) (lifecycle.Status, error) {
	_, err := e.opts.Kube.AppStatus(ctx, e.AppID())
	switch {
	case apierrors.IsNotFound(err):
		return lifecycle.Status{State: executor.StateNotFound, Reason: "deployment not found"}, nil
	case err != nil:
		return lifecycle.Status{}, fmt.Errorf("get deployment: %w", err)
	}
	return lifecycle.Status{State: executor.StateOngoing}, nil
}

func (e *Executor) release(ctx context.Context) error {
	return e.opts.Kube.DeleteApp(ctx, e.AppID())
}
