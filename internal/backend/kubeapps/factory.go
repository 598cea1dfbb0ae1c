package kubeapps

import (
	"github.com/google/uuid"

	"appbroker/internal/backend/kube"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/plugin"
	"appbroker/internal/store"
)

const Name = "kubeapps"

type Options struct {
	Env  lifecycle.Env
	Kube *kube.Client
	Poll lifecycle.PollConfig
	// GitImage clones sources for code_from=git.
	GitImage string
	// GitRuntimeImage runs cloned sources when the submission names no img.
	GitRuntimeImage string
}

type Factory struct {
	opts Options
}

var _ plugin.Factory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	if opts.GitImage == "" {
		opts.GitImage = "alpine/git:latest"
	}
	if opts.GitRuntimeImage == "" {
		opts.GitRuntimeImage = "python:3.12-slim"
	}
	return &Factory{opts: opts}
}

func (f *Factory) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Name,
		Title:       "Kubernetes App Deploy Plugin",
		Description: "Deploys long-running applications on Kubernetes from an image or a git repository.",
	}
}

func (f *Factory) Validate(payload map[string]any) error {
	return Schema.Validate(payload)
}

func (f *Factory) NewAppID() string {
	return "ka-" + uuid.NewString()
}

func (f *Factory) New(appID string) (executor.Executor, error) {
	return &Executor{Tracker: lifecycle.NewTracker(f.opts.Env, Name, appID), opts: f.opts}, nil
}

func (f *Factory) Restore(snap *store.Snapshot) (executor.Executor, error) {
	tr, err := lifecycle.RestoreTracker(f.opts.Env, snap)
	if err != nil {
		return nil, err
	}
	return &Executor{Tracker: tr, opts: f.opts}, nil
}
