package docker

import (
	"github.com/google/uuid"

	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/plugin"
	"appbroker/internal/store"
)

const Name = "docker"

type Options struct {
	Env    lifecycle.Env
	Engine Engine
	Poll   lifecycle.PollConfig
}

type Factory struct {
	opts Options
}

var _ plugin.Factory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Name,
		Title:       "Docker Plugin",
		Description: "Runs a single container on the local Docker daemon.",
	}
}

func (f *Factory) Validate(payload map[string]any) error {
	return Schema.Validate(payload)
}

func (f *Factory) NewAppID() string {
	return "docker-" + uuid.NewString()
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
