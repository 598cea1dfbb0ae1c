package kubejobs

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"appbroker/internal/backend/kube"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/plugin"
	"appbroker/internal/store"
)

// Name is the plugin name kubejobs registers under.
const Name = "kubejobs"

// Options configures the kubejobs backend.
type Options struct {
	Env  lifecycle.Env
	Kube *kube.Client
	// Dial opens the work queue of an application. Defaults to DialRedis.
	Dial Dialer
	// HTTP fetches workload files.
	HTTP *retryablehttp.Client
	Poll lifecycle.PollConfig
	// StopDelay is the grace period between completion and collaborator
	// stop when a submission sets no waiting_time.
	StopDelay time.Duration
}

type Factory struct {
	opts Options
}

var _ plugin.Factory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	if opts.Dial == nil {
		opts.Dial = DialRedis
	}
	if opts.HTTP == nil {
		opts.HTTP = retryablehttp.NewClient()
		opts.HTTP.Logger = nil
	}
	return &Factory{opts: opts}
}

func (f *Factory) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Name,
		Title:       "Kubernetes Batch Jobs Plugin",
		Description: "Runs parallel batch jobs on Kubernetes that drain a per-application Redis work queue.",
	}
}

func (f *Factory) Validate(payload map[string]any) error {
	return Schema.Validate(payload)
}

func (f *Factory) NewAppID() string {
	return "kj-" + uuid.NewString()
}

func (f *Factory) New(appID string) (executor.Executor, error) {
	return newExecutor(lifecycle.NewTracker(f.opts.Env, Name, appID), f.opts), nil
}

func (f *Factory) Restore(snap *store.Snapshot) (executor.Executor, error) {
	tr, err := lifecycle.RestoreTracker(f.opts.Env, snap)
	if err != nil {
		return nil, err
	}
	return newExecutor(tr, f.opts), nil
}
