package sahara

import (
	"time"

	"github.com/google/uuid"

	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/plugin"
	"appbroker/internal/store"
)

const Name = "sahara"

type Options struct {
	Env    lifecycle.Env
	Sahara *Client
	// Username and Password are attached to job binaries so Sahara can
	// fetch them from object storage.
	Username     string
	Password     string
	PublicKey    string
	OptimizerURL string
	// VCPUsPerWorker converts optimizer cores into worker count.
	VCPUsPerWorker int
	ClusterTimeout time.Duration
	ClusterPoll    time.Duration
	// Poll.Timeout fails a job that has not finished in time.
	Poll lifecycle.PollConfig
}

type Factory struct {
	opts Options
}

var _ plugin.Factory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	if opts.VCPUsPerWorker <= 0 {
		opts.VCPUsPerWorker = 2
	}
	if opts.ClusterTimeout <= 0 {
		opts.ClusterTimeout = 20 * time.Minute
	}
	if opts.ClusterPoll <= 0 {
		opts.ClusterPoll = 5 * time.Second
	}
	if opts.Poll.Timeout <= 0 {
		opts.Poll.Timeout = time.Hour
	}
	return &Factory{opts: opts}
}

func (f *Factory) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Name,
		Title:       "OpenStack Sahara",
		Description: "Runs Spark jobs on ephemeral Sahara clusters sized by the optimizer.",
	}
}

func (f *Factory) Validate(payload map[string]any) error {
	return Schema.Validate(payload)
}

func (f *Factory) NewAppID() string {
	return "sahara-" + uuid.NewString()
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
