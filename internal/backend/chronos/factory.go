package chronos

import (
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"appbroker/internal/auth"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/plugin"
	"appbroker/internal/store"
)

const Name = "chronos"

type Options struct {
	Env     lifecycle.Env
	Chronos *Client
	HTTP    *retryablehttp.Client
	Signer  *auth.CallbackSigner
	// CallbackURL is the broker base URL reachable from Mesos agents.
	CallbackURL string
	// SupervisorURL, when set, receives an initTask for jobs with QoS.
	SupervisorURL string
	// Poll drives the search API fallback. Callbacks wake it early.
	Poll lifecycle.PollConfig
}

type Factory struct {
	opts Options
}

var _ plugin.Factory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	if opts.HTTP == nil {
		opts.HTTP = retryablehttp.NewClient()
		opts.HTTP.Logger = nil
	}
	return &Factory{opts: opts}
}

func (f *Factory) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Name,
		Title:       "Chronos Plugin",
		Description: "Runs one-shot jobs on Apache Mesos through Chronos.",
	}
}

func (f *Factory) Validate(payload map[string]any) error {
	return Schema.Validate(payload)
}

func (f *Factory) NewAppID() string {
	return "chronos-" + uuid.NewString()
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
