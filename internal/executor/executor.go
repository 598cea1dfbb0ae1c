package executor

import (
	"context"
	"maps"
	"time"
)

// Collaborators records which auxiliary services were notified for an
// application, so they can be stopped even after a restart.
type Collaborators struct {
	MonitorURL    string
	ControllerURL string
	VisualizerURL string
	DashboardURL  string
}

// Record is the observable unit of work for one submission.
type Record struct {
	AppID  string
	Plugin string
	State  State

	// Handle holds opaque backend references (job names, cluster ids...).
	Handle map[string]string

	StartTime time.Time
	EndTime   time.Time

	// Terminated is set when an operator asks for termination.
	Terminated bool

	Collaborators Collaborators
	Reason        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Handle = maps.Clone(r.Handle)
	if out.Handle == nil {
		out.Handle = map[string]string{}
	}
	return out
}

// Started reports whether provisioning succeeded and a start time exists.
func (r Record) Started() bool {
	return !r.StartTime.IsZero()
}

// ExecutionTime is now-start while running, end-start once terminal and
// zero before the application started.
func (r Record) ExecutionTime(now time.Time) time.Duration {
	if r.StartTime.IsZero() {
		return 0
	}
	if r.State.Terminal() && !r.EndTime.IsZero() {
		return r.EndTime.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}

// Executor drives one application through its lifecycle on a backend.
// Start and Resume block until a terminal state is reached or ctx is
// cancelled; every other method may be called from any goroutine.
type Executor interface {
	AppID() string

	// Start provisions backend resources for payload and tracks them to completion.
	Start(ctx context.Context, payload map[string]any) error

	// Resume continues tracking a record rehydrated after a restart.
	Resume(ctx context.Context) error

	// Synchronize reconciles local state with the backend once.
	Synchronize(ctx context.Context) error

	// Terminate requests teardown. It is idempotent.
	Terminate(ctx context.Context) error

	// StopResources releases broker-owned auxiliary resources.
	StopResources(ctx context.Context) error

	// Persist writes the current snapshot to the store.
	Persist(ctx context.Context) error

	State() State
	StartTime() (time.Time, bool)
	ExecutionTime() time.Duration
	Record() Record

	// Errors returns the auxiliary error log, empty when it is unreachable.
	Errors(ctx context.Context) ([]string, error)
}

// CallbackResult is the completion report pushed by callback-driven backends.
type CallbackResult struct {
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
}

// CallbackReceiver is implemented by executors that learn about completion
// from a webhook instead of polling.
type CallbackReceiver interface {
	Callback(ctx context.Context, result CallbackResult) error
}
