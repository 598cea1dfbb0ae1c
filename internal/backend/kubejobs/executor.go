// Package kubejobs runs work-queue batch jobs on Kubernetes. Each application
// gets its own Redis queue, filled from a workload file, and a batch/v1 Job
// whose workers drain it.
package kubejobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"appbroker/internal/backend/kube"
	"appbroker/internal/collaborator"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
)

// Handle keys.
const (
	handleNamespace  = "namespace"
	handleJob        = "job"
	handleRedis      = "redis"
	handleRedisAddr  = "redis_addr"
	handleVisualizer = "visualizer_plugin"
)

// Executor drives one kubejobs application.
type Executor struct {
	*lifecycle.Tracker
	opts Options

	mu     sync.Mutex
	queue  Queue
	closed bool
}

var _ executor.Executor = (*Executor)(nil)

func newExecutor(tr *lifecycle.Tracker, opts Options) *Executor {
	return &Executor{Tracker: tr, opts: opts}
}

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

		delay := e.opts.StopDelay
		if sub.WaitingTime != nil {
			delay = time.Duration(*sub.WaitingTime) * time.Second
		}
		return e.Track(ctx, e.tracking(delay))
	})
}

func (e *Executor) Resume(ctx context.Context) error {
	return e.ResumeTracking(ctx, e.tracking(e.opts.StopDelay))
}

func (e *Executor) Synchronize(ctx context.Context) error {
	_, err := e.Reconcile(ctx, e.status)
	return err
}

func (e *Executor) Terminate(ctx context.Context) error {
	return e.Tracker.Terminate(ctx, e.release)
}

// StopResources drops the pending work items so workers stop picking up new
// ones. The queue itself goes away with the application.
func (e *Executor) StopResources(ctx context.Context) error {
	q := e.workQueue()
	if q == nil {
		return nil
	}
	pending, err := q.Len(ctx)
	if err != nil {
		return fmt.Errorf("work queue length: %w", err)
	}
	if err := q.Clear(ctx); err != nil {
		return fmt.Errorf("clear work queue: %w", err)
	}
	e.Logger().Info("work queue cleared", zap.Int64("dropped", pending))
	return nil
}

// Errors returns the entries workers pushed to the error list. An unreachable
// queue yields an empty list.
func (e *Executor) Errors(ctx context.Context) ([]string, error) {
	q := e.workQueue()
	if q == nil {
		return []string{}, nil
	}
	entries, err := q.Errors(ctx)
	if err != nil {
		e.Logger().Debug("work queue unreachable", zap.Error(err))
		return []string{}, nil
	}
	return entries, nil
}

func (e *Executor) provision(ctx context.Context, sub Submission) (lifecycle.Notifications, error) {
	appID := e.AppID()

	items, err := e.fetchWorkload(ctx, sub.RedisWorkload)
	if err != nil {
		return lifecycle.Notifications{}, &executor.ProvisioningError{Resource: "workload", Err: err}
	}

	ep, err := e.opts.Kube.ProvisionRedis(ctx, appID)
	if err != nil {
		return lifecycle.Notifications{}, err
	}
	handle := map[string]string{
		handleNamespace: e.opts.Kube.Namespace(),
		handleRedis:     ep.Service,
		handleRedisAddr: ep.Addr(),
	}
	if sub.EnableVisualizer {
		handle[handleVisualizer] = sub.VisualizerPlugin
	}
	if err := e.SetHandle(ctx, handle); err != nil {
		return lifecycle.Notifications{}, err
	}

	monitorInfo := maps.Clone(sub.MonitorInfo)
	if monitorInfo == nil {
		monitorInfo = map[string]any{}
	}
	if sub.EnableVisualizer {
		e.StartVisualizer(ctx, map[string]any{
			"plugin":            Name,
			"visualizer_plugin": sub.VisualizerPlugin,
			"visualizer_info":   sub.VisualizerInfo,
			"enable_visualizer": true,
			"username":          sub.Username,
			"password":          sub.Password,
		})
		if ds, ok := sub.VisualizerInfo["datasource_type"]; ok {
			monitorInfo["datasource_type"] = ds
		}
	}

	q := e.workQueue()
	if q == nil {
		return lifecycle.Notifications{}, errors.New("work queue unavailable")
	}
	if err := q.Push(ctx, items...); err != nil {
		return lifecycle.Notifications{}, &executor.ProvisioningError{Resource: "queue", Err: err}
	}
	e.Logger().Info("work queue filled", zap.Int("items", len(items)))

	if e.Terminated() {
		return lifecycle.Notifications{}, lifecycle.ErrTerminated
	}

	env := maps.Clone(sub.EnvVars)
	if env == nil {
		env = map[string]string{}
	}
	env["REDIS_HOST"] = ep.Service
	if sub.ConfigID != "" {
		env["SCONE_CONFIG_ID"] = sub.ConfigID
	}
	if _, err := e.opts.Kube.CreateJob(ctx, kube.JobSpec{
		Name:        appID,
		Image:       sub.Img,
		Command:     sub.Cmd,
		Env:         env,
		Parallelism: int32(sub.InitSize),
	}); err != nil {
		return lifecycle.Notifications{}, &executor.ProvisioningError{Resource: "job", Err: err}
	}
	if err := e.SetHandle(ctx, map[string]string{handleJob: appID}); err != nil {
		return lifecycle.Notifications{}, err
	}
	if err := e.MarkStarted(ctx); err != nil {
		return lifecycle.Notifications{}, err
	}

	monitorInfo["number_of_jobs"] = len(items)
	monitorInfo["submission_time"] = e.Record().CreatedAt.Format(time.RFC3339)
	monitorInfo["redis_ip"] = ep.Host
	monitorInfo["redis_port"] = ep.Port
	monitorInfo["enable_visualizer"] = sub.EnableVisualizer

	controlInfo := maps.Clone(sub.ControlParameters)
	if controlInfo == nil {
		controlInfo = map[string]any{}
	}
	controlInfo["redis_ip"] = ep.Host
	controlInfo["redis_port"] = ep.Port

	return lifecycle.Notifications{
		Monitor: &collaborator.MonitorRequest{
			Plugin:        sub.MonitorPlugin,
			PluginInfo:    monitorInfo,
			CollectPeriod: 2,
		},
		Controller: &collaborator.ControllerRequest{
			Username:   sub.Username,
			Password:   sub.Password,
			Plugin:     sub.ControlPlugin,
			PluginInfo: controlInfo,
		},
	}, nil
}

// track polls the job and tears everything down once it stops. A cancelled
// ctx leaves resources in place for the next Resume.
func (e *Executor) tracking(delay time.Duration) lifecycle.Tracking {
	return lifecycle.Tracking{
		Poll:           e.opts.Poll,
		Status:         e.status,
		Release:        e.release,
		Delay:          delay,
		VisualizerInfo: e.visualizerInfo(),
	}
}

func (e *Executor) status(ctx context.Context) (lifecycle.Status, error) {
	st, err := e.opts.Kube.JobStatus(ctx, e.AppID())
	if apierrors.IsNotFound(err) {
		return lifecycle.Status{State: executor.StateNotFound, Reason: "job not found"}, nil
	}
	if err != nil {
		return lifecycle.Status{}, err
	}
	return jobStatus(st), nil
}

// jobStatus maps a batch/v1 Job status. Final conditions win over the active
// count.
func jobStatus(st batchv1.JobStatus) lifecycle.Status {
	var stalled *batchv1.JobCondition
	for i, c := range st.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete, batchv1.JobSuccessCriteriaMet:
			return lifecycle.Status{State: executor.StateCompleted}
		case batchv1.JobFailed:
			return failedStatus(c)
		default:
			if stalled == nil {
				stalled = &st.Conditions[i]
			}
		}
	}
	// Suspended, FailureTarget and the like with nothing left running.
	if stalled != nil && st.Active == 0 {
		return failedStatus(*stalled)
	}
	return lifecycle.Status{State: executor.StateOngoing}
}

func failedStatus(c batchv1.JobCondition) lifecycle.Status {
	reason := c.Reason
	if reason == "" {
		reason = string(c.Type)
	}
	if c.Message != "" {
		reason += ": " + c.Message
	}
	return lifecycle.Status{State: executor.StateFailed, Reason: reason}
}

// release deletes the job and the queue. Resource names derive from the app
// id so it also works for applications interrupted mid-provisioning.
func (e *Executor) release(ctx context.Context) error {
	appID := e.AppID()
	errJob := e.opts.Kube.DeleteJob(ctx, appID)
	errRedis := e.opts.Kube.DeleteRedis(ctx, appID)

	e.mu.Lock()
	q := e.queue
	e.queue, e.closed = nil, true
	e.mu.Unlock()
	if q != nil {
		_ = q.Close()
	}
	return errors.Join(errJob, errRedis)
}

func (e *Executor) workQueue() Queue {
	addr := e.Handle(handleRedisAddr)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || addr == "" {
		return nil
	}
	if e.queue == nil {
		e.queue = e.opts.Dial(addr)
	}
	return e.queue
}

func (e *Executor) visualizerInfo() map[string]any {
	vp := e.Handle(handleVisualizer)
	if vp == "" {
		return nil
	}
	return map[string]any{"plugin": Name, "visualizer_plugin": vp}
}

func (e *Executor) fetchWorkload(ctx context.Context, url string) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build workload request: %w", err)
	}
	resp, err := e.opts.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch workload %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch workload %s: status %d", url, resp.StatusCode)
	}

	var items []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			items = append(items, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read workload %s: %w", url, err)
	}
	return items, nil
}
