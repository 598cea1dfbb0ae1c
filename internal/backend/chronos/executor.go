// Package chronos runs one-shot jobs on Mesos through Chronos. Completion is
// pushed back by the job itself through a signed callback, and the Chronos
// job search API serves as the fallback signal.
package chronos

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"appbroker/internal/collaborator"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
)

const (
	handleJob  = "job"
	handleName = "name"

	// defaultSchedule runs the job once, now.
	defaultSchedule = "R1//PT1M"
)

type Executor struct {
	*lifecycle.Tracker
	opts Options
}

var (
	_ executor.Executor         = (*Executor)(nil)
	_ executor.CallbackReceiver = (*Executor)(nil)
)

func (e *Executor) Start(ctx context.Context, payload map[string]any) error {
	return e.Run(ctx, "executor.start", func(ctx context.Context) error {
		var sub Submission
		if err := executor.Decode(payload, &sub); err != nil {
			return e.Abort(ctx, err, nil)
		}
		if err := e.Begin(ctx); err != nil {
			return e.Abort(ctx, err, nil)
		}
		if err := e.schedule(ctx, sub); err != nil {
			return e.Abort(ctx, err, e.release)
		}
		e.StartCollaborators(ctx, lifecycle.Notifications{
			Monitor: &collaborator.MonitorRequest{
				Plugin:        sub.MonitorPlugin,
				PluginInfo:    sub.MonitorInfo,
				CollectPeriod: 2,
			},
		})
		return e.Track(ctx, e.tracking())
	})
}

func (e *Executor) Resume(ctx context.Context) error {
	return e.ResumeTracking(ctx, e.tracking())
}

// Synchronize asks the Chronos job search API, for when a callback was lost.
func (e *Executor) Synchronize(ctx context.Context) error {
	_, err := e.Reconcile(ctx, e.status)
	return err
}

func (e *Executor) Terminate(ctx context.Context) error {
	return e.Tracker.Terminate(ctx, e.release)
}

// StopResources is a no-op: the broker owns nothing besides the job itself.
func (e *Executor) StopResources(context.Context) error { return nil }

func (e *Executor) Errors(context.Context) ([]string, error) { return []string{}, nil }

// Callback applies the completion report sent by the wrapped job command.
func (e *Executor) Callback(ctx context.Context, res executor.CallbackResult) error {
	log := e.Logger().With(zap.Int("exit_code", res.ExitCode), zap.String("hostname", res.Hostname))
	if res.StartedAt > 0 && res.FinishedAt >= res.StartedAt {
		log = log.With(zap.Int64("task_seconds", res.FinishedAt-res.StartedAt))
	}
	log.Info("completion callback received")

	// The job can finish before the broker recorded it as started.
	if e.State() == executor.StateRunning {
		if err := e.MarkStarted(ctx); err != nil && !errors.Is(err, lifecycle.ErrTerminated) {
			return err
		}
	}

	var err error
	switch {
	case res.Error != "":
		err = e.Settle(ctx, executor.StateError, res.Error)
	case res.ExitCode != 0:
		err = e.Settle(ctx, executor.StateFailed, fmt.Sprintf("command exited with code %d", res.ExitCode))
	default:
		err = e.Settle(ctx, executor.StateCompleted, "")
	}
	e.Wake()
	return err
}

func (e *Executor) schedule(ctx context.Context, sub Submission) error {
	appID := e.AppID()
	name, _ := sub.InfoPlugin.Job["name"].(string)
	command, _ := sub.InfoPlugin.Job["command"].(string)

	job := maps.Clone(sub.InfoPlugin.Job)
	job["name"] = appID
	job["command"] = e.wrapCommand(command)
	if _, ok := job["schedule"]; !ok {
		job["schedule"] = defaultSchedule
	}

	if err := e.SetHandle(ctx, map[string]string{handleJob: appID, handleName: name}); err != nil {
		return err
	}
	if e.Terminated() {
		return lifecycle.ErrTerminated
	}
	if err := e.opts.Chronos.Schedule(ctx, job); err != nil {
		return &executor.ProvisioningError{Resource: "chronos job", Err: err}
	}
	e.initTask(ctx, name, sub.InfoPlugin.QoS)

	// A callback may already have settled the record.
	if err := e.MarkStarted(ctx); err != nil && !e.State().Settled() {
		return err
	}
	e.Logger().Info("chronos job scheduled", zap.String("name", name))
	return nil
}

// wrapCommand makes the job report its exit code, start and finish times to
// the broker callback endpoint, then exit with the original code.
func (e *Executor) wrapCommand(command string) string {
	appID := e.AppID()
	callback := collaborator.JoinURL(e.opts.CallbackURL, "callbacks", appID)
	token := e.opts.Signer.Sign(appID)

	var b strings.Builder
	b.WriteString("startedAt=$(date +%s); ")
	b.WriteString(command)
	b.WriteString("; rc=$?; /usr/bin/curl -s -X POST")
	b.WriteString(" -H 'Content-Type: application/json'")
	b.WriteString(" -H 'Authorization: Bearer " + token + "'")
	b.WriteString(` -d '{"exit_code": '$rc', "started_at": '$startedAt', "finished_at": '$(date +%s)', "hostname": "'$(hostname)'"}'`)
	b.WriteString(" " + callback)
	b.WriteString("; exit $rc")
	return b.String()
}

// initTask registers the job with the supervisor. Best-effort.
func (e *Executor) initTask(ctx context.Context, name string, qos *QoS) {
	if e.opts.SupervisorURL == "" || qos == nil {
		return
	}
	payload := map[string]any{
		"framework":     "chronos",
		"name":          name,
		"job_duration":  qos.Duration,
		"deadline":      qos.Deadline,
		"desv_deadline": qos.DesvDeadline,
		"uuid":          e.AppID(),
	}
	err := collaborator.DoJSON(ctx, e.opts.HTTP, http.MethodPost,
		collaborator.JoinURL(e.opts.SupervisorURL, "initTask"), payload, nil)
	if err != nil {
		e.Logger().Warn("failed to register job with supervisor", zap.Error(err))
	}
}

func (e *Executor) tracking() lifecycle.Tracking {
	return lifecycle.Tracking{Poll: e.opts.Poll, Status: e.status, Release: e.release}
}

func (e *Executor) status(ctx context.Context) (lifecycle.Status, error) {
	job, err := e.opts.Chronos.Find(ctx, e.AppID())
	if err != nil {
		return lifecycle.Status{}, err
	}
	if job == nil {
		return lifecycle.Status{State: executor.StateNotFound, Reason: "chronos job not found"}, nil
	}
	return jobStatus(job), nil
}

// jobStatus maps Chronos run counters. Timestamps are ISO8601 in UTC, so they
// order lexically.
func jobStatus(job *Job) lifecycle.Status {
	switch {
	case job.ErrorCount > 0 && job.LastError > job.LastSuccess:
		return lifecycle.Status{State: executor.StateFailed, Reason: "chronos reported a failed run"}
	case job.SuccessCount > 0:
		return lifecycle.Status{State: executor.StateCompleted}
	}
	return lifecycle.Status{State: executor.StateOngoing}
}

// release kills running tasks and removes the job definition.
func (e *Executor) release(ctx context.Context) error {
	name := e.AppID()
	return errors.Join(e.opts.Chronos.KillTasks(ctx, name), e.opts.Chronos.Delete(ctx, name))
}
