// Package sahara runs Spark jobs on ephemeral OpenStack Sahara clusters sized
// from the optimizer's estimate. The cluster is deleted on every exit path.
package sahara

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"appbroker/internal/collaborator"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
)

const (
	handleCluster      = "cluster_id"
	handleJobExecution = "job_execution_id"
	handleMaster       = "master"

	masterGroup = "master"
	workerGroup = "worker"
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

// StopResources is a no-op: the cluster is the only resource and it goes
// with the application.
func (e *Executor) StopResources(context.Context) error { return nil }

func (e *Executor) Errors(context.Context) ([]string, error) { return []string{}, nil }

// clusterSize asks the optimizer for the cores needed to meet expected_time
// and converts them to workers. Without an estimate the submission must
// carry cluster_size.
func (e *Executor) clusterSize(ctx context.Context, sub Submission) (int, error) {
	days := 0
	if strings.EqualFold(sub.AppName, "bulma") {
		if sub.Days == nil {
			return 0, &executor.ConfigurationError{Parameter: "days", Reason: "required for bulma"}
		}
		days = *sub.Days
	}

	cores := 0
	if c := e.Env().Collaborators; c != nil && e.opts.OptimizerURL != "" {
		res, err := c.Optimize(ctx, e.opts.OptimizerURL, sub.AppName, sub.ExpectedTime, days)
		if err != nil {
			e.Logger().Warn("optimizer unavailable", zap.Error(err))
		} else {
			cores = res.Cores
		}
	}

	if cores <= 0 {
		if sub.ClusterSize == nil {
			return 0, &executor.ConfigurationError{Parameter: "cluster_size", Reason: "no optimizer estimate available"}
		}
		return *sub.ClusterSize, nil
	}
	return int(math.Ceil(float64(cores) / float64(e.opts.VCPUsPerWorker))), nil
}

func (e *Executor) provision(ctx context.Context, sub Submission) (lifecycle.Notifications, error) {
	appID := e.AppID()
	none := lifecycle.Notifications{}

	size, err := e.clusterSize(ctx, sub)
	if err != nil {
		return none, err
	}
	e.Logger().Info("creating cluster", zap.Int("workers", size))

	cluster, err := e.opts.Sahara.CreateCluster(ctx, ClusterSpec{
		Name:                     appID,
		PluginName:               sub.OpenStackPlugin,
		HadoopVersion:            sub.Version,
		DefaultImageID:           sub.ImageID,
		UserKeypairID:            e.opts.PublicKey,
		NeutronManagementNetwork: sub.NetID,
		NodeGroups: []NodeGroupSpec{
			{Name: masterGroup, NodeGroupTemplateID: sub.MasterNG, Count: 1},
			{Name: workerGroup, NodeGroupTemplateID: sub.SlaveNG, Count: size},
		},
	})
	if err != nil {
		return none, &executor.ProvisioningError{Resource: "cluster", Err: err}
	}
	if err := e.SetHandle(ctx, map[string]string{handleCluster: cluster.ID}); err != nil {
		return none, err
	}

	cluster, err = e.waitForCluster(ctx, cluster.ID)
	if err != nil {
		return none, err
	}
	master, ok := cluster.Master()
	if !ok {
		return none, &executor.ProvisioningError{Resource: "cluster", Err: errors.New("cluster has no master instance")}
	}
	workers := cluster.Workers()
	workerIDs := make([]string, len(workers))
	caps := make(map[string]int, len(workers))
	for i, w := range workers {
		workerIDs[i] = w.InstanceID
		caps[w.InstanceID] = sub.StartingCap
	}
	if err := e.SetHandle(ctx, map[string]string{handleMaster: master.InternalIP}); err != nil {
		return none, err
	}
	e.Logger().Info("cluster active", zap.String("cluster_id", cluster.ID), zap.String("master", master.InternalIP),
		zap.Strings("workers", workerIDs))

	e.setupController(ctx, sub, caps)

	binaryID, err := e.opts.Sahara.JobBinary(ctx, sub.JobBinaryName, sub.JobBinaryURL,
		map[string]string{"user": e.opts.Username, "password": e.opts.Password})
	if err != nil {
		return none, &executor.ProvisioningError{Resource: "job binary", Err: err}
	}
	templateID, err := e.opts.Sahara.JobTemplate(ctx, sub.JobTemplateName, sub.JobType, binaryID)
	if err != nil {
		return none, &executor.ProvisioningError{Resource: "job template", Err: err}
	}

	if e.Terminated() {
		return none, lifecycle.ErrTerminated
	}
	execID, err := e.opts.Sahara.Execute(ctx, templateID, cluster.ID, sub.MainClass, sub.Args)
	if err != nil {
		return none, &executor.ProvisioningError{Resource: "job execution", Err: err}
	}
	if err := e.SetHandle(ctx, map[string]string{handleJobExecution: execID}); err != nil {
		return none, err
	}
	if err := e.MarkStarted(ctx); err != nil {
		return none, err
	}

	controlInfo := maps.Clone(sub.ControlParameters)
	if controlInfo == nil {
		controlInfo = map[string]any{}
	}
	controlInfo["instances"] = workerIDs

	return lifecycle.Notifications{
		Monitor: &collaborator.MonitorRequest{
			Plugin: sub.MonitorPlugin,
			PluginInfo: map[string]any{
				"spark_submisson_url": "http://" + master.InternalIP,
				"expected_time":       sub.ExpectedTime,
				"number_of_jobs":      sub.NumberOfJobs,
			},
			CollectPeriod: sub.CollectPeriod,
		},
		Controller: &collaborator.ControllerRequest{
			Plugin:     sub.ControlPlugin,
			PluginInfo: controlInfo,
		},
	}, nil
}

// setupController caps each worker before the controller starts scaling.
func (e *Executor) setupController(ctx context.Context, sub Submission, caps map[string]int) {
	c, base := e.Env().Collaborators, e.Env().Services.ControllerURL
	if c == nil || base == "" || sub.ControlPlugin == "" {
		return
	}
	actuator, _ := sub.ControlParameters["actuator"].(string)
	err := c.SetupEnvironment(ctx, base, collaborator.SetupRequest{
		ActuatorPlugin: actuator,
		InstancesCap:   caps,
		Parameters:     sub.ControlParameters,
	})
	if err != nil {
		e.Logger().Warn("failed to set up controller environment", zap.Error(err))
	}
}

func (e *Executor) waitForCluster(ctx context.Context, id string) (*Cluster, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ClusterTimeout)
	defer cancel()

	for {
		cluster, err := e.opts.Sahara.GetCluster(ctx, id)
		switch {
		case err != nil && ctx.Err() == nil:
			e.Logger().Warn("cluster status query failed", zap.Error(err))
		case err == nil && cluster.Status == clusterActive:
			return cluster, nil
		case err == nil && cluster.Status == clusterError:
			return nil, &executor.ProvisioningError{Resource: "cluster", Err: fmt.Errorf("cluster %s went to %s", id, clusterError)}
		}
		if e.Terminated() {
			return nil, lifecycle.ErrTerminated
		}

		// Terminate wakes the sleep early.
		if !e.Sleep(ctx, e.opts.ClusterPoll) {
			return nil, &executor.ProvisioningError{
				Resource: "cluster",
				Err:      fmt.Errorf("cluster %s not active after %s: %w", id, e.opts.ClusterTimeout, ctx.Err()),
			}
		}
	}
}

func (e *Executor) tracking() lifecycle.Tracking {
	return lifecycle.Tracking{Poll: e.opts.Poll, Status: e.status, Release: e.release}
}

func (e *Executor) status(ctx context.Context) (lifecycle.Status, error) {
	id := e.Handle(handleJobExecution)
	if id == "" {
		return lifecycle.Status{State: executor.StateNotFound, Reason: "no job execution recorded"}, nil
	}
	je, err := e.opts.Sahara.JobExecution(ctx, id)
	if isMissing(err) {
		return lifecycle.Status{State: executor.StateNotFound, Reason: "job execution not found"}, nil
	}
	if err != nil {
		return lifecycle.Status{}, err
	}
	return executionStatus(je.Info.Status), nil
}

func executionStatus(s string) lifecycle.Status {
	switch strings.ToUpper(s) {
	case "SUCCEEDED":
		return lifecycle.Status{State: executor.StateCompleted}
	case "FAILED", "KILLED", "DONEWITHERROR":
		return lifecycle.Status{State: executor.StateFailed, Reason: "sahara job " + strings.ToUpper(s)}
	}
	return lifecycle.Status{State: executor.StateOngoing}
}

// release cancels a still running job execution and deletes the cluster.
func (e *Executor) release(ctx context.Context) error {
	var errs []error
	if id := e.Handle(handleJobExecution); id != "" && !e.State().Settled() {
		errs = append(errs, e.opts.Sahara.CancelJobExecution(ctx, id))
	}
	if id := e.Handle(handleCluster); id != "" {
		if err := e.opts.Sahara.DeleteCluster(ctx, id); err != nil {
			errs = append(errs, err)
		} else {
			e.Logger().Info("cluster deleted", zap.String("cluster_id", id))
		}
	}
	return errors.Join(errs...)
}

func isMissing(err error) bool {
	var se *collaborator.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
