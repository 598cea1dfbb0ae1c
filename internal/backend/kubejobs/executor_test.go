package kubejobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"appbroker/internal/backend/kube"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/store/memory"
)

const ns = "test-ns"

type harness struct {
	cs      *fake.Clientset
	redis   *miniredis.Miniredis
	factory *Factory
	env     lifecycle.Env
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cs := fake.NewClientset()
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodRunning
		pod.Status.HostIP = "10.0.0.7"
		return false, nil, nil
	})

	mr := miniredis.RunT(t)
	core, logs := observer.New(zap.InfoLevel)
	env := lifecycle.Env{Store: memory.New(), Logger: zap.New(core)}
	f := NewFactory(Options{
		Env:  env,
		Kube: kube.New(cs, kube.Config{Namespace: ns, RedisTimeout: 2 * time.Second}, nil),
		Dial: func(string) Queue { return DialRedis(mr.Addr()) },
		Poll: lifecycle.PollConfig{Interval: 5 * time.Millisecond, NotFoundLimit: 3},
	})
	return &harness{cs: cs, redis: mr, factory: f, env: env, logs: logs}
}

func workloadServer(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func validPayload(workloadURL string) map[string]any {
	return map[string]any{
		"cmd":                []any{"python", "worker.py"},
		"env_vars":           map[string]any{"MODE": "batch"},
		"img":                "registry.example.org/worker:1",
		"init_size":          float64(2),
		"control_plugin":     "kubejobs",
		"control_parameters": map[string]any{"max_size": float64(10)},
		"monitor_plugin":     "kubejobs",
		"monitor_info":       map[string]any{"expected_time": float64(40)},
		"redis_workload":     workloadURL,
		"enable_visualizer":  false,
		"config_id":          "cfg-7",
	}
}

func (h *harness) setJobCondition(t *testing.T, name string, cond batchv1.JobCondition) {
	t.Helper()
	ctx := context.Background()
	job, err := h.cs.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	cond.Status = corev1.ConditionTrue
	job.Status.Conditions = append(job.Status.Conditions, cond)
	_, err = h.cs.BatchV1().Jobs(ns).UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func (h *harness) waitForJob(t *testing.T, name string) *batchv1.Job {
	t.Helper()
	var job *batchv1.Job
	require.Eventually(t, func() bool {
		j, err := h.cs.BatchV1().Jobs(ns).Get(context.Background(), name, metav1.GetOptions{})
		if err != nil {
			return false
		}
		job = j
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func start(t *testing.T, ex executor.Executor, payload map[string]any) <-chan error {
	t.Helper()
	require.NoError(t, ex.Persist(context.Background()))
	done := make(chan error, 1)
	go func() { done <- ex.Start(context.Background(), payload) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not finish")
		return nil
	}
}

func TestStart_CompletesAndReleases(t *testing.T) {
	h := newHarness(t)
	appID := h.factory.NewAppID()
	ex, err := h.factory.New(appID)
	require.NoError(t, err)

	done := start(t, ex, validPayload(workloadServer(t, "item-1\n\nitem-2\nitem-3\n")))
	job := h.waitForJob(t, appID)

	assert.EqualValues(t, 2, *job.Spec.Parallelism)
	env := map[string]string{}
	for _, v := range job.Spec.Template.Spec.Containers[0].Env {
		env[v.Name] = v.Value
	}
	assert.Equal(t, kube.RedisName(appID), env["REDIS_HOST"])
	assert.Equal(t, "cfg-7", env["SCONE_CONFIG_ID"])
	assert.Equal(t, "batch", env["MODE"])

	items, err := h.redis.List(queueKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1", "item-2", "item-3"}, items)

	require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, time.Second, 5*time.Millisecond)
	h.setJobCondition(t, appID, batchv1.JobCondition{Type: batchv1.JobComplete})

	require.NoError(t, wait(t, done))
	assert.Equal(t, executor.StateCompleted, ex.State())
	_, ok := ex.StartTime()
	assert.True(t, ok)

	rec := ex.Record()
	assert.Equal(t, appID, rec.Handle["job"])
	assert.Equal(t, ns, rec.Handle["namespace"])

	_, err = h.cs.BatchV1().Jobs(ns).Get(context.Background(), appID, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "job should be deleted, got %v", err)
	_, err = h.cs.CoreV1().Pods(ns).Get(context.Background(), kube.RedisName(appID), metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "redis pod should be deleted, got %v", err)

	snap, err := h.env.Store.Get(context.Background(), appID)
	require.NoError(t, err)
	assert.Equal(t, string(executor.StateCompleted), snap.State)
}

func TestStart_FailedJobCarriesReason(t *testing.T) {
	h := newHarness(t)
	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)

	done := start(t, ex, validPayload(workloadServer(t, "a\n")))
	h.waitForJob(t, appID)
	require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, time.Second, 5*time.Millisecond)
	h.setJobCondition(t, appID, batchv1.JobCondition{
		Type:    batchv1.JobFailed,
		Reason:  "BackoffLimitExceeded",
		Message: "Job has reached the specified backoff limit",
	})

	require.NoError(t, wait(t, done))
	assert.Equal(t, executor.StateFailed, ex.State())
	assert.Contains(t, ex.Record().Reason, "BackoffLimitExceeded")
}

func TestStart_WorkloadUnavailableErrors(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)
	err := wait(t, start(t, ex, validPayload(srv.URL)))

	var perr *executor.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "workload", perr.Resource)
	assert.Equal(t, executor.StateError, ex.State())
	_, ok := ex.StartTime()
	assert.False(t, ok)
}

func TestStart_JobRejectedTearsDownRedis(t *testing.T) {
	h := newHarness(t)
	h.cs.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(batchv1.Resource("jobs"), "", fmt.Errorf("quota exceeded"))
	})

	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)
	err := wait(t, start(t, ex, validPayload(workloadServer(t, "a\n"))))

	var perr *executor.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "job", perr.Resource)
	assert.Equal(t, executor.StateError, ex.State())

	_, err = h.cs.CoreV1().Services(ns).Get(context.Background(), kube.RedisName(appID), metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "redis service should be deleted, got %v", err)
}

func TestTerminate_WhileOngoing(t *testing.T) {
	h := newHarness(t)
	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)

	done := start(t, ex, validPayload(workloadServer(t, "a\nb\n")))
	h.waitForJob(t, appID)
	require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, time.Second, 5*time.Millisecond)

	require.NoError(t, ex.Terminate(context.Background()))
	require.NoError(t, ex.Terminate(context.Background()), "terminate must be idempotent")
	require.NoError(t, wait(t, done))

	assert.Equal(t, executor.StateTerminated, ex.State())
	assert.True(t, ex.Record().Terminated)
	_, err := h.cs.BatchV1().Jobs(ns).Get(context.Background(), appID, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "job should be deleted, got %v", err)
}

func TestMissingJobBecomesNotFound(t *testing.T) {
	h := newHarness(t)
	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)

	done := start(t, ex, validPayload(workloadServer(t, "a\n")))
	h.waitForJob(t, appID)
	require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.cs.BatchV1().Jobs(ns).Delete(context.Background(), appID, metav1.DeleteOptions{}))

	require.NoError(t, wait(t, done))
	assert.Equal(t, executor.StateNotFound, ex.State())
}

func TestUnreachableAPIServerKeepsJob(t *testing.T) {
	h := newHarness(t)
	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)

	done := start(t, ex, validPayload(workloadServer(t, "a\n")))
	h.waitForJob(t, appID)
	require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, time.Second, 5*time.Millisecond)

	var gets, deletes atomic.Int32
	h.cs.PrependReactor("get", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		if gets.Add(1) <= 5 {
			return true, nil, errors.New("dial tcp 10.96.0.1:443: connect: connection refused")
		}
		return false, nil, nil
	})
	h.cs.PrependReactor("delete", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		deletes.Add(1)
		return false, nil, nil
	})

	// More rounds than NotFoundLimit fail, then the API server comes back.
	require.Eventually(t, func() bool { return gets.Load() > 6 }, 3*time.Second, 5*time.Millisecond)
	assert.Zero(t, deletes.Load(), "job must survive an unreachable API server")
	assert.Equal(t, executor.StateOngoing, ex.State())
	assert.Empty(t, ex.Record().Reason)

	h.setJobCondition(t, appID, batchv1.JobCondition{Type: batchv1.JobComplete})
	require.NoError(t, wait(t, done))
	assert.Equal(t, executor.StateCompleted, ex.State())
	assert.Equal(t, int32(1), deletes.Load())
}

func TestErrorsAndStopResources(t *testing.T) {
	h := newHarness(t)
	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)

	errs, err := ex.Errors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs, "no queue yet")

	done := start(t, ex, validPayload(workloadServer(t, "a\nb\n")))
	h.waitForJob(t, appID)

	_, err = h.redis.Push(errorsKey, "item b: exit 1")
	require.NoError(t, err)
	errs, err = ex.Errors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"item b: exit 1"}, errs)

	require.NoError(t, ex.StopResources(context.Background()))
	assert.False(t, h.redis.Exists(queueKey))
	cleared := h.logs.FilterMessage("work queue cleared").All()
	require.Len(t, cleared, 1)
	assert.Equal(t, int64(2), cleared[0].ContextMap()["dropped"])

	require.NoError(t, ex.Terminate(context.Background()))
	require.NoError(t, wait(t, done))
}

func TestErrors_UnreachableQueueIsEmpty(t *testing.T) {
	h := newHarness(t)
	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)

	done := start(t, ex, validPayload(workloadServer(t, "a\n")))
	h.waitForJob(t, appID)
	h.redis.Close()

	errs, err := ex.Errors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)

	require.NoError(t, ex.Terminate(context.Background()))
	require.NoError(t, wait(t, done))
}

func TestResume(t *testing.T) {
	t.Run("interrupted provisioning goes to error", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		appID := h.factory.NewAppID()
		tr := lifecycle.NewTracker(h.env, Name, appID)
		require.NoError(t, tr.Persist(ctx))
		require.NoError(t, tr.Begin(ctx))

		snap, err := h.env.Store.Get(ctx, appID)
		require.NoError(t, err)
		ex, err := h.factory.Restore(snap)
		require.NoError(t, err)

		assert.Error(t, ex.Resume(ctx))
		assert.Equal(t, executor.StateError, ex.State())
		assert.Equal(t, "interrupted during provisioning", ex.Record().Reason)
	})

	t.Run("ongoing record keeps polling", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		appID := h.factory.NewAppID()
		_, err := h.factory.opts.Kube.CreateJob(ctx, kube.JobSpec{Name: appID, Image: "worker", Parallelism: 1})
		require.NoError(t, err)

		tr := lifecycle.NewTracker(h.env, Name, appID)
		require.NoError(t, tr.Persist(ctx))
		require.NoError(t, tr.Begin(ctx))
		require.NoError(t, tr.MarkStarted(ctx))

		snap, err := h.env.Store.Get(ctx, appID)
		require.NoError(t, err)
		ex, err := h.factory.Restore(snap)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- ex.Resume(ctx) }()
		h.setJobCondition(t, appID, batchv1.JobCondition{Type: batchv1.JobComplete})

		require.NoError(t, wait(t, done))
		assert.Equal(t, executor.StateCompleted, ex.State())
	})
}

func TestSynchronize_NeverDemotesCompleted(t *testing.T) {
	h := newHarness(t)
	appID := h.factory.NewAppID()
	ex, _ := h.factory.New(appID)

	done := start(t, ex, validPayload(workloadServer(t, "a\n")))
	h.waitForJob(t, appID)
	require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, time.Second, 5*time.Millisecond)
	h.setJobCondition(t, appID, batchv1.JobCondition{Type: batchv1.JobComplete})
	require.NoError(t, wait(t, done))

	// The job is gone after teardown.
	require.NoError(t, ex.Synchronize(context.Background()))
	assert.Equal(t, executor.StateCompleted, ex.State())
}

func TestJobStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   executor.State
	}{
		{"active", batchv1.JobStatus{Active: 3}, executor.StateOngoing},
		{"pending", batchv1.JobStatus{}, executor.StateOngoing},
		{"complete", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
		}}, executor.StateCompleted},
		{"failed", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "DeadlineExceeded"},
		}}, executor.StateFailed},
		{"condition not true", batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionFalse},
		}}, executor.StateOngoing},
		{"suspended", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobSuspended, Status: corev1.ConditionTrue, Reason: "JobSuspended"},
		}}, executor.StateFailed},
		{"suspended with pods still active", batchv1.JobStatus{Active: 2, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobSuspended, Status: corev1.ConditionTrue},
		}}, executor.StateOngoing},
		{"failure target", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailureTarget, Status: corev1.ConditionTrue, Reason: "PodFailurePolicy"},
		}}, executor.StateFailed},
		{"success criteria met", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobSuccessCriteriaMet, Status: corev1.ConditionTrue},
		}}, executor.StateCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jobStatus(tt.status).State; got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestJobStatusReason(t *testing.T) {
	st := jobStatus(batchv1.JobStatus{Conditions: []batchv1.JobCondition{
		{Type: batchv1.JobSuspended, Status: corev1.ConditionTrue, Message: "Job suspended"},
	}})
	assert.Equal(t, "Suspended: Job suspended", st.Reason)

	st = jobStatus(batchv1.JobStatus{Conditions: []batchv1.JobCondition{
		{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit"},
	}})
	assert.Equal(t, "BackoffLimitExceeded: Job has reached the specified backoff limit", st.Reason)
}
