package kubeapps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

const ns = "apps"

func newFactory(t *testing.T) (*Factory, *fake.Clientset) {
	t.Helper()
	cs := fake.NewClientset()
	cs.PrependReactor("create", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		svc := action.(k8stesting.CreateAction).GetObject().(*corev1.Service)
		for i := range svc.Spec.Ports {
			svc.Spec.Ports[i].NodePort = 31080
		}
		return false, nil, nil
	})
	f := NewFactory(Options{
		Env:  lifecycle.Env{Store: memory.New(), Logger: zap.NewNop()},
		Kube: kube.New(cs, kube.Config{Namespace: ns, NodeHost: "node-1.example.org"}, nil),
		Poll: lifecycle.PollConfig{Interval: 5 * time.Millisecond, NotFoundLimit: 2},
	})
	return f, cs
}

func imagePayload() map[string]any {
	return map[string]any{
		"port":      float64(8080),
		"code_from": "image",
		"init_size": float64(2),
		"env_vars":  map[string]any{"MODE": "web"},
		"img":       "nginx:1.27",
	}
}

func launch(t *testing.T, ex executor.Executor, payload map[string]any) <-chan error {
	t.Helper()
	require.NoError(t, ex.Persist(context.Background()))
	done := make(chan error, 1)
	go func() { done <- ex.Start(context.Background(), payload) }()
	require.Eventually(t, func() bool { return ex.State() != executor.StateCreated && ex.State() != executor.StateRunning },
		2*time.Second, 5*time.Millisecond)
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not finish")
		return nil
	}
}

func TestDeployFromImage_RunsUntilTerminated(t *testing.T) {
	f, cs := newFactory(t)
	appID := f.NewAppID()
	ex, _ := f.New(appID)
	ctx := context.Background()

	done := launch(t, ex, imagePayload())
	assert.Equal(t, executor.StateOngoing, ex.State())

	rec := ex.Record()
	assert.Equal(t, "31080", rec.Handle["node_port"])
	assert.Equal(t, "http://node-1.example.org:31080", rec.Handle["url"])

	dep, err := cs.AppsV1().Deployments(ns).Get(ctx, appID, metav1.GetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, *dep.Spec.Replicas)
	assert.Equal(t, "nginx:1.27", dep.Spec.Template.Spec.Containers[0].Image)
	assert.Empty(t, dep.Spec.Template.Spec.InitContainers)

	require.NoError(t, ex.StopResources(ctx))
	dep, _ = cs.AppsV1().Deployments(ns).Get(ctx, appID, metav1.GetOptions{})
	assert.EqualValues(t, 0, *dep.Spec.Replicas)
	assert.Equal(t, executor.StateOngoing, ex.State(), "stopping resources keeps the application")

	require.NoError(t, ex.Terminate(ctx))
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, executor.StateTerminated, ex.State())

	_, err = cs.AppsV1().Deployments(ns).Get(ctx, appID, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "deployment should be deleted, got %v", err)
	_, err = cs.CoreV1().Services(ns).Get(ctx, appID, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "service should be deleted, got %v", err)
}

func TestDeployFromGit(t *testing.T) {
	for _, codeFrom := range []string{"git", "GIT", "Git"} {
		t.Run(codeFrom, func(t *testing.T) {
			f, cs := newFactory(t)
			appID := f.NewAppID()
			ex, _ := f.New(appID)

			done := launch(t, ex, map[string]any{
				"port":        float64(5000),
				"code_from":   codeFrom,
				"init_size":   float64(1),
				"env_vars":    map[string]any{},
				"git_address": "https://git.example.org/team/app.git",
				"cmd":         []any{"python", "app.py"},
			})

			dep, err := cs.AppsV1().Deployments(ns).Get(context.Background(), appID, metav1.GetOptions{})
			require.NoError(t, err)
			pod := dep.Spec.Template.Spec
			require.Len(t, pod.InitContainers, 1)
			assert.Contains(t, pod.InitContainers[0].Command, "https://git.example.org/team/app.git")
			assert.Equal(t, "python:3.12-slim", pod.Containers[0].Image)
			assert.Equal(t, "/app", pod.Containers[0].WorkingDir)

			require.NoError(t, ex.Terminate(context.Background()))
			require.NoError(t, waitDone(t, done))
		})
	}
}

func TestDeletedDeploymentBecomesNotFound(t *testing.T) {
	f, cs := newFactory(t)
	appID := f.NewAppID()
	ex, _ := f.New(appID)

	done := launch(t, ex, imagePayload())
	require.NoError(t, cs.AppsV1().Deployments(ns).Delete(context.Background(), appID, metav1.DeleteOptions{}))

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, executor.StateNotFound, ex.State())
}

func TestDeployRejected(t *testing.T) {
	f, cs := newFactory(t)
	cs.PrependReactor("create", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("admission webhook denied the request")
	})
	ex, _ := f.New(f.NewAppID())
	require.NoError(t, ex.Persist(context.Background()))

	err := ex.Start(context.Background(), imagePayload())
	var perr *executor.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "deployment", perr.Resource)
	assert.Equal(t, executor.StateError, ex.State())
}

func TestValidate(t *testing.T) {
	f, _ := newFactory(t)

	tests := []struct {
		name      string
		mutate    func(p map[string]any)
		wantField string
	}{
		{"image", func(map[string]any) {}, ""},
		{"image without img", func(p map[string]any) { delete(p, "img") }, "img"},
		{"git without address", func(p map[string]any) { p["code_from"] = "git" }, "git_address"},
		{"git with address", func(p map[string]any) {
			p["code_from"] = "git"
			p["git_address"] = "https://git.example.org/a.git"
		}, ""},
		{"unknown source", func(p map[string]any) { p["code_from"] = "ftp" }, "code_from"},
		{"zero port", func(p map[string]any) { p["port"] = float64(0) }, "port"},
		{"zero init_size", func(p map[string]any) { p["init_size"] = float64(0) }, "init_size"},
		{"batch payload", func(p map[string]any) {
			delete(p, "port")
			p["redis_workload"] = "http://example.org/w.txt"
		}, "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := imagePayload()
			tt.mutate(p)
			err := f.Validate(p)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() failed: %v", err)
				}
				return
			}
			var verr *executor.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("got field %s, want %s", verr.Field, tt.wantField)
			}
		})
	}
}
