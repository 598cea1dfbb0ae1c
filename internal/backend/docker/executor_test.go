package docker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/store/memory"
)

type fakeEngine struct {
	mu         sync.Mutex
	pulled     []string
	specs      []ContainerSpec
	containers map[string]*ContainerState
	removed    []string
	pullErr    error
	runErr     error
	logs       []string
	logsErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*ContainerState{}}
}

func (f *fakeEngine) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return f.pullErr
}

func (f *fakeEngine) Run(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.specs = append(f.specs, spec)
	id := "c-" + spec.Name
	f.containers[id] = &ContainerState{Status: "running", Running: true}
	return id, nil
}

func (f *fakeEngine) Inspect(_ context.Context, id string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.containers[id]
	if !ok {
		return ContainerState{}, ErrContainerNotFound
	}
	return *st, nil
}

func (f *fakeEngine) Logs(_ context.Context, id string, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.logs, nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) exit(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &ContainerState{Status: "exited", ExitCode: code}
}

func (f *fakeEngine) snapshot() (removed []string, specs []ContainerSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...), append([]ContainerSpec(nil), f.specs...)
}

func newTestFactory(eng *fakeEngine) *Factory {
	return NewFactory(Options{
		Env:    lifecycle.Env{Store: memory.New(), Logger: zap.NewNop()},
		Engine: eng,
		Poll:   lifecycle.PollConfig{Interval: 5 * time.Millisecond, NotFoundLimit: 3},
	})
}

func payload() map[string]any {
	return map[string]any{
		"img":      "busybox:latest",
		"cmd":      []any{"sh", "-c", "echo hello"},
		"env_vars": map[string]any{"MODE": "test"},
	}
}

func start(t *testing.T, ex executor.Executor) <-chan error {
	t.Helper()
	require.NoError(t, ex.Persist(context.Background()))
	done := make(chan error, 1)
	go func() { done <- ex.Start(context.Background(), payload()) }()
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

func TestStart_ExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		want   executor.State
		reason string
	}{
		{name: "success", code: 0, want: executor.StateCompleted},
		{name: "failure", code: 3, want: executor.StateFailed, reason: "container exited with code 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			f := newTestFactory(eng)
			ex, _ := f.New(f.NewAppID())

			done := start(t, ex)
			require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, 2*time.Second, time.Millisecond)
			id := ex.Record().Handle[handleContainer]
			eng.exit(id, tt.code)

			require.NoError(t, wait(t, done))
			assert.Equal(t, tt.want, ex.State())
			assert.Equal(t, tt.reason, ex.Record().Reason)

			removed, specs := eng.snapshot()
			assert.Equal(t, []string{id}, removed)
			require.Len(t, specs, 1)
			assert.Equal(t, ex.AppID(), specs[0].Name)
			assert.Equal(t, []string{"sh", "-c", "echo hello"}, specs[0].Command)
			assert.Equal(t, map[string]string{"MODE": "test"}, specs[0].Env)
		})
	}
}

func TestStart_PullFailureIsError(t *testing.T) {
	eng := newFakeEngine()
	eng.pullErr = errors.New("manifest unknown")
	f := newTestFactory(eng)
	ex, _ := f.New(f.NewAppID())

	err := wait(t, start(t, ex))
	var perr *executor.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "image", perr.Resource)
	assert.Equal(t, executor.StateError, ex.State())
	_, specs := eng.snapshot()
	assert.Empty(t, specs)
}

func TestTerminate_RemovesContainer(t *testing.T) {
	eng := newFakeEngine()
	f := newTestFactory(eng)
	ex, _ := f.New(f.NewAppID())

	done := start(t, ex)
	require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, 2*time.Second, time.Millisecond)

	require.NoError(t, ex.Terminate(context.Background()))
	require.NoError(t, ex.Terminate(context.Background()))
	require.NoError(t, wait(t, done))

	assert.Equal(t, executor.StateTerminated, ex.State())
	removed, _ := eng.snapshot()
	assert.Len(t, removed, 1, "release runs once")
}

func TestMissingContainerIsNotFound(t *testing.T) {
	eng := newFakeEngine()
	f := newTestFactory(eng)
	ex, _ := f.New(f.NewAppID())

	done := start(t, ex)
	require.Eventually(t, func() bool { return ex.State() == executor.StateOngoing }, 2*time.Second, time.Millisecond)
	eng.mu.Lock()
	clear(eng.containers)
	eng.mu.Unlock()

	require.NoError(t, wait(t, done))
	assert.Equal(t, executor.StateNotFound, ex.State())
}

func TestErrors(t *testing.T) {
	eng := newFakeEngine()
	eng.logs = []string{"warning: low disk"}
	f := newTestFactory(eng)
	ex, _ := f.New(f.NewAppID())

	got, err := ex.Errors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"warning: low disk"}, got)

	eng.logsErr = errors.New("daemon unreachable")
	got, err = ex.Errors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestResume_InterruptedProvisioning(t *testing.T) {
	eng := newFakeEngine()
	f := newTestFactory(eng)
	ex, _ := f.New(f.NewAppID())
	d := ex.(*Executor)
	require.NoError(t, d.Persist(context.Background()))
	require.NoError(t, d.Begin(context.Background()))

	require.Error(t, ex.Resume(context.Background()))
	assert.Equal(t, executor.StateError, ex.State())
	removed, _ := eng.snapshot()
	assert.Equal(t, []string{ex.AppID()}, removed, "falls back to the container name")
}

func TestContainerStatus(t *testing.T) {
	tests := []struct {
		in   ContainerState
		want executor.State
	}{
		{ContainerState{Status: "running", Running: true}, executor.StateOngoing},
		{ContainerState{Status: "created"}, executor.StateOngoing},
		{ContainerState{Status: "restarting"}, executor.StateOngoing},
		{ContainerState{Status: "exited"}, executor.StateCompleted},
		{ContainerState{Status: "exited", ExitCode: 1}, executor.StateFailed},
		{ContainerState{Status: "exited", ExitCode: 137, OOMKilled: true}, executor.StateFailed},
		{ContainerState{Status: "dead", Error: "driver failed"}, executor.StateFailed},
	}
	for _, tt := range tests {
		if got := containerStatus(tt.in).State; got != tt.want {
			t.Errorf("containerStatus(%+v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	f := NewFactory(Options{})
	require.NoError(t, f.Validate(payload()))

	p := payload()
	delete(p, "img")
	var verr *executor.ValidationError
	require.ErrorAs(t, f.Validate(p), &verr)
	assert.Equal(t, "img", verr.Field)

	p = payload()
	p["cmd"] = "echo hello"
	require.ErrorAs(t, f.Validate(p), &verr)
	assert.Equal(t, "cmd", verr.Field)
}

func TestEnvList(t *testing.T) {
	got := envList(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"A=1", "B=2"}, got)
}

func TestParsePlatform(t *testing.T) {
	p, err := parsePlatform("linux/arm64/v8")
	require.NoError(t, err)
	assert.Equal(t, "linux", p.OS)
	assert.Equal(t, "arm64", p.Architecture)
	assert.Equal(t, "v8", p.Variant)

	p, err = parsePlatform("")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = parsePlatform("linux")
	assert.Error(t, err)
}
