package rollback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paasctl/paasctl/internal/state"
	"github.com/paasctl/paasctl/pkg/snapshot"
)

// fakeExec scripts a tenant VM for rollback runs: remote files live in
// memory and exit codes can be forced per command substring.
type fakeExec struct {
	files    map[string]string
	uploads  map[string]string
	commands []string
	exits    map[string]int    // command substring -> exit code
	outputs  map[string]string // command substring -> output
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		files:   map[string]string{},
		uploads: map[string]string{},
		exits:   map[string]int{},
		outputs: map[string]string{},
	}
}

func (f *fakeExec) scripted(command string) (int, string, bool) {
	for sub, code := range f.exits {
		if strings.Contains(command, sub) {
			return code, f.outputs[sub], true
		}
	}
	for sub, out := range f.outputs {
		if strings.Contains(command, sub) {
			return 0, out, true
		}
	}
	return 0, "", false
}

func (f *fakeExec) hasPath(p string) bool {
	if _, ok := f.files[p]; ok {
		return true
	}
	for name := range f.files {
		if strings.HasPrefix(name, p+"/") {
			return true
		}
	}
	return false
}

func (f *fakeExec) Execute(ctx context.Context, host, user, command string) (int, string, error) {
	f.commands = append(f.commands, command)
	if code, out, ok := f.scripted(command); ok {
		return code, out, nil
	}
	if path, ok := strings.CutPrefix(command, "test -e "); ok {
		if f.hasPath(path) {
			return 0, "", nil
		}
		return 1, "", nil
	}
	return 0, "", nil
}

func (f *fakeExec) ExecuteStream(ctx context.Context, host, user, command string) (int, error) {
	f.commands = append(f.commands, command)
	if code, _, ok := f.scripted(command); ok {
		return code, nil
	}
	return 0, nil
}

func (f *fakeExec) Upload(ctx context.Context, host, user, localPath, remotePath string, recursive bool) error {
	f.uploads[remotePath] = localPath
	return nil
}

func (f *fakeExec) Download(ctx context.Context, host, user, remotePath, localPath string, recursive bool) error {
	if recursive {
		found := false
		for name, content := range f.files {
			rel, ok := strings.CutPrefix(name, remotePath+"/")
			if !ok {
				continue
			}
			found = true
			target := filepath.Join(localPath, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return err
			}
		}
		if !found {
			return fmt.Errorf("no such remote directory: %s", remotePath)
		}
		return nil
	}
	content, ok := f.files[remotePath]
	if !ok {
		return fmt.Errorf("no such remote file: %s", remotePath)
	}
	return os.WriteFile(localPath, []byte(content), 0644)
}

func (f *fakeExec) ran(substring string) bool {
	for _, cmd := range f.commands {
		if strings.Contains(cmd, substring) {
			return true
		}
	}
	return false
}

const (
	firstID  = "deploy-20240501-100000"
	secondID = "deploy-20240501-110000"
)

func deployment(id string, status state.Status) *state.DeploymentState {
	return &state.DeploymentState{
		DeploymentID: id,
		Tenant:       "acme",
		Status:       status,
		Runtime:      state.RuntimeDocker,
		StartedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		VMHost:       "198.51.100.3",
		VMUser:       "deploy",
		Services: map[string]*state.ServiceState{
			"web": {Name: "web", Status: state.ServiceHealthy, Ports: []int{8080}},
		},
		Metadata: map[string]any{},
	}
}

// setupEngine records two deployments (the first backed up as rollback
// target) and snapshots the first one onto the fake VM.
func setupEngine(t *testing.T) (*state.Manager, *Controller, *fakeExec) {
	t.Helper()

	states, err := state.NewManager(t.TempDir(), "acme", nil)
	require.NoError(t, err)

	require.NoError(t, states.Save(deployment(firstID, state.StatusRunning), true))

	second := deployment(secondID, state.StatusRunning)
	second.PreviousDeploymentID = firstID
	second.RollbackAvailable = true
	require.NoError(t, states.Save(second, true))

	exec := newFakeExec()
	exec.files["~/paas-deployment/docker-compose.yml"] = "services:\n  web:\n    image: registry/web:1.0.0\n"
	exec.files["~/paas-deployment/.env"] = "PORT=8080\n"

	snapshots, err := snapshot.NewManager("acme", filepath.Join(states.BaseDir(), "snapshots"), exec, nil)
	require.NoError(t, err)
	_, err = snapshots.Create(context.Background(), firstID, "198.51.100.3", "deploy", "")
	require.NoError(t, err)

	ctrl := NewController(states, snapshots, exec, nil)
	ctrl.settleDelay = 0
	return states, ctrl, exec
}

func TestCanRollbackNoState(t *testing.T) {
	states, err := state.NewManager(t.TempDir(), "acme", nil)
	require.NoError(t, err)
	ctrl := NewController(states, nil, nil, nil)

	ok, reason := ctrl.CanRollback()
	assert.False(t, ok)
	assert.Equal(t, ReasonNoState, reason)
}

func TestCanRollbackFirstDeployment(t *testing.T) {
	states, err := state.NewManager(t.TempDir(), "acme", nil)
	require.NoError(t, err)
	require.NoError(t, states.Save(deployment(firstID, state.StatusRunning), true))

	ctrl := NewController(states, nil, nil, nil)
	ok, reason := ctrl.CanRollback()
	assert.False(t, ok)
	assert.Equal(t, ReasonNoPrevious, reason)
}

func TestCanRollbackAlreadyInProgress(t *testing.T) {
	states, err := state.NewManager(t.TempDir(), "acme", nil)
	require.NoError(t, err)

	st := deployment(secondID, state.StatusRollingBack)
	st.PreviousDeploymentID = firstID
	st.RollbackAvailable = true
	require.NoError(t, states.Save(st, true))

	ctrl := NewController(states, nil, nil, nil)
	ok, reason := ctrl.CanRollback()
	assert.False(t, ok)
	assert.Equal(t, ReasonAlreadyRollingBack, reason)
}

func TestCanRollbackAlreadyRolledBack(t *testing.T) {
	states, err := state.NewManager(t.TempDir(), "acme", nil)
	require.NoError(t, err)

	st := deployment(secondID, state.StatusRolledBack)
	st.PreviousDeploymentID = firstID
	st.RollbackAvailable = true
	require.NoError(t, states.Save(st, true))

	ctrl := NewController(states, nil, nil, nil)
	ok, reason := ctrl.CanRollback()
	assert.False(t, ok)
	assert.Equal(t, ReasonAlreadyRolledBack, reason)
}

func TestCanRollbackPossible(t *testing.T) {
	states, ctrl, _ := setupEngine(t)
	_ = states

	ok, reason := ctrl.CanRollback()
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestRollbackDeployment(t *testing.T) {
	states, ctrl, exec := setupEngine(t)

	err := ctrl.RollbackDeployment(context.Background(), "198.51.100.3", "deploy", false)
	require.NoError(t, err)

	st, err := states.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusRolledBack, st.Status)

	assert.True(t, exec.ran("docker compose down --remove-orphans"))
	assert.True(t, exec.ran("docker compose up -d"))
	assert.Contains(t, exec.uploads, "~/paas-deployment/docker-compose.yml")
	assert.Contains(t, exec.uploads, "~/paas-deployment/.env")
}

func TestRollbackWithVerify(t *testing.T) {
	_, ctrl, exec := setupEngine(t)
	exec.outputs["docker compose ps --format json"] = `{"Name":"web","State":"running"}` + "\n"

	err := ctrl.RollbackDeployment(context.Background(), "198.51.100.3", "deploy", true)
	require.NoError(t, err)
	assert.True(t, exec.ran("docker compose ps --format json"))
}

func TestRollbackDegradedVerifyIsNotFatal(t *testing.T) {
	states, ctrl, exec := setupEngine(t)
	exec.outputs["docker compose ps --format json"] = strings.Join([]string{
		`{"Name":"web","State":"running"}`,
		`{"Name":"worker","State":"exited"}`,
	}, "\n")

	err := ctrl.RollbackDeployment(context.Background(), "198.51.100.3", "deploy", true)
	require.NoError(t, err)

	st, err := states.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusRolledBack, st.Status)
}

func TestRollbackVerifyCommandFailureIsNotFatal(t *testing.T) {
	states, ctrl, exec := setupEngine(t)
	// compose ps can fail on the VM without a transport error.
	exec.exits["docker compose ps --format json"] = 1
	exec.outputs["docker compose ps --format json"] = "no configuration file provided"

	err := ctrl.RollbackDeployment(context.Background(), "198.51.100.3", "deploy", true)
	require.NoError(t, err)

	st, err := states.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusRolledBack, st.Status)
}

func TestRollbackMissingSnapshotLeavesRollingBack(t *testing.T) {
	states, err := state.NewManager(t.TempDir(), "acme", nil)
	require.NoError(t, err)

	require.NoError(t, states.Save(deployment(firstID, state.StatusRunning), true))
	second := deployment(secondID, state.StatusRunning)
	second.PreviousDeploymentID = firstID
	second.RollbackAvailable = true
	require.NoError(t, states.Save(second, true))

	exec := newFakeExec()
	snapshots, err := snapshot.NewManager("acme", filepath.Join(states.BaseDir(), "snapshots"), exec, nil)
	require.NoError(t, err)

	ctrl := NewController(states, snapshots, exec, nil)
	err = ctrl.RollbackDeployment(context.Background(), "h", "deploy", false)
	require.Error(t, err)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "find-snapshot", rerr.Stage)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	// The deployment is parked at rolling_back for an operator.
	st, err := states.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusRollingBack, st.Status)
}

func TestRollbackStopEscalatesToKill(t *testing.T) {
	states, ctrl, exec := setupEngine(t)
	exec.exits["docker compose down --remove-orphans"] = 1
	exec.outputs["docker compose down --remove-orphans"] = "network in use"

	err := ctrl.RollbackDeployment(context.Background(), "198.51.100.3", "deploy", false)
	require.NoError(t, err)

	assert.True(t, exec.ran("docker compose kill"))
	st, err := states.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusRolledBack, st.Status)
}

func TestRollbackStartFailure(t *testing.T) {
	states, ctrl, exec := setupEngine(t)
	exec.exits["docker compose up -d"] = 1

	err := ctrl.RollbackDeployment(context.Background(), "198.51.100.3", "deploy", false)
	require.Error(t, err)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "start-services", rerr.Stage)

	st, err := states.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusRollingBack, st.Status)
}

func TestRollbackPrecheckError(t *testing.T) {
	states, err := state.NewManager(t.TempDir(), "acme", nil)
	require.NoError(t, err)
	ctrl := NewController(states, nil, nil, nil)

	err = ctrl.RollbackDeployment(context.Background(), "h", "u", false)
	require.Error(t, err)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "precheck", rerr.Stage)
	assert.Contains(t, err.Error(), ReasonNoState)
}

func TestCreatePreDeploymentSnapshotBestEffort(t *testing.T) {
	states, err := state.NewManager(t.TempDir(), "acme", nil)
	require.NoError(t, err)

	exec := newFakeExec()
	// Force the capture probe itself to fail at transport level.
	snapshots, err := snapshot.NewManager("acme", filepath.Join(states.BaseDir(), "snapshots"), failingExec{}, nil)
	require.NoError(t, err)

	ctrl := NewController(states, snapshots, exec, nil)
	archive := ctrl.CreatePreDeploymentSnapshot(context.Background(), firstID, "h", "u")
	assert.Empty(t, archive)
}

// failingExec fails every remote operation at the transport level.
type failingExec struct{}

func (failingExec) Execute(ctx context.Context, host, user, command string) (int, string, error) {
	return -1, "", fmt.Errorf("connection refused")
}

func (failingExec) ExecuteStream(ctx context.Context, host, user, command string) (int, error) {
	return -1, fmt.Errorf("connection refused")
}

func (failingExec) Upload(ctx context.Context, host, user, localPath, remotePath string, recursive bool) error {
	return fmt.Errorf("connection refused")
}

func (failingExec) Download(ctx context.Context, host, user, remotePath, localPath string, recursive bool) error {
	return fmt.Errorf("connection refused")
}
