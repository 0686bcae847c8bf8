// Package rollback restores a tenant's previous deployment from its
// snapshot: stop services, restore configuration, restart, verify.
package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paasctl/paasctl/internal/state"
	"github.com/paasctl/paasctl/pkg/formatter"
	"github.com/paasctl/paasctl/pkg/remote"
	"github.com/paasctl/paasctl/pkg/snapshot"
	"github.com/paasctl/paasctl/pkg/telemetry"
)

const (
	// composeDir is where the tenant's compose project lives on the VM.
	composeDir = "~/paas-deployment"

	// defaultSettleDelay is how long services get to come up before the
	// post-rollback health probe.
	defaultSettleDelay = 10 * time.Second
)

// Reasons returned by CanRollback.
const (
	ReasonNoState            = "No deployment state found"
	ReasonNoPrevious         = "No previous deployment available"
	ReasonAlreadyRollingBack = "Rollback already in progress"
	ReasonAlreadyRolledBack  = "Already rolled back"
)

// Error wraps any failure during a rollback run. When it is returned the
// deployment status stays at rolling_back: the situation needs an
// operator, not an automatic retry.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rollback failed during %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Controller composes the state manager and snapshot manager into the
// rollback sequence. Concurrent rollback invocations against the same
// tenant are unsupported; the advisory state lock serializes runs on one
// host only.
type Controller struct {
	states      *state.Manager
	snapshots   *snapshot.Manager
	exec        remote.Executor
	out         *formatter.Output
	settleDelay time.Duration
}

// NewController creates a rollback controller.
func NewController(states *state.Manager, snapshots *snapshot.Manager, exec remote.Executor, out *formatter.Output) *Controller {
	if out == nil {
		out = formatter.New(false, false)
	}
	return &Controller{
		states:      states,
		snapshots:   snapshots,
		exec:        exec,
		out:         out,
		settleDelay: defaultSettleDelay,
	}
}

// CanRollback reports whether a rollback is currently possible and, if
// not, why.
func (c *Controller) CanRollback() (bool, string) {
	st, err := c.states.Load()
	if err != nil || st == nil {
		return false, ReasonNoState
	}
	if !st.RollbackAvailable {
		return false, ReasonNoPrevious
	}
	switch st.Status {
	case state.StatusRollingBack:
		return false, ReasonAlreadyRollingBack
	case state.StatusRolledBack:
		return false, ReasonAlreadyRolledBack
	}
	return true, ""
}

// RollbackDeployment runs the full rollback sequence against the tenant
// VM. On failure the deployment is left in rolling_back and the error
// wrapped in *Error.
func (c *Controller) RollbackDeployment(ctx context.Context, vmHost, vmUser string, verifyHealth bool) error {
	ok, reason := c.CanRollback()
	if !ok {
		return &Error{Stage: "precheck", Err: fmt.Errorf("%s", reason)}
	}

	st, err := c.states.Load()
	if err != nil {
		return &Error{Stage: "precheck", Err: err}
	}

	ctx, span := telemetry.TraceRollback(ctx, st.Tenant, st.DeploymentID)
	defer span.End()

	c.out.Section("Rolling back " + st.Tenant)

	if err := c.states.MarkRollbackStarted(); err != nil {
		return &Error{Stage: "mark-rolling-back", Err: err}
	}

	prev, err := c.states.GetPreviousState()
	if err != nil {
		return c.fail(ctx, "resolve-previous", err)
	}
	if prev == nil {
		return c.fail(ctx, "resolve-previous",
			fmt.Errorf("no backup found for deployment %s", st.PreviousDeploymentID))
	}
	c.out.Info("Rolling back to %s", prev.DeploymentID)

	snap, err := c.snapshots.FindByDeploymentID(prev.DeploymentID)
	if err != nil {
		return c.fail(ctx, "find-snapshot", err)
	}

	if err := c.stopServices(ctx, vmHost, vmUser); err != nil {
		return c.fail(ctx, "stop-services", err)
	}

	if err := c.snapshots.Restore(ctx, snap.ArchivePath, vmHost, vmUser); err != nil {
		return c.fail(ctx, "restore-snapshot", err)
	}

	if err := c.startServices(ctx, vmHost, vmUser); err != nil {
		return c.fail(ctx, "start-services", err)
	}

	if verifyHealth {
		c.verifyServices(ctx, vmHost, vmUser)
	}

	if err := c.states.MarkRollbackComplete(); err != nil {
		return c.fail(ctx, "mark-rolled-back", err)
	}

	c.out.Success("Rollback to %s complete", prev.DeploymentID)
	return nil
}

func (c *Controller) fail(ctx context.Context, stage string, err error) error {
	telemetry.RecordError(ctx, err)
	c.out.Error("rollback: %s: %v", stage, err)
	return &Error{Stage: stage, Err: err}
}

// stopServices stops the compose project, escalating from a graceful
// down to a kill if the graceful stop fails.
func (c *Controller) stopServices(ctx context.Context, vmHost, vmUser string) error {
	c.out.Step("Stopping services")

	code, output, err := c.exec.Execute(ctx, vmHost, vmUser,
		fmt.Sprintf("cd %s && docker compose down --remove-orphans", composeDir))
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}

	c.out.Warning("graceful stop failed (%s), forcing", strings.TrimSpace(output))
	code, output, err = c.exec.Execute(ctx, vmHost, vmUser,
		fmt.Sprintf("cd %s && docker compose kill", composeDir))
	if err != nil {
		return err
	}
	if code != 0 {
		c.out.Warning("forced stop reported: %s", strings.TrimSpace(output))
	}
	return nil
}

// startServices brings the restored compose project back up, streaming
// output so the operator sees progress.
func (c *Controller) startServices(ctx context.Context, vmHost, vmUser string) error {
	c.out.Step("Restarting services")

	code, err := c.exec.ExecuteStream(ctx, vmHost, vmUser,
		fmt.Sprintf("cd %s && docker compose up -d", composeDir))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("docker compose up exited with status %d", code)
	}
	return nil
}

// verifyServices waits for services to settle, then counts how many
// compose entries report a running state. A partial result is logged,
// never fatal: the rollback itself already succeeded.
func (c *Controller) verifyServices(ctx context.Context, vmHost, vmUser string) {
	c.out.Step("Verifying services")
	if c.settleDelay > 0 {
		time.Sleep(c.settleDelay)
	}

	code, output, err := c.exec.Execute(ctx, vmHost, vmUser,
		fmt.Sprintf("cd %s && docker compose ps --format json", composeDir))
	if err != nil {
		c.out.Warning("could not verify services: %v", err)
		return
	}
	if code != 0 {
		c.out.Warning("could not verify services: compose ps exited with status %d: %s",
			code, strings.TrimSpace(output))
		return
	}

	running, total := countRunning(output)
	if total == 0 {
		c.out.Warning("no services reported by compose")
		return
	}
	if running < total {
		c.out.Warning("%d/%d services running after rollback", running, total)
		return
	}
	c.out.Success("%d/%d services running", running, total)
}

// countRunning parses `docker compose ps --format json` output, one JSON
// object per line, and counts entries in the running state.
func countRunning(output string) (running, total int) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry struct {
			Name  string `json:"Name"`
			State string `json:"State"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		total++
		if strings.EqualFold(entry.State, "running") {
			running++
		}
	}
	return running, total
}

// CreatePreDeploymentSnapshot captures the current remote configuration
// before a risky redeploy. Best effort: a failure is logged and returns
// an empty path, because a missing snapshot should not block the deploy;
// it only forecloses a later rollback.
func (c *Controller) CreatePreDeploymentSnapshot(ctx context.Context, deploymentID, vmHost, vmUser string) string {
	archive, err := c.snapshots.Create(ctx, deploymentID, vmHost, vmUser, "pre-deployment snapshot")
	if err != nil {
		c.out.Warning("pre-deployment snapshot failed: %v", err)
		return ""
	}
	return archive
}
