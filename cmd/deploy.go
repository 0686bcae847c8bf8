package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paasctl/paasctl/internal/state"
	"github.com/paasctl/paasctl/pkg/deployer"
	"github.com/paasctl/paasctl/pkg/rollback"
)

var (
	deploySkipSnapshot bool
	deployWaitForLock  bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the tenant's services to its VM",
	Long: `Deploy the tenant's services to its VM.

Each run records a new deployment linked to its predecessor, so the
previous deployment remains available for rollback. Before anything
changes on the VM, the current configuration is snapshotted.

Examples:
  paasctl deploy                   # Deploy with a pre-deployment snapshot
  paasctl deploy --skip-snapshot   # Deploy without snapshotting first
  paasctl deploy --wait            # Wait for a concurrent run to finish`,
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().BoolVar(&deploySkipSnapshot, "skip-snapshot", false, "Skip the pre-deployment configuration snapshot")
	deployCmd.Flags().BoolVar(&deployWaitForLock, "wait", false, "Wait for the tenant lock instead of failing when it is held")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	states, err := newStateManager(cfg, out)
	if err != nil {
		return err
	}
	if err := acquireLock(states, "deploy", deployWaitForLock); err != nil {
		return err
	}
	defer states.ReleaseLock()

	host, err := resolveHost(cfg)
	if err != nil {
		return err
	}
	user := cfg.VM.User

	exec := newExecutor(cfg, out)
	defer exec.Close()

	snapshots, err := newSnapshotManager(cfg, exec, out)
	if err != nil {
		return err
	}

	// Snapshot the running deployment before touching anything.
	if !deploySkipSnapshot {
		if prev, err := states.Load(); err == nil && prev != nil {
			ctrl := rollback.NewController(states, snapshots, exec, out)
			ctrl.CreatePreDeploymentSnapshot(cmd.Context(), prev.DeploymentID, host, user)
		}
	}

	st, err := states.CreateNewDeployment(cfg.RuntimeType(), cfg.Domain, host, user, cfg.Metadata)
	if err != nil {
		return err
	}
	out.Section("Deploying " + cfg.Tenant)
	out.KeyValue("Deployment", st.DeploymentID)
	out.KeyValue("Target", fmt.Sprintf("%s@%s", user, host))

	if err := states.UpdateStatus(state.StatusValidating); err != nil {
		return err
	}
	// Config was validated on load; nothing further to check here.
	if err := states.UpdateStatus(state.StatusProvisioning); err != nil {
		return err
	}
	if err := states.UpdateStatus(state.StatusDeploying); err != nil {
		return err
	}

	d := deployer.New(cfg, states, exec, out)
	if err := d.DeployServices(cmd.Context(), host, user); err != nil {
		if serr := states.UpdateStatus(state.StatusFailed); serr != nil {
			out.Warning("could not record failure: %v", serr)
		}
		return err
	}

	if err := states.UpdateStatus(state.StatusRunning); err != nil {
		return err
	}

	if err := d.CheckHealth(cmd.Context(), host, user); err != nil {
		out.Warning("health check incomplete: %v", err)
	}
	if unhealthy := states.GetUnhealthyServices(); len(unhealthy) > 0 {
		out.Warning("unhealthy services after deploy: %v", unhealthy)
		if serr := states.UpdateStatus(state.StatusDegraded); serr != nil {
			out.Warning("could not record degraded status: %v", serr)
		}
	}

	out.Success("Deployment %s complete", st.DeploymentID)
	return nil
}
