package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paasctl/paasctl/pkg/rollback"
)

var (
	rollbackSkipVerify  bool
	rollbackWaitForLock bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back to the previous deployment",
	Long: `Roll back the tenant to its previous deployment.

The previous deployment's state is restored from the backup history and
its configuration snapshot is re-applied to the VM before services are
restarted. Only one step back is supported; a rolled-back deployment is
terminal.

Examples:
  paasctl rollback                 # Roll back and verify service health
  paasctl rollback --skip-verify   # Roll back without the health probe`,
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().BoolVar(&rollbackSkipVerify, "skip-verify", false, "Skip the post-rollback health verification")
	rollbackCmd.Flags().BoolVar(&rollbackWaitForLock, "wait", false, "Wait for the tenant lock instead of failing when it is held")
}

func runRollback(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	states, err := newStateManager(cfg, out)
	if err != nil {
		return err
	}
	if err := acquireLock(states, "rollback", rollbackWaitForLock); err != nil {
		return err
	}
	defer states.ReleaseLock()

	host, err := resolveHost(cfg)
	if err != nil {
		return err
	}

	exec := newExecutor(cfg, out)
	defer exec.Close()

	snapshots, err := newSnapshotManager(cfg, exec, out)
	if err != nil {
		return err
	}

	ctrl := rollback.NewController(states, snapshots, exec, out)
	if ok, reason := ctrl.CanRollback(); !ok {
		return fmt.Errorf("cannot roll back: %s", reason)
	}
	return ctrl.RollbackDeployment(cmd.Context(), host, cfg.VM.User, !rollbackSkipVerify)
}
