package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var snapshotDescription string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage configuration snapshots",
	Long: `Manage the tenant's configuration snapshots.

A snapshot captures the deployment configuration on the VM (compose
file, environment, config directory) so a later rollback can restore
it. Snapshots never include service data.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the current deployment's configuration",
	RunE:  runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE:  runSnapshotList,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <deployment-id>",
	Short: "Restore a snapshot's configuration to the VM",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRestore,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRestoreCmd)
	snapshotCreateCmd.Flags().StringVarP(&snapshotDescription, "description", "d", "", "Snapshot description")
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	states, err := newStateManager(cfg, out)
	if err != nil {
		return err
	}
	st, err := states.Load()
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no deployment to snapshot for %s", cfg.Tenant)
	}

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
	_, err = snapshots.Create(cmd.Context(), st.DeploymentID, host, cfg.VM.User, snapshotDescription)
	return err
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snapshots, err := newSnapshotManager(cfg, nil, out)
	if err != nil {
		return err
	}

	list, err := snapshots.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		out.Info("No snapshots for %s", cfg.Tenant)
		return nil
	}

	rows := make([][]string, 0, len(list))
	for _, meta := range list {
		rows = append(rows, []string{
			meta.DeploymentID,
			meta.Timestamp.Local().Format(time.RFC3339),
			fmt.Sprintf("%d KB", meta.SizeKB),
			meta.Description,
		})
	}
	out.Table([]string{"DEPLOYMENT", "TAKEN", "SIZE", "DESCRIPTION"}, rows)
	return nil
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
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
	meta, err := snapshots.FindByDeploymentID(args[0])
	if err != nil {
		return err
	}
	return snapshots.Restore(cmd.Context(), meta.ArchivePath, host, cfg.VM.User)
}
