package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View the tenant's deployment history",
	Long: `View the tenant's deployment history, newest first.

Each entry is a state backup captured before a state change. The entry
marked with the previous deployment id is the rollback target.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Maximum entries to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	states, err := newStateManager(cfg, out)
	if err != nil {
		return err
	}

	entries, err := states.History(historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		out.Info("No deployment history for %s", cfg.Tenant)
		return nil
	}

	current, _ := states.Load()

	out.Section("Deployment history: " + cfg.Tenant)
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		marker := ""
		if current != nil && e.State.DeploymentID == current.PreviousDeploymentID {
			marker = "rollback target"
		}
		rows = append(rows, []string{
			e.State.DeploymentID,
			string(e.State.Status),
			e.State.UpdatedAt.Local().Format(time.RFC3339),
			fmt.Sprintf("%d", len(e.State.Services)),
			marker,
		})
	}
	out.Table([]string{"DEPLOYMENT", "STATUS", "UPDATED", "SERVICES", ""}, rows)
	return nil
}
