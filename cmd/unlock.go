package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force-release the tenant's state lock",
	Long: `Force-release the tenant's state lock.

Use this when a crashed run left the lock behind. Releasing a lock
while its holder is still running lets two runs mutate the tenant's
state at once.`,
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	states, err := newStateManager(cfg, out)
	if err != nil {
		return err
	}

	holder, err := states.LockHolder()
	if err != nil {
		return err
	}
	if holder == nil {
		out.Info("No lock held for %s", cfg.Tenant)
		return nil
	}

	out.Warning("releasing lock held by %s (operation: %s, started: %s ago)",
		holder.Who, holder.Operation, time.Since(holder.Created).Round(time.Second))
	if err := states.ForceUnlock(); err != nil {
		return err
	}
	out.Success("Lock released for %s", cfg.Tenant)
	return nil
}
