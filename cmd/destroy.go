package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paasctl/paasctl/pkg/infra"
)

var destroyForce bool

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy the tenant's VM",
	Long: `Destroy tears down the tenant's VM and clears the cached
infrastructure outputs. Deployment state, backups, and snapshots on the
operator machine are kept.

Examples:
  paasctl destroy           # Prompts for confirmation
  paasctl destroy --force   # Skips the prompt`,
	RunE: runDestroy,
}

func init() {
	rootCmd.AddCommand(destroyCmd)
	destroyCmd.Flags().BoolVarP(&destroyForce, "force", "f", false, "Skip the confirmation prompt")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !destroyForce {
		fmt.Printf("Destroy the VM for tenant %s? [y/N]: ", cfg.Tenant)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			out.Info("Aborted")
			return nil
		}
	}

	dir, err := tenantDir(cfg.Tenant)
	if err != nil {
		return err
	}
	p := infra.NewProvisioner(cfg, dir, out, verbose)
	return p.Destroy(cmd.Context())
}
