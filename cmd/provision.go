package cmd

import (
	"github.com/spf13/cobra"

	"github.com/paasctl/paasctl/pkg/infra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the tenant's VM",
	Long: `Provision creates the tenant's VM on the configured cloud provider.

Infrastructure state is managed with Pulumi and stored locally under
the tenant's state directory. The command waits until the VM accepts
SSH connections before returning.

Supported providers: hetzner, digitalocean, aws, linode

Examples:
  paasctl provision
  paasctl provision --preview   # Show pending changes without applying
  paasctl provision --verbose   # Stream Pulumi progress`,
	RunE: runProvision,
}

var provisionPreview bool

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().BoolVar(&provisionPreview, "preview", false, "Show pending infrastructure changes without applying them")
}

func runProvision(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := tenantDir(cfg.Tenant)
	if err != nil {
		return err
	}

	p := infra.NewProvisioner(cfg, dir, out, verbose)
	if provisionPreview {
		return p.Preview(cmd.Context())
	}

	ip, err := p.Provision(cmd.Context())
	if err != nil {
		return err
	}

	out.KeyValue("Tenant", cfg.Tenant)
	out.KeyValue("VM", ip)
	out.Info("Run 'paasctl deploy' to deploy services")
	return nil
}
