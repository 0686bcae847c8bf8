// Package cmd wires the paasctl commands together.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paasctl/paasctl/pkg/config"
	"github.com/paasctl/paasctl/pkg/telemetry"
)

var (
	cfgFile  string
	verbose  bool
	noColor  bool
	stateDir string

	// Version, GitCommit, and BuildTime are set via ldflags during build.
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "paasctl",
	Short: "Deploy and roll back multi-tenant workloads on single-tenant VMs",
	Long: `paasctl provisions a VM per tenant, deploys the tenant's services onto
it over SSH, and keeps a durable deployment history so any deployment
can be rolled back to its predecessor.

Deployment state, backups, and configuration snapshots live on the
operator machine; the tenant VM needs nothing but SSH and Docker.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := telemetry.Init(telemetry.DefaultConfig()); err != nil {
		fmt.Fprintln(os.Stderr, "tracing disabled:", err)
	}
	defer telemetry.Shutdown(context.Background())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.SetVersionTemplate(fmt.Sprintf(`paasctl {{.Version}}
Commit:  %s
Built:   %s
`, GitCommit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "tenant config file (default is ./paasctl.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state root directory (default is ~/.paasctl)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
}

// initConfig loads the nearest .env file and environment overrides.
func initConfig() {
	if envFile := config.FindEnvFile(); envFile != "" {
		_ = godotenv.Load(envFile)
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PAASCTL")
}

// stateRoot resolves the state root directory: flag, then env, then
// ~/.paasctl.
func stateRoot() (string, error) {
	if dir := viper.GetString("state_dir"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".paasctl"), nil
}
