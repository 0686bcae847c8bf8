package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/paasctl/paasctl/internal/state"
	"github.com/paasctl/paasctl/pkg/config"
	"github.com/paasctl/paasctl/pkg/formatter"
	"github.com/paasctl/paasctl/pkg/infra"
	"github.com/paasctl/paasctl/pkg/remote"
	"github.com/paasctl/paasctl/pkg/snapshot"
)

func output() *formatter.Output {
	return formatter.New(verbose, noColor)
}

func loadConfig() (*config.TenantConfig, error) {
	path := cfgFile
	if path == "" {
		path = "paasctl.yaml"
	}
	return config.Load(path)
}

// tenantDir is the per-tenant state directory under the state root.
func tenantDir(tenant string) (string, error) {
	root, err := stateRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "tenants", tenant), nil
}

func newStateManager(cfg *config.TenantConfig, out *formatter.Output) (*state.Manager, error) {
	root, err := stateRoot()
	if err != nil {
		return nil, err
	}
	return state.NewManager(root, cfg.Tenant, out)
}

func newSnapshotManager(cfg *config.TenantConfig, exec remote.Executor, out *formatter.Output) (*snapshot.Manager, error) {
	dir, err := tenantDir(cfg.Tenant)
	if err != nil {
		return nil, err
	}
	return snapshot.NewManager(cfg.Tenant, filepath.Join(dir, "snapshots"), exec, out)
}

func newExecutor(cfg *config.TenantConfig, out *formatter.Output) *remote.SSHExecutor {
	opts := remote.DefaultOptions(cfg.VM.SSHKey)
	opts.Port = cfg.VM.Port
	opts.Debug = verbose
	return remote.NewSSHExecutor(opts, out)
}

// acquireLock takes the tenant lock, optionally waiting for a current
// holder instead of failing.
func acquireLock(states *state.Manager, operation string, wait bool) error {
	if wait {
		return states.AcquireLockWait(operation)
	}
	return states.AcquireLock(operation)
}

// resolveHost returns the tenant VM address: the configured host when
// set, otherwise the cached provisioning output.
func resolveHost(cfg *config.TenantConfig) (string, error) {
	if cfg.VM.Host != "" {
		return cfg.VM.Host, nil
	}
	dir, err := tenantDir(cfg.Tenant)
	if err != nil {
		return "", err
	}
	ip, err := infra.NewStackManager(dir, cfg.Tenant).VMAddress()
	if err != nil {
		return "", fmt.Errorf("no VM configured for %s: %w", cfg.Tenant, err)
	}
	return ip, nil
}
