// Package config loads tenant configuration and computes the
// environment digests used for change detection.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/paasctl/paasctl/internal/state"
)

// TenantConfig is the YAML configuration for one tenant deployment.
type TenantConfig struct {
	Tenant   string                   `yaml:"tenant"`
	Runtime  string                   `yaml:"runtime"` // docker or nix
	Domain   string                   `yaml:"domain"`
	Provider ProviderConfig           `yaml:"provider,omitempty"`
	Nix      NixConfig                `yaml:"nix,omitempty"`
	VM       VMConfig                 `yaml:"vm"`
	Services map[string]ServiceConfig `yaml:"services"`
	Metadata map[string]any           `yaml:"metadata,omitempty"`
}

// ProviderConfig selects and parameterizes the cloud provider used to
// provision the tenant VM.
type ProviderConfig struct {
	Name   string `yaml:"name"` // hetzner, digitalocean, aws, linode
	Region string `yaml:"region"`
	Size   string `yaml:"size"`
	Image  string `yaml:"image,omitempty"`
}

// NixConfig holds the nix runtime's deployment source: the local flake
// directory staged onto the VM before nixos-rebuild runs.
type NixConfig struct {
	Flake string `yaml:"flake"`
}

// VMConfig holds connection details for the tenant VM.
type VMConfig struct {
	Host   string `yaml:"host,omitempty"` // filled in by provisioning when empty
	User   string `yaml:"user"`
	Port   int    `yaml:"port,omitempty"`
	SSHKey string `yaml:"ssh_key"`
}

// ServiceConfig describes one service to deploy.
type ServiceConfig struct {
	Image    string   `yaml:"image,omitempty"`
	Version  string   `yaml:"version,omitempty"`
	Ports    []int    `yaml:"ports,omitempty"`
	EnvFile  string   `yaml:"env_file,omitempty"`
	Profiles []string `yaml:"profiles,omitempty"`
}

// Load reads and validates a tenant config file.
func Load(path string) (*TenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg TenantConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Validate checks required fields and the runtime value.
func (c *TenantConfig) Validate() error {
	if c.Tenant == "" {
		return fmt.Errorf("config: tenant is required")
	}
	switch state.Runtime(c.Runtime) {
	case state.RuntimeDocker, state.RuntimeNix:
	default:
		return fmt.Errorf("config: runtime must be %q or %q, got %q",
			state.RuntimeDocker, state.RuntimeNix, c.Runtime)
	}
	if c.VM.User == "" {
		return fmt.Errorf("config: vm.user is required")
	}
	if state.Runtime(c.Runtime) == state.RuntimeNix && c.Nix.Flake == "" {
		return fmt.Errorf("config: nix.flake is required for the nix runtime")
	}
	for name, svc := range c.Services {
		if state.Runtime(c.Runtime) == state.RuntimeDocker && svc.Image == "" {
			return fmt.Errorf("config: service %q needs an image for the docker runtime", name)
		}
	}
	return nil
}

func (c *TenantConfig) applyDefaults(baseDir string) {
	if c.VM.Port == 0 {
		c.VM.Port = 22
	}
	// Env file and flake paths are relative to the config file.
	for name, svc := range c.Services {
		if svc.EnvFile != "" && !filepath.IsAbs(svc.EnvFile) {
			svc.EnvFile = filepath.Join(baseDir, svc.EnvFile)
			c.Services[name] = svc
		}
	}
	if c.Nix.Flake != "" && !filepath.IsAbs(c.Nix.Flake) {
		c.Nix.Flake = filepath.Join(baseDir, c.Nix.Flake)
	}
}

// RuntimeType returns the runtime as a typed value.
func (c *TenantConfig) RuntimeType() state.Runtime {
	return state.Runtime(c.Runtime)
}
