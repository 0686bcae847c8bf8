// Package deployer drives per-service deployment for a tenant,
// skipping services whose configuration digest is unchanged.
package deployer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/paasctl/paasctl/internal/state"
	"github.com/paasctl/paasctl/pkg/config"
	"github.com/paasctl/paasctl/pkg/formatter"
	"github.com/paasctl/paasctl/pkg/remote"
	"github.com/paasctl/paasctl/pkg/telemetry"
)

const (
	// composeDir is where the tenant's compose project lives on the VM.
	composeDir = "~/paas-deployment"

	// nixFlakeDir is where the tenant's flake is staged before a rebuild.
	nixFlakeDir = composeDir + "/nixos"
)

// Deployer deploys a tenant's services over the remote executor and
// records the outcome in the state manager.
type Deployer struct {
	cfg    *config.TenantConfig
	states *state.Manager
	exec   remote.Executor
	out    *formatter.Output
}

// New creates a deployer for the given tenant.
func New(cfg *config.TenantConfig, states *state.Manager, exec remote.Executor, out *formatter.Output) *Deployer {
	if out == nil {
		out = formatter.New(false, false)
	}
	return &Deployer{cfg: cfg, states: states, exec: exec, out: out}
}

// DeployServices deploys each configured service in name order. Services
// whose environment digest matches the recorded one are skipped.
func (d *Deployer) DeployServices(ctx context.Context, vmHost, vmUser string) error {
	names := make([]string, 0, len(d.cfg.Services))
	for name := range d.cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := d.deployService(ctx, name, vmHost, vmUser); err != nil {
			return fmt.Errorf("failed to deploy %s: %w", name, err)
		}
	}
	return nil
}

func (d *Deployer) deployService(ctx context.Context, name, vmHost, vmUser string) error {
	svc := d.cfg.Services[name]

	var envHash string
	if svc.EnvFile != "" {
		// Catch a malformed env file before anything touches the VM.
		if _, err := config.LoadEnvFile(svc.EnvFile); err != nil {
			return err
		}
		hash, err := config.EnvironmentHash(svc.EnvFile)
		if err != nil {
			return err
		}
		envHash = hash
	}

	if !d.states.RequiresUpdate(name, envHash) {
		d.out.Info("%s unchanged, skipping", name)
		return nil
	}

	ctx, span := telemetry.TraceDeploy(ctx, d.cfg.Tenant, name)
	defer span.End()

	d.out.Step("Deploying %s", name)

	if err := d.states.AddService(name, svc.Version, svc.Image, svc.Ports); err != nil {
		return err
	}

	if svc.EnvFile != "" {
		target := fmt.Sprintf("%s/env/%s.env", composeDir, name)
		if code, output, err := d.exec.Execute(ctx, vmHost, vmUser, fmt.Sprintf("mkdir -p %s/env", composeDir)); err != nil {
			return err
		} else if code != 0 {
			return fmt.Errorf("failed to prepare env directory: %s", output)
		}
		if err := d.exec.Upload(ctx, vmHost, vmUser, svc.EnvFile, target, false); err != nil {
			return err
		}
	}

	if err := d.startService(ctx, name, svc, vmHost, vmUser); err != nil {
		telemetry.RecordError(ctx, err)
		d.states.UpdateServiceStatus(name, state.ServiceStopped, false)
		return err
	}

	if envHash != "" {
		if err := d.states.SetEnvironmentHash(name, envHash); err != nil {
			return err
		}
	}
	d.out.Success("%s deployed", name)
	return nil
}

func (d *Deployer) startService(ctx context.Context, name string, svc config.ServiceConfig, vmHost, vmUser string) error {
	var cmd string
	switch d.cfg.RuntimeType() {
	case state.RuntimeDocker:
		profiles := ""
		for _, p := range svc.Profiles {
			profiles += fmt.Sprintf(" --profile %s", p)
		}
		cmd = fmt.Sprintf("cd %s && docker compose%s up -d %s", composeDir, profiles, name)
	case state.RuntimeNix:
		// The flake is staged onto the VM before every rebuild so the
		// switch always applies the local configuration.
		info, err := os.Stat(d.cfg.Nix.Flake)
		if err != nil {
			return fmt.Errorf("nix flake unavailable: %w", err)
		}
		if err := d.exec.Upload(ctx, vmHost, vmUser, d.cfg.Nix.Flake, nixFlakeDir, info.IsDir()); err != nil {
			return fmt.Errorf("failed to stage nix flake: %w", err)
		}
		cmd = fmt.Sprintf("sudo nixos-rebuild switch --flake %s#%s", nixFlakeDir, d.cfg.Tenant)
	default:
		return fmt.Errorf("unsupported runtime %q", d.cfg.Runtime)
	}

	code, err := d.exec.ExecuteStream(ctx, vmHost, vmUser, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("start command exited with status %d", code)
	}
	return nil
}

// CheckHealth probes every deployed service in parallel and records the
// result. Unhealthy probes increment the service's failure counter.
func (d *Deployer) CheckHealth(ctx context.Context, vmHost, vmUser string) error {
	st, err := d.states.Load()
	if err != nil {
		return err
	}
	if st == nil {
		return state.ErrNoDeployment
	}

	names := make([]string, 0, len(st.Services))
	for name := range st.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]state.ServiceStatus, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			status, err := d.probeService(gctx, name, vmHost, vmUser)
			if err != nil {
				return err
			}
			statuses[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// State writes stay sequential: the manager serializes them anyway
	// and ordered updates keep the backup history deterministic.
	for i, name := range names {
		status := statuses[i]
		increment := status != state.ServiceHealthy
		if err := d.states.UpdateServiceStatus(name, status, increment); err != nil {
			return err
		}
		if status == state.ServiceHealthy {
			d.out.Success("%s healthy", name)
		} else {
			d.out.Warning("%s %s", name, status)
		}
	}
	return nil
}

func (d *Deployer) probeService(ctx context.Context, name, vmHost, vmUser string) (state.ServiceStatus, error) {
	if d.cfg.RuntimeType() == state.RuntimeNix {
		return d.probeNixService(ctx, name, vmHost, vmUser)
	}

	code, output, err := d.exec.Execute(ctx, vmHost, vmUser,
		fmt.Sprintf("cd %s && docker compose ps --format json %s", composeDir, name))
	if err != nil {
		return state.ServiceUnknown, err
	}
	if code != 0 {
		return state.ServiceUnknown, nil
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry struct {
			State string `json:"State"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		switch strings.ToLower(entry.State) {
		case "running":
			return state.ServiceHealthy, nil
		case "restarting", "created":
			return state.ServiceStarting, nil
		case "exited", "dead":
			return state.ServiceStopped, nil
		default:
			return state.ServiceUnhealthy, nil
		}
	}
	return state.ServiceStopped, nil
}

// probeNixService checks a systemd unit, since nix services run as
// systemd units rather than compose containers.
func (d *Deployer) probeNixService(ctx context.Context, name, vmHost, vmUser string) (state.ServiceStatus, error) {
	_, output, err := d.exec.Execute(ctx, vmHost, vmUser, fmt.Sprintf("systemctl is-active %s", name))
	if err != nil {
		return state.ServiceUnknown, err
	}

	switch strings.TrimSpace(output) {
	case "active":
		return state.ServiceHealthy, nil
	case "activating", "reloading":
		return state.ServiceStarting, nil
	case "inactive", "failed", "deactivating":
		return state.ServiceStopped, nil
	default:
		return state.ServiceUnhealthy, nil
	}
}
