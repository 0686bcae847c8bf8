// Package infra provisions the tenant VM through the Pulumi automation
// API and keeps the resulting stack state next to the deployment state.
package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/paasctl/paasctl/pkg/config"
	"github.com/paasctl/paasctl/pkg/formatter"
	"github.com/paasctl/paasctl/pkg/infra/providers"
	"github.com/paasctl/paasctl/pkg/ssh"
)

// Provisioner creates and destroys the single VM a tenant deploys onto.
type Provisioner struct {
	cfg     *config.TenantConfig
	stacks  *StackManager
	out     *formatter.Output
	verbose bool
}

// NewProvisioner creates a provisioner for the tenant. baseDir is the
// tenant's state directory.
func NewProvisioner(cfg *config.TenantConfig, baseDir string, out *formatter.Output, verbose bool) *Provisioner {
	if out == nil {
		out = formatter.New(false, false)
	}
	return &Provisioner{
		cfg:     cfg,
		stacks:  NewStackManager(baseDir, cfg.Tenant),
		out:     out,
		verbose: verbose,
	}
}

// program builds the inline Pulumi program: configure the provider,
// register the deploy key, create the VM.
func (p *Provisioner) program() (pulumi.RunFunc, error) {
	provider, err := providers.Get(p.cfg.Provider.Name)
	if err != nil {
		return nil, err
	}
	creds := credentialsFromEnv(provider.Name())

	publicKey, err := readPublicKey(p.cfg.VM.SSHKey)
	if err != nil {
		return nil, err
	}

	resourceName := fmt.Sprintf("paasctl-%s", p.cfg.Tenant)
	return func(ctx *pulumi.Context) error {
		if err := provider.Configure(ctx, creds); err != nil {
			return err
		}
		keyID, err := provider.CreateSSHKey(ctx, resourceName, publicKey)
		if err != nil {
			return err
		}
		req := providers.ServerRequest{
			Name:   resourceName,
			Tenant: p.cfg.Tenant,
			Region: p.cfg.Provider.Region,
			Size:   p.cfg.Provider.Size,
			Image:  p.cfg.Provider.Image,
		}
		return provider.CreateServer(ctx, req, keyID, publicKey)
	}, nil
}

// Provision brings the tenant VM up and returns its public IP once SSH
// accepts connections.
func (p *Provisioner) Provision(ctx context.Context) (string, error) {
	program, err := p.program()
	if err != nil {
		return "", err
	}

	stack, err := p.stacks.CreateStack(ctx, program)
	if err != nil {
		return "", err
	}

	p.out.Step("Provisioning VM for %s on %s", p.cfg.Tenant, p.cfg.Provider.Name)
	result, err := p.stacks.Up(ctx, stack, p.verbose)
	if err != nil {
		return "", err
	}
	if err := p.stacks.SaveOutputs(result.Outputs); err != nil {
		return "", err
	}

	ipOut, ok := result.Outputs[fmt.Sprintf("%s_ip", p.cfg.Tenant)]
	if !ok {
		return "", fmt.Errorf("stack produced no IP for tenant %s", p.cfg.Tenant)
	}
	ip, ok := ipOut.Value.(string)
	if !ok || ip == "" {
		return "", fmt.Errorf("stack produced an invalid IP for tenant %s", p.cfg.Tenant)
	}

	p.out.Info("VM at %s, waiting for SSH", ip)
	if err := ssh.WaitForReady(ctx, ip, p.cfg.VM.Port); err != nil {
		return "", fmt.Errorf("VM never became reachable: %w", err)
	}
	p.out.Success("VM for %s ready at %s", p.cfg.Tenant, ip)
	return ip, nil
}

// Preview shows what provisioning would change without applying it.
func (p *Provisioner) Preview(ctx context.Context) error {
	program, err := p.program()
	if err != nil {
		return err
	}
	stack, err := p.stacks.CreateStack(ctx, program)
	if err != nil {
		return err
	}

	p.out.Step("Previewing infrastructure for %s on %s", p.cfg.Tenant, p.cfg.Provider.Name)
	result, err := p.stacks.Preview(ctx, stack, p.verbose)
	if err != nil {
		return err
	}
	for op, count := range result.ChangeSummary {
		p.out.KeyValue(string(op), fmt.Sprintf("%d", count))
	}
	return nil
}

// Destroy tears the tenant VM down and clears the cached outputs.
func (p *Provisioner) Destroy(ctx context.Context) error {
	program, err := p.program()
	if err != nil {
		return err
	}
	stack, err := p.stacks.CreateStack(ctx, program)
	if err != nil {
		return err
	}

	p.out.Step("Destroying VM for %s", p.cfg.Tenant)
	if _, err := p.stacks.Destroy(ctx, stack, p.verbose); err != nil {
		return err
	}
	if err := p.stacks.ClearOutputs(); err != nil {
		return err
	}
	p.out.Success("Infrastructure for %s destroyed", p.cfg.Tenant)
	return nil
}

// VMAddress resolves the provisioned VM's IP from cached outputs.
func (p *Provisioner) VMAddress() (string, error) {
	return p.stacks.VMAddress()
}

// credentialsFromEnv reads the provider's API credentials from its
// conventional environment variables.
func credentialsFromEnv(provider string) providers.Credentials {
	switch provider {
	case "hetzner":
		return providers.Credentials{Token: os.Getenv("HCLOUD_TOKEN")}
	case "digitalocean":
		return providers.Credentials{Token: os.Getenv("DIGITALOCEAN_TOKEN")}
	case "linode":
		return providers.Credentials{Token: os.Getenv("LINODE_TOKEN")}
	case "aws":
		return providers.Credentials{
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		}
	}
	return providers.Credentials{}
}

// readPublicKey loads the public half of the deploy key.
func readPublicKey(keyPath string) (string, error) {
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		keyPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	data, err := os.ReadFile(keyPath + ".pub")
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
