package providers

import (
	"fmt"

	"github.com/pulumi/pulumi-hcloud/sdk/go/hcloud"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Hetzner provisions tenant VMs on Hetzner Cloud.
type Hetzner struct{}

// NewHetzner creates a Hetzner Cloud provider.
func NewHetzner() Provider {
	return &Hetzner{}
}

func (p *Hetzner) Name() string {
	return "hetzner"
}

func (p *Hetzner) Configure(ctx *pulumi.Context, creds Credentials) error {
	if creds.Token == "" {
		return fmt.Errorf("hetzner requires a token (set HCLOUD_TOKEN)")
	}
	_, err := hcloud.NewProvider(ctx, "hcloud-provider", &hcloud.ProviderArgs{
		Token: pulumi.String(creds.Token),
	})
	if err != nil {
		return fmt.Errorf("failed to configure hetzner provider: %w", err)
	}
	return nil
}

func (p *Hetzner) CreateSSHKey(ctx *pulumi.Context, keyName, publicKey string) (pulumi.StringOutput, error) {
	key, err := hcloud.NewSshKey(ctx, keyName, &hcloud.SshKeyArgs{
		Name:      pulumi.String(keyName),
		PublicKey: pulumi.String(publicKey),
	})
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("failed to create ssh key: %w", err)
	}
	ctx.Export("ssh_key_id", key.ID())
	return key.ID().ToStringOutput(), nil
}

func (p *Hetzner) CreateServer(ctx *pulumi.Context, req ServerRequest, sshKeyID pulumi.StringOutput, publicKey string) error {
	size := req.Size
	if size == "" {
		size = p.DefaultSize()
	}
	image := req.Image
	if image == "" {
		image = p.DefaultImage()
	}

	server, err := hcloud.NewServer(ctx, req.Name, &hcloud.ServerArgs{
		Name:       pulumi.String(req.Name),
		ServerType: pulumi.String(size),
		Image:      pulumi.String(image),
		Location:   pulumi.String(req.Region),
		Labels: pulumi.ToStringMap(map[string]string{
			"tenant":     req.Tenant,
			"managed-by": "paasctl",
		}),
		SshKeys: pulumi.StringArray{sshKeyID},
	})
	if err != nil {
		return fmt.Errorf("failed to create server %s: %w", req.Name, err)
	}

	ctx.Export(fmt.Sprintf("%s_id", req.Tenant), server.ID())
	ctx.Export(fmt.Sprintf("%s_ip", req.Tenant), server.Ipv4Address)
	return nil
}

func (p *Hetzner) DefaultImage() string {
	return "ubuntu-22.04"
}

func (p *Hetzner) DefaultSize() string {
	return "cax11"
}
