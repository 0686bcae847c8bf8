package providers

import (
	"fmt"

	"github.com/pulumi/pulumi-digitalocean/sdk/v4/go/digitalocean"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// DigitalOcean provisions tenant VMs as Droplets.
type DigitalOcean struct{}

// NewDigitalOcean creates a DigitalOcean provider.
func NewDigitalOcean() Provider {
	return &DigitalOcean{}
}

func (p *DigitalOcean) Name() string {
	return "digitalocean"
}

func (p *DigitalOcean) Configure(ctx *pulumi.Context, creds Credentials) error {
	if creds.Token == "" {
		return fmt.Errorf("digitalocean requires a token (set DIGITALOCEAN_TOKEN)")
	}
	_, err := digitalocean.NewProvider(ctx, "do-provider", &digitalocean.ProviderArgs{
		Token: pulumi.String(creds.Token),
	})
	if err != nil {
		return fmt.Errorf("failed to configure digitalocean provider: %w", err)
	}
	return nil
}

func (p *DigitalOcean) CreateSSHKey(ctx *pulumi.Context, keyName, publicKey string) (pulumi.StringOutput, error) {
	key, err := digitalocean.NewSshKey(ctx, keyName, &digitalocean.SshKeyArgs{
		Name:      pulumi.String(keyName),
		PublicKey: pulumi.String(publicKey),
	})
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("failed to create ssh key: %w", err)
	}
	ctx.Export("ssh_key_id", key.ID())
	return key.ID().ToStringOutput(), nil
}

func (p *DigitalOcean) CreateServer(ctx *pulumi.Context, req ServerRequest, sshKeyID pulumi.StringOutput, publicKey string) error {
	size := req.Size
	if size == "" {
		size = p.DefaultSize()
	}
	image := req.Image
	if image == "" {
		image = p.DefaultImage()
	}

	droplet, err := digitalocean.NewDroplet(ctx, req.Name, &digitalocean.DropletArgs{
		Name:    pulumi.String(req.Name),
		Size:    pulumi.String(size),
		Image:   pulumi.String(image),
		Region:  pulumi.String(req.Region),
		SshKeys: pulumi.StringArray{sshKeyID},
		Tags: pulumi.StringArray{
			pulumi.String("paasctl"),
			pulumi.String("tenant:" + req.Tenant),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create droplet %s: %w", req.Name, err)
	}

	ctx.Export(fmt.Sprintf("%s_id", req.Tenant), droplet.ID())
	ctx.Export(fmt.Sprintf("%s_ip", req.Tenant), droplet.Ipv4Address)
	return nil
}

func (p *DigitalOcean) DefaultImage() string {
	return "ubuntu-22-04-x64"
}

func (p *DigitalOcean) DefaultSize() string {
	return "s-1vcpu-1gb"
}
