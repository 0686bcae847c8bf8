package providers

import (
	"fmt"

	"github.com/pulumi/pulumi-linode/sdk/v4/go/linode"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Linode provisions tenant VMs as Linode instances.
type Linode struct{}

// NewLinode creates a Linode provider.
func NewLinode() Provider {
	return &Linode{}
}

func (p *Linode) Name() string {
	return "linode"
}

func (p *Linode) Configure(ctx *pulumi.Context, creds Credentials) error {
	if creds.Token == "" {
		return fmt.Errorf("linode requires a token (set LINODE_TOKEN)")
	}
	_, err := linode.NewProvider(ctx, "linode-provider", &linode.ProviderArgs{
		Token: pulumi.String(creds.Token),
	})
	if err != nil {
		return fmt.Errorf("failed to configure linode provider: %w", err)
	}
	return nil
}

func (p *Linode) CreateSSHKey(ctx *pulumi.Context, keyName, publicKey string) (pulumi.StringOutput, error) {
	key, err := linode.NewSshKey(ctx, keyName, &linode.SshKeyArgs{
		Label:  pulumi.String(keyName),
		SshKey: pulumi.String(publicKey),
	})
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("failed to create ssh key: %w", err)
	}
	ctx.Export("ssh_key_id", key.ID())
	return key.ID().ToStringOutput(), nil
}

// CreateServer authorizes the key by its content: Linode instances take
// public keys directly rather than a provider-side key id.
func (p *Linode) CreateServer(ctx *pulumi.Context, req ServerRequest, sshKeyID pulumi.StringOutput, publicKey string) error {
	size := req.Size
	if size == "" {
		size = p.DefaultSize()
	}
	image := req.Image
	if image == "" {
		image = p.DefaultImage()
	}

	instance, err := linode.NewInstance(ctx, req.Name, &linode.InstanceArgs{
		Label:          pulumi.String(req.Name),
		Type:           pulumi.String(size),
		Image:          pulumi.String(image),
		Region:         pulumi.String(req.Region),
		AuthorizedKeys: pulumi.ToStringArray([]string{publicKey}),
		Tags: pulumi.StringArray{
			pulumi.String("paasctl"),
			pulumi.String("tenant:" + req.Tenant),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create instance %s: %w", req.Name, err)
	}

	ctx.Export(fmt.Sprintf("%s_id", req.Tenant), instance.ID())
	ctx.Export(fmt.Sprintf("%s_ip", req.Tenant), instance.IpAddress)
	return nil
}

func (p *Linode) DefaultImage() string {
	return "linode/ubuntu22.04"
}

func (p *Linode) DefaultSize() string {
	return "g6-nanode-1"
}
