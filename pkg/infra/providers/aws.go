package providers

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// AWS provisions tenant VMs as EC2 instances.
type AWS struct{}

// NewAWS creates an AWS provider.
func NewAWS() Provider {
	return &AWS{}
}

func (p *AWS) Name() string {
	return "aws"
}

func (p *AWS) Configure(ctx *pulumi.Context, creds Credentials) error {
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return fmt.Errorf("aws requires an access key pair (set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY)")
	}
	_, err := aws.NewProvider(ctx, "aws-provider", &aws.ProviderArgs{
		AccessKey: pulumi.String(creds.AccessKey),
		SecretKey: pulumi.String(creds.SecretKey),
	})
	if err != nil {
		return fmt.Errorf("failed to configure aws provider: %w", err)
	}
	return nil
}

// CreateSSHKey imports the public key as an EC2 key pair. AWS attaches
// keys by name, so the returned output is the key name, not an id.
func (p *AWS) CreateSSHKey(ctx *pulumi.Context, keyName, publicKey string) (pulumi.StringOutput, error) {
	keyPair, err := ec2.NewKeyPair(ctx, keyName, &ec2.KeyPairArgs{
		KeyName:   pulumi.String(keyName),
		PublicKey: pulumi.String(publicKey),
	})
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("failed to create key pair: %w", err)
	}
	ctx.Export("ssh_key_id", keyPair.KeyPairId)
	return keyPair.KeyName.ToStringOutput(), nil
}

func (p *AWS) CreateServer(ctx *pulumi.Context, req ServerRequest, sshKeyID pulumi.StringOutput, publicKey string) error {
	size := req.Size
	if size == "" {
		size = p.DefaultSize()
	}
	ami := req.Image
	if ami == "" {
		ami = p.DefaultImage()
	}

	instance, err := ec2.NewInstance(ctx, req.Name, &ec2.InstanceArgs{
		Ami:          pulumi.String(ami),
		InstanceType: pulumi.String(size),
		KeyName:      sshKeyID,
		Tags: pulumi.ToStringMap(map[string]string{
			"Name":       req.Name,
			"tenant":     req.Tenant,
			"managed-by": "paasctl",
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create instance %s: %w", req.Name, err)
	}

	ctx.Export(fmt.Sprintf("%s_id", req.Tenant), instance.ID())
	ctx.Export(fmt.Sprintf("%s_ip", req.Tenant), instance.PublicIp)
	return nil
}

// DefaultImage is Ubuntu 22.04 LTS in us-east-1.
func (p *AWS) DefaultImage() string {
	return "ami-0c7217cdde317cfec"
}

func (p *AWS) DefaultSize() string {
	return "t3.micro"
}
