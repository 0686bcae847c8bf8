// Package providers contains the per-cloud Pulumi adapters used to
// provision a tenant's VM.
package providers

import (
	"fmt"
	"sort"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Credentials carries the cloud API credentials for a provider. Token
// providers ignore the key pair; AWS ignores the token.
type Credentials struct {
	Token     string
	AccessKey string
	SecretKey string
}

// ServerRequest describes the single VM provisioned for a tenant.
type ServerRequest struct {
	Name   string // cloud resource name, e.g. "paasctl-acme"
	Tenant string // used for output keys and labels
	Region string
	Size   string
	Image  string
}

// Provider provisions a tenant VM on one cloud.
type Provider interface {
	// Name returns the provider identifier (hetzner, digitalocean, ...).
	Name() string

	// Configure registers the provider resource with its credentials.
	Configure(ctx *pulumi.Context, creds Credentials) error

	// CreateSSHKey registers the deploy public key and returns the
	// provider-side identifier instances attach it by.
	CreateSSHKey(ctx *pulumi.Context, keyName, publicKey string) (pulumi.StringOutput, error)

	// CreateServer provisions the tenant VM and exports "<tenant>_ip"
	// with its public IPv4 address.
	CreateServer(ctx *pulumi.Context, req ServerRequest, sshKeyID pulumi.StringOutput, publicKey string) error

	// DefaultImage returns the OS image used when the tenant config
	// leaves it unset.
	DefaultImage() string

	// DefaultSize returns the instance size used when the tenant config
	// leaves it unset.
	DefaultSize() string
}

// Registry maps provider names to constructors.
var Registry = map[string]func() Provider{
	"hetzner":      NewHetzner,
	"digitalocean": NewDigitalOcean,
	"aws":          NewAWS,
	"linode":       NewLinode,
}

// Get returns a provider by name.
func Get(name string) (Provider, error) {
	constructor, ok := Registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (supported: %v)", name, Supported())
	}
	return constructor(), nil
}

// Supported returns the sorted list of provider names.
func Supported() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
