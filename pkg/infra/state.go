package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optdestroy"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optpreview"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optup"
	"github.com/pulumi/pulumi/sdk/v3/go/common/tokens"
	"github.com/pulumi/pulumi/sdk/v3/go/common/workspace"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// StackManager owns the Pulumi stack for one tenant. Stack state lives
// on the local filesystem under the tenant's state directory, next to
// the deployment state the rest of the tool manages.
type StackManager struct {
	baseDir string // tenant state directory
	tenant  string
}

// NewStackManager creates a stack manager rooted at the tenant's state
// directory.
func NewStackManager(baseDir, tenant string) *StackManager {
	return &StackManager{baseDir: baseDir, tenant: tenant}
}

// pulumiDir is where the file backend keeps stack checkpoints.
func (m *StackManager) pulumiDir() string {
	return filepath.Join(m.baseDir, "pulumi")
}

// infraDir holds cached stack outputs.
func (m *StackManager) infraDir() string {
	return filepath.Join(m.baseDir, "infra")
}

func (m *StackManager) backendURL() string {
	abs, _ := filepath.Abs(m.pulumiDir())
	return fmt.Sprintf("file://%s", abs)
}

func (m *StackManager) ensureDirs() error {
	for _, dir := range []string{m.pulumiDir(), m.infraDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// CreateStack creates or selects the tenant's stack with the given
// inline program.
func (m *StackManager) CreateStack(ctx context.Context, program pulumi.RunFunc) (auto.Stack, error) {
	if err := m.ensureDirs(); err != nil {
		return auto.Stack{}, err
	}

	stackName := auto.FullyQualifiedStackName("organization", "paasctl", m.tenant)
	project := auto.Project(workspace.Project{
		Name:    tokens.PackageName("paasctl"),
		Runtime: workspace.NewProjectRuntimeInfo("go", nil),
		Backend: &workspace.ProjectBackend{
			URL: m.backendURL(),
		},
	})

	// The local file backend needs no secrets provider.
	stack, err := auto.UpsertStackInlineSource(ctx, stackName, "paasctl", program,
		project,
		auto.EnvVars(map[string]string{"PULUMI_CONFIG_PASSPHRASE": ""}),
	)
	if err != nil {
		return auto.Stack{}, fmt.Errorf("failed to create/select stack: %w", err)
	}
	return stack, nil
}

// Preview shows pending infrastructure changes.
func (m *StackManager) Preview(ctx context.Context, stack auto.Stack, verbose bool) (*auto.PreviewResult, error) {
	var opts []optpreview.Option
	if verbose {
		opts = append(opts, optpreview.ProgressStreams(os.Stdout))
	}
	result, err := stack.Preview(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("preview failed: %w", err)
	}
	return &result, nil
}

// Up applies infrastructure changes.
func (m *StackManager) Up(ctx context.Context, stack auto.Stack, verbose bool) (*auto.UpResult, error) {
	var opts []optup.Option
	if verbose {
		opts = append(opts, optup.ProgressStreams(os.Stdout))
	}
	result, err := stack.Up(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("up failed: %w", err)
	}
	return &result, nil
}

// Destroy tears down the tenant's infrastructure.
func (m *StackManager) Destroy(ctx context.Context, stack auto.Stack, verbose bool) (*auto.DestroyResult, error) {
	var opts []optdestroy.Option
	if verbose {
		opts = append(opts, optdestroy.ProgressStreams(os.Stdout))
	}
	result, err := stack.Destroy(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("destroy failed: %w", err)
	}
	return &result, nil
}

// SaveOutputs caches stack outputs so later commands can resolve the
// VM address without touching Pulumi.
func (m *StackManager) SaveOutputs(outputs auto.OutputMap) error {
	if err := m.ensureDirs(); err != nil {
		return err
	}

	plain := make(map[string]any, len(outputs))
	for k, v := range outputs {
		plain[k] = v.Value
	}
	data, err := json.MarshalIndent(plain, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.infraDir(), "outputs.json"), data, 0600); err != nil {
		return fmt.Errorf("failed to write outputs: %w", err)
	}
	return nil
}

// LoadOutputs reads cached stack outputs, or nil when the tenant has
// never been provisioned.
func (m *StackManager) LoadOutputs() (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(m.infraDir(), "outputs.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read outputs: %w", err)
	}
	var outputs map[string]any
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
	}
	return outputs, nil
}

// VMAddress resolves the tenant VM's public IP from cached outputs.
func (m *StackManager) VMAddress() (string, error) {
	outputs, err := m.LoadOutputs()
	if err != nil {
		return "", err
	}
	if outputs == nil {
		return "", fmt.Errorf("no infrastructure outputs found; run 'paasctl provision' first")
	}
	if ip, ok := outputs[fmt.Sprintf("%s_ip", m.tenant)].(string); ok && ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("no IP recorded for tenant %s", m.tenant)
}

// ClearOutputs removes cached outputs after a destroy.
func (m *StackManager) ClearOutputs() error {
	err := os.Remove(filepath.Join(m.infraDir(), "outputs.json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove outputs: %w", err)
	}
	return nil
}
