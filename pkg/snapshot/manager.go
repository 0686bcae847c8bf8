// Package snapshot captures and restores point-in-time archives of a
// tenant's remote deployment configuration. Snapshots hold configuration
// only, never service data, and are immutable once written.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/paasctl/paasctl/pkg/formatter"
	"github.com/paasctl/paasctl/pkg/remote"
	"github.com/paasctl/paasctl/pkg/telemetry"
)

const (
	// MaxSnapshots is how many archives are kept per tenant.
	MaxSnapshots = 5

	// MetadataFileName sits next to the captured files inside an archive.
	MetadataFileName = "snapshot-metadata.json"
)

// ErrNotFound is returned when no snapshot matches a deployment id.
var ErrNotFound = errors.New("snapshot not found")

// captureEntry maps a remote configuration path to its name inside the
// archive. Directory entries are captured recursively.
type captureEntry struct {
	RemotePath string
	LocalName  string
	Dir        bool
}

// capturePaths is the fixed set of remote configuration files a snapshot
// preserves. Local names are the remote paths with "~/" stripped and "/"
// flattened to "_".
var capturePaths = []captureEntry{
	{RemotePath: "~/paas-deployment/docker-compose.yml", LocalName: "paas-deployment_docker-compose.yml"},
	{RemotePath: "~/paas-deployment/.env", LocalName: "paas-deployment_.env"},
	{RemotePath: "~/paas-deployment/configs", LocalName: "paas-deployment_configs", Dir: true},
	{RemotePath: "/opt/deployment-state.yml", LocalName: "_opt_deployment-state.yml"},
}

// Metadata identifies a snapshot and where it was taken.
type Metadata struct {
	DeploymentID string    `json:"deployment_id"`
	Tenant       string    `json:"tenant"`
	Timestamp    time.Time `json:"timestamp"`
	VMHost       string    `json:"vm_host"`
	VMUser       string    `json:"vm_user"`
	Description  string    `json:"description"`

	// Annotated by List, not stored in the archive.
	ArchivePath string `json:"-"`
	SizeKB      int64  `json:"-"`
}

// Manager creates, lists, restores, and prunes snapshot archives for one
// tenant. Archives live under <tenant state dir>/snapshots.
type Manager struct {
	tenant string
	dir    string
	exec   remote.Executor
	out    *formatter.Output
	now    func() time.Time
}

// NewManager creates a snapshot manager storing archives in dir.
func NewManager(tenant, dir string, exec remote.Executor, out *formatter.Output) (*Manager, error) {
	if out == nil {
		out = formatter.New(false, false)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Manager{
		tenant: tenant,
		dir:    dir,
		exec:   exec,
		out:    out,
		now:    time.Now,
	}, nil
}

func (m *Manager) archivePath(deploymentID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("snapshot-%s.tar.gz", deploymentID))
}

// Create captures the remote configuration for a deployment into a
// tar.gz archive and returns its path. Missing remote files are skipped
// with a warning; the staging directory is removed on every exit path.
func (m *Manager) Create(ctx context.Context, deploymentID, vmHost, vmUser, description string) (string, error) {
	ctx, span := telemetry.TraceSnapshot(ctx, "create", deploymentID)
	defer span.End()

	topDir := fmt.Sprintf("snapshot-%s", deploymentID)
	stageDir, err := os.MkdirTemp("", "paasctl-snapshot-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	m.out.Step("Creating snapshot for %s", deploymentID)

	for _, entry := range capturePaths {
		code, _, err := m.exec.Execute(ctx, vmHost, vmUser, fmt.Sprintf("test -e %s", entry.RemotePath))
		if err != nil {
			telemetry.RecordError(ctx, err)
			return "", fmt.Errorf("failed to check %s: %w", entry.RemotePath, err)
		}
		if code != 0 {
			m.out.Warning("skipping %s: not present on %s", entry.RemotePath, vmHost)
			continue
		}

		local := filepath.Join(stageDir, entry.LocalName)
		if err := m.exec.Download(ctx, vmHost, vmUser, entry.RemotePath, local, entry.Dir); err != nil {
			telemetry.RecordError(ctx, err)
			return "", fmt.Errorf("failed to download %s: %w", entry.RemotePath, err)
		}
		m.out.Verbose("captured %s", entry.RemotePath)
	}

	meta := Metadata{
		DeploymentID: deploymentID,
		Tenant:       m.tenant,
		Timestamp:    m.now().UTC(),
		VMHost:       vmHost,
		VMUser:       vmUser,
		Description:  description,
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stageDir, MetadataFileName), metaData, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	archive := m.archivePath(deploymentID)
	if err := createTarGz(stageDir, topDir, archive); err != nil {
		return "", fmt.Errorf("failed to create snapshot archive: %w", err)
	}

	m.out.Success("Snapshot created: %s", filepath.Base(archive))
	m.prune()
	return archive, nil
}

// List returns snapshot metadata newest first, annotated with archive
// path and size. Archives that fail to parse are skipped with a warning.
func (m *Manager) List() ([]Metadata, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	type archiveFile struct {
		path    string
		modTime time.Time
		size    int64
	}
	var archives []archiveFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot-") || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archiveFile{
			path:    filepath.Join(m.dir, e.Name()),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].modTime.After(archives[j].modTime)
	})

	var result []Metadata
	for _, a := range archives {
		meta, err := m.readMetadata(a.path)
		if err != nil {
			m.out.Warning("skipping unreadable snapshot %s: %v", filepath.Base(a.path), err)
			continue
		}
		meta.ArchivePath = a.path
		meta.SizeKB = a.size / 1024
		result = append(result, *meta)
	}
	return result, nil
}

// FindByDeploymentID returns the snapshot taken for a deployment.
func (m *Manager) FindByDeploymentID(deploymentID string) (*Metadata, error) {
	snapshots, err := m.List()
	if err != nil {
		return nil, err
	}
	for i := range snapshots {
		if snapshots[i].DeploymentID == deploymentID {
			return &snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("%w for deployment %s", ErrNotFound, deploymentID)
}

// readMetadata extracts only the metadata record from an archive.
func (m *Manager) readMetadata(archivePath string) (*Metadata, error) {
	data, err := extractFileFromArchive(archivePath, MetadataFileName)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata: %w", err)
	}
	return &meta, nil
}

// Restore extracts an archive and re-uploads the captured files to their
// original remote paths. Individual upload failures are logged and the
// remaining files still restored; the call fails if any upload failed.
// The temporary extraction directory is removed on every exit path.
func (m *Manager) Restore(ctx context.Context, archivePath, vmHost, vmUser string) error {
	tmpDir, err := os.MkdirTemp("", "paasctl-restore-")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractTarGz(archivePath, tmpDir); err != nil {
		return fmt.Errorf("failed to extract snapshot: %w", err)
	}

	contentDir, err := findSnapshotDir(tmpDir)
	if err != nil {
		return err
	}

	meta, err := m.readMetadata(archivePath)
	if err != nil {
		m.out.Warning("snapshot metadata unreadable: %v", err)
	} else {
		ctx2, span := telemetry.TraceSnapshot(ctx, "restore", meta.DeploymentID)
		defer span.End()
		ctx = ctx2
		m.out.Step("Restoring snapshot of %s (taken %s)", meta.DeploymentID, meta.Timestamp.Format(time.RFC3339))
	}

	var restoreErr error
	for _, entry := range capturePaths {
		local := filepath.Join(contentDir, entry.LocalName)
		if _, err := os.Stat(local); err != nil {
			m.out.Verbose("snapshot has no %s, skipping", entry.LocalName)
			continue
		}

		parent := path.Dir(entry.RemotePath)
		if code, output, err := m.exec.Execute(ctx, vmHost, vmUser, fmt.Sprintf("mkdir -p %s", parent)); err != nil {
			m.out.Error("failed to prepare %s: %v", parent, err)
			restoreErr = err
			continue
		} else if code != 0 {
			m.out.Error("failed to prepare %s: %s", parent, output)
			restoreErr = fmt.Errorf("mkdir %s failed", parent)
			continue
		}

		if err := m.exec.Upload(ctx, vmHost, vmUser, local, entry.RemotePath, entry.Dir); err != nil {
			m.out.Error("failed to restore %s: %v", entry.RemotePath, err)
			restoreErr = err
			continue
		}
		m.out.Verbose("restored %s", entry.RemotePath)
	}

	if restoreErr != nil {
		telemetry.RecordError(ctx, restoreErr)
		return fmt.Errorf("snapshot restore incomplete: %w", restoreErr)
	}
	m.out.Success("Snapshot restored")
	return nil
}

// findSnapshotDir locates the single top-level snapshot-* directory in
// an extracted archive.
func findSnapshotDir(tmpDir string) (string, error) {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "snapshot-") {
			return filepath.Join(tmpDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("archive has no snapshot directory")
}

// prune deletes the oldest archives beyond MaxSnapshots, by modification
// time.
func (m *Manager) prune() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}

	type archiveFile struct {
		path    string
		modTime time.Time
	}
	var archives []archiveFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot-") || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archiveFile{path: filepath.Join(m.dir, e.Name()), modTime: info.ModTime()})
	}

	if len(archives) <= MaxSnapshots {
		return
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].modTime.Before(archives[j].modTime)
	})
	for _, a := range archives[:len(archives)-MaxSnapshots] {
		if err := os.Remove(a.path); err == nil {
			m.out.Verbose("pruned old snapshot %s", filepath.Base(a.path))
		}
	}
}
