package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVM pretends to be a tenant VM: it holds remote files in memory
// and satisfies the remote executor contract.
type fakeVM struct {
	files      map[string]string // remote path -> content, dirs use "dir/file" keys
	uploads    map[string]string // remote path -> local source path
	failUpload map[string]bool
	commands   []string
}

func newFakeVM() *fakeVM {
	return &fakeVM{
		files:      map[string]string{},
		uploads:    map[string]string{},
		failUpload: map[string]bool{},
	}
}

func (f *fakeVM) hasPath(p string) bool {
	if _, ok := f.files[p]; ok {
		return true
	}
	for name := range f.files {
		if strings.HasPrefix(name, p+"/") {
			return true
		}
	}
	return false
}

func (f *fakeVM) Execute(ctx context.Context, host, user, command string) (int, string, error) {
	f.commands = append(f.commands, command)
	if path, ok := strings.CutPrefix(command, "test -e "); ok {
		if f.hasPath(path) {
			return 0, "", nil
		}
		return 1, "", nil
	}
	return 0, "", nil
}

func (f *fakeVM) ExecuteStream(ctx context.Context, host, user, command string) (int, error) {
	f.commands = append(f.commands, command)
	return 0, nil
}

func (f *fakeVM) Upload(ctx context.Context, host, user, localPath, remotePath string, recursive bool) error {
	if f.failUpload[remotePath] {
		return fmt.Errorf("upload refused for %s", remotePath)
	}
	f.uploads[remotePath] = localPath
	return nil
}

func (f *fakeVM) Download(ctx context.Context, host, user, remotePath, localPath string, recursive bool) error {
	if recursive {
		found := false
		for name, content := range f.files {
			rel, ok := strings.CutPrefix(name, remotePath+"/")
			if !ok {
				continue
			}
			found = true
			target := filepath.Join(localPath, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return err
			}
		}
		if !found {
			return fmt.Errorf("no such remote directory: %s", remotePath)
		}
		return nil
	}

	content, ok := f.files[remotePath]
	if !ok {
		return fmt.Errorf("no such remote file: %s", remotePath)
	}
	return os.WriteFile(localPath, []byte(content), 0644)
}

func newTestManager(t *testing.T, vm *fakeVM) *Manager {
	t.Helper()
	m, err := NewManager("acme", filepath.Join(t.TempDir(), "snapshots"), vm, nil)
	require.NoError(t, err)
	return m
}

func populatedVM() *fakeVM {
	vm := newFakeVM()
	vm.files["~/paas-deployment/docker-compose.yml"] = "services:\n  web:\n    image: registry/web:1.2.0\n"
	vm.files["~/paas-deployment/.env"] = "PORT=8080\n"
	vm.files["~/paas-deployment/configs/nginx.conf"] = "server {}\n"
	vm.files["~/paas-deployment/configs/app/settings.yml"] = "debug: false\n"
	vm.files["/opt/deployment-state.yml"] = "generation: 4\n"
	return vm
}

func TestCreateAndFind(t *testing.T) {
	vm := populatedVM()
	m := newTestManager(t, vm)

	archive, err := m.Create(context.Background(), "deploy-20240501-120000", "198.51.100.3", "deploy", "before upgrade")
	require.NoError(t, err)
	assert.Equal(t, "snapshot-deploy-20240501-120000.tar.gz", filepath.Base(archive))

	_, err = os.Stat(archive)
	require.NoError(t, err)

	meta, err := m.FindByDeploymentID("deploy-20240501-120000")
	require.NoError(t, err)
	assert.Equal(t, "acme", meta.Tenant)
	assert.Equal(t, "198.51.100.3", meta.VMHost)
	assert.Equal(t, "before upgrade", meta.Description)
	assert.Equal(t, archive, meta.ArchivePath)

	_, err = m.FindByDeploymentID("deploy-19990101-000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSkipsMissingPaths(t *testing.T) {
	vm := populatedVM()
	delete(vm.files, "/opt/deployment-state.yml")
	m := newTestManager(t, vm)

	archive, err := m.Create(context.Background(), "deploy-20240501-120000", "h", "u", "")
	require.NoError(t, err)

	// The archive must not claim a file that was never captured.
	_, err = extractFileFromArchive(archive, "_opt_deployment-state.yml")
	assert.Error(t, err)

	// But the files that were present are all there.
	data, err := extractFileFromArchive(archive, "paas-deployment_docker-compose.yml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "registry/web")
}

func TestArchiveLayout(t *testing.T) {
	vm := populatedVM()
	m := newTestManager(t, vm)

	archive, err := m.Create(context.Background(), "deploy-20240501-120000", "h", "u", "")
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, extractTarGz(archive, dest))

	top := filepath.Join(dest, "snapshot-deploy-20240501-120000")
	for _, name := range []string{
		MetadataFileName,
		"paas-deployment_docker-compose.yml",
		"paas-deployment_.env",
		filepath.Join("paas-deployment_configs", "nginx.conf"),
		filepath.Join("paas-deployment_configs", "app", "settings.yml"),
		"_opt_deployment-state.yml",
	} {
		_, err := os.Stat(filepath.Join(top, name))
		assert.NoError(t, err, "archive should contain %s", name)
	}
}

func TestListNewestFirst(t *testing.T) {
	vm := populatedVM()
	m := newTestManager(t, vm)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("deploy-2024050%d-120000", i+1)
		archive, err := m.Create(context.Background(), id, "h", "u", "")
		require.NoError(t, err)
		mtime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(archive, mtime, mtime))
	}

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "deploy-20240503-120000", list[0].DeploymentID)
	assert.Equal(t, "deploy-20240501-120000", list[2].DeploymentID)
}

func TestRetention(t *testing.T) {
	vm := populatedVM()
	m := newTestManager(t, vm)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < MaxSnapshots+2; i++ {
		id := fmt.Sprintf("deploy-20240501-12%02d00", i)
		archive, err := m.Create(context.Background(), id, "h", "u", "")
		require.NoError(t, err)
		mtime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(archive, mtime, mtime))
	}

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, MaxSnapshots)

	// The two oldest archives are gone.
	for _, meta := range list {
		assert.NotEqual(t, "deploy-20240501-120000", meta.DeploymentID)
		assert.NotEqual(t, "deploy-20240501-120100", meta.DeploymentID)
	}
}

func TestRestore(t *testing.T) {
	source := populatedVM()
	m := newTestManager(t, source)

	archive, err := m.Create(context.Background(), "deploy-20240501-120000", "h", "u", "")
	require.NoError(t, err)

	// Restore to a fresh VM.
	target := newFakeVM()
	m.exec = target
	require.NoError(t, m.Restore(context.Background(), archive, "h", "u"))

	assert.Contains(t, target.uploads, "~/paas-deployment/docker-compose.yml")
	assert.Contains(t, target.uploads, "~/paas-deployment/.env")
	assert.Contains(t, target.uploads, "~/paas-deployment/configs")
	assert.Contains(t, target.uploads, "/opt/deployment-state.yml")

	// Parent directories are prepared before upload.
	var sawMkdir bool
	for _, cmd := range target.commands {
		if strings.HasPrefix(cmd, "mkdir -p ") {
			sawMkdir = true
		}
	}
	assert.True(t, sawMkdir)
}

func TestRestorePartialFailure(t *testing.T) {
	source := populatedVM()
	m := newTestManager(t, source)

	archive, err := m.Create(context.Background(), "deploy-20240501-120000", "h", "u", "")
	require.NoError(t, err)

	target := newFakeVM()
	target.failUpload["~/paas-deployment/.env"] = true
	m.exec = target

	err = m.Restore(context.Background(), archive, "h", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")

	// The failure must not stop the remaining files from restoring.
	assert.Contains(t, target.uploads, "~/paas-deployment/docker-compose.yml")
	assert.Contains(t, target.uploads, "/opt/deployment-state.yml")
}

func TestExtractRejectsTraversal(t *testing.T) {
	// Hand-build an archive containing a path-escaping entry.
	dir := t.TempDir()
	evil := filepath.Join(dir, "evil.tar.gz")
	require.NoError(t, writeEvilArchive(evil))

	err := extractTarGz(evil, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}
