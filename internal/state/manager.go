package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paasctl/paasctl/pkg/formatter"
)

const (
	// StateFileName is the current deployment record for a tenant.
	StateFileName = "deployment-state.json"

	// BackupDirName holds timestamped copies of prior state records.
	BackupDirName = "deployment-state-backups"

	// MaxStateBackups is the number of state backups kept per tenant.
	MaxStateBackups = 10

	timestampFormat = "20060102-150405"
)

// Manager owns the deployment state for a single tenant. All mutations
// route through Save, which backs up the previous record and writes the
// new one atomically. A Manager is safe for concurrent use within one
// process; cross-process exclusion uses the advisory lock.
type Manager struct {
	tenant   string
	baseDir  string
	out      *formatter.Output
	mu       sync.Mutex
	current  *DeploymentState
	lock     *StateLock
	lockInfo *LockInfo
	now      func() time.Time
}

// NewManager creates a state manager rooted at <rootDir>/tenants/<tenant>.
func NewManager(rootDir, tenant string, out *formatter.Output) (*Manager, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	if out == nil {
		out = formatter.New(false, false)
	}

	baseDir := filepath.Join(rootDir, "tenants", tenant)
	if err := os.MkdirAll(filepath.Join(baseDir, BackupDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Manager{
		tenant:  tenant,
		baseDir: baseDir,
		out:     out,
		lock:    NewStateLock(baseDir),
		now:     time.Now,
	}, nil
}

// BaseDir returns the tenant's state directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Tenant returns the tenant this manager is scoped to.
func (m *Manager) Tenant() string {
	return m.tenant
}

func (m *Manager) statePath() string {
	return filepath.Join(m.baseDir, StateFileName)
}

func (m *Manager) backupDir() string {
	return filepath.Join(m.baseDir, BackupDirName)
}

// AcquireLock takes the tenant's cross-process lock for the given operation.
func (m *Manager) AcquireLock(operation string) error {
	info, err := m.lock.Acquire(operation)
	if err != nil {
		return err
	}
	m.lockInfo = info
	return nil
}

// AcquireLockWait takes the tenant's cross-process lock, waiting for a
// current holder to release it instead of failing immediately.
func (m *Manager) AcquireLockWait(operation string) error {
	info, err := m.lock.AcquireWithWait(operation)
	if err != nil {
		return err
	}
	m.lockInfo = info
	return nil
}

// ReleaseLock releases the cross-process lock if held.
func (m *Manager) ReleaseLock() error {
	if m.lockInfo == nil {
		return nil
	}
	err := m.lock.Release(m.lockInfo)
	m.lockInfo = nil
	return err
}

// LockHolder returns whoever currently holds the tenant lock, nil when
// it is free.
func (m *Manager) LockHolder() (*LockInfo, error) {
	return m.lock.GetLockInfo()
}

// ForceUnlock drops the tenant lock regardless of owner. Reserved for
// operators clearing a lock left behind by a crashed run.
func (m *Manager) ForceUnlock() error {
	m.lockInfo = nil
	return m.lock.ForceRelease()
}

// Load reads the current deployment record. Returns (nil, nil) when the
// tenant has no deployment yet.
func (m *Manager) Load() (*DeploymentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*DeploymentState, error) {
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			m.current = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st DeploymentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	m.current = &st
	return &st, nil
}

// Save persists a deployment record, refreshing updated_at. When
// createBackup is true and a record already exists on disk, the old
// record is copied into the backup history first and the history pruned.
// This is the only write path for deployment state.
func (m *Manager) Save(st *DeploymentState, createBackup bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(st, createBackup)
}

func (m *Manager) saveLocked(st *DeploymentState, createBackup bool) error {
	if st == nil {
		return ErrNoDeployment
	}

	if createBackup {
		if err := m.backupCurrent(); err != nil {
			return err
		}
	}

	st.UpdatedAt = m.now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Atomic write: temp file then rename, so a crash mid-write never
	// leaves a truncated state file.
	tmpPath := m.statePath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpPath, m.statePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	m.current = st
	return nil
}

// backupCurrent copies the on-disk state file into the backup history.
func (m *Manager) backupCurrent() error {
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state for backup: %w", err)
	}

	// Several saves can land inside the same second; advance the stamp
	// until the name is free so an earlier backup is never overwritten.
	ts := m.now().UTC()
	name := fmt.Sprintf("state-%s.json", ts.Format(timestampFormat))
	for {
		if _, err := os.Stat(filepath.Join(m.backupDir(), name)); os.IsNotExist(err) {
			break
		}
		ts = ts.Add(time.Second)
		name = fmt.Sprintf("state-%s.json", ts.Format(timestampFormat))
	}
	if err := os.WriteFile(filepath.Join(m.backupDir(), name), data, 0644); err != nil {
		return fmt.Errorf("failed to write state backup: %w", err)
	}

	m.pruneBackups()
	return nil
}

// pruneBackups removes the oldest backups beyond MaxStateBackups. Backup
// names embed a UTC timestamp, so lexical order is chronological.
func (m *Manager) pruneBackups() {
	names, err := m.backupNames()
	if err != nil || len(names) <= MaxStateBackups {
		return
	}
	for _, name := range names[:len(names)-MaxStateBackups] {
		os.Remove(filepath.Join(m.backupDir(), name))
	}
}

// backupNames returns backup file names sorted oldest first.
func (m *Manager) backupNames() ([]string, error) {
	entries, err := os.ReadDir(m.backupDir())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "state-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// CreateNewDeployment starts a fresh deployment record. If a deployment
// already exists, the new record links back to it so a rollback can find
// the prior state.
func (m *Manager) CreateNewDeployment(runtime Runtime, domain, vmHost, vmUser string, metadata map[string]any) (*DeploymentState, error) {
	if runtime != RuntimeDocker && runtime != RuntimeNix {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRuntime, runtime)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.loadLocked()
	if err != nil {
		return nil, err
	}

	if metadata == nil {
		metadata = map[string]any{}
	}

	now := m.now().UTC()
	st := &DeploymentState{
		DeploymentID: fmt.Sprintf("deploy-%s", now.Format(timestampFormat)),
		Tenant:       m.tenant,
		Status:       StatusInitializing,
		Runtime:      runtime,
		Domain:       domain,
		StartedAt:    now,
		VMHost:       vmHost,
		VMUser:       vmUser,
		Services:     map[string]*ServiceState{},
		Metadata:     metadata,
	}
	if prev != nil {
		st.PreviousDeploymentID = prev.DeploymentID
		st.RollbackAvailable = true
	}

	if err := m.saveLocked(st, true); err != nil {
		return nil, err
	}
	m.out.Verbose("created deployment %s for tenant %s", st.DeploymentID, m.tenant)
	return st, nil
}

// ensureLoaded returns the current record, loading it from disk if needed.
func (m *Manager) ensureLoaded() (*DeploymentState, error) {
	if m.current != nil {
		return m.current, nil
	}
	st, err := m.loadLocked()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNoDeployment
	}
	return st, nil
}

// UpdateStatus transitions the deployment to a new status. The lifecycle
// table is enforced: an illegal transition returns a TransitionError and
// leaves the record untouched.
func (m *Manager) UpdateStatus(status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return err
	}
	if !ValidTransition(st.Status, status) {
		return &TransitionError{From: st.Status, To: status}
	}
	st.Status = status
	return m.saveLocked(st, true)
}

// MarkRollbackStarted transitions the deployment to rolling_back.
func (m *Manager) MarkRollbackStarted() error {
	return m.UpdateStatus(StatusRollingBack)
}

// MarkRollbackComplete transitions the deployment to rolled_back.
func (m *Manager) MarkRollbackComplete() error {
	return m.UpdateStatus(StatusRolledBack)
}

// AddService registers a service on the current deployment, starting out
// with status "starting" and zero health failures.
func (m *Manager) AddService(name, version, image string, ports []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return err
	}
	if ports == nil {
		ports = []int{}
	}
	st.Services[name] = &ServiceState{
		Name:        name,
		Status:      ServiceStarting,
		Version:     version,
		Image:       image,
		Ports:       ports,
		LastUpdated: m.now().UTC(),
	}
	return m.saveLocked(st, true)
}

// UpdateServiceStatus sets a service's health status. A transition to
// healthy resets the failure counter; incrementFailures bumps it for any
// other status.
func (m *Manager) UpdateServiceStatus(name string, status ServiceStatus, incrementFailures bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return err
	}
	svc, ok := st.Services[name]
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}

	svc.Status = status
	svc.LastUpdated = m.now().UTC()
	if status == ServiceHealthy {
		svc.HealthCheckFailures = 0
	} else if incrementFailures {
		svc.HealthCheckFailures++
	}
	return m.saveLocked(st, true)
}

// SetEnvironmentHash records the configuration digest a service was last
// deployed with.
func (m *Manager) SetEnvironmentHash(name, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return err
	}
	svc, ok := st.Services[name]
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	svc.EnvironmentHash = hash
	return m.saveLocked(st, true)
}

// RequiresUpdate reports whether a service needs redeployment: true when
// there is no deployment, the service was never added, or the stored
// environment hash differs from newHash.
func (m *Manager) RequiresUpdate(name, newHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil || st == nil {
		return true
	}
	svc, ok := st.Services[name]
	if !ok {
		return true
	}
	return svc.EnvironmentHash != newHash
}

// IsDeploymentRunning reports whether the current deployment is running.
func (m *Manager) IsDeploymentRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return false
	}
	return st.Status == StatusRunning
}

// GetUnhealthyServices returns the names of services that are unhealthy
// or stopped, sorted for stable output.
func (m *Manager) GetUnhealthyServices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return nil
	}
	var names []string
	for name, svc := range st.Services {
		if svc.Status == ServiceUnhealthy || svc.Status == ServiceStopped {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetServiceStatus returns a service's status; ok is false when the
// service is not part of the current deployment.
func (m *Manager) GetServiceStatus(name string) (ServiceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return "", false
	}
	svc, ok := st.Services[name]
	if !ok {
		return "", false
	}
	return svc.Status, true
}

// GetPreviousState scans the backup history, newest first, for the record
// matching the current deployment's previous_deployment_id. Corrupt
// backups are skipped with a warning.
func (m *Manager) GetPreviousState() (*DeploymentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLoaded()
	if err != nil {
		return nil, err
	}
	if st.PreviousDeploymentID == "" {
		return nil, nil
	}

	names, err := m.backupNames()
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	for i := len(names) - 1; i >= 0; i-- {
		data, err := os.ReadFile(filepath.Join(m.backupDir(), names[i]))
		if err != nil {
			m.out.Warning("unreadable state backup %s: %v", names[i], err)
			continue
		}
		var backup DeploymentState
		if err := json.Unmarshal(data, &backup); err != nil {
			m.out.Warning("corrupt state backup %s: %v", names[i], err)
			continue
		}
		if backup.DeploymentID == st.PreviousDeploymentID {
			return &backup, nil
		}
	}
	return nil, nil
}

// BackupEntry pairs a backup file name with the record it holds.
type BackupEntry struct {
	File  string
	State *DeploymentState
}

// History returns backed-up deployment records, newest first, up to limit
// (0 means all). Corrupt backups are skipped with a warning.
func (m *Manager) History(limit int) ([]BackupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.backupNames()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []BackupEntry
	for i := len(names) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(m.backupDir(), names[i]))
		if err != nil {
			continue
		}
		var backup DeploymentState
		if err := json.Unmarshal(data, &backup); err != nil {
			m.out.Warning("corrupt state backup %s: %v", names[i], err)
			continue
		}
		entries = append(entries, BackupEntry{File: names[i], State: &backup})
	}
	return entries, nil
}
