package state

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a deployment. Values are stored as
// lowercase string tags in the state file.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusValidating   Status = "validating"
	StatusProvisioning Status = "provisioning"
	StatusDeploying    Status = "deploying"
	StatusRunning      Status = "running"
	StatusUpdating     Status = "updating"
	StatusDegraded     Status = "degraded"
	StatusFailed       Status = "failed"
	StatusRollingBack  Status = "rolling_back"
	StatusRolledBack   Status = "rolled_back"
)

// ServiceStatus is the health status of a single service within a deployment.
type ServiceStatus string

const (
	ServiceStarting  ServiceStatus = "starting"
	ServiceHealthy   ServiceStatus = "healthy"
	ServiceUnhealthy ServiceStatus = "unhealthy"
	ServiceStopped   ServiceStatus = "stopped"
	ServiceUnknown   ServiceStatus = "unknown"
)

// Runtime identifies how a tenant's services are delivered to the VM.
type Runtime string

const (
	RuntimeDocker Runtime = "docker"
	RuntimeNix    Runtime = "nix"
)

var (
	// ErrNoDeployment is returned when an operation requires an active
	// deployment record and none has been created or loaded.
	ErrNoDeployment = errors.New("no active deployment")

	// ErrInvalidRuntime is returned when a deployment is created with an
	// unknown runtime.
	ErrInvalidRuntime = errors.New("invalid runtime")
)

// TransitionError reports a status change the lifecycle does not permit.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// validTransitions encodes the deployment lifecycle. A status may always
// re-assert itself (no-op transition); rolled_back is terminal.
var validTransitions = map[Status][]Status{
	StatusInitializing: {StatusValidating},
	StatusValidating:   {StatusProvisioning, StatusFailed},
	StatusProvisioning: {StatusDeploying, StatusFailed},
	StatusDeploying:    {StatusRunning, StatusFailed},
	StatusRunning:      {StatusUpdating, StatusDegraded, StatusRollingBack},
	StatusUpdating:     {StatusRunning, StatusDegraded, StatusFailed},
	StatusDegraded:     {StatusRollingBack},
	StatusFailed:       {StatusRollingBack},
	StatusRollingBack:  {StatusRolledBack},
	StatusRolledBack:   {},
}

// ValidTransition reports whether the lifecycle permits moving from one
// status to another. Setting the same status again is always permitted.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeploymentState is the single current deployment record for a tenant.
type DeploymentState struct {
	DeploymentID         string                   `json:"deployment_id"`
	Tenant               string                   `json:"tenant"`
	Status               Status                   `json:"status"`
	Runtime              Runtime                  `json:"runtime"`
	Domain               string                   `json:"domain"`
	StartedAt            time.Time                `json:"started_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
	VMHost               string                   `json:"vm_host"`
	VMUser               string                   `json:"vm_user"`
	Services             map[string]*ServiceState `json:"services"`
	Metadata             map[string]any           `json:"metadata"`
	PreviousDeploymentID string                   `json:"previous_deployment_id,omitempty"`
	RollbackAvailable    bool                     `json:"rollback_available"`
}

// ServiceState tracks one deployed service inside a DeploymentState.
type ServiceState struct {
	Name                string        `json:"name"`
	Status              ServiceStatus `json:"status"`
	Version             string        `json:"version,omitempty"`
	Image               string        `json:"image,omitempty"`
	Ports               []int         `json:"ports"`
	LastUpdated         time.Time     `json:"last_updated"`
	HealthCheckFailures int           `json:"health_check_failures"`
	EnvironmentHash     string        `json:"environment_hash,omitempty"`
}
