package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	valid := []struct{ from, to Status }{
		{StatusInitializing, StatusValidating},
		{StatusValidating, StatusProvisioning},
		{StatusValidating, StatusFailed},
		{StatusProvisioning, StatusDeploying},
		{StatusProvisioning, StatusFailed},
		{StatusDeploying, StatusRunning},
		{StatusDeploying, StatusFailed},
		{StatusRunning, StatusUpdating},
		{StatusRunning, StatusDegraded},
		{StatusRunning, StatusRollingBack},
		{StatusUpdating, StatusRunning},
		{StatusUpdating, StatusDegraded},
		{StatusUpdating, StatusFailed},
		{StatusDegraded, StatusRollingBack},
		{StatusFailed, StatusRollingBack},
		{StatusRollingBack, StatusRolledBack},
	}
	for _, tc := range valid {
		assert.True(t, ValidTransition(tc.from, tc.to), "%s -> %s should be valid", tc.from, tc.to)
	}

	invalid := []struct{ from, to Status }{
		{StatusInitializing, StatusRunning},
		{StatusInitializing, StatusDeploying},
		{StatusValidating, StatusRunning},
		{StatusDeploying, StatusUpdating},
		{StatusRunning, StatusFailed},
		{StatusDegraded, StatusUpdating},
		{StatusDegraded, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusRollingBack, StatusRunning},
		{StatusRolledBack, StatusRunning},
		{StatusRolledBack, StatusRollingBack},
		{StatusRolledBack, StatusInitializing},
	}
	for _, tc := range invalid {
		assert.False(t, ValidTransition(tc.from, tc.to), "%s -> %s should be invalid", tc.from, tc.to)
	}
}

func TestValidTransitionSameStatus(t *testing.T) {
	for _, status := range []Status{
		StatusInitializing, StatusValidating, StatusProvisioning,
		StatusDeploying, StatusRunning, StatusUpdating, StatusDegraded,
		StatusFailed, StatusRollingBack, StatusRolledBack,
	} {
		assert.True(t, ValidTransition(status, status), "%s should re-assert itself", status)
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{From: StatusRunning, To: StatusFailed}
	assert.Equal(t, "invalid status transition: running -> failed", err.Error())
}
