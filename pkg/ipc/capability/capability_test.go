package capability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	"github.com/raeenos/kernel/pkg/ipc/capability"
)

// TestScenarioS4CapabilityDenial matches spec scenario S4.
func TestScenarioS4CapabilityDenial(t *testing.T) {
	m := capability.New()
	err := m.Validate(999, 42, capability.KindQueue, capability.OpWrite, time.Now())
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.PermissionDenied))
	assert.Equal(t, uint64(1), m.SecurityViolations.Load())
	assert.Zero(t, m.CapabilityChecks.Load(), "a denied check must not also count as a successful one")
}

func TestValidateSucceedsForGrantedOp(t *testing.T) {
	m := capability.New()
	_, err := m.Grant(1, 42, capability.KindQueue, capability.OpRead|capability.OpWrite, time.Time{})
	require.NoError(t, err)

	require.NoError(t, m.Validate(1, 42, capability.KindQueue, capability.OpWrite, time.Now()))
	assert.Equal(t, uint64(1), m.CapabilityChecks.Load())
}

func TestExpiredCapabilityNeverValidatesAfterExpiry(t *testing.T) {
	m := capability.New()
	now := time.Now()
	_, err := m.Grant(1, 7, capability.KindShm, capability.OpRead, now.Add(-time.Second))
	require.NoError(t, err)

	err = m.Validate(1, 7, capability.KindShm, capability.OpRead, now)
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.PermissionDenied))
}

func TestDisabledKillSwitchAllowsEverything(t *testing.T) {
	m := capability.New()
	m.Enabled.Store(false)
	require.NoError(t, m.Validate(123, 1, capability.KindQueue, capability.OpAdmin, time.Now()))
}

func TestDelegationDepthEnforced(t *testing.T) {
	m := capability.New()
	c, err := m.Grant(1, 5, capability.KindQueue, capability.OpRead, time.Time{})
	require.NoError(t, err)

	cur := c
	for i := 0; i < 8; i++ {
		cur, err = m.Delegate(cur, 2+i)
		require.NoError(t, err)
	}
	_, err = m.Delegate(cur, 999)
	require.Error(t, err)
}

func TestRevokeRemovesCapabilitySoSecondRevokeIsNotFound(t *testing.T) {
	m := capability.New()
	c, err := m.Grant(1, 5, capability.KindQueue, capability.OpRead, time.Time{})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(1, c.ID))
	err = m.Revoke(1, c.ID)
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.NotFound))
}
