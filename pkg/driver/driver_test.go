package driver_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/raeenos/kernel/pkg/errors"

	"github.com/raeenos/kernel/pkg/driver"
)

func TestRegisterDriverThenInitRunsInOrder(t *testing.T) {
	r := driver.NewRegistry(logr.Discard())
	var order []string

	require.NoError(t, r.RegisterDriver(driver.Driver{
		Name:    "e1000",
		InitFn:  func() error { order = append(order, "e1000"); return nil },
		ProbeFn: func(vendorID, deviceID uint16, class, subclass, progIF uint8) bool { return vendorID == 0x8086 },
	}))
	require.NoError(t, r.RegisterDriver(driver.Driver{
		Name:    "ahci",
		InitFn:  func() error { order = append(order, "ahci"); return nil },
		ProbeFn: func(vendorID, deviceID uint16, class, subclass, progIF uint8) bool { return class == 0x01 },
	}))

	require.NoError(t, r.Init())
	assert.Equal(t, []string{"e1000", "ahci"}, order)
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	r := driver.NewRegistry(logr.Discard())
	d := driver.Driver{
		Name:    "e1000",
		InitFn:  func() error { return nil },
		ProbeFn: func(uint16, uint16, uint8, uint8, uint8) bool { return false },
	}
	require.NoError(t, r.RegisterDriver(d))
	err := r.RegisterDriver(d)
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.InvalidArgument))
}

func TestRegisterAfterBootRejected(t *testing.T) {
	r := driver.NewRegistry(logr.Discard())
	require.NoError(t, r.Init())

	err := r.RegisterDriver(driver.Driver{
		Name:    "late",
		InitFn:  func() error { return nil },
		ProbeFn: func(uint16, uint16, uint8, uint8, uint8) bool { return false },
	})
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.PermissionDenied))
}

func TestInitIsIdempotent(t *testing.T) {
	r := driver.NewRegistry(logr.Discard())
	calls := 0
	require.NoError(t, r.RegisterDriver(driver.Driver{
		Name:    "nic",
		InitFn:  func() error { calls++; return nil },
		ProbeFn: func(uint16, uint16, uint8, uint8, uint8) bool { return false },
	}))

	require.NoError(t, r.Init())
	require.NoError(t, r.Init())
	assert.Equal(t, 1, calls)
}

func TestRegistryFullRejectsFurtherRegistration(t *testing.T) {
	r := driver.NewRegistry(logr.Discard())
	for i := 0; i < driver.MaxDrivers; i++ {
		require.NoError(t, r.RegisterDriver(driver.Driver{
			Name:    string(rune('a' + i%26)) + string(rune('A'+i/26)),
			InitFn:  func() error { return nil },
			ProbeFn: func(uint16, uint16, uint8, uint8, uint8) bool { return false },
		}))
	}
	err := r.RegisterDriver(driver.Driver{
		Name:    "overflow",
		InitFn:  func() error { return nil },
		ProbeFn: func(uint16, uint16, uint8, uint8, uint8) bool { return false },
	})
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.OutOfSpace))
}

func TestFindProbeDispatchesToMatchingDriver(t *testing.T) {
	r := driver.NewRegistry(logr.Discard())
	require.NoError(t, r.RegisterDriver(driver.Driver{
		Name:    "e1000",
		InitFn:  func() error { return nil },
		ProbeFn: func(vendorID, deviceID uint16, class, subclass, progIF uint8) bool { return vendorID == 0x8086 },
	}))

	match, ok := r.FindProbe(0x8086, 0x100e, 0x02, 0x00, 0x00)
	require.True(t, ok)
	assert.Equal(t, "e1000", match.Name)

	_, ok = r.FindProbe(0x1234, 0x0001, 0x02, 0x00, 0x00)
	assert.False(t, ok)
}
