// Package driver implements the driver registry (spec §4.10 "Driver Traits
// & PCI Enumeration"): a bounded table of {name, init_fn, probe_fn} triples.
// register_driver appends; init is called once at boot in registration
// order.
package driver

import (
	"github.com/go-logr/logr"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// MaxDrivers bounds the registry the way the PMM bitmap and process table
// are bounded elsewhere in the kernel: RegisterDriver refuses to grow the
// table past this many entries.
const MaxDrivers = 64

// InitFunc is called once at boot, after successful registration.
type InitFunc func() error

// ProbeFunc reports whether this driver claims the device identified by
// (vendorID, deviceID, class, subclass, progIF).
type ProbeFunc func(vendorID, deviceID uint16, class, subclass, progIF uint8) bool

// Driver is one entry in the registry.
type Driver struct {
	Name    string
	InitFn  InitFunc
	ProbeFn ProbeFunc
}

// Registry is the bounded driver table. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	logger  logr.Logger
	drivers []Driver
	byName  map[string]int
	booted  bool
}

func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		logger: logger.WithName("driver"),
		byName: make(map[string]int),
	}
}

// RegisterDriver appends d to the registry. Registration after Init has run
// is rejected: the registry is populated once, at boot, before enumeration
// begins (spec §4.10 "enumeration is idempotent and runs once at boot").
func (r *Registry) RegisterDriver(d Driver) error {
	if d.Name == "" {
		return kerrors.Newf(kerrors.InvalidArgument, "driver.RegisterDriver", "driver name required")
	}
	if d.InitFn == nil || d.ProbeFn == nil {
		return kerrors.Newf(kerrors.InvalidArgument, "driver.RegisterDriver", "driver %q missing init or probe fn", d.Name)
	}
	if r.booted {
		return kerrors.Newf(kerrors.PermissionDenied, "driver.RegisterDriver", "registry already booted, cannot register %q", d.Name)
	}
	if _, exists := r.byName[d.Name]; exists {
		return kerrors.Newf(kerrors.InvalidArgument, "driver.RegisterDriver", "driver %q already registered", d.Name)
	}
	if len(r.drivers) >= MaxDrivers {
		return kerrors.Newf(kerrors.OutOfSpace, "driver.RegisterDriver", "driver registry full (%d)", MaxDrivers)
	}
	r.byName[d.Name] = len(r.drivers)
	r.drivers = append(r.drivers, d)
	r.logger.V(1).Info("registered driver", "name", d.Name)
	return nil
}

// Init runs every registered driver's InitFn in registration order, exactly
// once. A later call is a no-op, matching PCI enumeration's idempotence
// requirement.
func (r *Registry) Init() error {
	if r.booted {
		return nil
	}
	for _, d := range r.drivers {
		if err := d.InitFn(); err != nil {
			return kerrors.Wrap(kerrors.Fatal, "driver.Init", "driver "+d.Name+" failed to initialize", err)
		}
		r.logger.Info("initialized driver", "name", d.Name)
	}
	r.booted = true
	return nil
}

// Drivers returns the registered drivers in registration order.
func (r *Registry) Drivers() []Driver {
	out := make([]Driver, len(r.drivers))
	copy(out, r.drivers)
	return out
}

// FindProbe returns the first registered driver whose ProbeFn claims the
// given device identity, used by the PCI enumerator to dispatch.
func (r *Registry) FindProbe(vendorID, deviceID uint16, class, subclass, progIF uint8) (Driver, bool) {
	for _, d := range r.drivers {
		if d.ProbeFn(vendorID, deviceID, class, subclass, progIF) {
			return d, true
		}
	}
	return Driver{}, false
}
