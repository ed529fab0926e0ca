// Package pci implements the PCI configuration-space enumerator (spec
// §4.10): walk bus ∈ [0,255], device ∈ [0,32), function ∈ [0,8), read each
// slot's vendor ID, and — if present — its class/subclass/prog-IF, then
// dispatch to a registered driver by (class, subclass, prog-IF, vendor,
// device). Enumeration is idempotent and runs once at boot.
package pci

import (
	"github.com/go-logr/logr"

	"github.com/raeenos/kernel/pkg/driver"
	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// VendorAbsent is the sentinel vendor ID a slot reads back when no device
// is present there (spec §4.10 "if not 0xFFFF").
const VendorAbsent = 0xFFFF

const (
	maxBus      = 256
	maxDevice   = 32
	maxFunction = 8
)

// Address identifies one PCI function's configuration-space slot.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// ConfigSpace is the config-space access port the enumerator probes. A real
// kernel backs this with port I/O (0xCF8/0xCFC) or a memory-mapped ECAM
// region; tests back it with an in-memory fake, since this layer has no
// block/port-IO driver beneath it yet.
type ConfigSpace interface {
	// ReadVendorDevice returns (vendorID, deviceID) for addr. An absent
	// slot reads back VendorAbsent for vendorID.
	ReadVendorDevice(addr Address) (vendorID, deviceID uint16)
	// ReadClass returns (class, subclass, progIF) for addr. Only called
	// when ReadVendorDevice reported a present device.
	ReadClass(addr Address) (class, subclass, progIF uint8)
}

// Device is one discovered, present PCI function.
type Device struct {
	Address            Address
	VendorID, DeviceID uint16
	Class, Subclass, ProgIF uint8
	Driver             string // name of the driver that claimed it, if any
}

// Enumerator walks configuration space and dispatches discovered devices to
// a driver.Registry.
type Enumerator struct {
	space    ConfigSpace
	registry *driver.Registry
	logger   logr.Logger

	done    bool
	devices []Device
}

func NewEnumerator(space ConfigSpace, registry *driver.Registry, logger logr.Logger) *Enumerator {
	return &Enumerator{
		space:    space,
		registry: registry,
		logger:   logger.WithName("pci"),
	}
}

// Enumerate walks the full bus/device/function space once. A second call is
// a no-op and returns the devices found by the first (spec §4.10
// "enumeration is idempotent and runs once at boot").
func (e *Enumerator) Enumerate() ([]Device, error) {
	if e.done {
		return e.devices, nil
	}
	if e.registry == nil {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "pci.Enumerate", "no driver registry configured")
	}

	for bus := 0; bus < maxBus; bus++ {
		for dev := 0; dev < maxDevice; dev++ {
			for fn := 0; fn < maxFunction; fn++ {
				addr := Address{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}
				vendor, deviceID := e.space.ReadVendorDevice(addr)
				if vendor == VendorAbsent {
					continue
				}

				class, subclass, progIF := e.space.ReadClass(addr)
				d := Device{
					Address:  addr,
					VendorID: vendor, DeviceID: deviceID,
					Class: class, Subclass: subclass, ProgIF: progIF,
				}

				if match, ok := e.registry.FindProbe(vendor, deviceID, class, subclass, progIF); ok {
					d.Driver = match.Name
					e.logger.Info("claimed device", "bus", bus, "device", dev, "function", fn,
						"vendor", vendor, "deviceID", deviceID, "driver", match.Name)
				} else {
					e.logger.V(1).Info("unclaimed device", "bus", bus, "device", dev, "function", fn,
						"vendor", vendor, "deviceID", deviceID)
				}
				e.devices = append(e.devices, d)
			}
		}
	}

	e.done = true
	return e.devices, nil
}

// Devices returns the devices found by the last Enumerate call, or an empty
// slice if Enumerate has not run.
func (e *Enumerator) Devices() []Device {
	out := make([]Device, len(e.devices))
	copy(out, e.devices)
	return out
}
