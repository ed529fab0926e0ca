// Package idt models the interrupt descriptor table and common dispatcher
// (spec §4.2): 256 vectors, the first 32 reserved for CPU exceptions and
// 32..47 for legacy IRQs, a single dispatch path, and End-Of-Interrupt
// signalling to the PIC(s).
package idt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

const (
	NumVectors = 256

	// Exception vectors (subset named in spec §4.2).
	VecDivideError      = 0
	VecDebug            = 1
	VecBreakpoint       = 3
	VecOverflow         = 4
	VecInvalidOpcode    = 6
	VecDoubleFault      = 8
	VecGeneralProtect   = 13
	VecPageFault        = 14
	VecX87FPException   = 16
	VecAlignmentCheck   = 17
	VecSIMDException    = 19
	IRQBase             = 32
	IRQLimit            = 48 // exclusive
	VecTimer            = IRQBase + 0
	VecKeyboard         = IRQBase + 1
	secondaryPICCutover = 40
)

// GateState is the installation state of one vector (spec §4.2 "State
// machine").
type GateState int

const (
	Uninstalled GateState = iota
	InstalledNoHandler
	InstalledWithHandler
)

// Frame is the exception frame pushed by the common stub: all GPRs, the
// interrupt number, the error code, and the CPU-pushed iret frame (spec
// §3).
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	GPRs      [15]uint64 // order-agnostic snapshot of general-purpose registers
	RIP       uint64
	CS        uint64
	RFLAGS    uint64
	RSP       uint64
	SS        uint64
	CR2       uint64 // valid only for VecPageFault
}

// Handler processes one interrupt/exception. It returning does not imply
// EOI was sent; the dispatcher sends EOI for IRQ vectors regardless of
// whether a handler ran.
type Handler func(f *Frame)

// PIC abstracts the 8259 pair (or an APIC equivalent); sending EOI is the
// only operation the dispatcher needs.
type PIC interface {
	SendEOIPrimary()
	SendEOISecondary()
}

// NullPIC discards EOIs; useful for tests and hosts with no real PIC.
type NullPIC struct{}

func (NullPIC) SendEOIPrimary()   {}
func (NullPIC) SendEOISecondary() {}

type gate struct {
	state   GateState
	handler Handler
}

// Stats mirrors the counters spec §4.2 calls for.
type Stats struct {
	Total     atomic.Uint64
	Exception atomic.Uint64
	IRQ       atomic.Uint64
	Spurious  atomic.Uint64
}

// Dispatcher owns the 256 gates and the handler table.
type Dispatcher struct {
	mu     sync.RWMutex
	gates  [NumVectors]gate
	pic    PIC
	logger logr.Logger
	Stats  Stats

	// OnFatal is called for any exception the default handlers treat as
	// fatal (print + halt). It defaults to a panic so tests can recover();
	// callers may replace it with their own halt path.
	OnFatal func(reason string, f *Frame)
}

func New(logger logr.Logger, pic PIC) *Dispatcher {
	if pic == nil {
		pic = NullPIC{}
	}
	d := &Dispatcher{pic: pic, logger: logger.WithName("idt")}
	d.OnFatal = func(reason string, f *Frame) {
		panic(fmt.Sprintf("fatal exception: %s (vector %d rip=%#x)", reason, f.Vector, f.RIP))
	}
	d.installDefaults()
	return d
}

// Install registers handler for vector, replacing any existing handler
// atomically under lock. Reinstalling is permitted (spec §4.2).
func (d *Dispatcher) Install(vector uint8, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gates[vector].handler = h
	if h == nil {
		d.gates[vector].state = InstalledNoHandler
	} else {
		d.gates[vector].state = InstalledWithHandler
	}
}

func (d *Dispatcher) State(vector uint8) GateState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gates[vector].state
}

// Dispatch is the common dispatcher algorithm (spec §4.2).
func (d *Dispatcher) Dispatch(f *Frame) {
	d.Stats.Total.Add(1)

	isIRQ := f.Vector >= IRQBase && f.Vector < IRQLimit
	if isIRQ {
		d.Stats.IRQ.Add(1)
	} else {
		d.Stats.Exception.Add(1)
	}

	d.mu.RLock()
	g := d.gates[f.Vector]
	d.mu.RUnlock()

	if g.handler != nil {
		g.handler(f)
	} else {
		d.Stats.Spurious.Add(1)
		d.logger.Info("unhandled interrupt", "vector", f.Vector)
	}

	if isIRQ {
		d.pic.SendEOIPrimary()
		if f.Vector >= secondaryPICCutover {
			d.pic.SendEOISecondary()
		}
	}
}

// PageFaultCause is CR2's companion error code split by
// DecodePageFaultError into the three bits spec §4.2 names.
type PageFaultCause struct {
	ProtectionViolation bool // false = not-present
	Write               bool // false = read
	User                bool // false = kernel
}

func DecodePageFaultError(errorCode uint64) PageFaultCause {
	return PageFaultCause{
		ProtectionViolation: errorCode&0x1 != 0,
		Write:               errorCode&0x2 != 0,
		User:                errorCode&0x4 != 0,
	}
}

func (d *Dispatcher) installDefaults() {
	fatalPrint := func(name string) Handler {
		return func(f *Frame) {
			d.logger.Error(nil, name, "rip", f.RIP, "errorCode", f.ErrorCode)
			d.OnFatal(name, f)
		}
	}
	for vec, name := range map[uint8]string{
		VecDivideError:    "divide error",
		VecDebug:          "debug",
		VecBreakpoint:     "breakpoint",
		VecOverflow:       "overflow",
		VecInvalidOpcode:  "invalid opcode",
		VecAlignmentCheck: "alignment check",
		VecSIMDException:  "SIMD exception",
		VecX87FPException: "x87 floating point exception",
		VecGeneralProtect: "general protection fault",
		VecDoubleFault:    "double fault",
	} {
		d.Install(vec, fatalPrint(name))
	}

	d.Install(VecPageFault, func(f *Frame) {
		cause := DecodePageFaultError(f.ErrorCode)
		d.logger.Error(nil, "page fault", "cr2", f.CR2, "protection", cause.ProtectionViolation,
			"write", cause.Write, "user", cause.User)
		// Demand paging, CoW, and swap-in are out of scope for the core
		// (spec §9); this halts unconditionally until a VM subsystem hooks
		// it.
		d.OnFatal("page fault", f)
	})
}
