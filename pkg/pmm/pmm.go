// Package pmm is the physical frame allocator (spec §4.1): a bitmap over
// 4 KiB frames, built from a boot memory map, handing out and reclaiming
// frames with linear first-fit.
package pmm

import (
	"sync"

	"github.com/go-logr/logr"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

const (
	FrameSize = 4096
	// legacyReservedBytes covers the first 1 MiB, reserved per spec §4.1.
	legacyReservedBytes = 1 << 20
)

// MemoryMapEntryType mirrors the boot memory map's type field (spec §6);
// type 1 denotes available RAM.
type MemoryMapEntryType uint32

const (
	TypeReserved  MemoryMapEntryType = 0
	TypeAvailable MemoryMapEntryType = 1
)

// MemoryMapEntry is one boot-provided region descriptor.
type MemoryMapEntry struct {
	Address uint64
	Length  uint64
	Type    MemoryMapEntryType
}

// Allocator owns the frame bitmap. The zero value is not usable; call
// InitFromMemoryMap.
type Allocator struct {
	mu        sync.Mutex
	bits      []uint64 // bit i of word i/64 = lowest frame of that word; 1 = allocated.
	frameBase uint64   // address of frame 0 (always 0 for identity-mapped physical memory)
	numFrames uint64
	logger    logr.Logger
}

func New(logger logr.Logger) *Allocator {
	return &Allocator{logger: logger.WithName("pmm")}
}

// InitFromMemoryMap scans the boot-provided regions, computes the highest
// available address, chooses a contiguous free region large enough to hold
// the bitmap, marks everything allocated, frees every frame in an available
// region, then re-marks the bitmap's own frames and the first 1 MiB as
// allocated. Initialization failure is fatal per spec §4.1: callers should
// treat a non-nil error as grounds to halt.
func (a *Allocator) InitFromMemoryMap(entries []MemoryMapEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var highest uint64
	for _, e := range entries {
		if e.Type != TypeAvailable {
			continue
		}
		end := e.Address + e.Length
		if end > highest {
			highest = end
		}
	}
	if highest == 0 {
		return kerrors.Newf(kerrors.Fatal, "pmm.InitFromMemoryMap", "no available memory regions in boot map")
	}

	a.numFrames = (highest + FrameSize - 1) / FrameSize
	numWords := (a.numFrames + 63) / 64
	bitmapBytes := numWords * 8

	bitmapBase, ok := findFreeRegion(entries, bitmapBytes)
	if !ok {
		return kerrors.Newf(kerrors.Fatal, "pmm.InitFromMemoryMap", "no region large enough for a %d-byte bitmap", bitmapBytes)
	}

	a.bits = make([]uint64, numWords)
	// Start fully allocated; below we free only the available regions.
	for i := range a.bits {
		a.bits[i] = ^uint64(0)
	}

	for _, e := range entries {
		if e.Type != TypeAvailable {
			continue
		}
		first := e.Address / FrameSize
		last := (e.Address + e.Length) / FrameSize
		for f := first; f < last && f < a.numFrames; f++ {
			a.clearBitLocked(f)
		}
	}

	// Re-reserve the bitmap's own frames.
	bitmapFirst := bitmapBase / FrameSize
	bitmapLast := (bitmapBase + bitmapBytes + FrameSize - 1) / FrameSize
	for f := bitmapFirst; f < bitmapLast && f < a.numFrames; f++ {
		a.setBitLocked(f)
	}

	// Re-reserve the first 1 MiB legacy area.
	legacyFrames := uint64(legacyReservedBytes / FrameSize)
	for f := uint64(0); f < legacyFrames && f < a.numFrames; f++ {
		a.setBitLocked(f)
	}

	a.logger.Info("pmm initialized", "frames", a.numFrames, "bitmapBase", bitmapBase, "bitmapBytes", bitmapBytes)
	return nil
}

// findFreeRegion picks the first available region with at least size bytes,
// aligned to FrameSize.
func findFreeRegion(entries []MemoryMapEntry, size uint64) (uint64, bool) {
	for _, e := range entries {
		if e.Type != TypeAvailable {
			continue
		}
		base := alignUp(e.Address, FrameSize)
		if base >= e.Address+e.Length {
			continue
		}
		avail := (e.Address + e.Length) - base
		if avail >= size {
			return base, true
		}
	}
	return 0, false
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

func (a *Allocator) setBitLocked(frame uint64) {
	a.bits[frame/64] |= 1 << (frame % 64)
}

func (a *Allocator) clearBitLocked(frame uint64) {
	a.bits[frame/64] &^= 1 << (frame % 64)
}

func (a *Allocator) testBitLocked(frame uint64) bool {
	return a.bits[frame/64]&(1<<(frame%64)) != 0
}

// AllocFrame performs linear first-fit over the bitmap, returning the
// physical address of a frame whose bit flips 0->1. Returns false on
// exhaustion.
func (a *Allocator) AllocFrame() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for wordIdx, word := range a.bits {
		if word == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			frame := uint64(wordIdx)*64 + uint64(bit)
			if frame >= a.numFrames {
				break
			}
			if word&(1<<uint(bit)) == 0 {
				a.setBitLocked(frame)
				return frame * FrameSize, true
			}
		}
	}
	return 0, false
}

// FreeFrame clears the bit for the frame at addr. No double-free detection
// is performed in release builds per spec §4.1; DebugFreeFrame below adds
// the suggested assertion.
func (a *Allocator) FreeFrame(addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	frame := addr / FrameSize
	if frame >= a.numFrames {
		return
	}
	a.clearBitLocked(frame)
}

// DebugFreeFrame is FreeFrame plus an assertion that the frame was actually
// allocated, for debug builds (spec §4.1 "implementers SHOULD add a
// debug-mode assertion").
func (a *Allocator) DebugFreeFrame(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	frame := addr / FrameSize
	if frame >= a.numFrames {
		return kerrors.Newf(kerrors.InvalidArgument, "pmm.DebugFreeFrame", "frame %d out of range", frame)
	}
	if !a.testBitLocked(frame) {
		return kerrors.Newf(kerrors.Fatal, "pmm.DebugFreeFrame", "double free of frame %d", frame)
	}
	a.clearBitLocked(frame)
	return nil
}

// Stats reports coarse bitmap occupancy, used by the metrics layer.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var used uint64
	for f := uint64(0); f < a.numFrames; f++ {
		if a.testBitLocked(f) {
			used++
		}
	}
	return Stats{TotalFrames: a.numFrames, FreeFrames: a.numFrames - used}
}
