// Package process implements the process/thread model (spec §4.3): PID 0 is
// the kernel task, processes own an address space handle, a kernel stack,
// a bounded file-descriptor table, and a thread list. Per the design notes
// on "graph of pointers with back-references", processes and threads live
// in arenas indexed by stable numeric ids; cross-references are ids, not
// pointers.
package process

import (
	"sync"

	"github.com/go-logr/logr"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

// PriorityClass is the ordering realtime > high > normal > idle (spec §6).
type PriorityClass int

const (
	Realtime PriorityClass = iota
	High
	Normal
	Idle
)

const (
	maxFDs      = 256
	maxSlots    = 4096
	KernelPID   = 0
	invalidFD   = -1
	invalidAddr = ^uint64(0)
)

// AddressSpace is an opaque handle; the real mapping lives in a VM
// subsystem out of this core's scope (spec §1).
type AddressSpace uint64

// Thread is {tid, saved SP/BP/IP, owning process}. The main thread is
// created with the process.
type Thread struct {
	TID   int
	PID   int
	SP    uint64
	BP    uint64
	IP    uint64
	Extra any // scheduler entity attaches here; see pkg/sched.
}

// FileDescriptor is a slot in a process's bounded fd table.
type FileDescriptor struct {
	InUse  bool
	Handle any // *vfs.File in practice; kept generic to avoid an import cycle.
}

// Process is the per-PID record.
type Process struct {
	mu sync.Mutex

	PID      int
	ParentID int
	State    State
	Class    PriorityClass

	AddrSpace    AddressSpace
	KernelStack  uint64
	SavedSP      uint64
	Threads      []*Thread
	nextTID      int
	FDs          [maxFDs]FileDescriptor
}

// AllocFD finds a free descriptor slot, returning it and true, or false if
// the table is full.
func (p *Process) AllocFD(handle any) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.FDs {
		if !p.FDs[i].InUse {
			p.FDs[i] = FileDescriptor{InUse: true, Handle: handle}
			return i, true
		}
	}
	return invalidFD, false
}

func (p *Process) ReleaseFD(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= maxFDs {
		return
	}
	p.FDs[fd] = FileDescriptor{}
}

func (p *Process) FD(fd int) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= maxFDs || !p.FDs[fd].InUse {
		return nil, false
	}
	return p.FDs[fd].Handle, true
}

// Table is the global process table: a PID-keyed map of at most maxSlots
// processes, each with its own lock, plus a global lock for slot allocation (spec §5 "Process table: per-slot lock plus a
// global lock for slot allocation").
type Table struct {
	globalMu sync.Mutex
	slots    map[int]*Process
	nextPID  int
	current  map[int]*Process // per simulated CPU id
	logger   logr.Logger
}

func NewTable(logger logr.Logger) *Table {
	return &Table{
		slots:   make(map[int]*Process),
		nextPID: 1,
		current: make(map[int]*Process),
		logger:  logger.WithName("process"),
	}
}

// Init creates PID 0 as the current kernel task: running, realtime, on CPU
// 0, using the kernel page directory (spec §4.3).
func (t *Table) Init(kernelPageDirectory AddressSpace) *Process {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()

	kernel := &Process{
		PID:       KernelPID,
		ParentID:  KernelPID,
		State:     Running,
		Class:     Realtime,
		AddrSpace: kernelPageDirectory,
		nextTID:   1,
	}
	kernel.Threads = append(kernel.Threads, &Thread{TID: 0, PID: KernelPID})
	t.slots[KernelPID] = kernel
	t.current[0] = kernel
	return kernel
}

// Create allocates a free process slot with a monotonically assigned,
// nonzero PID, clones the current address space, and primes a kernel
// stack to return into entryPoint on first context switch. It enqueues at
// Normal priority (the caller is responsible for actually inserting into a
// scheduler's ready queue). Returns an error when slots are exhausted.
func (t *Table) Create(cloneFrom AddressSpace, kernelStackFrame uint64, entryPoint uint64) (*Process, error) {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()

	if len(t.slots) >= maxSlots {
		return nil, kerrors.Newf(kerrors.OutOfMemory, "process.Create", "process table full (%d slots)", maxSlots)
	}

	pid := t.nextPID
	t.nextPID++

	p := &Process{
		PID:         pid,
		ParentID:    KernelPID,
		State:       Ready,
		Class:       Normal,
		AddrSpace:   cloneFrom,
		KernelStack: kernelStackFrame,
		SavedSP:     primeInitialStack(kernelStackFrame, entryPoint),
		nextTID:     1,
	}
	p.Threads = append(p.Threads, &Thread{TID: 0, PID: pid, IP: entryPoint, SP: p.SavedSP})
	t.slots[pid] = p
	return p, nil
}

// primeInitialStack computes the saved stack pointer a context switch would
// load to resume at entryPoint with IF=1 and a ring-0 CS (spec §4.3). The
// kernel stack is simulated, not a real mapped page, so this just derives a
// deterministic value from the inputs rather than writing register frames.
func primeInitialStack(kernelStackFrame, entryPoint uint64) uint64 {
	return kernelStackFrame ^ (entryPoint << 1)
}

// CreateThread primes the caller-supplied kernel stack frame to resume at
// entryPoint and prepends the new thread to proc's thread list.
func (t *Table) CreateThread(proc *Process, kernelStackFrame, entryPoint uint64) *Thread {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	tid := proc.nextTID
	proc.nextTID++
	th := &Thread{
		TID: tid,
		PID: proc.PID,
		SP:  primeInitialStack(kernelStackFrame, entryPoint),
		IP:  entryPoint,
	}
	proc.Threads = append([]*Thread{th}, proc.Threads...)
	return th
}

// Cleanup releases the process's address space, kernel stack, and thread
// list, and marks the slot free. In this simulation "releasing" the address
// space/stack is the caller's job (pmm.FreeFrame etc.); Cleanup only retires
// bookkeeping.
func (t *Table) Cleanup(pid int) error {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	p, ok := t.slots[pid]
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "process.Cleanup", "pid %d", pid)
	}
	p.mu.Lock()
	p.State = Terminated
	p.Threads = nil
	p.mu.Unlock()
	delete(t.slots, pid)
	return nil
}

func (t *Table) Get(pid int) (*Process, bool) {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	p, ok := t.slots[pid]
	return p, ok
}

func (t *Table) Current(cpu int) *Process {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	return t.current[cpu]
}

func (t *Table) SetCurrent(cpu int, p *Process) {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	t.current[cpu] = p
}

// All returns a snapshot of every live process, for diagnostics.
func (t *Table) All() []*Process {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	out := make([]*Process, 0, len(t.slots))
	for _, p := range t.slots {
		out = append(out, p)
	}
	return out
}
