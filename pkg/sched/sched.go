// Package sched is the base multi-level feedback scheduler (spec §4.4):
// one circular ready list per priority class, highest non-empty class
// wins, round-robin within a class, and a timer-tick-driven quantum.
package sched

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/raeenos/kernel/pkg/process"
)

// DefaultQuantum is the time-quantum (in ticks) an entity gets absent an
// overlay override (see pkg/sched/advanced for the 1ms gaming quantum).
const DefaultQuantum = 10

// Entity is the schedulable unit: a thread plus the per-thread scheduling
// extension (spec §3 "Scheduler entity"). The base scheduler only looks at
// Class and Quantum; pkg/sched/advanced extends Entity via the Overlay
// hooks below.
type Entity struct {
	Thread   *process.Thread
	Process  *process.Process
	Class    process.PriorityClass
	Quantum  int
	LastCPU  int
	Migrations int
}

// classList is a circular list via a plain slice; head is index 0.
type classList struct {
	mu      sync.Mutex
	entries []*Entity
}

func (c *classList) pushTail(e *Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *classList) pushHead(e *Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*Entity, 0, len(c.entries)+1)
	entries = append(entries, e)
	for _, x := range c.entries {
		if x != e {
			entries = append(entries, x)
		}
	}
	c.entries = entries
}

func (c *classList) popHead() (*Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil, false
	}
	e := c.entries[0]
	c.entries = c.entries[1:]
	return e, true
}

func (c *classList) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ContextSwitchFunc saves the outgoing entity's stack pointer and loads the
// incoming one's. The default implementation just records SavedSP; a real
// kernel would swap register state and `ret` into the new RIP. Exposed so
// tests and cmd/kernel can observe or replace the switch.
type ContextSwitchFunc func(prev, next *Entity)

// Scheduler holds the four priority classes in highest-to-lowest order and
// the currently running entity per simulated CPU.
type Scheduler struct {
	mu      sync.Mutex
	classes [4]*classList // indexed by process.PriorityClass
	current map[int]*Entity

	ContextSwitch ContextSwitchFunc
	logger        logr.Logger

	// Overlay, if set, lets pkg/sched/advanced rewrite an entity's class and
	// quantum as it is enqueued, without the base scheduler importing it
	// (spec §4.5 "overlay ... without changing the core queue discipline").
	// Schedule never calls PreferredCPU; it runs on the cpu it is given.
	Overlay Overlay
}

// Overlay is the hook surface spec §4.5 requires the advanced policy to
// fill in. Both methods are no-ops by default.
type Overlay interface {
	// OnEnqueue may rewrite the quantum/class of e before it joins a list.
	OnEnqueue(e *Entity)
	// PreferredCPU returns the CPU e should run on, or -1 for "no
	// preference".
	PreferredCPU(e *Entity) int
}

type noopOverlay struct{}

func (noopOverlay) OnEnqueue(e *Entity)     {}
func (noopOverlay) PreferredCPU(e *Entity) int { return -1 }

func New(logger logr.Logger) *Scheduler {
	s := &Scheduler{
		current: make(map[int]*Entity),
		Overlay: noopOverlay{},
		logger:  logger.WithName("sched"),
	}
	for i := range s.classes {
		s.classes[i] = &classList{}
	}
	s.ContextSwitch = func(prev, next *Entity) {
		if prev != nil {
			prev.Thread.SP = prev.Thread.SP // save point, no-op placeholder
		}
		if next != nil {
			_ = next.Thread.SP // load point, no-op placeholder
		}
	}
	return s
}

// Enqueue adds e to the tail of its class's list (spec §4.4 "A new process
// enters at the tail of its initial class"). Neither Enqueue nor
// kernel.Boot places PID 0 in the idle class; that class holds only what
// callers enqueue.
func (s *Scheduler) Enqueue(e *Entity) {
	if e.Quantum == 0 {
		e.Quantum = DefaultQuantum
	}
	s.Overlay.OnEnqueue(e)
	s.classes[e.Class].pushTail(e)
}

// EnqueueHead places e at the head of its class immediately, moving it
// there if it is already queued in that class. The advanced overlay's
// input-boost uses it (spec §4.5); Schedule's "re-enqueue outgoing at tail"
// rule uses pushTail instead.
func (s *Scheduler) EnqueueHead(e *Entity) {
	s.classes[e.Class].pushHead(e)
}

// highestNonEmpty returns the index of the highest-priority non-empty
// class, or -1 if all are empty.
func (s *Scheduler) highestNonEmpty() int {
	for i := range s.classes {
		if s.classes[i].len() > 0 {
			return i
		}
	}
	return -1
}

// Schedule runs the §4.4 algorithm for CPU cpu. It is invoked from the
// timer IRQ tail, a voluntary yield, or a blocked syscall path (spec §5).
func (s *Scheduler) Schedule(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.highestNonEmpty()
	if idx == -1 {
		return // current keeps running
	}

	next, ok := s.classes[idx].popHead()
	if !ok {
		return
	}

	prev := s.current[cpu]
	if prev == next {
		return
	}

	if prev != nil {
		s.classes[prev.Class].pushTail(prev)
	}

	s.current[cpu] = next
	next.LastCPU = cpu
	s.ContextSwitch(prev, next)
}

// Tick decrements the current entity's quantum; on zero it resets the
// quantum to DefaultQuantum, whatever the entity's class, and then invokes
// Schedule.
func (s *Scheduler) Tick(cpu int) {
	s.mu.Lock()
	cur := s.current[cpu]
	if cur == nil {
		s.mu.Unlock()
		return
	}
	cur.Quantum--
	expired := cur.Quantum <= 0
	if expired {
		cur.Quantum = DefaultQuantum
	}
	s.mu.Unlock()

	if expired {
		s.Schedule(cpu)
	}
}

// Current returns the entity running on cpu, or nil.
func (s *Scheduler) Current(cpu int) *Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[cpu]
}

// ClassLen reports the ready-list length for a class, for tests and
// metrics.
func (s *Scheduler) ClassLen(c process.PriorityClass) int {
	return s.classes[c].len()
}

// MakeReady transitions e to the ready state and enqueues it at its class's
// tail (used by IPC/VFS wake-ups, spec §5 "on wake-up the entity is placed
// at the tail of its class").
func (s *Scheduler) MakeReady(e *Entity) {
	s.Enqueue(e)
}
