// Package capability implements capability-based IPC security (spec
// §4.6.3): a bounded per-holder table of unforgeable tokens, granted,
// delegated, and validated against a global kill switch.
package capability

import (
	"sync"
	"sync/atomic"
	"time"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// Op is the bitmask of allowed operations (spec §6 "Capability operations").
type Op uint32

const (
	OpRead     Op = 1 << 0
	OpWrite    Op = 1 << 1
	OpCreate   Op = 1 << 2
	OpDelete   Op = 1 << 3
	OpAdmin    Op = 1 << 4
	OpEncrypt  Op = 1 << 5
	OpPriority Op = 1 << 6
	OpRealtime Op = 1 << 7
)

// Kind is the target object kind.
type Kind int

const (
	KindQueue Kind = iota
	KindShm
)

const (
	maxTableSize  = 1024
	maxDelegation = 8
)

// Capability is one token (spec §3).
type Capability struct {
	ID           uint64
	HolderPID    int
	TargetID     uint64
	TargetKind   Kind
	AllowedOps   Op
	Expiry       time.Time // zero value = never
	Revocable    bool
	Transferable bool
	Delegation   int
	DelegatorPID int

	UseCount uint64
	LastUsed time.Time
}

func (c *Capability) expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// Manager owns every holder's table plus the global kill switch and
// counters. Per spec §5, locking is per-holder.
type Manager struct {
	mu       sync.Mutex // guards the holders map's structure; nextID is advanced atomically
	holders  map[int]*holderTable
	nextID   uint64
	Enabled  atomic.Bool

	SecurityViolations atomic.Uint64
	CapabilityChecks   atomic.Uint64
}

type holderTable struct {
	mu    sync.Mutex
	caps  map[uint64]*Capability
}

func New() *Manager {
	m := &Manager{holders: make(map[int]*holderTable), nextID: 1}
	m.Enabled.Store(true)
	return m
}

func (m *Manager) tableFor(pid int) *holderTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.holders[pid]
	if !ok {
		t = &holderTable{caps: make(map[uint64]*Capability)}
		m.holders[pid] = t
	}
	return t
}

// Grant appends a capability to target's table, tagged with the granter
// (spec §4.6.3). Delegate shares the same internal grant path, passing a
// delegator PID and a delegation depth > 0.
func (m *Manager) Grant(targetPID int, objectID uint64, kind Kind, ops Op, expiry time.Time) (*Capability, error) {
	return m.grant(targetPID, objectID, kind, ops, expiry, 0, 0, true, true)
}

// Delegate re-grants an existing capability to a new holder, incrementing
// delegation depth; fails once the configured maximum is exceeded.
func (m *Manager) Delegate(from *Capability, toPID int) (*Capability, error) {
	if from.Delegation+1 > maxDelegation {
		return nil, kerrors.Newf(kerrors.PermissionDenied, "capability.Delegate", "delegation depth exceeds maximum")
	}
	if !from.Transferable {
		return nil, kerrors.Newf(kerrors.PermissionDenied, "capability.Delegate", "capability is not transferable")
	}
	return m.grant(toPID, from.TargetID, from.TargetKind, from.AllowedOps, from.Expiry,
		from.Delegation+1, from.HolderPID, from.Revocable, from.Transferable)
}

func (m *Manager) grant(targetPID int, objectID uint64, kind Kind, ops Op, expiry time.Time,
	delegation int, delegatorPID int, revocable, transferable bool) (*Capability, error) {

	t := m.tableFor(targetPID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.caps) >= maxTableSize {
		return nil, kerrors.Newf(kerrors.OutOfMemory, "capability.Grant", "capability table full for pid %d", targetPID)
	}

	id := atomic.AddUint64(&m.nextID, 1)
	c := &Capability{
		ID:           id,
		HolderPID:    targetPID,
		TargetID:     objectID,
		TargetKind:   kind,
		AllowedOps:   ops,
		Expiry:       expiry,
		Revocable:    revocable,
		Transferable: transferable,
		Delegation:   delegation,
		DelegatorPID: delegatorPID,
	}
	t.caps[id] = c
	return c, nil
}

// Revoke removes a capability from its holder's table, if revocable.
func (m *Manager) Revoke(pid int, capID uint64) error {
	t := m.tableFor(pid)
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.caps[capID]
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "capability.Revoke", "capability %d", capID)
	}
	if !c.Revocable {
		return kerrors.Newf(kerrors.PermissionDenied, "capability.Revoke", "capability %d is not revocable", capID)
	}
	delete(t.caps, capID)
	return nil
}

// Validate returns nil iff checking is enabled and pid's table has a
// matching, unexpired capability for op ∈ allowed_ops (spec §4.6.3).
// CapabilityChecks counts successful checks only; a denied check bumps
// SecurityViolations instead, so the two counters never double-count one
// call.
func (m *Manager) Validate(pid int, objectID uint64, kind Kind, op Op, now time.Time) error {
	if !m.Enabled.Load() {
		return nil
	}

	t := m.tableFor(pid)
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.caps {
		if c.TargetID != objectID || c.TargetKind != kind {
			continue
		}
		if c.AllowedOps&op == 0 {
			continue
		}
		if c.expired(now) {
			continue
		}
		c.UseCount++
		c.LastUsed = now
		m.CapabilityChecks.Add(1)
		return nil
	}

	m.SecurityViolations.Add(1)
	return kerrors.Newf(kerrors.PermissionDenied, "capability.Validate", "pid %d lacks op %d on object %d", pid, op, objectID)
}
