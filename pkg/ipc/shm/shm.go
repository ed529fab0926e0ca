// Package shm implements shared-memory objects (spec §4.6.2): reference
// counted mappings with NUMA placement hints, copy-on-write/executable/huge
// page flags, and the same capability and encryption guards as message
// queues.
package shm

import (
	"sync"
	"time"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	"github.com/raeenos/kernel/pkg/ipc"
	"github.com/raeenos/kernel/pkg/ipc/capability"
	"github.com/raeenos/kernel/pkg/ipc/cipher"
)

// Segment is one shared-memory object (spec §3).
type Segment struct {
	ID       uint64
	Name     string
	OwnerPID int
	Size     int
	Flags    ipc.Flags
	NUMANode int

	mu        sync.Mutex
	data      []byte
	refCount  int
	attached  map[int]struct{}
	keyRing   *cipher.KeyRing
	prefault  bool
}

func (s *Segment) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

// Manager owns the global segment table.
type Manager struct {
	mu       sync.Mutex
	segments map[uint64]*Segment
	nextID   uint64
	caps     *capability.Manager
	Now      func() time.Time

	// NUMANodeCount bounds the placement hint accepted by CreateSegment;
	// a topology with a single node still validates against this.
	NUMANodeCount int
}

func NewManager(caps *capability.Manager, numaNodes int) *Manager {
	if numaNodes <= 0 {
		numaNodes = 1
	}
	return &Manager{
		segments:      make(map[uint64]*Segment),
		nextID:        1,
		caps:          caps,
		Now:           time.Now,
		NUMANodeCount: numaNodes,
	}
}

// CreateSegment implements create_shm (spec §4.6.2). If flags requests
// FlagPrefault, the backing buffer is zero-filled eagerly (matching the
// teacher-style eager-allocation path); otherwise it is allocated lazily on
// first attach.
func (m *Manager) CreateSegment(name string, size int, flags ipc.Flags, ownerPID, numaNode int, enc *cipher.Config) (*Segment, error) {
	if size <= 0 {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "shm.CreateSegment", "size must be positive")
	}
	if numaNode < 0 || numaNode >= m.NUMANodeCount {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "shm.CreateSegment", "numa node %d out of range [0,%d)", numaNode, m.NUMANodeCount)
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	seg := &Segment{
		ID:       id,
		Name:     name,
		OwnerPID: ownerPID,
		Size:     size,
		Flags:    flags,
		NUMANode: numaNode,
		attached: make(map[int]struct{}),
		prefault: flags.Has(ipc.FlagPrefault),
	}
	if seg.prefault {
		seg.data = make([]byte, size)
	}
	if flags.Has(ipc.FlagEncrypted) {
		if enc == nil {
			return nil, kerrors.Newf(kerrors.InvalidArgument, "shm.CreateSegment", "encrypted segment requires a cipher config")
		}
		kr, err := cipher.NewKeyRing(*enc)
		if err != nil {
			return nil, err
		}
		seg.keyRing = kr
	}

	m.mu.Lock()
	m.segments[id] = seg
	m.mu.Unlock()
	return seg, nil
}

func (m *Manager) Get(id uint64) (*Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segments[id]
	return s, ok
}

func (m *Manager) checkCap(s *Segment, pid int, op capability.Op) error {
	if !s.Flags.Has(ipc.FlagAccessControl) {
		return nil
	}
	return m.caps.Validate(pid, s.ID, capability.KindShm, op, m.Now())
}

// Attach implements attach_shm (spec §4.6.2): maps the segment into pid's
// address space, allocating the backing buffer lazily if not prefaulted,
// and bumps the reference count.
func (m *Manager) Attach(segID uint64, pid int) (*Segment, error) {
	s, ok := m.Get(segID)
	if !ok {
		return nil, kerrors.Newf(kerrors.NotFound, "shm.Attach", "segment %d", segID)
	}
	if err := m.checkCap(s, pid, capability.OpRead); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make([]byte, s.Size)
	}
	if _, already := s.attached[pid]; !already {
		s.attached[pid] = struct{}{}
		s.refCount++
	}
	return s, nil
}

// Detach implements detach_shm (spec §4.6.2): unmaps pid, decrementing the
// reference count; the segment is destroyed as soon as the last attached pid
// detaches. The owner is not consulted: there is no separate owner removal
// mark.
func (m *Manager) Detach(segID uint64, pid int) error {
	s, ok := m.Get(segID)
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "shm.Detach", "segment %d", segID)
	}

	s.mu.Lock()
	if _, attached := s.attached[pid]; !attached {
		s.mu.Unlock()
		return kerrors.Newf(kerrors.InvalidArgument, "shm.Detach", "pid %d is not attached to segment %d", pid, segID)
	}
	delete(s.attached, pid)
	s.refCount--
	destroy := s.refCount <= 0
	s.mu.Unlock()

	if destroy {
		m.mu.Lock()
		delete(m.segments, segID)
		m.mu.Unlock()
	}
	return nil
}

// Read copies length bytes starting at offset out of the segment, applying
// decryption if the segment is encrypted. CoW segments never mutate the
// shared buffer on Read.
func (m *Manager) Read(segID uint64, pid int, offset, length int) ([]byte, error) {
	s, ok := m.Get(segID)
	if !ok {
		return nil, kerrors.Newf(kerrors.NotFound, "shm.Read", "segment %d", segID)
	}
	if err := m.checkCap(s, pid, capability.OpRead); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || length < 0 || offset+length > len(s.data) {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "shm.Read", "range [%d,%d) out of bounds for %d-byte segment", offset, offset+length, len(s.data))
	}
	out := append([]byte(nil), s.data[offset:offset+length]...)
	if s.keyRing != nil {
		pt, err := s.keyRing.Decrypt(out, m.Now())
		if err != nil {
			return nil, kerrors.Wrap(kerrors.IoError, "shm.Read", "decryption failed", err)
		}
		return pt, nil
	}
	return out, nil
}

// Write implements write access to a segment (spec §4.6.2). Writing to a
// copy-on-write segment without OpWrite held on a private copy is rejected
// by the capability check; CoW fork-time duplication itself belongs to the
// process subsystem and is out of scope here.
func (m *Manager) Write(segID uint64, pid int, offset int, data []byte) error {
	s, ok := m.Get(segID)
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "shm.Write", "segment %d", segID)
	}
	if err := m.checkCap(s, pid, capability.OpWrite); err != nil {
		return err
	}
	if s.Flags.Has(ipc.FlagExecutable) && !s.Flags.Has(ipc.FlagCopyOnWrite) {
		return kerrors.Newf(kerrors.PermissionDenied, "shm.Write", "segment %d is executable and not writable", segID)
	}

	body := data
	if s.keyRing != nil {
		enc, err := s.keyRing.Encrypt(data, m.Now())
		if err != nil {
			return kerrors.Wrap(kerrors.IoError, "shm.Write", "encryption failed", err)
		}
		body = enc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset+len(body) > len(s.data) {
		return kerrors.Newf(kerrors.InvalidArgument, "shm.Write", "range [%d,%d) out of bounds for %d-byte segment", offset, offset+len(body), len(s.data))
	}
	copy(s.data[offset:], body)
	return nil
}
