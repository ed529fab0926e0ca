// Package queue implements capability-guarded priority message queues
// (spec §4.6.1): FIFO or priority-descending delivery, optional zero-copy
// payload borrowing, optional per-queue encryption, and bounded capacity.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	"github.com/raeenos/kernel/pkg/ipc"
	"github.com/raeenos/kernel/pkg/ipc/capability"
	"github.com/raeenos/kernel/pkg/ipc/cipher"
)

// Message is one enqueued item (spec §3).
type Message struct {
	ID         uuid.UUID
	SenderPID  int
	Kind       string
	Priority   int
	CreatedNS  int64
	PayloadLen int
	Payload    []byte
	ZeroCopy   bool
	Encrypted  bool
	Signature  []byte
	refCount   atomic.Int32
}

// Stats are the monotonic counters spec §4.6.1 calls for.
type Stats struct {
	Sent            atomic.Uint64
	Received        atomic.Uint64
	Dropped         atomic.Uint64
	PeakQueueDepth  atomic.Uint64
}

// Queue is one message queue (spec §3). Order is FIFO or
// priority-descending depending on whether FlagPriorityQueue was set at
// creation.
type Queue struct {
	ID          uint64
	Name        string
	OwnerPID    int
	MaxMessages int
	MaxPayload  int
	Flags       ipc.Flags
	RequiredCap capability.Op

	mu       sync.Mutex
	items    []*Message
	notEmpty chan struct{} // recreated on receive-while-empty wait

	keyRing *cipher.KeyRing
	Stats   Stats
}

func (q *Queue) priorityOrdered() bool { return q.Flags.Has(ipc.FlagPriorityQueue) }

// Manager owns the global queue table and ties sends/receives to the
// capability manager (spec §4.6.3).
type Manager struct {
	mu     sync.Mutex
	queues map[uint64]*Queue
	nextID uint64
	caps   *capability.Manager
	Now    func() time.Time // overridable for tests
}

func NewManager(caps *capability.Manager) *Manager {
	return &Manager{
		queues: make(map[uint64]*Queue),
		nextID: 1,
		caps:   caps,
		Now:    time.Now,
	}
}

// CreateQueue implements create_queue (spec §4.6.1).
func (m *Manager) CreateQueue(name string, maxMessages, maxPayload int, flags ipc.Flags, ownerPID int, enc *cipher.Config) (*Queue, error) {
	if maxMessages <= 0 || maxPayload <= 0 {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "queue.CreateQueue", "max_messages and max_payload must be positive")
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	q := &Queue{
		ID:          id,
		Name:        name,
		OwnerPID:    ownerPID,
		MaxMessages: maxMessages,
		MaxPayload:  maxPayload,
		Flags:       flags,
		RequiredCap: capability.OpWrite,
	}
	if flags.Has(ipc.FlagEncrypted) {
		if enc == nil {
			return nil, kerrors.Newf(kerrors.InvalidArgument, "queue.CreateQueue", "encrypted queue requires a cipher config")
		}
		kr, err := cipher.NewKeyRing(*enc)
		if err != nil {
			return nil, err
		}
		q.keyRing = kr
	}

	m.mu.Lock()
	m.queues[id] = q
	m.mu.Unlock()
	return q, nil
}

func (m *Manager) Get(id uint64) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	return q, ok
}

func (m *Manager) checkCap(q *Queue, pid int, op capability.Op) error {
	if !q.Flags.Has(ipc.FlagAccessControl) {
		return nil
	}
	return m.caps.Validate(pid, q.ID, capability.KindQueue, op, m.Now())
}

// Send implements send (spec §4.6.1).
func (m *Manager) Send(queueID uint64, senderPID int, payload []byte, priority int) error {
	q, ok := m.Get(queueID)
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "queue.Send", "queue %d", queueID)
	}
	if err := m.checkCap(q, senderPID, capability.OpWrite); err != nil {
		return err
	}
	if len(payload) > q.MaxPayload {
		return kerrors.Newf(kerrors.InvalidArgument, "queue.Send", "message too large: %d > %d", len(payload), q.MaxPayload)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.MaxMessages {
		return kerrors.NewRetryable("queue full")
	}

	zeroCopy := q.Flags.Has(ipc.FlagZeroCopy)
	body := payload
	if !zeroCopy {
		body = append([]byte(nil), payload...)
	}

	if q.keyRing != nil {
		enc, err := q.keyRing.Encrypt(body, m.Now())
		if err != nil {
			return kerrors.Wrap(kerrors.IoError, "queue.Send", "encryption failed", err)
		}
		body = enc
	}

	msg := &Message{
		ID:         uuid.New(),
		SenderPID:  senderPID,
		Priority:   priority,
		CreatedNS:  m.Now().UnixNano(),
		PayloadLen: len(payload),
		Payload:    body,
		ZeroCopy:   zeroCopy,
		Encrypted:  q.keyRing != nil,
	}
	msg.refCount.Store(1)

	if q.priorityOrdered() {
		insertDescending(q, msg)
	} else {
		q.items = append(q.items, msg)
	}

	q.Stats.Sent.Add(1)
	if uint64(len(q.items)) > q.Stats.PeakQueueDepth.Load() {
		q.Stats.PeakQueueDepth.Store(uint64(len(q.items)))
	}
	q.signalNotEmptyLocked()
	return nil
}

// insertDescending keeps items weakly descending by priority, FIFO within a
// priority (spec §3, invariant 3 in §8).
func insertDescending(q *Queue, msg *Message) {
	i := len(q.items)
	for i > 0 && q.items[i-1].Priority < msg.Priority {
		i--
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = msg
}

func (q *Queue) signalNotEmptyLocked() {
	if q.notEmpty != nil {
		close(q.notEmpty)
		q.notEmpty = nil
	}
}

func (q *Queue) waitChanLocked() chan struct{} {
	if q.notEmpty == nil {
		q.notEmpty = make(chan struct{})
	}
	return q.notEmpty
}

// Receive implements receive (spec §4.6.1): blocks until a message is
// available or deadline passes. A zero deadline means no deadline: Receive
// waits until a message arrives.
func (m *Manager) Receive(queueID uint64, receiverPID int, deadline time.Time) (*Message, error) {
	q, ok := m.Get(queueID)
	if !ok {
		return nil, kerrors.Newf(kerrors.NotFound, "queue.Receive", "queue %d", queueID)
	}
	if err := m.checkCap(q, receiverPID, capability.OpRead); err != nil {
		return nil, err
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			if q.keyRing != nil {
				pt, err := q.keyRing.Decrypt(msg.Payload, m.Now())
				if err != nil {
					q.Stats.Dropped.Add(1)
					return nil, kerrors.Wrap(kerrors.IoError, "queue.Receive", "decryption failed", err)
				}
				msg.Payload = pt
			}
			q.Stats.Received.Add(1)
			return msg, nil
		}
		ch := q.waitChanLocked()
		q.mu.Unlock()

		if !deadline.IsZero() && !m.Now().Before(deadline) {
			return nil, kerrors.Newf(kerrors.TimedOut, "queue.Receive", "deadline reached")
		}

		ctx := context.Background()
		var cancel context.CancelFunc
		if !deadline.IsZero() {
			ctx, cancel = context.WithDeadline(ctx, deadline)
		}
		select {
		case <-ch:
			if cancel != nil {
				cancel()
			}
		case <-ctx.Done():
			if cancel != nil {
				cancel()
			}
			return nil, kerrors.Newf(kerrors.TimedOut, "queue.Receive", "deadline reached")
		}
	}
}

// Release drops the caller's reference to a zero-copy message's payload;
// the sender's buffer is considered free again once refCount hits zero.
func (m *Manager) Release(msg *Message) {
	if msg.refCount.Add(-1) < 0 {
		msg.refCount.Store(0)
	}
}
