package fat32

import (
	"encoding/json"
	"sync"
	"time"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	"github.com/raeenos/kernel/pkg/vfs"
	"github.com/raeenos/kernel/pkg/vfs/journal"
)

// JournaledFS decorates an FS with write-ahead logging (spec §4.7):
// CreateInode, DeleteInode, WriteFile and Truncate each open a transaction,
// append one typed entry describing the intended change, and commit it —
// which durably writes the entry to the journal and only then applies it to
// the disk image, per journal.Log's commit-then-apply ordering. A commit
// that fails its checksum check or its journal write never touches the disk
// image; an apply error leaves whatever part of the change the FS had
// already made. AllocBlocks, FreeBlocks and WriteInode go straight to the
// embedded FS without a journal entry.
//
// Calls are serialized by mu: the journal's single Applier is shared
// across every mutating method, so only one commit (and therefore one
// pending result) is in flight at a time — the same one-lock-per-mount
// discipline spec §5 uses for the VFS mount table.
type JournaledFS struct {
	*FS
	mu  sync.Mutex
	log *journal.Log
	now func() time.Time

	pendingInode *vfs.Inode
	pendingN     int
	pendingErr   error
}

// NewJournaled opens a journal over fs at dir (inMemory for ephemeral
// mounts) and returns a Backend that journals CreateInode, DeleteInode,
// WriteFile and Truncate before applying them.
func NewJournaled(fs *FS, dir string, inMemory bool, now func() time.Time) (*JournaledFS, error) {
	if now == nil {
		now = time.Now
	}
	j := &JournaledFS{FS: fs, now: now}
	log, err := journal.Open(dir, inMemory, j.apply)
	if err != nil {
		return nil, err
	}
	j.log = log
	return j, nil
}

func (f *JournaledFS) SupportsJournal() bool { return true }

func (f *JournaledFS) Close() error { return f.log.Close() }

type dirChangeRecord struct {
	Op       string `json:"op"`
	ParentID uint64 `json:"parent_id"`
	Name     string `json:"name"`
	Mode     uint32 `json:"mode,omitempty"`
}

type blockWriteRecord struct {
	InodeID uint64 `json:"inode_id"`
	Offset  int64  `json:"offset"`
	Data    []byte `json:"data"`
}

type truncateRecord struct {
	InodeID uint64 `json:"inode_id"`
	Size    uint64 `json:"size"`
}

// apply is the journal's single Applier: it decodes the entry and performs
// the corresponding mutation against the underlying FS, recording the
// result in the pending* fields for the caller (still holding mu) to
// collect.
func (f *JournaledFS) apply(e journal.Entry) error {
	switch e.Kind {
	case journal.EntryDirChange:
		var rec dirChangeRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return err
		}
		parent, err := f.FS.ReadInode(rec.ParentID)
		if err != nil {
			return err
		}
		switch rec.Op {
		case "create":
			f.pendingInode, f.pendingErr = f.FS.CreateInode(parent, rec.Name, rec.Mode)
		case "delete":
			f.pendingErr = f.FS.DeleteInode(parent, rec.Name)
		default:
			return kerrors.Newf(kerrors.InvalidArgument, "fat32.apply", "unknown dir-change op %q", rec.Op)
		}
		return f.pendingErr

	case journal.EntryBlockAlloc:
		var rec blockWriteRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return err
		}
		inode, err := f.FS.ReadInode(rec.InodeID)
		if err != nil {
			return err
		}
		f.pendingN, f.pendingErr = f.FS.WriteFile(inode, rec.Offset, rec.Data)
		return f.pendingErr

	case journal.EntryMetadata:
		var rec truncateRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return err
		}
		inode, err := f.FS.ReadInode(rec.InodeID)
		if err != nil {
			return err
		}
		f.pendingErr = f.FS.Truncate(inode, rec.Size)
		return f.pendingErr

	default:
		return kerrors.Newf(kerrors.InvalidArgument, "fat32.apply", "unsupported entry kind %d", e.Kind)
	}
}

func (f *JournaledFS) CreateInode(parent *vfs.Inode, name string, mode uint32) (*vfs.Inode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := json.Marshal(dirChangeRecord{Op: "create", ParentID: parent.Number, Name: name, Mode: mode})
	if err != nil {
		return nil, err
	}
	txn := f.log.Begin()
	if err := txn.Append(journal.EntryDirChange, rec, f.now()); err != nil {
		f.log.Rollback(txn)
		return nil, err
	}
	f.pendingInode, f.pendingErr = nil, nil
	if err := f.log.Commit(txn); err != nil {
		return nil, err
	}
	return f.pendingInode, f.pendingErr
}

func (f *JournaledFS) DeleteInode(parent *vfs.Inode, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := json.Marshal(dirChangeRecord{Op: "delete", ParentID: parent.Number, Name: name})
	if err != nil {
		return err
	}
	txn := f.log.Begin()
	if err := txn.Append(journal.EntryDirChange, rec, f.now()); err != nil {
		f.log.Rollback(txn)
		return err
	}
	f.pendingErr = nil
	if err := f.log.Commit(txn); err != nil {
		return err
	}
	return f.pendingErr
}

func (f *JournaledFS) WriteFile(inode *vfs.Inode, offset int64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := json.Marshal(blockWriteRecord{InodeID: inode.Number, Offset: offset, Data: buf})
	if err != nil {
		return 0, err
	}
	txn := f.log.Begin()
	if err := txn.Append(journal.EntryBlockAlloc, rec, f.now()); err != nil {
		f.log.Rollback(txn)
		return 0, err
	}
	f.pendingN, f.pendingErr = 0, nil
	if err := f.log.Commit(txn); err != nil {
		return 0, err
	}
	return f.pendingN, f.pendingErr
}

func (f *JournaledFS) Truncate(inode *vfs.Inode, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := json.Marshal(truncateRecord{InodeID: inode.Number, Size: size})
	if err != nil {
		return err
	}
	txn := f.log.Begin()
	if err := txn.Append(journal.EntryMetadata, rec, f.now()); err != nil {
		f.log.Rollback(txn)
		return err
	}
	f.pendingErr = nil
	if err := f.log.Commit(txn); err != nil {
		return err
	}
	return f.pendingErr
}
