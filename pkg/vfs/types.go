package vfs

import (
	"sync"
	"time"
)

// Inode holds the metadata spec §3 requires for every filesystem object,
// independent of backend.
type Inode struct {
	Number      uint64
	Backend     string
	Mode        uint32
	UID, GID    uint32
	Size        uint64
	Links       uint32
	ATime       time.Time
	MTime       time.Time
	CTime       time.Time
	BTime       time.Time
	Private     any // backend-specific handle (the fat32 backend stores its *dirEntryRef)
	Dirty       bool
	Accessed    bool
	RefCount    int32

	mu sync.Mutex
}

func (i *Inode) touchAccess(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Accessed = true
	i.ATime = now
}

func (i *Inode) markDirty(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Dirty = true
	i.MTime = now
	i.CTime = now
}

// IsDir reports whether mode bit 0x4000 (matching the classic S_IFDIR bit
// used by the FAT32 backend's directory attribute) is set.
func (i *Inode) IsDir() bool { return i.Mode&ModeDir != 0 }

const (
	ModeDir = 0x4000
)

// Dentry links a name to an inode within a parent directory (spec §3). A
// directory's children are unique by name within that parent.
type Dentry struct {
	Name     string
	Inode    *Inode
	Parent   *Dentry
	Children map[string]*Dentry

	mu sync.Mutex
}

func newDentry(name string, inode *Inode, parent *Dentry) *Dentry {
	return &Dentry{Name: name, Inode: inode, Parent: parent, Children: make(map[string]*Dentry)}
}

func (d *Dentry) addChild(c *Dentry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Children[c.Name] = c
}

func (d *Dentry) child(name string) (*Dentry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.Children[name]
	return c, ok
}

// OpenFlags mirror the classic O_* bits used by open().
type OpenFlags uint32

const (
	ORead    OpenFlags = 0x1
	OWrite   OpenFlags = 0x2
	OCreate  OpenFlags = 0x4
	OTrunc   OpenFlags = 0x8
	OAppend  OpenFlags = 0x10
)

// File is a per-open-instance handle (spec §4.7): {inode ref, dentry ref,
// flags, mode, position, ops vtable}.
type File struct {
	Inode    *Inode
	Dentry   *Dentry
	Flags    OpenFlags
	Mode     uint32
	Position int64

	mu       sync.Mutex
	refCount int32
	fs       *Mount
}

// DirEntry is one readdir result (spec §4.7): name/inode/type triple.
type DirEntry struct {
	Name  string
	Inode uint64
	IsDir bool
}

// Backend is the per-filesystem operations vtable (spec §4.7).
type Backend interface {
	Kind() string
	Mount(devicePath string, flags uint32) (root *Inode, err error)
	Unmount() error

	ReadInode(number uint64) (*Inode, error)
	WriteInode(inode *Inode) error
	CreateInode(parent *Inode, name string, mode uint32) (*Inode, error)
	DeleteInode(parent *Inode, name string) error

	Readdir(dir *Inode, max int) ([]DirEntry, error)
	Lookup(dir *Inode, name string) (*Inode, error)

	ReadFile(inode *Inode, offset int64, buf []byte) (int, error)
	WriteFile(inode *Inode, offset int64, buf []byte) (int, error)
	Truncate(inode *Inode, size uint64) error

	AllocBlocks(count int) ([]uint64, error)
	FreeBlocks(blocks []uint64) error

	Sync() error
	SyncInode(inode *Inode) error

	GetXattr(inode *Inode, name string) ([]byte, bool)
	SetXattr(inode *Inode, name string, value []byte) error

	// SupportsJournal reports whether this backend advertises the
	// journaling protocol (spec §4.7).
	SupportsJournal() bool
}
