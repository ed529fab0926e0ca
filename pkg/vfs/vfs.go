// Package vfs is the virtual filesystem layer (spec §4.7): a global mount
// table, cached inode/dentry lookup, and a uniform file-operations surface
// over pluggable backends. Caches are backed by ristretto, matching the
// in-process caching style the rest of this codebase uses for hot-path
// lookups.
package vfs

import (
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// Mount is one entry in the global mount table (spec §3 "Filesystem").
type Mount struct {
	Name       string
	Kind       string
	MountPoint string
	DevicePath string
	Flags      uint32
	Backend    Backend
	Root       *Inode
	RootDentry *Dentry

	Stats struct {
		Reads, Writes, Opens uint64
	}

	mu        sync.Mutex
	openFiles int
}

// VFS owns the mount table and the process-wide inode/dentry caches.
type VFS struct {
	mu     sync.Mutex
	mounts map[string]*Mount

	inodeCache  *ristretto.Cache[uint64, *Inode]
	dentryCache *ristretto.Cache[string, *Dentry]

	Now func() time.Time
}

func New() (*VFS, error) {
	inodeCache, err := ristretto.NewCache(&ristretto.Config[uint64, *Inode]{
		NumCounters: 1e5,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.IoError, "vfs.New", "inode cache init", err)
	}
	dentryCache, err := ristretto.NewCache(&ristretto.Config[string, *Dentry]{
		NumCounters: 1e5,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.IoError, "vfs.New", "dentry cache init", err)
	}
	return &VFS{
		mounts:      make(map[string]*Mount),
		inodeCache:  inodeCache,
		dentryCache: dentryCache,
		Now:         time.Now,
	}, nil
}

func dentryKey(mountPoint, path string) string { return mountPoint + ":" + path }

// Mount implements mount (spec §4.7): mounts backend at mountPoint and
// registers it in the global table.
func (v *VFS) Mount(name, kind, mountPoint, devicePath string, flags uint32, backend Backend) (*Mount, error) {
	v.mu.Lock()
	if _, exists := v.mounts[mountPoint]; exists {
		v.mu.Unlock()
		return nil, kerrors.Newf(kerrors.InvalidArgument, "vfs.Mount", "mount point %q already in use", mountPoint)
	}
	v.mu.Unlock()

	root, err := backend.Mount(devicePath, flags)
	if err != nil {
		return nil, err
	}

	m := &Mount{
		Name:       name,
		Kind:       kind,
		MountPoint: mountPoint,
		DevicePath: devicePath,
		Flags:      flags,
		Backend:    backend,
		Root:       root,
		RootDentry: newDentry("/", root, nil),
	}

	v.mu.Lock()
	v.mounts[mountPoint] = m
	v.mu.Unlock()

	v.inodeCache.Set(root.Number, root, 1)
	v.dentryCache.Set(dentryKey(mountPoint, "/"), m.RootDentry, 1)
	return m, nil
}

// Unmount implements unmount (spec §4.7): requires no open files and a
// successful sync.
func (v *VFS) Unmount(mountPoint string) error {
	v.mu.Lock()
	m, ok := v.mounts[mountPoint]
	v.mu.Unlock()
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "vfs.Unmount", "mount point %q", mountPoint)
	}

	m.mu.Lock()
	open := m.openFiles
	m.mu.Unlock()
	if open > 0 {
		return kerrors.Newf(kerrors.Busy, "vfs.Unmount", "%d files still open on %q", open, mountPoint)
	}

	if err := m.Backend.Sync(); err != nil {
		return kerrors.Wrap(kerrors.IoError, "vfs.Unmount", "sync failed", err)
	}
	if err := m.Backend.Unmount(); err != nil {
		return err
	}

	v.mu.Lock()
	delete(v.mounts, mountPoint)
	v.mu.Unlock()
	return nil
}

// mountFor finds the longest mount-point prefix of path.
func (v *VFS) mountFor(path string) (*Mount, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var best *Mount
	bestLen := -1
	for mp, m := range v.mounts {
		if strings.HasPrefix(path, mp) && len(mp) > bestLen {
			best, bestLen = m, len(mp)
		}
	}
	if best == nil {
		return nil, "", kerrors.Newf(kerrors.NotFound, "vfs.mountFor", "no filesystem mounted to resolve %q", path)
	}
	rel := strings.TrimPrefix(path, best.MountPoint)
	rel = strings.TrimPrefix(rel, "/")
	return best, rel, nil
}

// lookup walks rel path components from m's root dentry, consulting (and
// populating) the dentry/inode caches, delegating misses to the backend.
func (v *VFS) lookup(m *Mount, rel string, createMode uint32, create bool) (*Dentry, error) {
	cur := m.RootDentry
	if rel == "" {
		return cur, nil
	}

	parts := strings.Split(rel, "/")
	curPath := ""
	for idx, name := range parts {
		if name == "" {
			continue
		}
		curPath += "/" + name
		key := dentryKey(m.MountPoint, curPath)
		if cached, ok := v.dentryCache.Get(key); ok {
			cur = cached
			continue
		}

		child, ok := cur.child(name)
		if !ok {
			inode, err := m.Backend.Lookup(cur.Inode, name)
			if err != nil {
				last := idx == len(parts)-1
				if create && last {
					inode, err = m.Backend.CreateInode(cur.Inode, name, createMode)
					if err != nil {
						return nil, err
					}
				} else {
					return nil, kerrors.Newf(kerrors.NotFound, "vfs.lookup", "%q", curPath)
				}
			}
			child = newDentry(name, inode, cur)
			cur.addChild(child)
			v.inodeCache.Set(inode.Number, inode, 1)
		}
		v.dentryCache.Set(key, child, 1)
		cur = child
	}
	return cur, nil
}

// Open implements open (spec §4.7).
func (v *VFS) Open(path string, flags OpenFlags, mode uint32) (*File, error) {
	m, rel, err := v.mountFor(path)
	if err != nil {
		return nil, err
	}

	d, err := v.lookup(m, rel, mode, flags.has(OCreate))
	if err != nil {
		return nil, err
	}

	if flags.has(OTrunc) {
		if err := m.Backend.Truncate(d.Inode, 0); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.openFiles++
	m.Stats.Opens++
	m.mu.Unlock()

	f := &File{Inode: d.Inode, Dentry: d, Flags: flags, Mode: mode, fs: m}
	f.refCount = 1
	if flags.has(OAppend) {
		f.Position = int64(d.Inode.Size)
	}
	return f, nil
}

func (f OpenFlags) has(bit OpenFlags) bool { return f&bit != 0 }

// Close implements close (spec §4.7): decrements the ref-count; at zero,
// syncs and releases.
func (v *VFS) Close(f *File) error {
	f.mu.Lock()
	f.refCount--
	shouldSync := f.refCount <= 0
	f.mu.Unlock()

	if !shouldSync {
		return nil
	}

	f.fs.mu.Lock()
	f.fs.openFiles--
	f.fs.mu.Unlock()

	return f.fs.Backend.SyncInode(f.Inode)
}

// Read implements read (spec §4.7).
func (v *VFS) Read(f *File, buf []byte) (int, error) {
	if !f.Flags.has(ORead) {
		return 0, kerrors.Newf(kerrors.PermissionDenied, "vfs.Read", "file not opened for read")
	}
	n, err := f.fs.Backend.ReadFile(f.Inode, f.Position, buf)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.Position += int64(n)
	f.mu.Unlock()

	f.Inode.touchAccess(v.Now())
	f.fs.mu.Lock()
	f.fs.Stats.Reads++
	f.fs.mu.Unlock()
	return n, nil
}

// Write implements write (spec §4.7): marks the inode dirty and updates
// timestamps.
func (v *VFS) Write(f *File, buf []byte) (int, error) {
	if !f.Flags.has(OWrite) {
		return 0, kerrors.Newf(kerrors.PermissionDenied, "vfs.Write", "file not opened for write")
	}
	n, err := f.fs.Backend.WriteFile(f.Inode, f.Position, buf)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.Position += int64(n)
	f.mu.Unlock()

	now := v.Now()
	f.Inode.markDirty(now)
	if uint64(f.Position) > f.Inode.Size {
		f.Inode.Size = uint64(f.Position)
	}
	f.fs.mu.Lock()
	f.fs.Stats.Writes++
	f.fs.mu.Unlock()
	return n, nil
}

// Readdir implements readdir (spec §4.7).
func (v *VFS) Readdir(f *File, max int) ([]DirEntry, error) {
	if !f.Inode.IsDir() {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "vfs.Readdir", "not a directory")
	}
	f.Inode.touchAccess(v.Now())
	return f.fs.Backend.Readdir(f.Inode, max)
}
