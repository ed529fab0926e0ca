// Package fat32 is the exemplar VFS backend (spec §4.7): it parses a FAT32
// boot sector at mount, computes cluster_to_sector, and walks directory
// clusters as 32-byte 8.3 entries, skipping deleted (0xE5) and stopping at
// the first 0x00 entry. It operates over an in-memory disk image (a
// flashable kernel build has no block device to talk to until the storage
// driver layer exists); the image is a plain []byte so it can be loaded
// from a file, an embedded asset, or generated by tests.
package fat32

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	"github.com/raeenos/kernel/pkg/vfs"
)

const (
	bytesPerSector = 512
	dirEntrySize   = 32
	bootSignature  = 0xAA55

	attrDirectory = 0x10
	attrLongName  = 0x0F
	deletedMarker = 0xE5
	endOfEntries  = 0x00

	fatEOCMin = 0x0FFFFFF8
	fatFree   = 0x00000000
)

// BootSector is the parsed BIOS parameter block (spec §4.7, §6 "FAT32 on-disk").
type BootSector struct {
	OEMName          string
	BytesPerSector   uint16
	SectorsPerCluster uint8
	ReservedSectors  uint16
	NumFATs          uint8
	FATSize32        uint32
	RootCluster      uint32
	TotalSectors32   uint32
	Signature        uint16
}

// ParseBootSector reads offsets the spec names: jump, OEM, BPB including
// fat_size_32 and root_cluster, and the 0xAA55 signature at offset 510.
func ParseBootSector(image []byte) (*BootSector, error) {
	if len(image) < bytesPerSector {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "fat32.ParseBootSector", "image shorter than one sector")
	}
	bs := &BootSector{
		OEMName:           strings.TrimRight(string(image[3:11]), " "),
		BytesPerSector:    binary.LittleEndian.Uint16(image[11:13]),
		SectorsPerCluster: image[13],
		ReservedSectors:   binary.LittleEndian.Uint16(image[14:16]),
		NumFATs:           image[16],
		TotalSectors32:    binary.LittleEndian.Uint32(image[32:36]),
		FATSize32:         binary.LittleEndian.Uint32(image[36:40]),
		RootCluster:       binary.LittleEndian.Uint32(image[44:48]),
		Signature:         binary.LittleEndian.Uint16(image[510:512]),
	}
	if bs.Signature != bootSignature {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "fat32.ParseBootSector", "bad boot signature 0x%04X, want 0xAA55", bs.Signature)
	}
	return bs, nil
}

// dirEntryRef is a fat32 inode's backend handle. Only firstCluster is
// filled in; dirCluster and entryOffset stay zero, and WriteInode/Truncate
// do not update the on-disk directory entry.
type dirEntryRef struct {
	dirCluster   uint32
	entryOffset  int
	firstCluster uint32
}

// FS implements vfs.Backend over an in-memory FAT32 image.
type FS struct {
	mu    sync.Mutex
	image []byte
	boot  *BootSector

	fatStartSector     uint32
	clusterStartSector uint32

	nextInodeNum atomic.Uint64
	inodes       map[uint64]*vfs.Inode

	Now func() time.Time
}

func New(image []byte) *FS {
	return &FS{image: image, inodes: make(map[uint64]*vfs.Inode), Now: time.Now}
}

func (f *FS) Kind() string { return "fat32" }

// clusterToSector implements cluster_to_sector(c) = cluster_start + (c-2) *
// sectors_per_cluster (spec §4.7).
func (f *FS) clusterToSector(cluster uint32) uint32 {
	return f.clusterStartSector + (cluster-2)*uint32(f.boot.SectorsPerCluster)
}

func (f *FS) clusterSize() int { return int(f.boot.SectorsPerCluster) * bytesPerSector }

func (f *FS) clusterOffset(cluster uint32) int {
	return int(f.clusterToSector(cluster)) * bytesPerSector
}

// Mount implements Backend.Mount (spec §4.7): parses the boot sector,
// caches fat_start_sector and cluster_start_sector, and builds the root
// inode from root_cluster.
func (f *FS) Mount(devicePath string, flags uint32) (*vfs.Inode, error) {
	boot, err := ParseBootSector(f.image)
	if err != nil {
		return nil, err
	}
	f.boot = boot
	f.fatStartSector = uint32(boot.ReservedSectors)
	f.clusterStartSector = f.fatStartSector + uint32(boot.NumFATs)*boot.FATSize32

	f.nextInodeNum.Store(1)
	root := f.newInode(boot.RootCluster, vfs.ModeDir, 0)
	return root, nil
}

func (f *FS) Unmount() error { return nil }

func (f *FS) newInode(firstCluster uint32, mode uint32, size uint32) *vfs.Inode {
	num := f.nextInodeNum.Add(1)
	now := f.Now()
	inode := &vfs.Inode{
		Number:  num,
		Backend: "fat32",
		Mode:    mode,
		Size:    uint64(size),
		Links:   1,
		ATime:   now,
		MTime:   now,
		CTime:   now,
		BTime:   now,
		Private: &dirEntryRef{firstCluster: firstCluster},
	}
	f.inodes[num] = inode
	return inode
}

func (f *FS) ReadInode(number uint64) (*vfs.Inode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inode, ok := f.inodes[number]
	if !ok {
		return nil, kerrors.Newf(kerrors.NotFound, "fat32.ReadInode", "inode %d", number)
	}
	return inode, nil
}

func (f *FS) WriteInode(inode *vfs.Inode) error { return nil }

// readFATEntry reads the 4-byte FAT32 entry for cluster, masking the
// reserved top 4 bits.
func (f *FS) readFATEntry(cluster uint32) uint32 {
	off := int(f.fatStartSector)*bytesPerSector + int(cluster)*4
	if off+4 > len(f.image) {
		return fatEOCMin
	}
	return binary.LittleEndian.Uint32(f.image[off:off+4]) & 0x0FFFFFFF
}

func (f *FS) writeFATEntry(cluster, value uint32) {
	off := int(f.fatStartSector)*bytesPerSector + int(cluster)*4
	binary.LittleEndian.PutUint32(f.image[off:off+4], value&0x0FFFFFFF)
}

// clusterChain follows the FAT from start until an end-of-chain marker.
func (f *FS) clusterChain(start uint32) []uint32 {
	var chain []uint32
	cur := start
	for cur != 0 && cur < fatEOCMin {
		chain = append(chain, cur)
		cur = f.readFATEntry(cur)
	}
	return chain
}

// dirEntry is the parsed form of one raw 32-byte directory entry.
type dirEntry struct {
	name         string
	attr         byte
	firstCluster uint32
	size         uint32
}

func parseDirEntry(raw []byte) dirEntry {
	name := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext != "" {
		name = name + "." + ext
	}
	attr := raw[11]
	hi := binary.LittleEndian.Uint16(raw[20:22])
	lo := binary.LittleEndian.Uint16(raw[26:28])
	cluster := uint32(hi)<<16 | uint32(lo)
	size := binary.LittleEndian.Uint32(raw[28:32])
	return dirEntry{name: name, attr: attr, firstCluster: cluster, size: size}
}

// readRawDirEntries walks the directory's cluster chain, applying the
// skip-0xE5 / stop-at-0x00 rule from spec §4.7.
func (f *FS) readRawDirEntries(dirCluster uint32) []dirEntry {
	var out []dirEntry
	for _, cluster := range f.clusterChain(dirCluster) {
		base := f.clusterOffset(cluster)
		count := f.clusterSize() / dirEntrySize
		for i := 0; i < count; i++ {
			off := base + i*dirEntrySize
			if off+dirEntrySize > len(f.image) {
				return out
			}
			raw := f.image[off : off+dirEntrySize]
			switch raw[0] {
			case endOfEntries:
				return out
			case deletedMarker:
				continue
			}
			if raw[11] == attrLongName {
				continue
			}
			out = append(out, parseDirEntry(raw))
		}
	}
	return out
}

// Readdir implements readdir (spec §4.7, scenario S6).
func (f *FS) Readdir(dir *vfs.Inode, max int) ([]vfs.DirEntry, error) {
	ref, ok := dir.Private.(*dirEntryRef)
	if !ok {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "fat32.Readdir", "inode is not a fat32 directory")
	}

	f.mu.Lock()
	raw := f.readRawDirEntries(ref.firstCluster)
	f.mu.Unlock()

	out := make([]vfs.DirEntry, 0, len(raw))
	for _, e := range raw {
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, vfs.DirEntry{
			Name:  e.name,
			Inode: uint64(e.firstCluster),
			IsDir: e.attr&attrDirectory != 0,
		})
	}
	return out, nil
}

// Lookup resolves one path component within dir.
func (f *FS) Lookup(dir *vfs.Inode, name string) (*vfs.Inode, error) {
	ref, ok := dir.Private.(*dirEntryRef)
	if !ok {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "fat32.Lookup", "inode is not a fat32 directory")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.readRawDirEntries(ref.firstCluster) {
		if strings.EqualFold(e.name, name) {
			mode := uint32(0)
			if e.attr&attrDirectory != 0 {
				mode = vfs.ModeDir
			}
			return f.newInode(e.firstCluster, mode, e.size), nil
		}
	}
	return nil, kerrors.Newf(kerrors.NotFound, "fat32.Lookup", "%q", name)
}

// freeClusterScan finds an unused cluster by linear scan of the FAT, per
// the spec's "FAT32 free-cluster scan failed" OutOfSpace failure mode.
func (f *FS) freeClusterScan() (uint32, error) {
	total := (len(f.image) - int(f.clusterStartSector)*bytesPerSector) / f.clusterSize()
	for c := uint32(2); c < uint32(total)+2; c++ {
		if f.readFATEntry(c) == fatFree {
			return c, nil
		}
	}
	return 0, kerrors.Newf(kerrors.OutOfSpace, "fat32.freeClusterScan", "no free clusters")
}

// CreateInode implements create (spec §4.7): allocates a cluster, appends
// a raw directory entry to parent, and writes an end-of-chain FAT marker.
func (f *FS) CreateInode(parent *vfs.Inode, name string, mode uint32) (*vfs.Inode, error) {
	ref, ok := parent.Private.(*dirEntryRef)
	if !ok {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "fat32.CreateInode", "parent is not a fat32 directory")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cluster, err := f.freeClusterScan()
	if err != nil {
		return nil, err
	}
	f.writeFATEntry(cluster, fatEOCMin)

	attr := byte(0)
	if mode&vfs.ModeDir != 0 {
		attr = attrDirectory
	}
	if err := f.appendRawDirEntry(ref.firstCluster, name, attr, cluster, 0); err != nil {
		return nil, err
	}

	return f.newInode(cluster, mode, 0), nil
}

func (f *FS) appendRawDirEntry(dirCluster uint32, name string, attr byte, cluster, size uint32) error {
	chain := f.clusterChain(dirCluster)
	if len(chain) == 0 {
		return kerrors.Newf(kerrors.IoError, "fat32.appendRawDirEntry", "empty directory chain")
	}
	last := chain[len(chain)-1]
	base := f.clusterOffset(last)
	count := f.clusterSize() / dirEntrySize
	for i := 0; i < count; i++ {
		off := base + i*dirEntrySize
		if f.image[off] == endOfEntries || f.image[off] == deletedMarker {
			encodeDirEntry(f.image[off:off+dirEntrySize], name, attr, cluster, size)
			if i+1 < count {
				f.image[off+dirEntrySize] = endOfEntries
			}
			return nil
		}
	}
	return kerrors.Newf(kerrors.OutOfSpace, "fat32.appendRawDirEntry", "directory cluster full")
}

func encodeDirEntry(raw []byte, name string, attr byte, cluster, size uint32) {
	base, ext := splitName83(name)
	copy(raw[0:8], []byte(fmt.Sprintf("%-8s", base)))
	copy(raw[8:11], []byte(fmt.Sprintf("%-3s", ext)))
	raw[11] = attr
	binary.LittleEndian.PutUint16(raw[20:22], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(raw[26:28], uint16(cluster&0xFFFF))
	binary.LittleEndian.PutUint32(raw[28:32], size)
}

func splitName83(name string) (string, string) {
	name = strings.ToUpper(name)
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 1 {
		return truncate(parts[0], 8), ""
	}
	return truncate(parts[0], 8), truncate(parts[1], 3)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (f *FS) DeleteInode(parent *vfs.Inode, name string) error {
	ref, ok := parent.Private.(*dirEntryRef)
	if !ok {
		return kerrors.Newf(kerrors.InvalidArgument, "fat32.DeleteInode", "parent is not a fat32 directory")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cluster := range f.clusterChain(ref.firstCluster) {
		base := f.clusterOffset(cluster)
		count := f.clusterSize() / dirEntrySize
		for i := 0; i < count; i++ {
			off := base + i*dirEntrySize
			if f.image[off] == endOfEntries {
				return kerrors.Newf(kerrors.NotFound, "fat32.DeleteInode", "%q", name)
			}
			if f.image[off] == deletedMarker {
				continue
			}
			e := parseDirEntry(f.image[off : off+dirEntrySize])
			if strings.EqualFold(e.name, name) {
				f.image[off] = deletedMarker
				return nil
			}
		}
	}
	return kerrors.Newf(kerrors.NotFound, "fat32.DeleteInode", "%q", name)
}

// ReadFile reads from the inode's cluster chain starting at offset.
func (f *FS) ReadFile(inode *vfs.Inode, offset int64, buf []byte) (int, error) {
	ref, ok := inode.Private.(*dirEntryRef)
	if !ok {
		return 0, kerrors.Newf(kerrors.InvalidArgument, "fat32.ReadFile", "not a fat32 file")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if offset >= int64(inode.Size) {
		return 0, nil
	}
	remaining := int64(inode.Size) - offset
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	chain := f.clusterChain(ref.firstCluster)
	clusterSz := int64(f.clusterSize())
	n := 0
	for n < len(buf) {
		pos := offset + int64(n)
		idx := pos / clusterSz
		if int(idx) >= len(chain) {
			break
		}
		inCluster := int(pos % clusterSz)
		base := f.clusterOffset(chain[idx])
		avail := f.clusterSize() - inCluster
		toCopy := len(buf) - n
		if toCopy > avail {
			toCopy = avail
		}
		copy(buf[n:n+toCopy], f.image[base+inCluster:base+inCluster+toCopy])
		n += toCopy
	}
	return n, nil
}

// WriteFile writes into the inode's cluster chain, extending it with newly
// allocated clusters as needed.
func (f *FS) WriteFile(inode *vfs.Inode, offset int64, buf []byte) (int, error) {
	ref, ok := inode.Private.(*dirEntryRef)
	if !ok {
		return 0, kerrors.Newf(kerrors.InvalidArgument, "fat32.WriteFile", "not a fat32 file")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	clusterSz := int64(f.clusterSize())
	chain := f.clusterChain(ref.firstCluster)
	needed := int((offset + int64(len(buf)) + clusterSz - 1) / clusterSz)
	for len(chain) < needed {
		c, err := f.freeClusterScan()
		if err != nil {
			return 0, err
		}
		if len(chain) == 0 {
			ref.firstCluster = c
		} else {
			f.writeFATEntry(chain[len(chain)-1], c)
		}
		f.writeFATEntry(c, fatEOCMin)
		chain = append(chain, c)
	}

	n := 0
	for n < len(buf) {
		pos := offset + int64(n)
		idx := pos / clusterSz
		inCluster := int(pos % clusterSz)
		base := f.clusterOffset(chain[idx])
		avail := f.clusterSize() - inCluster
		toCopy := len(buf) - n
		if toCopy > avail {
			toCopy = avail
		}
		copy(f.image[base+inCluster:base+inCluster+toCopy], buf[n:n+toCopy])
		n += toCopy
	}
	return n, nil
}

func (f *FS) Truncate(inode *vfs.Inode, size uint64) error {
	inode.Size = size
	return nil
}

func (f *FS) AllocBlocks(count int) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		c, err := f.freeClusterScan()
		if err != nil {
			return nil, err
		}
		f.writeFATEntry(c, fatEOCMin)
		out = append(out, uint64(c))
	}
	return out, nil
}

func (f *FS) FreeBlocks(blocks []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range blocks {
		f.writeFATEntry(uint32(b), fatFree)
	}
	return nil
}

func (f *FS) Sync() error         { return nil }
func (f *FS) SyncInode(*vfs.Inode) error { return nil }

func (f *FS) GetXattr(*vfs.Inode, string) ([]byte, bool) { return nil, false }
func (f *FS) SetXattr(*vfs.Inode, string, []byte) error {
	return kerrors.Newf(kerrors.NotSupported, "fat32.SetXattr", "fat32 has no extended attribute support")
}

func (f *FS) SupportsJournal() bool { return false }
