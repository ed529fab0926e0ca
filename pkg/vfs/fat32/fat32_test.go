package fat32_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raeenos/kernel/pkg/vfs/fat32"
)

const (
	sectorSize        = 512
	sectorsPerCluster = 1
	reservedSectors   = 1
	numFATs           = 1
	fatSize32         = 1
	rootCluster       = 2
)

// buildImage constructs a minimal single-cluster-root FAT32 image with the
// given raw 32-byte directory entries written into the root cluster.
func buildImage(t *testing.T, rootEntries [][32]byte) []byte {
	t.Helper()
	clusterStart := reservedSectors + numFATs*fatSize32
	totalClusters := 4
	size := (clusterStart + totalClusters) * sectorSize
	img := make([]byte, size)

	img[0] = 0xEB
	img[1] = 0x58
	img[2] = 0x90
	copy(img[3:11], []byte("RAEENOS "))
	binary.LittleEndian.PutUint16(img[11:13], sectorSize)
	img[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(img[14:16], reservedSectors)
	img[16] = numFATs
	binary.LittleEndian.PutUint32(img[32:36], uint32(size/sectorSize))
	binary.LittleEndian.PutUint32(img[36:40], fatSize32)
	binary.LittleEndian.PutUint32(img[44:48], rootCluster)
	binary.LittleEndian.PutUint16(img[510:512], 0xAA55)

	fatOff := reservedSectors * sectorSize
	binary.LittleEndian.PutUint32(img[fatOff+rootCluster*4:fatOff+rootCluster*4+4], 0x0FFFFFF8)

	rootOff := clusterStart * sectorSize
	for i, e := range rootEntries {
		copy(img[rootOff+i*32:rootOff+i*32+32], e[:])
	}
	return img
}

func dirEntryBytes(name83 string, attr byte, cluster, size uint32) [32]byte {
	var raw [32]byte
	copy(raw[0:11], []byte(name83))
	raw[11] = attr
	binary.LittleEndian.PutUint16(raw[20:22], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(raw[26:28], uint16(cluster&0xFFFF))
	binary.LittleEndian.PutUint32(raw[28:32], size)
	return raw
}

func TestParseBootSectorReadsBPBFields(t *testing.T) {
	img := buildImage(t, nil)
	bs, err := fat32.ParseBootSector(img)
	require.NoError(t, err)
	assert.Equal(t, uint16(sectorSize), bs.BytesPerSector)
	assert.Equal(t, uint32(rootCluster), bs.RootCluster)
	assert.Equal(t, uint32(fatSize32), bs.FATSize32)
	assert.Equal(t, uint16(0xAA55), bs.Signature)
}

func TestParseBootSectorRejectsBadSignature(t *testing.T) {
	img := buildImage(t, nil)
	img[510] = 0x00
	img[511] = 0x00
	_, err := fat32.ParseBootSector(img)
	require.Error(t, err)
}

// TestScenarioS6FAT32Readdir matches spec scenario S6: a root directory
// containing "README.TXT" (file), "SYSTEM" (dir), and a deleted entry
// yields exactly two entries.
func TestScenarioS6FAT32Readdir(t *testing.T) {
	entries := [][32]byte{
		dirEntryBytes("README  TXT", 0x00, 3, 128),
		dirEntryBytes("SYSTEM     ", 0x10, 4, 0),
		func() [32]byte {
			raw := dirEntryBytes("DELETED ENT", 0x00, 0, 0)
			raw[0] = 0xE5
			return raw
		}(),
	}
	img := buildImage(t, entries)

	// mark clusters 3 and 4 as single-cluster end-of-chain entries so they
	// resolve as valid, even though this test never reads their contents.
	fatOff := reservedSectors * sectorSize
	binary.LittleEndian.PutUint32(img[fatOff+3*4:fatOff+3*4+4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(img[fatOff+4*4:fatOff+4*4+4], 0x0FFFFFF8)

	fs := fat32.New(img)
	root, err := fs.Mount("/dev/disk0", 0)
	require.NoError(t, err)

	out, err := fs.Readdir(root, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "README.TXT", out[0].Name)
	assert.False(t, out[0].IsDir)
	assert.Equal(t, "SYSTEM", out[1].Name)
	assert.True(t, out[1].IsDir)
}

func TestMountFailsOnMissingSignature(t *testing.T) {
	img := buildImage(t, nil)
	img[510], img[511] = 0, 0
	fs := fat32.New(img)
	_, err := fs.Mount("/dev/disk0", 0)
	require.Error(t, err)
}

func TestCreateInodeAllocatesClusterAndAppendsDirEntry(t *testing.T) {
	img := buildImage(t, nil)
	fs := fat32.New(img)
	root, err := fs.Mount("/dev/disk0", 0)
	require.NoError(t, err)

	inode, err := fs.CreateInode(root, "NEW.TXT", 0)
	require.NoError(t, err)
	assert.NotZero(t, inode.Number)

	out, err := fs.Readdir(root, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "NEW.TXT", out[0].Name)
}

func TestWriteFileThenReadFileRoundTrips(t *testing.T) {
	img := buildImage(t, nil)
	fs := fat32.New(img)
	root, err := fs.Mount("/dev/disk0", 0)
	require.NoError(t, err)

	inode, err := fs.CreateInode(root, "DATA.BIN", 0)
	require.NoError(t, err)

	n, err := fs.WriteFile(inode, 0, []byte("hello fat32"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	require.NoError(t, fs.Truncate(inode, 11))

	buf := make([]byte, 11)
	n, err = fs.ReadFile(inode, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello fat32", string(buf[:n]))
}
