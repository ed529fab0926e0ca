package fat32_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raeenos/kernel/pkg/vfs"
	"github.com/raeenos/kernel/pkg/vfs/fat32"
)

func TestJournaledCreateWriteTruncateRoundTrips(t *testing.T) {
	img := buildImage(t, nil)
	fs := fat32.New(img)
	root, err := fs.Mount("/dev/disk0", 0)
	require.NoError(t, err)

	jfs, err := fat32.NewJournaled(fs, "", true, nil)
	require.NoError(t, err)
	defer jfs.Close()
	assert.True(t, jfs.SupportsJournal())

	inode, err := jfs.CreateInode(root, "JRNL.TXT", 0)
	require.NoError(t, err)
	require.NotZero(t, inode.Number)

	n, err := jfs.WriteFile(inode, 0, []byte("journaled"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	require.NoError(t, jfs.Truncate(inode, 9))

	// The plain FS underneath must see the same mutations — the journal
	// applies directly onto it, it doesn't keep its own shadow state.
	out, err := fs.Readdir(root, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "JRNL.TXT", out[0].Name)

	buf := make([]byte, 9)
	n, err = fs.ReadFile(inode, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "journaled", string(buf[:n]))
}

func TestJournaledDeleteInodeRemovesDirEntry(t *testing.T) {
	img := buildImage(t, nil)
	fs := fat32.New(img)
	root, err := fs.Mount("/dev/disk0", 0)
	require.NoError(t, err)

	jfs, err := fat32.NewJournaled(fs, "", true, nil)
	require.NoError(t, err)
	defer jfs.Close()

	_, err = jfs.CreateInode(root, "GONE.TXT", 0)
	require.NoError(t, err)
	require.NoError(t, jfs.DeleteInode(root, "GONE.TXT"))

	out, err := fs.Readdir(root, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestJournaledCreateOnUnknownParentFails(t *testing.T) {
	img := buildImage(t, nil)
	fs := fat32.New(img)
	_, err := fs.Mount("/dev/disk0", 0)
	require.NoError(t, err)

	jfs, err := fat32.NewJournaled(fs, "", true, nil)
	require.NoError(t, err)
	defer jfs.Close()

	ghostParent := &vfs.Inode{Number: 9999}
	_, err = jfs.CreateInode(ghostParent, "X.TXT", 0)
	require.Error(t, err)
}
