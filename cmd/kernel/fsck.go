package main

import (
	"os"

	"github.com/spf13/cobra"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	"github.com/raeenos/kernel/pkg/vfs"
)

// walkAndCount performs a readdir-based consistency walk: every entry that
// claims to be a directory must open and be readable in turn; file entries
// are counted but not opened. The "." and ".." entries are skipped. Returns
// the number of entries visited.
func walkAndCount(v *vfs.VFS, path string, visited int) (int, error) {
	f, err := v.Open(path, vfs.ORead, 0)
	if err != nil {
		return visited, kerrors.Wrap(kerrors.IoError, "fsck", "open "+path, err)
	}
	defer v.Close(f)

	entries, err := v.Readdir(f, 0)
	if err != nil {
		return visited, kerrors.Wrap(kerrors.IoError, "fsck", "readdir "+path, err)
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		visited++
		if !e.IsDir {
			continue
		}
		child := path
		if child != "/" {
			child += "/"
		}
		child += e.Name
		if visited, err = walkAndCount(v, child, visited); err != nil {
			return visited, err
		}
	}
	return visited, nil
}

func newFsckCmd() *cobra.Command {
	var mountPoint, journalDir string
	var journalInMemory bool

	cmd := &cobra.Command{
		Use:   "fsck <image-path>",
		Short: "mount a FAT32 image journaled and walk its directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			k, err := bootKernel(cfg)
			if err != nil {
				return err
			}
			defer k.Shutdown()

			image, err := os.ReadFile(args[0])
			if err != nil {
				return kerrors.Wrap(kerrors.IoError, "fsck", "read image", err)
			}

			if _, err := k.MountFAT32("fsck", mountPoint, image, journalDir, journalInMemory); err != nil {
				return err
			}

			n, err := walkAndCount(k.VFS, mountPoint, 0)
			if err != nil {
				log.Error(err, "fsck found an inconsistency", "entriesVisited", n)
				return err
			}
			log.Info("fsck clean", "entriesVisited", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&mountPoint, "mount", "/", "VFS mount point for the image")
	cmd.Flags().StringVar(&journalDir, "journal-dir", "", "directory to persist the write-ahead journal in")
	cmd.Flags().BoolVar(&journalInMemory, "journal-in-memory", true, "keep the journal in memory instead of on disk")

	return cmd
}
