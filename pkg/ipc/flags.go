// Package ipc holds the wire-visible flag bits shared by message queues and
// shared-memory objects (spec §6 "IPC flag values"), kept in one place so
// pkg/ipc/queue and pkg/ipc/shm agree on bit assignment.
package ipc

type Flags uint32

const (
	FlagAccessControl  Flags = 0x01
	FlagPriorityQueue  Flags = 0x02
	FlagEncrypted      Flags = 0x04
	FlagZeroCopy       Flags = 0x08
	FlagNUMAInterleave Flags = 0x10
	FlagCopyOnWrite    Flags = 0x20
	FlagExecutable     Flags = 0x40
	FlagHugePages      Flags = 0x80
	FlagPrefault       Flags = 0x100
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }
