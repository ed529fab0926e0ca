// Package kernel is the boot-orchestration singleton (spec §9 "global
// mutable state"): it owns every process-wide subsystem handle and brings
// them up exactly once, in the documented order — PMM → IDT → Process →
// Scheduler → IPC → VFS → Net — tearing them down in reverse on shutdown.
// Nothing here lazily initializes: a subsystem that Boot didn't construct
// is a nil field, not a surprise allocation on first use.
package kernel

import (
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/gopacket/layers"

	"github.com/raeenos/kernel/pkg/console"
	"github.com/raeenos/kernel/pkg/driver"
	"github.com/raeenos/kernel/pkg/driver/pci"
	"github.com/raeenos/kernel/pkg/idt"
	"github.com/raeenos/kernel/pkg/ipc/capability"
	"github.com/raeenos/kernel/pkg/ipc/queue"
	"github.com/raeenos/kernel/pkg/ipc/shm"
	netstack "github.com/raeenos/kernel/pkg/net"
	"github.com/raeenos/kernel/pkg/net/arp"
	"github.com/raeenos/kernel/pkg/net/dhcp"
	"github.com/raeenos/kernel/pkg/net/dns"
	"github.com/raeenos/kernel/pkg/net/eth"
	"github.com/raeenos/kernel/pkg/net/icmp"
	"github.com/raeenos/kernel/pkg/net/ipv4"
	"github.com/raeenos/kernel/pkg/net/tcp"
	"github.com/raeenos/kernel/pkg/net/udp"
	"github.com/raeenos/kernel/pkg/pmm"
	"github.com/raeenos/kernel/pkg/process"
	"github.com/raeenos/kernel/pkg/sched"
	"github.com/raeenos/kernel/pkg/sched/advanced"
	"github.com/raeenos/kernel/pkg/vfs"
	"github.com/raeenos/kernel/pkg/vfs/fat32"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

var errAlreadyBooted = kerrors.Newf(kerrors.PermissionDenied, "kernel.Boot", "kernel already booted")

// Config carries every boot-time parameter the documented order needs.
// Zero-valued optional fields fall back to sane defaults (a loopback NIC,
// one NUMA node) so Boot never blocks on hardware this core doesn't yet
// drive. Mounting a filesystem is a separate, explicit call after Boot —
// see MountFAT32 — matching how a real kernel probes disks only once its
// driver layer is up.
type Config struct {
	// MemoryMap seeds the PMM frame bitmap (spec §4.1, §6).
	MemoryMap []pmm.MemoryMapEntry
	// KernelPageDirectory is the address space PID 0 runs under.
	KernelPageDirectory process.AddressSpace
	// MaxSockets bounds the TCP socket table (spec §5 "bounded at N").
	MaxSockets int
	// NUMANodes bounds valid shm segment placement; defaults to 1.
	NUMANodes int
	// NIC backs the Ethernet layer; defaults to an in-memory loopback.
	NIC netstack.NIC
	// LocalIP/LocalMAC identify this host on the wire.
	LocalIP  net.IP
	LocalMAC net.HardwareAddr
	// Drivers are registered into the driver registry before PCI
	// enumeration runs (spec §4.10).
	Drivers []driver.Driver
	// PCISpace, if non-nil, is probed once at boot to discover devices.
	PCISpace pci.ConfigSpace
	// SchedCores specializes CPUs for the advanced scheduling overlay (spec
	// §4.5: gaming/AI classification, thermal migration). Defaults to a
	// single general-purpose core with no temperature sensor.
	SchedCores []*advanced.Core
	// AdvancedScheduling overrides the overlay's thresholds; zero value
	// falls back to advanced.DefaultConfig().
	AdvancedScheduling advanced.Config

	Logger logr.Logger
}

// Kernel holds every process-wide singleton named in spec §9's "global
// mutable state" list, plus the subsystems the documented boot order
// depends on to reach VFS and Net.
type Kernel struct {
	mu     sync.Mutex
	booted bool
	logger logr.Logger

	Console *console.Console

	PMM      *pmm.Allocator
	IDT      *idt.Dispatcher
	Proc     *process.Table
	Sched    *sched.Scheduler
	Advanced *advanced.Overlay

	Capabilities *capability.Manager
	Queues       *queue.Manager
	Shm          *shm.Manager

	Drivers *driver.Registry
	PCI     *pci.Enumerator

	VFS *vfs.VFS

	Eth  *eth.Dispatcher
	ARP  *arp.Cache
	IPv4 *ipv4.Stack
	ICMP *icmp.Handler
	UDP  *udp.Stack
	TCP  *tcp.Manager
	DHCP *dhcp.Client
	DNS  *dns.Client
}

// New allocates an unbooted Kernel. Call Boot to bring subsystems up.
func New() *Kernel {
	return &Kernel{}
}

// Boot initializes every subsystem exactly once, in the fixed order PMM →
// IDT → Process → Scheduler → IPC → VFS → Net (spec §9). A second call
// returns an error instead of silently reinitializing state out from under
// running subsystems.
func (k *Kernel) Boot(cfg Config) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.booted {
		return errAlreadyBooted
	}

	k.Console = console.New()
	k.logger = cfg.Logger
	if k.logger.GetSink() == nil {
		k.logger = console.NewLogger(k.Console)
	}
	log := k.logger.WithName("kernel")

	// 1. PMM
	log.Info("booting: PMM")
	k.PMM = pmm.New(k.logger)
	if err := k.PMM.InitFromMemoryMap(cfg.MemoryMap); err != nil {
		return err
	}

	// 2. IDT
	log.Info("booting: IDT")
	k.IDT = idt.New(k.logger, nil)

	// 3. Process table
	log.Info("booting: process table")
	k.Proc = process.NewTable(k.logger)
	k.Proc.Init(cfg.KernelPageDirectory)

	// 4. Scheduler
	log.Info("booting: scheduler")
	k.Sched = sched.New(k.logger)

	advCfg := cfg.AdvancedScheduling
	if advCfg == (advanced.Config{}) {
		advCfg = advanced.DefaultConfig()
	}
	cores := cfg.SchedCores
	if len(cores) == 0 {
		cores = []*advanced.Core{{Spec: advanced.SpecGeneral}}
	}
	k.Advanced = advanced.New(k.logger, cores, advCfg)
	k.Sched.Overlay = k.Advanced

	// Timer and keyboard IRQs are wired here rather than at IDT setup
	// (step 2) because the timer handler calls into the scheduler built
	// in this step (spec §4.2 "Timer IRQ (vector 32): drive the scheduler
	// tick"; §2 "IDT ↔ scheduler ticks").
	k.installInterruptHandlers()

	// 5. IPC (capabilities, queues, shared memory)
	log.Info("booting: IPC")
	k.Capabilities = capability.New()
	k.Queues = queue.NewManager(k.Capabilities)
	numaNodes := cfg.NUMANodes
	if numaNodes <= 0 {
		numaNodes = 1
	}
	k.Shm = shm.NewManager(k.Capabilities, numaNodes)

	// Device discovery sits between IPC and VFS/Net: both the FAT32
	// backend (a block device) and the network stack (a NIC) are
	// discovered through PCI, so drivers must be registered and probed
	// before either comes up.
	log.Info("booting: drivers")
	k.Drivers = driver.NewRegistry(k.logger)
	for _, d := range cfg.Drivers {
		if err := k.Drivers.RegisterDriver(d); err != nil {
			return err
		}
	}
	if err := k.Drivers.Init(); err != nil {
		return err
	}
	if cfg.PCISpace != nil {
		k.PCI = pci.NewEnumerator(cfg.PCISpace, k.Drivers, k.logger)
		if _, err := k.PCI.Enumerate(); err != nil {
			return err
		}
	}

	// 6. VFS
	log.Info("booting: VFS")
	vfsInstance, err := vfs.New()
	if err != nil {
		return err
	}
	k.VFS = vfsInstance

	// 7. Net
	log.Info("booting: network stack")
	nic := cfg.NIC
	if nic == nil {
		mac := cfg.LocalMAC
		if mac == nil {
			mac = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
		}
		nic = netstack.NewLoopbackNIC(mac)
	}
	localIP := cfg.LocalIP
	if localIP == nil {
		localIP = net.IPv4(127, 0, 0, 1)
	}

	k.Eth = eth.NewDispatcher(nic)

	arpCache, err := arp.NewCache(localIP, k.Eth)
	if err != nil {
		return err
	}
	k.ARP = arpCache
	k.Eth.RegisterHandler(layers.EthernetTypeARP, k.ARP.HandlePacket)

	k.IPv4 = ipv4.NewStack(localIP, k.Eth, k.ARP)
	k.Eth.RegisterHandler(layers.EthernetTypeIPv4, k.IPv4.Receive)

	k.ICMP = icmp.NewHandler(k.IPv4, k.logger)
	k.IPv4.RegisterReceiveCallback(layers.IPProtocolICMPv4, k.ICMP.Receive)

	k.UDP = udp.NewStack(k.IPv4)
	k.IPv4.RegisterReceiveCallback(layers.IPProtocolUDP, k.UDP.Receive)

	maxSockets := cfg.MaxSockets
	if maxSockets <= 0 {
		maxSockets = 256
	}
	k.TCP = tcp.NewManager(maxSockets, localIP, k.IPv4)
	k.IPv4.RegisterReceiveCallback(layers.IPProtocolTCP, k.TCP.Receive)

	k.DHCP = dhcp.NewClient(k.UDP, nic.MAC(), 0)
	k.UDP.Bind(dhcp.ClientPort, k.DHCP.Receive)

	k.DNS = dns.NewClient(k.UDP, net.IPv4(8, 8, 8, 8), 5353)
	k.UDP.Bind(5353, k.DNS.Receive)

	k.booted = true
	log.Info("boot complete")
	return nil
}

// schedulerCPU is the only CPU this single-core core schedules on; kept as
// a named constant so the IRQ handlers below read as CPU-aware even though
// SMP dispatch is out of scope (spec §9).
const schedulerCPU = 0

// scancodeASCII is a minimal PS/2 scan-code-set-1 make-code table — enough
// to prove the keyboard IRQ path end to end, not a complete keyboard driver
// (no shift/ctrl state, no break codes).
var scancodeASCII = map[byte]byte{
	0x1e: 'a', 0x30: 'b', 0x2e: 'c', 0x20: 'd', 0x12: 'e',
	0x21: 'f', 0x22: 'g', 0x23: 'h', 0x17: 'i', 0x24: 'j',
	0x25: 'k', 0x26: 'l', 0x32: 'm', 0x31: 'n', 0x18: 'o',
	0x19: 'p', 0x10: 'q', 0x13: 'r', 0x1f: 's', 0x14: 't',
	0x16: 'u', 0x2f: 'v', 0x11: 'w', 0x2d: 'x', 0x15: 'y',
	0x2c: 'z', 0x39: ' ', 0x1c: '\n',
}

// installInterruptHandlers wires the two IRQ vectors spec §4.2 names: the
// timer drives the scheduler's quantum, the keyboard decodes a scan code
// and hands it to the console (the "keyboard subsystem" spec §4.2 calls
// for — this core has no separate input-device package, so the console is
// where every other subsystem's output already lands).
func (k *Kernel) installInterruptHandlers() {
	k.IDT.Install(idt.VecTimer, func(f *idt.Frame) {
		k.Sched.Tick(schedulerCPU)
	})

	k.IDT.Install(idt.VecKeyboard, func(f *idt.Frame) {
		scancode := byte(f.GPRs[0])
		ch, ok := scancodeASCII[scancode]
		if !ok {
			return
		}
		k.Console.PutChar(ch)
	})
}

// Shutdown tears down subsystems in the reverse of boot order (spec §9).
// Most of these have no OS-level resource to release — the teardown here
// is about making the singleton's lifecycle explicit, not about freeing
// memory the Go runtime already owns.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.booted {
		return
	}
	log := k.logger.WithName("kernel")

	log.Info("shutting down: network stack")
	k.DNS, k.DHCP, k.TCP, k.UDP, k.ICMP, k.IPv4, k.ARP, k.Eth = nil, nil, nil, nil, nil, nil, nil, nil

	log.Info("shutting down: VFS")
	k.VFS = nil

	log.Info("shutting down: drivers")
	k.PCI, k.Drivers = nil, nil

	log.Info("shutting down: IPC")
	k.Shm, k.Queues, k.Capabilities = nil, nil, nil

	log.Info("shutting down: scheduler")
	k.Sched, k.Advanced = nil, nil

	log.Info("shutting down: process table")
	k.Proc = nil

	log.Info("shutting down: IDT")
	k.IDT = nil

	log.Info("shutting down: PMM")
	k.PMM = nil

	k.booted = false
	log.Info("shutdown complete")
}

// MountFAT32 mounts a FAT32 disk image at mountPoint, wrapped in write-ahead
// journaling (spec §4.7). journalDir is where the journal persists;
// journalInMemory keeps it in RAM instead, for ephemeral mounts. Must be
// called after Boot — the VFS it mounts into doesn't exist before then.
func (k *Kernel) MountFAT32(name, mountPoint string, image []byte, journalDir string, journalInMemory bool) (*vfs.Mount, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.booted {
		return nil, kerrors.Newf(kerrors.PermissionDenied, "kernel.MountFAT32", "kernel not booted")
	}

	raw := fat32.New(image)
	journaled, err := fat32.NewJournaled(raw, journalDir, journalInMemory, nil)
	if err != nil {
		return nil, err
	}
	return k.VFS.Mount(name, "fat32", mountPoint, "", 0, journaled)
}

// Booted reports whether Boot has completed successfully.
func (k *Kernel) Booted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.booted
}
