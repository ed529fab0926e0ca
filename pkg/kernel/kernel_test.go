package kernel_test

import (
	"context"
	"net"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raeenos/kernel/pkg/idt"
	"github.com/raeenos/kernel/pkg/kernel"
	netstack "github.com/raeenos/kernel/pkg/net"
	"github.com/raeenos/kernel/pkg/pmm"
	"github.com/raeenos/kernel/pkg/process"
	"github.com/raeenos/kernel/pkg/sched"
)

func testMemoryMap() []pmm.MemoryMapEntry {
	return []pmm.MemoryMapEntry{
		{Address: 0, Length: 16 << 20, Type: pmm.TypeAvailable},
	}
}

func TestBootInitializesEverySubsystemInOrder(t *testing.T) {
	k := kernel.New()
	require.NoError(t, k.Boot(kernel.Config{MemoryMap: testMemoryMap(), Logger: logr.Discard()}))
	t.Cleanup(k.Shutdown)

	assert.True(t, k.Booted())
	assert.NotNil(t, k.PMM)
	assert.NotNil(t, k.IDT)
	assert.NotNil(t, k.Proc)
	assert.NotNil(t, k.Sched)
	assert.NotNil(t, k.Advanced)
	assert.NotNil(t, k.Capabilities)
	assert.NotNil(t, k.Queues)
	assert.NotNil(t, k.Shm)
	assert.NotNil(t, k.Drivers)
	assert.NotNil(t, k.VFS)
	assert.NotNil(t, k.Eth)
	assert.NotNil(t, k.ARP)
	assert.NotNil(t, k.IPv4)
	assert.NotNil(t, k.ICMP)
	assert.NotNil(t, k.UDP)
	assert.NotNil(t, k.TCP)
	assert.NotNil(t, k.DHCP)
	assert.NotNil(t, k.DNS)

	kernelProc, ok := k.Proc.Get(0)
	require.True(t, ok)
	assert.Equal(t, 0, kernelProc.PID)
}

func TestBootTwiceReturnsError(t *testing.T) {
	k := kernel.New()
	require.NoError(t, k.Boot(kernel.Config{MemoryMap: testMemoryMap(), Logger: logr.Discard()}))
	t.Cleanup(k.Shutdown)

	err := k.Boot(kernel.Config{MemoryMap: testMemoryMap(), Logger: logr.Discard()})
	require.Error(t, err)
}

func TestShutdownClearsSubsystemsAndAllowsReboot(t *testing.T) {
	k := kernel.New()
	require.NoError(t, k.Boot(kernel.Config{MemoryMap: testMemoryMap(), Logger: logr.Discard()}))

	k.Shutdown()
	assert.False(t, k.Booted())
	assert.Nil(t, k.PMM)
	assert.Nil(t, k.VFS)

	require.NoError(t, k.Boot(kernel.Config{MemoryMap: testMemoryMap(), Logger: logr.Discard()}))
	t.Cleanup(k.Shutdown)
	assert.True(t, k.Booted())
}

func TestBootFailsWithoutAvailableMemory(t *testing.T) {
	k := kernel.New()
	err := k.Boot(kernel.Config{
		MemoryMap: []pmm.MemoryMapEntry{{Address: 0, Length: 1 << 20, Type: pmm.TypeReserved}},
		Logger:    logr.Discard(),
	})
	require.Error(t, err)
	assert.False(t, k.Booted())
}

// pairedNIC wires two LoopbackNICs so frames sent on one are delivered to
// the other's poll queue, standing in for a physical link between two
// booted kernels.
type pairedNIC struct {
	*netstack.LoopbackNIC
	peer *netstack.LoopbackNIC
}

func (p *pairedNIC) SendFrame(frame []byte) error {
	return p.peer.SendFrame(frame)
}

func newPair(macA, macB net.HardwareAddr) (*pairedNIC, *pairedNIC) {
	a := netstack.NewLoopbackNIC(macA)
	b := netstack.NewLoopbackNIC(macB)
	return &pairedNIC{LoopbackNIC: a, peer: b}, &pairedNIC{LoopbackNIC: b, peer: a}
}

// TestScenarioIPv4EchoAcrossTwoBootedKernels drives spec scenario S5 (ICMP
// echo request/reply) end to end through two fully booted kernel instances
// joined by a simulated point-to-point link, exercising the full
// PMM→...→Net boot chain rather than a single package in isolation.
func TestScenarioIPv4EchoAcrossTwoBootedKernels(t *testing.T) {
	macA := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0A}
	macB := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0B}
	nicA, nicB := newPair(macA, macB)

	ipA := net.IPv4(10, 0, 0, 1).To4()
	ipB := net.IPv4(10, 0, 0, 2).To4()

	kA := kernel.New()
	require.NoError(t, kA.Boot(kernel.Config{
		MemoryMap: testMemoryMap(), Logger: logr.Discard(),
		NIC: nicA, LocalIP: ipA, LocalMAC: macA,
	}))
	t.Cleanup(kA.Shutdown)

	kB := kernel.New()
	require.NoError(t, kB.Boot(kernel.Config{
		MemoryMap: testMemoryMap(), Logger: logr.Discard(),
		NIC: nicB, LocalIP: ipB, LocalMAC: macB,
	}))
	t.Cleanup(kB.Shutdown)

	kA.ARP.Seed(ipB, macB)
	kB.ARP.Seed(ipA, macA)

	var reply []byte
	kA.IPv4.RegisterReceiveCallback(layers.IPProtocolICMPv4, func(srcIP, dstIP net.IP, payload []byte) error {
		reply = payload
		return kA.ICMP.Receive(srcIP, dstIP, payload)
	})

	icmpEcho := buildEchoRequest(t, 0x1234, 1, []byte("PING"))
	require.NoError(t, kB.IPv4.Send(context.Background(), ipA, layers.IPProtocolICMPv4, icmpEcho))

	// Frames queue synchronously in the paired NICs above; drive delivery
	// by hand instead of a real interrupt-driven poll loop.
	require.NoError(t, kA.Eth.Poll()) // B's echo request arrives at A, A replies
	require.NotNil(t, reply, "kernel A's ICMPv4 callback must have fired")

	require.NoError(t, kB.Eth.Poll()) // A's echo reply arrives back at B
}

// TestTimerIRQDrivesSchedulerTick drives the IDT→scheduler wiring spec §4.2
// requires: dispatching the timer vector must decrement the current
// entity's quantum and, on expiry, rotate to the next ready entity — not
// merely call Sched.Tick in isolation from a test.
func TestTimerIRQDrivesSchedulerTick(t *testing.T) {
	k := kernel.New()
	require.NoError(t, k.Boot(kernel.Config{MemoryMap: testMemoryMap(), Logger: logr.Discard()}))
	t.Cleanup(k.Shutdown)

	p1 := &process.Process{PID: 1}
	p2 := &process.Process{PID: 2}
	e1 := &sched.Entity{Thread: &process.Thread{PID: 1}, Process: p1, Class: process.Normal, Quantum: 1}
	e2 := &sched.Entity{Thread: &process.Thread{PID: 2}, Process: p2, Class: process.Normal, Quantum: 1}
	k.Sched.Enqueue(e1)
	k.Sched.Enqueue(e2)
	k.Sched.Schedule(0) // primes current to e1; e2 stays ready
	require.NotNil(t, k.Sched.Current(0))
	require.Equal(t, 1, k.Sched.Current(0).Process.PID)

	k.IDT.Dispatch(&idt.Frame{Vector: idt.VecTimer})
	assert.Equal(t, 2, k.Sched.Current(0).Process.PID)
}

// TestKeyboardIRQEchoesToConsole drives the IDT→console wiring spec §4.2
// calls "call the keyboard subsystem": dispatching the keyboard vector with
// a scan code must surface the decoded character on the console.
func TestKeyboardIRQEchoesToConsole(t *testing.T) {
	k := kernel.New()
	require.NoError(t, k.Boot(kernel.Config{MemoryMap: testMemoryMap(), Logger: logr.Discard()}))
	t.Cleanup(k.Shutdown)

	k.IDT.Dispatch(&idt.Frame{Vector: idt.VecKeyboard, GPRs: [15]uint64{0x1e}}) // 'a'
	assert.Contains(t, k.Console.Snapshot(), "a")
}

func buildEchoRequest(t *testing.T, id, seq uint16, payload []byte) []byte {
	t.Helper()
	l := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, l, gopacket.Payload(payload)))
	return buf.Bytes()
}
