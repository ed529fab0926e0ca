// Package tcp implements the RFC 793 subset of states and transitions the
// spec calls for (spec §4.8 "TCP"), over a socket table bounded at a fixed
// size.
package tcp

import (
	"context"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// State is one of the RFC 793 connection states named in spec §3.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

const defaultWindow = 8192

// Sender is the subset of ipv4.Stack that TCP needs.
type Sender interface {
	Send(ctx context.Context, dest net.IP, protocol layers.IPProtocol, payload []byte) error
}

// Socket is one entry in the bounded socket table (spec §3 "TCP socket").
type Socket struct {
	InUse      bool
	State      State
	LocalIP    net.IP
	LocalPort  uint16
	RemoteIP   net.IP
	RemotePort uint16
	SendSeq    uint32
	RecvAck    uint32
	Window     uint16

	mu sync.Mutex
}

// Manager owns the bounded socket table (spec §5 "TCP socket table:
// bounded at N").
type Manager struct {
	sender Sender
	local  net.IP

	mu      sync.Mutex
	sockets []*Socket

	NextSeq func() uint32
}

func NewManager(maxSockets int, local net.IP, sender Sender) *Manager {
	return &Manager{
		sender:  sender,
		local:   local,
		sockets: make([]*Socket, maxSockets),
		NextSeq: defaultSeq(),
	}
}

func defaultSeq() func() uint32 {
	var n uint32 = 1000
	return func() uint32 { n += 1; return n }
}

// Sockets returns a snapshot of the bounded socket table, for diagnostics.
func (m *Manager) Sockets() []*Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		if s != nil && s.InUse {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) allocSocket() (*Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sockets {
		if s == nil || !s.InUse {
			sock := &Socket{InUse: true, Window: defaultWindow}
			m.sockets[i] = sock
			return sock, nil
		}
	}
	return nil, kerrors.Newf(kerrors.Busy, "tcp.allocSocket", "socket table full")
}

// Listen implements CLOSED → LISTEN (spec §4.8).
func (m *Manager) Listen(localPort uint16) (*Socket, error) {
	s, err := m.allocSocket()
	if err != nil {
		return nil, err
	}
	s.LocalIP = m.local
	s.LocalPort = localPort
	s.State = Listen
	return s, nil
}

// Connect implements CLOSED → SYN_SENT (spec §4.8): emits SYN, remembers
// the initial sequence number.
func (m *Manager) Connect(ctx context.Context, destIP net.IP, destPort, localPort uint16) (*Socket, error) {
	s, err := m.allocSocket()
	if err != nil {
		return nil, err
	}
	s.LocalIP = m.local
	s.LocalPort = localPort
	s.RemoteIP = destIP
	s.RemotePort = destPort
	s.SendSeq = m.NextSeq()
	s.State = SynSent

	return s, m.send(ctx, s, layers.TCPFlagSYN, s.SendSeq, 0, nil)
}

func (m *Manager) send(ctx context.Context, s *Socket, flags layers.TCPFlag, seq, ack uint32, payload []byte) error {
	hdr := &layers.TCP{
		SrcPort: layers.TCPPort(s.LocalPort),
		DstPort: layers.TCPPort(s.RemotePort),
		Seq:     seq,
		Ack:     ack,
		Window:  s.Window,
		SYN:     flags&layers.TCPFlagSYN != 0,
		ACK:     flags&layers.TCPFlagACK != 0,
		FIN:     flags&layers.TCPFlagFIN != 0,
		RST:     flags&layers.TCPFlagRST != 0,
	}
	hdr.SetNetworkLayerForChecksum(&layers.IPv4{SrcIP: s.LocalIP, DstIP: s.RemoteIP, Protocol: layers.IPProtocolTCP})

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, hdr, gopacket.Payload(payload)); err != nil {
		return kerrors.Wrap(kerrors.IoError, "tcp.send", "serialize failed", err)
	}
	return m.sender.Send(ctx, s.RemoteIP, layers.IPProtocolTCP, buf.Bytes())
}

// Receive is the IPv4 protocol-6 callback: decodes the segment and drives
// the relevant socket's state machine (spec §4.8).
func (m *Manager) Receive(srcIP, dstIP net.IP, payload []byte) error {
	packet := gopacket.NewPacket(payload, layers.LayerTypeTCP, gopacket.NoCopy)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return kerrors.Newf(kerrors.InvalidArgument, "tcp.Receive", "not a TCP segment")
	}
	seg := tcpLayer.(*layers.TCP)

	sock := m.findSocket(dstIP, uint16(seg.DstPort), srcIP, uint16(seg.SrcPort))
	if sock == nil {
		return nil
	}
	return m.step(context.Background(), sock, seg, srcIP)
}

func (m *Manager) findSocket(localIP net.IP, localPort uint16, remoteIP net.IP, remotePort uint16) *Socket {
	m.mu.Lock()
	defer m.mu.Unlock()

	var listener *Socket
	for _, s := range m.sockets {
		if s == nil || !s.InUse {
			continue
		}
		if s.LocalPort != localPort {
			continue
		}
		if s.State == Listen {
			listener = s
			continue
		}
		if s.RemoteIP.Equal(remoteIP) && s.RemotePort == remotePort {
			return s
		}
	}
	return listener
}

// step applies one incoming segment's effect on sock's state (spec §4.8
// transition list).
func (m *Manager) step(ctx context.Context, sock *Socket, seg *layers.TCP, srcIP net.IP) error {
	sock.mu.Lock()
	defer sock.mu.Unlock()

	switch sock.State {
	case Listen:
		if seg.SYN {
			child, err := m.allocSocket()
			if err != nil {
				return err
			}
			child.LocalIP = sock.LocalIP
			child.LocalPort = sock.LocalPort
			child.RemoteIP = srcIP
			child.RemotePort = uint16(seg.SrcPort)
			child.State = SynReceived
			child.RecvAck = seg.Seq + 1
			child.SendSeq = m.NextSeq()
			return m.sendSynAckFor(ctx, child, seg)
		}
	case SynSent:
		if seg.SYN && seg.ACK {
			sock.RecvAck = seg.Seq + 1
			sock.State = Established
			return m.send(ctx, sock, layers.TCPFlagACK, sock.SendSeq+1, sock.RecvAck, nil)
		}
	case SynReceived:
		if seg.ACK {
			sock.State = Established
		}
	case Established:
		if seg.FIN {
			sock.State = CloseWait
		}
	case FinWait1:
		switch {
		case seg.FIN && seg.ACK:
			sock.State = TimeWait
		case seg.ACK:
			sock.State = FinWait2
		case seg.FIN:
			sock.State = Closing
		}
	case FinWait2:
		if seg.FIN {
			sock.State = TimeWait
		}
	case Closing:
		if seg.ACK {
			sock.State = TimeWait
		}
	case LastAck:
		if seg.ACK {
			sock.State = Closed
		}
	}
	return nil
}

func (m *Manager) sendSynAckFor(ctx context.Context, sock *Socket, seg *layers.TCP) error {
	hdr := &layers.TCP{
		SrcPort: layers.TCPPort(sock.LocalPort),
		DstPort: seg.SrcPort,
		Seq:     sock.SendSeq,
		Ack:     sock.RecvAck,
		Window:  sock.Window,
		SYN:     true,
		ACK:     true,
	}
	hdr.SetNetworkLayerForChecksum(&layers.IPv4{SrcIP: sock.LocalIP, DstIP: sock.RemoteIP, Protocol: layers.IPProtocolTCP})
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, hdr); err != nil {
		return kerrors.Wrap(kerrors.IoError, "tcp.sendSynAckFor", "serialize failed", err)
	}
	return m.sender.Send(ctx, sock.RemoteIP, layers.IPProtocolTCP, buf.Bytes())
}

// Close implements the active-close half of the RFC 793 subset:
// ESTABLISHED → FIN_WAIT_1, emitting FIN.
func (m *Manager) Close(ctx context.Context, sock *Socket) error {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.State != Established {
		return kerrors.Newf(kerrors.InvalidArgument, "tcp.Close", "socket not established")
	}
	sock.State = FinWait1
	return m.send(ctx, sock, layers.TCPFlagFIN|layers.TCPFlagACK, sock.SendSeq+1, sock.RecvAck, nil)
}
