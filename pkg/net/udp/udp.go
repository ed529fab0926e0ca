// Package udp implements the UDP layer (spec §4.8 "UDP"): a per-port
// callback table over an 8-byte header (src/dst port, length, checksum).
package udp

import (
	"context"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// Sender is the subset of ipv4.Stack that UDP needs.
type Sender interface {
	Send(ctx context.Context, dest net.IP, protocol layers.IPProtocol, payload []byte) error
}

// Callback handles one received datagram.
type Callback func(srcIP net.IP, srcPort uint16, payload []byte) error

// Stack is the UDP layer: registered port callbacks plus outbound send.
type Stack struct {
	sender Sender

	mu    sync.Mutex
	ports map[uint16]Callback
}

func NewStack(sender Sender) *Stack {
	return &Stack{sender: sender, ports: make(map[uint16]Callback)}
}

// Bind registers a callback for dest_port, matching the receive side of
// send(dest_ip, dest_port, src_port, payload) (spec §4.8).
func (s *Stack) Bind(port uint16, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = cb
}

func (s *Stack) Unbind(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, port)
}

// Send implements send(dest_ip, dest_port, src_port, payload) (spec §4.8).
func (s *Stack) Send(ctx context.Context, destIP net.IP, destPort, srcPort uint16, payload []byte) error {
	hdr := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(destPort)}
	hdr.SetNetworkLayerForChecksum(&layers.IPv4{SrcIP: net.IPv4zero, DstIP: destIP, Protocol: layers.IPProtocolUDP})

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, hdr, gopacket.Payload(payload)); err != nil {
		return kerrors.Wrap(kerrors.IoError, "udp.Send", "serialize failed", err)
	}
	return s.sender.Send(ctx, destIP, layers.IPProtocolUDP, buf.Bytes())
}

// Receive is the IPv4 protocol-17 callback: parses the header and invokes
// the bound callback.
func (s *Stack) Receive(srcIP, dstIP net.IP, payload []byte) error {
	packet := gopacket.NewPacket(payload, layers.LayerTypeUDP, gopacket.NoCopy)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return kerrors.Newf(kerrors.InvalidArgument, "udp.Receive", "not a UDP datagram")
	}
	hdr := udpLayer.(*layers.UDP)

	s.mu.Lock()
	cb, ok := s.ports[uint16(hdr.DstPort)]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return cb(srcIP, uint16(hdr.SrcPort), hdr.LayerPayload())
}
