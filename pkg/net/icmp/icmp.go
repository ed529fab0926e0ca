// Package icmp implements ICMP echo request/reply (spec §4.8 "ICMP"),
// registered at IPv4 protocol 1.
package icmp

import (
	"context"
	"net"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// Sender is the subset of ipv4.Stack that ICMP needs.
type Sender interface {
	Send(ctx context.Context, dest net.IP, protocol layers.IPProtocol, payload []byte) error
}

// Handler answers ICMP echo requests over Sender (spec scenario S5).
type Handler struct {
	sender Sender
	log    logr.Logger
}

func NewHandler(sender Sender, log logr.Logger) *Handler {
	return &Handler{sender: sender, log: log}
}

// Receive implements the IPv4 protocol-1 callback (spec §4.8 "ICMP"): on
// Echo Request, build a matching Echo Reply preserving identifier,
// sequence, and payload, and send it back. Unknown types are logged and
// dropped.
func (h *Handler) Receive(srcIP, dstIP net.IP, payload []byte) error {
	packet := gopacket.NewPacket(payload, layers.LayerTypeICMPv4, gopacket.NoCopy)
	icmpLayer := packet.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return kerrors.Newf(kerrors.InvalidArgument, "icmp.Receive", "not an ICMP packet")
	}
	msg := icmpLayer.(*layers.ICMPv4)

	if msg.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		h.log.Info("dropping unsupported ICMP type", "type", msg.TypeCode.Type())
		return nil
	}

	reply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       msg.Id,
		Seq:      msg.Seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, reply, gopacket.Payload(msg.LayerPayload())); err != nil {
		return kerrors.Wrap(kerrors.IoError, "icmp.Receive", "serialize reply failed", err)
	}

	return h.sender.Send(context.Background(), srcIP, layers.IPProtocolICMPv4, buf.Bytes())
}
