// Package eth is the Ethernet layer (spec §4.8 "Layer 2"): frames are
// decoded with gopacket and dispatched to a registered handler by
// EtherType.
package eth

import (
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	netstack "github.com/raeenos/kernel/pkg/net"
)

// Handler processes one decoded Ethernet payload.
type Handler func(srcMAC net.HardwareAddr, payload []byte) error

// Dispatcher owns the NIC and the EtherType → handler table.
type Dispatcher struct {
	nic netstack.NIC

	mu       sync.Mutex
	handlers map[layers.EthernetType]Handler
}

func NewDispatcher(nic netstack.NIC) *Dispatcher {
	return &Dispatcher{nic: nic, handlers: make(map[layers.EthernetType]Handler)}
}

func (d *Dispatcher) MAC() net.HardwareAddr { return d.nic.MAC() }

// RegisterHandler binds a handler to an EtherType, e.g. 0x0800 for IPv4 or
// 0x0806 for ARP.
func (d *Dispatcher) RegisterHandler(etherType layers.EthernetType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[etherType] = h
}

// Send frames payload addressed to dstMAC under etherType.
func (d *Dispatcher) Send(dstMAC net.HardwareAddr, etherType layers.EthernetType, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       d.nic.MAC(),
		DstMAC:       dstMAC,
		EthernetType: etherType,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
		return kerrors.Wrap(kerrors.IoError, "eth.Send", "serialize failed", err)
	}
	return d.nic.SendFrame(buf.Bytes())
}

// Poll drains one frame from the NIC, if any, and dispatches it.
func (d *Dispatcher) Poll() error {
	frame, ok := d.nic.PollFrame()
	if !ok {
		return nil
	}
	return d.Dispatch(frame)
}

// Dispatch decodes frame and routes its payload by EtherType (spec §4.8
// "Incoming frames dispatch by EtherType").
func (d *Dispatcher) Dispatch(frame []byte) error {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return kerrors.Newf(kerrors.InvalidArgument, "eth.Dispatch", "not an ethernet frame")
	}
	ethernet := ethLayer.(*layers.Ethernet)

	d.mu.Lock()
	h, ok := d.handlers[ethernet.EthernetType]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return h(ethernet.SrcMAC, ethernet.Payload)
}
