// Package dhcp implements the DHCP client state machine (spec §4.8
// "DHCP (client)"): INIT → SELECTING → REQUESTING → BOUND over UDP
// 68↔67, using DHCPv4 message encoding from gopacket/layers and
// cenkalti/backoff to retry a lease request against packet loss.
package dhcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

const (
	ClientPort = 68
	ServerPort = 67
)

// State is one of the four client states (spec §4.8).
type State int

const (
	Init State = iota
	Selecting
	Requesting
	Bound
)

// Lease is what BOUND publishes to the stack (spec §4.8 "publish
// {ip, gateway, dns}").
type Lease struct {
	IP      net.IP
	Gateway net.IP
	DNS     []net.IP
}

// Sender is the subset of udp.Stack that DHCP needs.
type Sender interface {
	Send(ctx context.Context, destIP net.IP, destPort, srcPort uint16, payload []byte) error
}

// Client drives the four-state lease acquisition.
type Client struct {
	sender Sender
	mac    net.HardwareAddr
	xid    uint32

	mu      sync.Mutex
	state   State
	lease   *Lease
	offerCh chan *layers.DHCPv4
	ackCh   chan *layers.DHCPv4
}

func NewClient(sender Sender, mac net.HardwareAddr, xid uint32) *Client {
	return &Client{
		sender:  sender,
		mac:     mac,
		xid:     xid,
		state:   Init,
		offerCh: make(chan *layers.DHCPv4, 1),
		ackCh:   make(chan *layers.DHCPv4, 1),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Acquire drives INIT → SELECTING → REQUESTING → BOUND (spec §4.8),
// retrying the discover/offer round trip with exponential backoff since
// UDP delivery isn't guaranteed.
func (c *Client) Acquire(ctx context.Context) (*Lease, error) {
	c.setState(Init)

	offer, err := backoff.Retry(ctx, func() (*layers.DHCPv4, error) {
		if err := c.sendDiscover(ctx); err != nil {
			return nil, err
		}
		c.setState(Selecting)
		select {
		case o := <-c.offerCh:
			return o, nil
		case <-time.After(50 * time.Millisecond):
			return nil, kerrors.Newf(kerrors.TimedOut, "dhcp.Acquire", "no offer received")
		}
	}, backoff.WithMaxTries(3))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.TimedOut, "dhcp.Acquire", "no DHCPOFFER received", err)
	}

	ack, err := backoff.Retry(ctx, func() (*layers.DHCPv4, error) {
		if err := c.sendRequest(ctx, offer); err != nil {
			return nil, err
		}
		c.setState(Requesting)
		select {
		case a := <-c.ackCh:
			return a, nil
		case <-time.After(50 * time.Millisecond):
			return nil, kerrors.Newf(kerrors.TimedOut, "dhcp.Acquire", "no ack received")
		}
	}, backoff.WithMaxTries(3))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.TimedOut, "dhcp.Acquire", "no DHCPACK received", err)
	}

	lease := leaseFromACK(ack)
	c.mu.Lock()
	c.lease = lease
	c.state = Bound
	c.mu.Unlock()
	return lease, nil
}

func (c *Client) sendDiscover(ctx context.Context) error {
	msg := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          c.xid,
		ClientHWAddr: c.mac,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeDiscover)}),
		},
	}
	return c.send(ctx, msg)
}

func (c *Client) sendRequest(ctx context.Context, offer *layers.DHCPv4) error {
	reqIP := offer.YourClientIP
	msg := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          c.xid,
		ClientHWAddr: c.mac,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRequest)}),
			layers.NewDHCPOption(layers.DHCPOptRequestIP, []byte(reqIP.To4())),
		},
	}
	return c.send(ctx, msg)
}

func (c *Client) send(ctx context.Context, msg *layers.DHCPv4) error {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, msg); err != nil {
		return kerrors.Wrap(kerrors.IoError, "dhcp.send", "serialize failed", err)
	}
	return c.sender.Send(ctx, net.IPv4bcast, ServerPort, ClientPort, buf.Bytes())
}

// Receive is the bound UDP-68 callback: demultiplexes DHCPOFFER and
// DHCPACK into the waiting Acquire call.
func (c *Client) Receive(srcIP net.IP, srcPort uint16, payload []byte) error {
	packet := gopacket.NewPacket(payload, layers.LayerTypeDHCPv4, gopacket.NoCopy)
	dhcpLayer := packet.Layer(layers.LayerTypeDHCPv4)
	if dhcpLayer == nil {
		return kerrors.Newf(kerrors.InvalidArgument, "dhcp.Receive", "not a DHCPv4 message")
	}
	msg := dhcpLayer.(*layers.DHCPv4)
	if msg.Xid != c.xid {
		return nil
	}

	msgType := messageType(msg)
	switch msgType {
	case layers.DHCPMsgTypeOffer:
		select {
		case c.offerCh <- msg:
		default:
		}
	case layers.DHCPMsgTypeAck:
		select {
		case c.ackCh <- msg:
		default:
		}
	}
	return nil
}

func messageType(msg *layers.DHCPv4) layers.DHCPMsgType {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) == 1 {
			return layers.DHCPMsgType(opt.Data[0])
		}
	}
	return 0
}

func leaseFromACK(ack *layers.DHCPv4) *Lease {
	lease := &Lease{IP: ack.YourClientIP}
	for _, opt := range ack.Options {
		switch opt.Type {
		case layers.DHCPOptRouter:
			lease.Gateway = net.IP(opt.Data)
		case layers.DHCPOptDNS:
			for i := 0; i+4 <= len(opt.Data); i += 4 {
				lease.DNS = append(lease.DNS, net.IP(opt.Data[i:i+4]))
			}
		}
	}
	return lease
}
