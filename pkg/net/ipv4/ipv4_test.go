package ipv4_test

import (
	"context"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	netipv4 "github.com/raeenos/kernel/pkg/net/ipv4"
	"github.com/raeenos/kernel/pkg/net/arp"
)

type captureSender struct {
	mac  net.HardwareAddr
	sent []byte
}

func (c *captureSender) MAC() net.HardwareAddr { return c.mac }
func (c *captureSender) Send(dst net.HardwareAddr, et layers.EthernetType, payload []byte) error {
	c.sent = payload
	return nil
}

func buildIPv4Packet(t *testing.T, src, dst net.IP, proto layers.IPProtocol, payload []byte) []byte {
	t.Helper()
	hdr := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: src, DstIP: dst}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, hdr, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestReceiveDispatchesToRegisteredProtocolHandler(t *testing.T) {
	local := net.IPv4(10, 0, 0, 5).To4()
	sender := &captureSender{mac: net.HardwareAddr{1, 2, 3, 4, 5, 6}}
	arpCache, err := arp.NewCache(local, sender)
	require.NoError(t, err)
	stack := netipv4.NewStack(local, sender, arpCache)

	var gotSrc net.IP
	var gotPayload []byte
	stack.RegisterReceiveCallback(layers.IPProtocolUDP, func(srcIP, dstIP net.IP, payload []byte) error {
		gotSrc = srcIP
		gotPayload = payload
		return nil
	})

	remote := net.IPv4(10, 0, 0, 9).To4()
	pkt := buildIPv4Packet(t, remote, local, layers.IPProtocolUDP, []byte("hello"))

	require.NoError(t, stack.Receive(nil, pkt))
	assert.True(t, gotSrc.Equal(remote))
	assert.Equal(t, "hello", string(gotPayload))
}

func TestReceiveIgnoresPacketsNotAddressedToUs(t *testing.T) {
	local := net.IPv4(10, 0, 0, 5).To4()
	sender := &captureSender{mac: net.HardwareAddr{1, 2, 3, 4, 5, 6}}
	arpCache, err := arp.NewCache(local, sender)
	require.NoError(t, err)
	stack := netipv4.NewStack(local, sender, arpCache)

	called := false
	stack.RegisterReceiveCallback(layers.IPProtocolUDP, func(net.IP, net.IP, []byte) error {
		called = true
		return nil
	})

	other := net.IPv4(10, 0, 0, 200).To4()
	pkt := buildIPv4Packet(t, net.IPv4(10, 0, 0, 9).To4(), other, layers.IPProtocolUDP, []byte("x"))
	require.NoError(t, stack.Receive(nil, pkt))
	assert.False(t, called)
}

func TestReceiveAcceptsBroadcastDestination(t *testing.T) {
	local := net.IPv4(10, 0, 0, 5).To4()
	sender := &captureSender{mac: net.HardwareAddr{1, 2, 3, 4, 5, 6}}
	arpCache, err := arp.NewCache(local, sender)
	require.NoError(t, err)
	stack := netipv4.NewStack(local, sender, arpCache)

	called := false
	stack.RegisterReceiveCallback(layers.IPProtocolUDP, func(net.IP, net.IP, []byte) error {
		called = true
		return nil
	})

	broadcast := net.IPv4(255, 255, 255, 255).To4()
	pkt := buildIPv4Packet(t, net.IPv4(10, 0, 0, 9).To4(), broadcast, layers.IPProtocolUDP, []byte("x"))
	require.NoError(t, stack.Receive(nil, pkt))
	assert.True(t, called)
}

func TestSendResolvesRouteAndDelivers(t *testing.T) {
	local := net.IPv4(10, 0, 0, 5).To4()
	peerMAC := net.HardwareAddr{9, 9, 9, 9, 9, 9}
	sender := &captureSender{mac: net.HardwareAddr{1, 2, 3, 4, 5, 6}}

	arpCache, err := arp.NewCache(local, sender)
	require.NoError(t, err)
	dest := net.IPv4(10, 0, 0, 9).To4()
	arpCache.Seed(dest, peerMAC)

	stack := netipv4.NewStack(local, sender, arpCache)
	require.NoError(t, stack.Send(context.Background(), dest, layers.IPProtocolICMPv4, []byte("ping")))
	assert.NotEmpty(t, sender.sent)
}
