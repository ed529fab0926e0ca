package icmp_test

import (
	"context"
	"net"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raeenos/kernel/pkg/net/icmp"
)

type captureSender struct {
	dest    net.IP
	payload []byte
}

func (c *captureSender) Send(ctx context.Context, dest net.IP, protocol layers.IPProtocol, payload []byte) error {
	c.dest = dest
	c.payload = payload
	return nil
}

func buildEchoRequest(t *testing.T, id, seq uint16, data []byte) []byte {
	t.Helper()
	msg := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, msg, gopacket.Payload(data)))
	return buf.Bytes()
}

// TestScenarioS5EchoReplyPreservesIdentifierAndPayload matches spec
// scenario S5.
func TestScenarioS5EchoReplyPreservesIdentifierAndPayload(t *testing.T) {
	sender := &captureSender{}
	h := icmp.NewHandler(sender, logr.Discard())

	src := net.IPv4(10, 0, 0, 9)
	req := buildEchoRequest(t, 42, 7, []byte("abcd"))

	require.NoError(t, h.Receive(src, net.IPv4(10, 0, 0, 1), req))
	assert.True(t, sender.dest.Equal(src))

	packet := gopacket.NewPacket(sender.payload, layers.LayerTypeICMPv4, gopacket.NoCopy)
	reply := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	assert.Equal(t, layers.ICMPv4TypeEchoReply, reply.TypeCode.Type())
	assert.Equal(t, uint16(42), reply.Id)
	assert.Equal(t, uint16(7), reply.Seq)
	assert.Equal(t, "abcd", string(reply.LayerPayload()))
}

func TestUnsupportedICMPTypeIsDroppedNotError(t *testing.T) {
	sender := &captureSender{}
	h := icmp.NewHandler(sender, logr.Discard())

	msg := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimestampRequest, 0)}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, msg))

	require.NoError(t, h.Receive(net.IPv4(10, 0, 0, 9), net.IPv4(10, 0, 0, 1), buf.Bytes()))
	assert.Nil(t, sender.payload)
}
