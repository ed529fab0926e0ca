package eth_test

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	netstack "github.com/raeenos/kernel/pkg/net"
	"github.com/raeenos/kernel/pkg/net/eth"
)

func TestSendThenPollDispatchesByEtherType(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	nic := netstack.NewLoopbackNIC(mac)
	d := eth.NewDispatcher(nic)

	var got []byte
	d.RegisterHandler(layers.EthernetTypeIPv4, func(src net.HardwareAddr, payload []byte) error {
		got = payload
		return nil
	})

	require.NoError(t, d.Send(net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, layers.EthernetTypeIPv4, []byte("payload")))
	require.NoError(t, d.Poll())
	assert.Equal(t, "payload", string(got))
}

func TestDispatchIgnoresUnregisteredEtherType(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	nic := netstack.NewLoopbackNIC(mac)
	d := eth.NewDispatcher(nic)

	require.NoError(t, d.Send(mac, layers.EthernetTypeARP, []byte("arp")))
	require.NoError(t, d.Poll())
}
