package arp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raeenos/kernel/pkg/net/arp"
)

// wire connects two peers' ARP caches directly, standing in for
// eth.Dispatcher + a real NIC in this package-level test.
type wire struct {
	mac  net.HardwareAddr
	peer *arp.Cache
}

func (w *wire) MAC() net.HardwareAddr { return w.mac }

func (w *wire) Send(dst net.HardwareAddr, etherType layers.EthernetType, payload []byte) error {
	return w.peer.HandlePacket(w.mac, payload)
}

func TestResolveCompletesViaRealRequestReplyExchange(t *testing.T) {
	aMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	bMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	aIP := net.IPv4(10, 0, 0, 1)
	bIP := net.IPv4(10, 0, 0, 2)

	wireToB := &wire{mac: aMAC}
	wireToA := &wire{mac: bMAC}

	cacheB, err := arp.NewCache(bIP, wireToA)
	require.NoError(t, err)
	cacheA, err := arp.NewCache(aIP, wireToB)
	require.NoError(t, err)

	wireToB.peer = cacheB
	wireToA.peer = cacheA

	mac, err := cacheA.Resolve(context.Background(), bIP)
	require.NoError(t, err)
	assert.Equal(t, bMAC, mac)
}

func TestResolveTimesOutWithNoPeer(t *testing.T) {
	aIP := net.IPv4(10, 0, 0, 1)
	noop := &noopSender{mac: net.HardwareAddr{1, 2, 3, 4, 5, 6}}
	cache, err := arp.NewCache(aIP, noop)
	require.NoError(t, err)
	cache.ResolveTimeout = 20 * time.Millisecond

	_, err = cache.Resolve(context.Background(), net.IPv4(10, 0, 0, 99))
	require.Error(t, err)
}

type noopSender struct{ mac net.HardwareAddr }

func (n *noopSender) MAC() net.HardwareAddr { return n.mac }
func (n *noopSender) Send(net.HardwareAddr, layers.EthernetType, []byte) error { return nil }

func TestLookupMissWithoutResolve(t *testing.T) {
	cache, err := arp.NewCache(net.IPv4(10, 0, 0, 1), &noopSender{mac: net.HardwareAddr{1, 2, 3, 4, 5, 6}})
	require.NoError(t, err)
	_, ok := cache.Lookup(net.IPv4(10, 0, 0, 5))
	assert.False(t, ok)
}
