// Package arp implements IPv4-to-MAC address resolution (spec §4.8
// "ARP"): a bounded cache backed by ristretto, and a real request/reply
// exchange — the §9 open question flags that the distilled implementation
// this core is based on merely returned a placeholder MAC; this version
// actually broadcasts a request and waits for the matching reply.
package arp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

const (
	OpRequest = layers.ARPRequest
	OpReply   = layers.ARPReply

	defaultResolveTimeout = 2 * time.Second
)

// FrameSender is the subset of eth.Dispatcher that ARP needs, kept narrow
// so this package doesn't import eth; pkg/kernel wires the two together.
type FrameSender interface {
	Send(dstMAC net.HardwareAddr, etherType layers.EthernetType, payload []byte) error
	MAC() net.HardwareAddr
}

// Cache is the bounded IPv4→MAC resolver (spec §3 "ARP cache entry").
// ristretto's eviction is admission/approximate-LFU, not the strict
// least-recently-seen eviction spec §8 describes; LastSeen is tracked on
// every entry regardless so an exact-LRU cache could be dropped in without
// changing callers, if that distinction ever needs to be exact.
type Cache struct {
	cache *ristretto.Cache[string, entry]

	localIP net.IP
	sender  FrameSender

	mu      sync.Mutex
	pending map[string][]chan net.HardwareAddr

	ResolveTimeout time.Duration
	Now            func() time.Time
}

type entry struct {
	MAC      net.HardwareAddr
	LastSeen time.Time
}

func NewCache(localIP net.IP, sender FrameSender) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, entry]{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.IoError, "arp.NewCache", "cache init", err)
	}
	return &Cache{
		cache:          c,
		localIP:        localIP,
		sender:         sender,
		pending:        make(map[string][]chan net.HardwareAddr),
		ResolveTimeout: defaultResolveTimeout,
		Now:            time.Now,
	}, nil
}

func key(ip net.IP) string { return ip.To4().String() }

// Seed installs a static cache entry, bypassing request/reply resolution
// (useful for default gateways and test fixtures).
func (c *Cache) Seed(ip net.IP, mac net.HardwareAddr) {
	c.update(ip, mac)
	c.cache.Wait()
}

// Lookup returns a cached MAC without triggering resolution.
func (c *Cache) Lookup(ip net.IP) (net.HardwareAddr, bool) {
	e, ok := c.cache.Get(key(ip))
	if !ok {
		return nil, false
	}
	return e.MAC, true
}

// Resolve implements resolve(ip) (spec §4.8): returns a cached MAC, or
// broadcasts an ARP request and waits for the matching reply.
func (c *Cache) Resolve(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	if mac, ok := c.Lookup(ip); ok {
		return mac, nil
	}

	ch := make(chan net.HardwareAddr, 1)
	k := key(ip)
	c.mu.Lock()
	c.pending[k] = append(c.pending[k], ch)
	c.mu.Unlock()

	if err := c.sendRequest(ip); err != nil {
		return nil, err
	}

	timeout := c.ResolveTimeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case mac := <-ch:
		return mac, nil
	case <-waitCtx.Done():
		return nil, kerrors.Newf(kerrors.TimedOut, "arp.Resolve", "no reply for %s", ip)
	}
}

func (c *Cache) sendRequest(target net.IP) error {
	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(c.sender.MAC()),
		SourceProtAddress: []byte(c.localIP.To4()),
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte(target.To4()),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, req); err != nil {
		return kerrors.Wrap(kerrors.IoError, "arp.sendRequest", "serialize failed", err)
	}
	broadcast := net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	return c.sender.Send(broadcast, layers.EthernetTypeARP, buf.Bytes())
}

// HandlePacket processes a received ARP frame payload: answers requests
// for our own IP and resolves pending waiters on replies.
func (c *Cache) HandlePacket(_ net.HardwareAddr, payload []byte) error {
	packet := gopacket.NewPacket(payload, layers.LayerTypeARP, gopacket.Default)
	arpLayer := packet.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return kerrors.Newf(kerrors.InvalidArgument, "arp.HandlePacket", "not an ARP packet")
	}
	a := arpLayer.(*layers.ARP)

	srcIP := net.IP(a.SourceProtAddress)
	srcMAC := net.HardwareAddr(a.SourceHwAddress)
	c.update(srcIP, srcMAC)

	switch a.Operation {
	case layers.ARPRequest:
		if net.IP(a.DstProtAddress).Equal(c.localIP) {
			return c.sendReply(srcMAC, srcIP)
		}
		return nil
	case layers.ARPReply:
		c.resolvePending(srcIP, srcMAC)
		return nil
	default:
		return nil
	}
}

func (c *Cache) sendReply(toMAC net.HardwareAddr, toIP net.IP) error {
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   []byte(c.sender.MAC()),
		SourceProtAddress: []byte(c.localIP.To4()),
		DstHwAddress:      []byte(toMAC),
		DstProtAddress:    []byte(toIP.To4()),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, reply); err != nil {
		return kerrors.Wrap(kerrors.IoError, "arp.sendReply", "serialize failed", err)
	}
	return c.sender.Send(toMAC, layers.EthernetTypeARP, buf.Bytes())
}

func (c *Cache) update(ip net.IP, mac net.HardwareAddr) {
	c.cache.Set(key(ip), entry{MAC: append([]byte(nil), mac...), LastSeen: c.Now()}, 1)
}

func (c *Cache) resolvePending(ip net.IP, mac net.HardwareAddr) {
	k := key(ip)
	c.mu.Lock()
	waiters := c.pending[k]
	delete(c.pending, k)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- mac
	}
}
