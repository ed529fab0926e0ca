// Package dns implements the DNS client (spec §4.8 "DNS (client)"):
// queries built over UDP 53 with github.com/miekg/dns, replies matched by
// transaction id, and a {hostname → ip} cache.
package dns

import (
	"context"
	"net"
	"sync"

	miekgdns "github.com/miekg/dns"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

const ServerPort = 53

// Sender is the subset of udp.Stack that DNS needs.
type Sender interface {
	Send(ctx context.Context, destIP net.IP, destPort, srcPort uint16, payload []byte) error
}

// Client is a minimal stub resolver.
type Client struct {
	sender   Sender
	server   net.IP
	srcPort  uint16

	mu      sync.Mutex
	cache   map[string]net.IP
	pending map[uint16]chan *miekgdns.Msg
}

func NewClient(sender Sender, server net.IP, srcPort uint16) *Client {
	return &Client{
		sender:  sender,
		server:  server,
		srcPort: srcPort,
		cache:   make(map[string]net.IP),
		pending: make(map[uint16]chan *miekgdns.Msg),
	}
}

// Lookup resolves hostname to an IPv4 address, consulting the cache first.
func (c *Client) Lookup(ctx context.Context, hostname string) (net.IP, error) {
	c.mu.Lock()
	if ip, ok := c.cache[hostname]; ok {
		c.mu.Unlock()
		return ip, nil
	}
	c.mu.Unlock()

	msg := new(miekgdns.Msg)
	msg.SetQuestion(miekgdns.Fqdn(hostname), miekgdns.TypeA)
	msg.RecursionDesired = true

	ch := make(chan *miekgdns.Msg, 1)
	c.mu.Lock()
	c.pending[msg.Id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Id)
		c.mu.Unlock()
	}()

	packed, err := msg.Pack()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.IoError, "dns.Lookup", "pack query failed", err)
	}
	if err := c.sender.Send(ctx, c.server, ServerPort, c.srcPort, packed); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		ip := firstA(reply)
		if ip == nil {
			return nil, kerrors.Newf(kerrors.NotFound, "dns.Lookup", "no A record for %q", hostname)
		}
		c.mu.Lock()
		c.cache[hostname] = ip
		c.mu.Unlock()
		return ip, nil
	case <-ctx.Done():
		return nil, kerrors.Newf(kerrors.TimedOut, "dns.Lookup", "query for %q timed out", hostname)
	}
}

// Receive is the bound UDP callback: matches the reply to a pending query
// by transaction id.
func (c *Client) Receive(srcIP net.IP, srcPort uint16, payload []byte) error {
	reply := new(miekgdns.Msg)
	if err := reply.Unpack(payload); err != nil {
		return kerrors.Wrap(kerrors.InvalidArgument, "dns.Receive", "unpack failed", err)
	}

	c.mu.Lock()
	ch, ok := c.pending[reply.Id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- reply:
	default:
	}
	return nil
}

func firstA(msg *miekgdns.Msg) net.IP {
	for _, rr := range msg.Answer {
		if a, ok := rr.(*miekgdns.A); ok {
			return a.A
		}
	}
	return nil
}
