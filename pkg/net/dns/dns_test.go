package dns_test

import (
	"context"
	"net"
	"testing"

	miekgdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	"github.com/raeenos/kernel/pkg/net/dns"
)

type fakeServer struct {
	client *dns.Client
	answer net.IP
}

func (s *fakeServer) Send(ctx context.Context, destIP net.IP, destPort, srcPort uint16, payload []byte) error {
	q := new(miekgdns.Msg)
	if err := q.Unpack(payload); err != nil {
		return err
	}
	resp := new(miekgdns.Msg)
	resp.SetReply(q)
	resp.Answer = append(resp.Answer, &miekgdns.A{
		Hdr: miekgdns.RR_Header{Name: q.Question[0].Name, Rrtype: miekgdns.TypeA, Class: miekgdns.ClassINET},
		A:   s.answer,
	})
	packed, err := resp.Pack()
	if err != nil {
		return err
	}
	return s.client.Receive(net.IPv4(8, 8, 8, 8), dns.ServerPort, packed)
}

func TestLookupResolvesAndCaches(t *testing.T) {
	answer := net.IPv4(93, 184, 216, 34).To4()
	server := &fakeServer{answer: answer}
	client := dns.NewClient(server, net.IPv4(8, 8, 8, 8), 5353)
	server.client = client

	ip, err := client.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	assert.True(t, ip.Equal(answer))

	// second lookup must hit the cache without sending another query.
	server.client = nil
	ip2, err := client.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	assert.True(t, ip2.Equal(answer))
}

func TestLookupTimesOutWithoutReply(t *testing.T) {
	client := dns.NewClient(noopSender{}, net.IPv4(8, 8, 8, 8), 5353)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err := client.Lookup(ctx, "nowhere.example")
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.TimedOut))
}

type noopSender struct{}

func (noopSender) Send(context.Context, net.IP, uint16, uint16, []byte) error { return nil }
