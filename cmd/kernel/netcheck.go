package main

import (
	"context"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func buildEchoRequest(id, seq uint16, payload []byte) ([]byte, error) {
	l := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newNetcheckCmd() *cobra.Command {
	var dhcpTimeout, dnsTimeout time.Duration
	var dnsName string

	cmd := &cobra.Command{
		Use:   "netcheck",
		Short: "self-test the network stack over the loopback NIC",
		Long: `netcheck boots the kernel, seeds the ARP cache with its own address, and
sends itself an ICMP echo request through the full Eth→ARP→IPv4→ICMP chain
to confirm the stack is wired correctly end to end. It then attempts a real
DHCP lease acquisition and, when --dns-name is given, a DNS lookup, each
with a short timeout — on a loopback
link with no peer these are expected to time out, and a timeout is reported
as informational, not as a command failure.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			k, err := bootKernel(cfg)
			if err != nil {
				return err
			}
			defer k.Shutdown()

			localIP := cfg.LocalIP()
			localMAC := cfg.LocalMAC()
			k.ARP.Seed(localIP, localMAC)

			echo, err := buildEchoRequest(0xbeef, 1, []byte("netcheck"))
			if err != nil {
				return err
			}
			if err := k.IPv4.Send(context.Background(), localIP, layers.IPProtocolICMPv4, echo); err != nil {
				log.Error(err, "ICMP echo send failed")
				return err
			}
			if err := k.Eth.Poll(); err != nil {
				log.Error(err, "ICMP self-test poll failed")
				return err
			}
			log.Info("ICMP self-test: echo request dispatched and handled without error")

			// DHCP acquisition and DNS resolution don't depend on each
			// other, so they fan out over errgroup instead of running
			// back to back — neither's timeout blocks the other's.
			var g errgroup.Group
			g.Go(func() error {
				dhcpCtx, cancel := context.WithTimeout(context.Background(), dhcpTimeout)
				defer cancel()
				if lease, err := k.DHCP.Acquire(dhcpCtx); err != nil {
					log.Info("DHCP acquire did not complete (expected without a peer DHCP server)", "reason", err.Error())
				} else {
					log.Info("DHCP acquire succeeded", "ip", lease.IP.String())
				}
				return nil
			})
			if dnsName != "" {
				g.Go(func() error {
					dnsCtx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
					defer cancel()
					if ip, err := k.DNS.Lookup(dnsCtx, dnsName); err != nil {
						log.Info("DNS lookup did not complete (expected without a peer resolver)", "name", dnsName, "reason", err.Error())
					} else {
						log.Info("DNS lookup succeeded", "name", dnsName, "ip", ip.String())
					}
					return nil
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&dhcpTimeout, "dhcp-timeout", 300*time.Millisecond, "time to wait for a DHCP lease before giving up")
	cmd.Flags().DurationVar(&dnsTimeout, "dns-timeout", 300*time.Millisecond, "time to wait for a DNS reply before giving up")
	cmd.Flags().StringVar(&dnsName, "dns-name", "", "hostname to resolve; skipped if empty")

	return cmd
}
