// Package net is the layered network stack (spec §4.8): a NIC trait at the
// bottom, Ethernet dispatch by EtherType, and per-protocol layers wired
// together by pkg/kernel.
package net

import (
	"net"
	"sync"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// NIC is the layer-2 device trait (spec §4.8): send_frame/poll_frame plus a
// MAC address.
type NIC interface {
	MAC() net.HardwareAddr
	SendFrame(frame []byte) error
	PollFrame() ([]byte, bool)
}

// LoopbackNIC is an in-memory NIC used for the loopback interface and for
// tests: frames written are immediately available to poll.
type LoopbackNIC struct {
	mac net.HardwareAddr

	mu     sync.Mutex
	frames [][]byte
}

func NewLoopbackNIC(mac net.HardwareAddr) *LoopbackNIC {
	return &LoopbackNIC{mac: mac}
}

func (l *LoopbackNIC) MAC() net.HardwareAddr { return l.mac }

func (l *LoopbackNIC) SendFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := append([]byte(nil), frame...)
	l.frames = append(l.frames, cp)
	return nil
}

func (l *LoopbackNIC) PollFrame() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return nil, false
	}
	f := l.frames[0]
	l.frames = l.frames[1:]
	return f, true
}

// ErrNoPeer reports that no peer NIC is wired to deliver a frame (spec §9
// suspension-point notes do not apply below the socket layer, so this is a
// plain error, not a scheduler wait). LoopbackNIC never returns it: it
// queues every frame it is given.
var ErrNoPeer = kerrors.Newf(kerrors.IoError, "net.NIC", "no peer wired to receive frame")
