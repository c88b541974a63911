package socket

import "firefly/sched"

// Default buffer sizes for new UDP ports, matching the original driver's
// constants.
const (
	defaultUDPRecvPackets = 64
	defaultUDPSendPackets = 64
	defaultUDPRecvBytes   = 8192
	defaultUDPSendBytes   = 4096
)

// UDPConfig configures UDP ports opened through it.
type UDPConfig struct {
	NonBlocking bool
	RecvPackets int
	SendPackets int
	RecvBytes   int
	SendBytes   int
}

// DefaultUDPConfig returns the default UDP port configuration.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		RecvPackets: defaultUDPRecvPackets,
		SendPackets: defaultUDPSendPackets,
		RecvBytes:   defaultUDPRecvBytes,
		SendBytes:   defaultUDPSendBytes,
	}
}

// Open binds a UDP port to local on stack. A local port of 0 chooses a
// fresh ephemeral port; LocalAddr reports whichever port was chosen.
func (c UDPConfig) Open(stack Stack, s *sched.Scheduler, local IPEndpoint) (*UDPPort, error) {
	local, err := bindLocalPort(local)
	if err != nil {
		return nil, err
	}

	h := stack.NewUDPSocket(c.RecvPackets, c.RecvBytes, c.SendPackets, c.SendBytes)
	if err := stack.BindUDP(h, local); err != nil {
		return nil, wrapErr(errInvalidAddress, err)
	}

	return &UDPPort{stack: stack, sched: s, handle: h, local: local, nonBlocking: c.NonBlocking}, nil
}

// UDPPort is an open UDP socket bound to a local endpoint. Unlike TCP,
// UDP does not distinguish clients from servers: the same port sends to
// and receives from any peer.
type UDPPort struct {
	stack       Stack
	sched       *sched.Scheduler
	handle      SocketHandle
	local       IPEndpoint
	nonBlocking bool
}

// LocalAddr returns the port's local endpoint.
func (p *UDPPort) LocalAddr() IPEndpoint { return p.local }

// Close releases the port. The underlying local port stays reserved; see
// activePorts.
func (p *UDPPort) Close() {
	p.stack.UDPClose(p.handle)
	p.stack.RemoveUDP(p.handle)
}

// SendTo sends buf to peer, returning len(buf) on success. A blocking
// port suspends the calling thread until the socket can send; a
// non-blocking port returns ErrNotReady instead.
func (p *UDPPort) SendTo(buf []byte, peer IPEndpoint) (int, error) {
	waiter := p.sched.Current()
	for {
		if !p.stack.UDPIsOpen(p.handle) {
			return 0, errConnectionClosed
		}

		if !p.stack.UDPCanSend(p.handle) {
			if p.nonBlocking {
				return 0, errNotReady
			}

			p.sched.PreventNextSleep(waiter)
			p.stack.RegisterUDPSendWaker(p.handle, waiter)
			p.sched.Suspend(waiter)
			continue
		}

		n, err := p.stack.UDPSendSlice(p.handle, buf, peer)
		if err != nil {
			return 0, wrapErr(errInvalidOperation, err)
		}
		p.stack.Poll()
		return n, nil
	}
}

// RecvFrom receives the next datagram into buf, returning the number of
// bytes written and the sender's endpoint. A blocking port suspends the
// calling thread until a datagram arrives; a non-blocking port returns
// ErrNotReady instead.
func (p *UDPPort) RecvFrom(buf []byte) (int, IPEndpoint, error) {
	waiter := p.sched.Current()
	for {
		if !p.stack.UDPIsOpen(p.handle) {
			return 0, IPEndpoint{}, errConnectionClosed
		}

		if !p.stack.UDPCanRecv(p.handle) {
			if p.nonBlocking {
				return 0, IPEndpoint{}, errNotReady
			}

			p.sched.PreventNextSleep(waiter)
			p.stack.RegisterUDPRecvWaker(p.handle, waiter)
			p.sched.Suspend(waiter)
			continue
		}

		n, peer, err := p.stack.UDPRecvSlice(p.handle, buf)
		if err != nil {
			return 0, IPEndpoint{}, wrapErr(errInvalidOperation, err)
		}
		if n > 0 {
			return n, peer, nil
		}

		if p.nonBlocking {
			return 0, IPEndpoint{}, errNotReady
		}
		p.sched.PreventNextSleep(waiter)
		p.stack.RegisterUDPRecvWaker(p.handle, waiter)
		p.sched.Suspend(waiter)
	}
}
