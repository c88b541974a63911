// Package socket implements the network socket layer (spec component 11):
// UDP ports and TCP listeners/connections with blocking and non-blocking
// semantics, an ephemeral port allocator, and a DHCP-configuration gate
// for workloads that must not start before an interface is addressable.
//
// This package never touches a wire format itself. It drives an injected
// Stack, the Go equivalent of the smoltcp interface the original kernel
// polls: Stack owns the actual socket state machines (open/closed,
// may_send/can_recv, buffered bytes) and is free to be backed by any
// underlying network stack. Stack's Poll method satisfies netdev.Poller
// structurally, so neither package imports the other.
//
// Grounded on original_source/kernel/network/{lib,udp}.rs and
// kernel/src/network/tcp.rs.
package socket

import (
	"fmt"
	"time"

	"firefly/defs"
	"firefly/sched"
)

// IPEndpoint is an IP address and port pair. An IP of nil with a non-zero
// Port binds to every local address; a Port of zero requests an ephemeral
// port.
type IPEndpoint struct {
	IP   []byte
	Port uint16
}

func (e IPEndpoint) String() string {
	return fmt.Sprintf("%v:%d", e.IP, e.Port)
}

// SocketHandle identifies a socket owned by a Stack.
type SocketHandle uint64

// DHCPConfig is the configuration an interface receives from a DHCP
// server, the subset this layer needs to gate workload startup on.
type DHCPConfig struct {
	Address IPEndpoint
	Router  []byte
}

// Stack is the facade a socket.Port/Listener/Connection drives. It models
// one network interface's socket table: handles are opaque and each
// socket's lifecycle (open/closed) and readiness (can send/receive) are
// queried through it rather than assumed. Implementations are expected to
// resume any thread registered with one of the Register*Waker methods
// once the corresponding condition becomes true, typically from within
// Poll.
type Stack interface {
	// Poll drives the interface's inbound/outbound processing once and
	// returns the delay before Poll should be called again.
	Poll() time.Duration

	// DHCPConfig returns the interface's current DHCP configuration, if
	// one has been negotiated.
	DHCPConfig() (DHCPConfig, bool)

	NewUDPSocket(recvPackets, recvBytes, sendPackets, sendBytes int) SocketHandle
	BindUDP(h SocketHandle, local IPEndpoint) error
	RemoveUDP(h SocketHandle)
	UDPIsOpen(h SocketHandle) bool
	UDPCanSend(h SocketHandle) bool
	UDPCanRecv(h SocketHandle) bool
	UDPSendSlice(h SocketHandle, buf []byte, peer IPEndpoint) (int, error)
	UDPRecvSlice(h SocketHandle, buf []byte) (int, IPEndpoint, error)
	UDPClose(h SocketHandle)
	RegisterUDPSendWaker(h SocketHandle, waiter sched.KernelThreadID)
	RegisterUDPRecvWaker(h SocketHandle, waiter sched.KernelThreadID)

	NewTCPSocket(recvBytes, sendBytes int) SocketHandle
	ListenTCP(h SocketHandle, local IPEndpoint) error
	ConnectTCP(h SocketHandle, remote, local IPEndpoint) error
	RemoveTCP(h SocketHandle)
	TCPIsOpen(h SocketHandle) bool
	TCPMaySend(h SocketHandle) bool
	TCPMayRecv(h SocketHandle) bool
	TCPCanSend(h SocketHandle) bool
	TCPCanRecv(h SocketHandle) bool
	TCPRemoteEndpoint(h SocketHandle) IPEndpoint
	TCPSendSlice(h SocketHandle, buf []byte) (int, error)
	TCPRecvSlice(h SocketHandle, buf []byte) (int, error)
	TCPClose(h SocketHandle)
	RegisterTCPSendWaker(h SocketHandle, waiter sched.KernelThreadID)
	RegisterTCPRecvWaker(h SocketHandle, waiter sched.KernelThreadID)
}

// Error wraps one of defs's socket-layer sentinels with the lower-level
// error it was mapped from, per spec §4.12's "mapped from lower-level
// stack errors at the API boundary" requirement.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Kind }

func wrapErr(kind, err error) error {
	if err == nil {
		return kind
	}
	return &Error{Kind: kind, Err: err}
}

var (
	errInvalidAddress   = defs.ErrInvalidAddress
	errInvalidOperation = defs.ErrInvalidOperation
	errConnectFailure   = defs.ErrConnectFailure
	errConnectionClosed = defs.ErrConnectionClosed
	errListenerClosed   = defs.ErrListenerClosed
	errPortInUse        = defs.ErrPortInUse
	errNotReady         = defs.ErrNotReady
)
