package socket

import (
	"time"

	"firefly/sched"
)

// fakeUDPPacket is a queued inbound datagram for fakeStack's UDP sockets.
type fakeUDPPacket struct {
	peer IPEndpoint
	data []byte
}

// fakeStack is a minimal, fully synchronous Stack: readiness is whatever
// the test sets it to, and Register*Waker flips the corresponding
// readiness flag to true, modelling "the condition became true by the
// time the interface was next polled" without needing real concurrency.
type fakeStack struct {
	next SocketHandle

	udpOpen    map[SocketHandle]bool
	udpCanSend map[SocketHandle]bool
	udpLocal   map[SocketHandle]IPEndpoint
	udpRecvQ   map[SocketHandle][]fakeUDPPacket
	udpPending map[SocketHandle][]fakeUDPPacket
	udpSent    []udpSendRecord

	tcpOpen       map[SocketHandle]bool
	tcpMaySend    map[SocketHandle]bool
	tcpMayRecv    map[SocketHandle]bool
	tcpCanSend    map[SocketHandle]bool
	tcpCanRecv    map[SocketHandle]bool
	tcpRemote     map[SocketHandle]IPEndpoint
	tcpRecvBuf    map[SocketHandle][]byte
	tcpPendingBuf map[SocketHandle][]byte
	tcpSent       map[SocketHandle][]byte
	tcpListenOn   map[SocketHandle]IPEndpoint

	dhcpConfig DHCPConfig
	dhcpReady  bool
	pollCount  int
}

type udpSendRecord struct {
	handle SocketHandle
	peer   IPEndpoint
	data   []byte
}

func newFakeStack(s *sched.Scheduler) *fakeStack {
	return &fakeStack{
		udpOpen:       make(map[SocketHandle]bool),
		udpCanSend:    make(map[SocketHandle]bool),
		udpLocal:      make(map[SocketHandle]IPEndpoint),
		udpRecvQ:      make(map[SocketHandle][]fakeUDPPacket),
		udpPending:    make(map[SocketHandle][]fakeUDPPacket),
		tcpOpen:       make(map[SocketHandle]bool),
		tcpMaySend:    make(map[SocketHandle]bool),
		tcpMayRecv:    make(map[SocketHandle]bool),
		tcpCanSend:    make(map[SocketHandle]bool),
		tcpCanRecv:    make(map[SocketHandle]bool),
		tcpRemote:     make(map[SocketHandle]IPEndpoint),
		tcpRecvBuf:    make(map[SocketHandle][]byte),
		tcpPendingBuf: make(map[SocketHandle][]byte),
		tcpSent:       make(map[SocketHandle][]byte),
		tcpListenOn:   make(map[SocketHandle]IPEndpoint),
	}
}

func (f *fakeStack) Poll() time.Duration {
	f.pollCount++
	return 0
}

func (f *fakeStack) DHCPConfig() (DHCPConfig, bool) { return f.dhcpConfig, f.dhcpReady }

func (f *fakeStack) NewUDPSocket(recvPackets, recvBytes, sendPackets, sendBytes int) SocketHandle {
	f.next++
	h := f.next
	f.udpOpen[h] = true
	return h
}

func (f *fakeStack) BindUDP(h SocketHandle, local IPEndpoint) error {
	f.udpLocal[h] = local
	return nil
}

func (f *fakeStack) RemoveUDP(h SocketHandle) { delete(f.udpOpen, h) }

func (f *fakeStack) UDPIsOpen(h SocketHandle) bool { return f.udpOpen[h] }
func (f *fakeStack) UDPCanSend(h SocketHandle) bool { return f.udpCanSend[h] }
func (f *fakeStack) UDPCanRecv(h SocketHandle) bool { return len(f.udpRecvQ[h]) > 0 }

func (f *fakeStack) UDPSendSlice(h SocketHandle, buf []byte, peer IPEndpoint) (int, error) {
	cp := append([]byte(nil), buf...)
	f.udpSent = append(f.udpSent, udpSendRecord{handle: h, peer: peer, data: cp})
	return len(buf), nil
}

func (f *fakeStack) UDPRecvSlice(h SocketHandle, buf []byte) (int, IPEndpoint, error) {
	q := f.udpRecvQ[h]
	if len(q) == 0 {
		return 0, IPEndpoint{}, nil
	}
	pkt := q[0]
	f.udpRecvQ[h] = q[1:]
	n := copy(buf, pkt.data)
	return n, pkt.peer, nil
}

func (f *fakeStack) UDPClose(h SocketHandle) { f.udpOpen[h] = false }

func (f *fakeStack) RegisterUDPSendWaker(h SocketHandle, waiter sched.KernelThreadID) {
	f.udpCanSend[h] = true
}

func (f *fakeStack) RegisterUDPRecvWaker(h SocketHandle, waiter sched.KernelThreadID) {
	if pending := f.udpPending[h]; len(pending) > 0 {
		f.udpRecvQ[h] = append(f.udpRecvQ[h], pending...)
		f.udpPending[h] = nil
	}
}

func (f *fakeStack) NewTCPSocket(recvBytes, sendBytes int) SocketHandle {
	f.next++
	h := f.next
	f.tcpOpen[h] = true
	return h
}

func (f *fakeStack) ListenTCP(h SocketHandle, local IPEndpoint) error {
	f.tcpListenOn[h] = local
	return nil
}

func (f *fakeStack) ConnectTCP(h SocketHandle, remote, local IPEndpoint) error {
	f.tcpRemote[h] = remote
	return nil
}

func (f *fakeStack) RemoveTCP(h SocketHandle) { delete(f.tcpOpen, h) }

func (f *fakeStack) TCPIsOpen(h SocketHandle) bool       { return f.tcpOpen[h] }
func (f *fakeStack) TCPMaySend(h SocketHandle) bool      { return f.tcpMaySend[h] }
func (f *fakeStack) TCPMayRecv(h SocketHandle) bool      { return f.tcpMayRecv[h] }
func (f *fakeStack) TCPCanSend(h SocketHandle) bool      { return f.tcpCanSend[h] }
func (f *fakeStack) TCPCanRecv(h SocketHandle) bool      { return len(f.tcpRecvBuf[h]) > 0 }
func (f *fakeStack) TCPRemoteEndpoint(h SocketHandle) IPEndpoint { return f.tcpRemote[h] }

func (f *fakeStack) TCPSendSlice(h SocketHandle, buf []byte) (int, error) {
	f.tcpSent[h] = append(f.tcpSent[h], buf...)
	return len(buf), nil
}

func (f *fakeStack) TCPRecvSlice(h SocketHandle, buf []byte) (int, error) {
	data := f.tcpRecvBuf[h]
	n := copy(buf, data)
	f.tcpRecvBuf[h] = data[n:]
	return n, nil
}

func (f *fakeStack) TCPClose(h SocketHandle) { f.tcpOpen[h] = false }

func (f *fakeStack) RegisterTCPSendWaker(h SocketHandle, waiter sched.KernelThreadID) {
	f.tcpCanSend[h] = true
	f.tcpMaySend[h] = true
}

func (f *fakeStack) RegisterTCPRecvWaker(h SocketHandle, waiter sched.KernelThreadID) {
	f.tcpMayRecv[h] = true
	if pending := f.tcpPendingBuf[h]; len(pending) > 0 {
		f.tcpRecvBuf[h] = append(f.tcpRecvBuf[h], pending...)
		f.tcpPendingBuf[h] = nil
	}
}

func newTestScheduler() *sched.Scheduler {
	s := sched.New()
	const id sched.KernelThreadID = 1
	s.Register(id)
	s.Resume(id)
	s.Switch()
	return s
}
