package socket

import "firefly/sched"

const (
	defaultTCPRecvBytes = 8192
	defaultTCPSendBytes = 4096

	// MaxBacklog is the largest backlog ListenConfig.Listen will honour;
	// larger requests are clamped to it.
	MaxBacklog     = 128
	defaultBacklog = 16
)

// ListenConfig configures a TCP Listener.
type ListenConfig struct {
	NonBlocking bool
	Backlog     int
	RecvBytes   int
	SendBytes   int
}

// DefaultListenConfig returns the default listener configuration.
func DefaultListenConfig() ListenConfig {
	return ListenConfig{Backlog: defaultBacklog, RecvBytes: defaultTCPRecvBytes, SendBytes: defaultTCPSendBytes}
}

// Listen opens a TCP listener on local, filling its backlog with
// listening sockets. A local port of 0 chooses a fresh ephemeral port.
func (c ListenConfig) Listen(stack Stack, s *sched.Scheduler, local IPEndpoint) (*Listener, error) {
	backlog := c.Backlog
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	if backlog > MaxBacklog {
		backlog = MaxBacklog
	}

	local, err := bindLocalPort(local)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		stack:       stack,
		sched:       s,
		local:       local,
		listening:   true,
		nonBlocking: c.NonBlocking,
		recvBytes:   c.RecvBytes,
		sendBytes:   c.SendBytes,
	}

	for i := 0; i < backlog; i++ {
		conn, err := l.newListeningConn()
		if err != nil {
			return nil, wrapErr(errInvalidAddress, err)
		}
		l.backlog = append(l.backlog, conn)
	}

	return l, nil
}

// Listener is a TCP server socket: a backlog of sockets already listening
// on the local endpoint, any one of which may complete a handshake and be
// handed to a caller via Accept.
type Listener struct {
	stack Stack
	sched *sched.Scheduler

	local       IPEndpoint
	backlog     []*Connection
	listening   bool
	nonBlocking bool
	recvBytes   int
	sendBytes   int
}

func (l *Listener) newListeningConn() (*Connection, error) {
	h := l.stack.NewTCPSocket(l.recvBytes, l.sendBytes)
	if err := l.stack.ListenTCP(h, l.local); err != nil {
		return nil, err
	}
	return &Connection{stack: l.stack, sched: l.sched, handle: h, nonBlocking: l.nonBlocking, local: l.local}, nil
}

// LocalAddr returns the listener's local endpoint.
func (l *Listener) LocalAddr() IPEndpoint { return l.local }

// Accept returns the next established connection, blocking until one is
// available unless the listener is non-blocking. Returns ErrListenerClosed
// if the listener has been closed.
func (l *Listener) Accept() (*Connection, error) {
	if !l.listening {
		return nil, errListenerClosed
	}

	waiter := l.sched.Current()
	for {
		found := -1
		for i, conn := range l.backlog {
			if l.stack.TCPMaySend(conn.handle) || l.stack.TCPMayRecv(conn.handle) {
				found = i
				break
			}
		}

		if found < 0 {
			if l.nonBlocking {
				return nil, errConnectionClosed
			}

			l.sched.PreventNextSleep(waiter)
			for _, conn := range l.backlog {
				l.stack.RegisterTCPRecvWaker(conn.handle, waiter)
			}
			l.sched.Suspend(waiter)
			continue
		}

		conn := l.backlog[found]
		conn.remote = l.stack.TCPRemoteEndpoint(conn.handle)
		l.backlog = append(l.backlog[:found], l.backlog[found+1:]...)

		replacement, err := l.newListeningConn()
		if err != nil {
			return nil, wrapErr(errInvalidAddress, err)
		}
		l.backlog = append(l.backlog, replacement)

		return conn, nil
	}
}

// Close rejects future connection attempts and discards any pending,
// unaccepted connections. Connections already returned by Accept are
// unaffected.
func (l *Listener) Close() {
	l.listening = false
	for _, conn := range l.backlog {
		conn.Close()
	}
	l.backlog = nil
}

// DialConfig configures outbound TCP connections.
type DialConfig struct {
	NonBlocking bool
	Local       IPEndpoint
	RecvBytes   int
	SendBytes   int
}

// DefaultDialConfig returns the default dialer configuration.
func DefaultDialConfig() DialConfig {
	return DialConfig{RecvBytes: defaultTCPRecvBytes, SendBytes: defaultTCPSendBytes}
}

// Dial connects to remote, blocking until the connection is established
// or fails with ConnectFailure. The dialer's NonBlocking setting does not
// shorten this wait; it applies to the returned Connection's Send and Recv.
func (c DialConfig) Dial(stack Stack, s *sched.Scheduler, remote IPEndpoint) (*Connection, error) {
	local, err := bindLocalPort(c.Local)
	if err != nil {
		return nil, err
	}

	h := stack.NewTCPSocket(c.RecvBytes, c.SendBytes)
	if err := stack.ConnectTCP(h, remote, local); err != nil {
		return nil, wrapErr(errConnectFailure, err)
	}
	stack.Poll() // Send the SYN.

	conn := &Connection{stack: stack, sched: s, handle: h, nonBlocking: c.NonBlocking, local: local, remote: remote}

	if !stack.TCPIsOpen(h) {
		return nil, errConnectFailure
	}
	if stack.TCPMaySend(h) {
		return conn, nil
	}

	waiter := s.Current()
	s.PreventNextSleep(waiter)
	stack.RegisterTCPSendWaker(h, waiter)
	for {
		s.Suspend(waiter)

		if !stack.TCPIsOpen(h) {
			return nil, errConnectFailure
		}
		if stack.TCPMaySend(h) {
			return conn, nil
		}
		s.PreventNextSleep(waiter)
		stack.RegisterTCPSendWaker(h, waiter)
	}
}

// Connection is an established TCP connection.
type Connection struct {
	stack Stack
	sched *sched.Scheduler

	handle      SocketHandle
	nonBlocking bool
	local       IPEndpoint
	remote      IPEndpoint
}

// LocalAddr returns the address at this end of the connection.
func (c *Connection) LocalAddr() IPEndpoint { return c.local }

// RemoteAddr returns the address at the other end of the connection.
func (c *Connection) RemoteAddr() IPEndpoint { return c.remote }

// Close closes the connection, sending a FIN.
func (c *Connection) Close() {
	c.stack.TCPClose(c.handle)
	c.stack.Poll()
}

// Send writes buf to the peer, blocking until every byte has been
// accepted into the send buffer unless the connection is non-blocking.
func (c *Connection) Send(buf []byte) (int, error) {
	waiter := c.sched.Current()
	sent := 0
	for {
		if !c.stack.TCPIsOpen(c.handle) {
			return sent, errConnectionClosed
		}

		if !c.stack.TCPCanSend(c.handle) {
			if c.nonBlocking {
				return sent, errNotReady
			}

			c.sched.PreventNextSleep(waiter)
			c.stack.RegisterTCPSendWaker(c.handle, waiter)
			c.sched.Suspend(waiter)
			continue
		}

		n, err := c.stack.TCPSendSlice(c.handle, buf[sent:])
		if err != nil {
			return sent, wrapErr(errInvalidOperation, err)
		}
		sent += n
		c.stack.Poll()

		if sent == len(buf) {
			return sent, nil
		}
	}
}

// Recv reads the next available bytes from the peer into buf, blocking
// until at least one byte has arrived unless the connection is
// non-blocking.
func (c *Connection) Recv(buf []byte) (int, error) {
	waiter := c.sched.Current()
	for {
		if !c.stack.TCPIsOpen(c.handle) {
			return 0, errConnectionClosed
		}

		if !c.stack.TCPCanRecv(c.handle) {
			if c.nonBlocking {
				return 0, errNotReady
			}

			c.sched.PreventNextSleep(waiter)
			c.stack.RegisterTCPRecvWaker(c.handle, waiter)
			c.sched.Suspend(waiter)
			continue
		}

		n, err := c.stack.TCPRecvSlice(c.handle, buf)
		if err != nil {
			return 0, wrapErr(errInvalidOperation, err)
		}
		if n > 0 {
			return n, nil
		}

		if c.nonBlocking {
			return 0, errNotReady
		}
		c.sched.PreventNextSleep(waiter)
		c.stack.RegisterTCPRecvWaker(c.handle, waiter)
		c.sched.Suspend(waiter)
	}
}
