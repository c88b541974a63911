package socket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenFillsBacklogAndClampsSize(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	cfg := DefaultListenConfig()
	cfg.Backlog = MaxBacklog + 50
	l, err := cfg.Listen(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)
	require.Len(t, l.backlog, MaxBacklog)
	for _, conn := range l.backlog {
		require.Equal(t, IPEndpoint{Port: 80}, stack.tcpListenOn[conn.handle])
	}
}

func TestListenChoosesEphemeralPortWhenZero(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	l, err := DefaultListenConfig().Listen(stack, s, IPEndpoint{Port: 0})
	require.NoError(t, err)
	require.GreaterOrEqual(t, l.LocalAddr().Port, uint16(ephemeralPortLow))
}

func TestAcceptReturnsEstablishedConnectionAndRefillsBacklog(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	cfg := DefaultListenConfig()
	cfg.Backlog = 4
	l, err := cfg.Listen(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)

	established := l.backlog[2]
	stack.tcpMayRecv[established.handle] = true
	stack.tcpRemote[established.handle] = IPEndpoint{IP: []byte{10, 0, 0, 1}, Port: 5555}

	conn, err := l.Accept()
	require.NoError(t, err)
	require.Equal(t, established.handle, conn.handle)
	require.Equal(t, IPEndpoint{IP: []byte{10, 0, 0, 1}, Port: 5555}, conn.RemoteAddr())
	require.Len(t, l.backlog, 4) // the accepted socket was replaced.
}

func TestAcceptBlocksUntilConnectionEstablishes(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	cfg := DefaultListenConfig()
	cfg.Backlog = 2
	l, err := cfg.Listen(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)
	// Nothing is ready yet: Accept must register recv wakers (which
	// fakeStack treats as "connection arrived") before succeeding.

	conn, err := l.Accept()
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestAcceptNonBlockingReturnsErrorWhenNoneReady(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	cfg := DefaultListenConfig()
	cfg.NonBlocking = true
	l, err := cfg.Listen(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)

	_, err = l.Accept()
	require.ErrorIs(t, err, errConnectionClosed)
}

func TestAcceptFailsImmediatelyAfterClose(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	l, err := DefaultListenConfig().Listen(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)
	l.Close()

	_, err = l.Accept()
	require.ErrorIs(t, err, errListenerClosed)

	for _, conn := range l.backlog {
		require.False(t, stack.tcpOpen[conn.handle])
	}
}

func TestDialBlocksThenSucceeds(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	conn, err := DefaultDialConfig().Dial(stack, s, IPEndpoint{IP: []byte{1, 1, 1, 1}, Port: 80})
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.True(t, stack.tcpMaySend[conn.handle])
}

func TestDialFailsWhenSocketNeverOpens(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	// Make ConnectTCP leave the socket closed by removing it immediately
	// after creation via a wrapper stack.
	cs := &closedConnectStack{fakeStack: stack}
	_, err := DefaultDialConfig().Dial(cs, s, IPEndpoint{Port: 80})
	require.ErrorIs(t, err, errConnectFailure)
}

// closedConnectStack wraps fakeStack so that every new TCP socket starts
// (and stays) closed, exercising Dial's ConnectFailure path.
type closedConnectStack struct {
	*fakeStack
}

func (c *closedConnectStack) NewTCPSocket(recvBytes, sendBytes int) SocketHandle {
	h := c.fakeStack.NewTCPSocket(recvBytes, sendBytes)
	c.fakeStack.tcpOpen[h] = false
	return h
}

func TestConnectionSendWritesEverythingAcrossMultipleCalls(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	conn, err := DefaultDialConfig().Dial(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)
	stack.tcpCanSend[conn.handle] = true

	n, err := conn.Send([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(stack.tcpSent[conn.handle]))
}

func TestConnectionSendReturnsConnectionClosed(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	conn, err := DefaultDialConfig().Dial(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)
	stack.tcpOpen[conn.handle] = false

	_, err = conn.Send([]byte("x"))
	require.ErrorIs(t, err, errConnectionClosed)
}

func TestConnectionRecvReturnsBufferedBytes(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	conn, err := DefaultDialConfig().Dial(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)
	stack.tcpRecvBuf[conn.handle] = []byte("response")

	buf := make([]byte, 64)
	n, err := conn.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "response", string(buf[:n]))
}

func TestConnectionRecvBlocksUntilDataArrives(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	conn, err := DefaultDialConfig().Dial(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)
	stack.tcpPendingBuf[conn.handle] = []byte("late data")

	buf := make([]byte, 64)
	n, err := conn.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "late data", string(buf[:n]))
}

func TestConnectionCloseSendsFINAndPolls(t *testing.T) {
	resetActivePorts()
	stack := newFakeStack(newTestScheduler())
	s := newTestScheduler()

	conn, err := DefaultDialConfig().Dial(stack, s, IPEndpoint{Port: 80})
	require.NoError(t, err)
	before := stack.pollCount

	conn.Close()
	require.False(t, stack.tcpOpen[conn.handle])
	require.Greater(t, stack.pollCount, before)
}
