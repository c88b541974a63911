package socket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func resetActivePorts() {
	activePorts.mu.Lock()
	activePorts.used = make(map[uint16]bool)
	activePorts.mu.Unlock()
}

func TestEphemeralPortIsInRangeAndUnique(t *testing.T) {
	resetActivePorts()

	seen := make(map[uint16]bool)
	for i := 0; i < 64; i++ {
		port := ephemeralPort()
		require.GreaterOrEqual(t, port, uint16(ephemeralPortLow))
		require.False(t, seen[port], "port %d issued twice", port)
		seen[port] = true
	}
}

func TestReservePortFailsWhenAlreadyActive(t *testing.T) {
	resetActivePorts()

	require.NoError(t, reservePort(8080))
	err := reservePort(8080)
	require.ErrorIs(t, err, errPortInUse)
}

func TestBindLocalPortChoosesEphemeralWhenZero(t *testing.T) {
	resetActivePorts()

	local, err := bindLocalPort(IPEndpoint{Port: 0})
	require.NoError(t, err)
	require.GreaterOrEqual(t, local.Port, uint16(ephemeralPortLow))
}
