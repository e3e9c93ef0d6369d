package serialport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchange(t *testing.T, s *SimulatedTransport, cmd string) string {
	t.Helper()
	require.NoError(t, s.Write([]byte(cmd)))
	line, err := s.ReadLine(time.Second)
	require.NoError(t, err)
	return line
}

func TestSimulatedTransport_ClosedByDefault(t *testing.T) {
	s := NewSimulatedTransport()
	assert.ErrorIs(t, s.Write([]byte("I")), ErrClosed)
	_, err := s.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "", s.Device())
}

func TestSimulatedTransport_Handshake(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())
	assert.Equal(t, SimulatedDevice, s.Device())
	assert.Equal(t, "I", exchange(t, s, "I"))
}

func TestSimulatedTransport_ToggleValves(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())

	assert.Equal(t, "", exchange(t, s, "V"))
	assert.Equal(t, "3", exchange(t, s, "3"))
	assert.Equal(t, "1", exchange(t, s, "1"))
	assert.Equal(t, "31", exchange(t, s, "V"))
	assert.Equal(t, []int{1, 3}, s.OpenValves())

	assert.Equal(t, "3", exchange(t, s, "3"))
	assert.Equal(t, "1", exchange(t, s, "V"))
}

func TestSimulatedTransport_Counter(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())

	s.SetCounter(30)
	assert.Equal(t, "30.0", exchange(t, s, "W"))

	s.SetCounterRaw("garbage")
	assert.Equal(t, "garbage", exchange(t, s, "W"))
}

func TestSimulatedTransport_FlowPerRead(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())
	s.SetFlowPerRead(5)

	assert.Equal(t, "0.0", exchange(t, s, "W"), "no flow while closed")
	exchange(t, s, "2")
	assert.Equal(t, "5.0", exchange(t, s, "W"))
	assert.Equal(t, "10.0", exchange(t, s, "W"))
}

func TestSimulatedTransport_ModesAndUnknown(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())

	assert.Equal(t, "P", exchange(t, s, "P"))
	assert.Equal(t, "p", exchange(t, s, "p"))
	assert.Equal(t, "s", exchange(t, s, "S"))
	s.SetStartButton(true)
	assert.Equal(t, "S", exchange(t, s, "S"))
	assert.Equal(t, "E", exchange(t, s, "X"))
}

func TestSimulatedTransport_NothingPendingTimesOut(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())
	_, err := s.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSimulatedTransport_PrefaceAndInjectedLines(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())

	s.InjectLines("Dboot")
	s.PrefaceNextResponse("Dvalve 4 moving", "Dflow 0")
	require.NoError(t, s.Write([]byte("4")))

	var lines []string
	for {
		line, err := s.ReadLine(time.Second)
		if errors.Is(err, ErrTimeout) {
			break
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"Dboot", "Dvalve 4 moving", "Dflow 0", "4"}, lines)
}

func TestSimulatedTransport_Faults(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())

	s.DropNextResponses(1)
	require.NoError(t, s.Write([]byte("V")))
	_, err := s.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrTimeout)

	boom := errors.New("usb unplugged")
	s.FailNextWrite(boom)
	assert.ErrorIs(t, s.Write([]byte("V")), boom)
	assert.NoError(t, s.Write([]byte("V")))

	s.SetOpenError(ErrDeviceNotFound)
	assert.ErrorIs(t, s.Open(), ErrDeviceNotFound)
	s.SetOpenError(nil)
	assert.NoError(t, s.Open())
}

func TestSimulatedTransport_Accounting(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())
	exchange(t, s, "V")
	exchange(t, s, "V")
	exchange(t, s, "W")
	require.NoError(t, s.Close())

	assert.Equal(t, 1, s.OpenCalls())
	assert.Equal(t, 1, s.CloseCalls())
	assert.Equal(t, []string{"V", "V", "W"}, s.Writes())
	assert.Equal(t, 2, s.CountWrites("V"))

	s.ClearWrites()
	assert.Empty(t, s.Writes())
}

func TestSimulatedTransport_OpenDiscardsStaleLines(t *testing.T) {
	s := NewSimulatedTransport()
	require.NoError(t, s.Open())
	s.InjectLines("stale")
	require.NoError(t, s.Close())
	require.NoError(t, s.Open())

	_, err := s.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}
