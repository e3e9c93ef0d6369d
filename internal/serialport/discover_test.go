package serialport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticPorts(ports ...string) PortLister {
	return func() ([]string, error) { return ports, nil }
}

func TestSelect_PicksLexicographicallyLast(t *testing.T) {
	list := staticPorts("/dev/ttyUSB1", "/dev/ttyS0", "/dev/ttyUSB3", "/dev/ttyUSB0")

	got, err := Select("/dev/ttyUSB*", list)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", got)
}

func TestSelect_DefaultGlob(t *testing.T) {
	got, err := Select("", staticPorts("/dev/ttyACM0", "/dev/ttyUSB0"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", got)
}

func TestSelect_NoDevice(t *testing.T) {
	_, err := Select("/dev/ttyUSB*", staticPorts("/dev/ttyS0"))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSelect_ListError(t *testing.T) {
	boom := errors.New("sysfs unavailable")
	_, err := Select("", func() ([]string, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestCandidates_BadGlob(t *testing.T) {
	_, err := Candidates("[", staticPorts("/dev/ttyUSB0"))
	assert.Error(t, err)
}

func TestUSBID(t *testing.T) {
	details := func() ([]PortDetail, error) {
		return []PortDetail{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523"},
		}, nil
	}

	id, err := USBID("/dev/ttyUSB0", details)
	require.NoError(t, err)
	assert.Equal(t, "1a86:7523", id)

	_, err = USBID("/dev/ttyS0", details)
	assert.Error(t, err)

	_, err = USBID("/dev/ttyUSB9", details)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
