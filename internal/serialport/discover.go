package serialport

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultDeviceGlob matches the USB serial adapter the controller board
// enumerates as.
const DefaultDeviceGlob = "/dev/ttyUSB*"

// SystemPorts lists serial device paths known to the operating system.
func SystemPorts() ([]string, error) {
	return serial.GetPortsList()
}

// Candidates returns the ports matching glob, sorted lexicographically.
func Candidates(glob string, list PortLister) ([]string, error) {
	if glob == "" {
		glob = DefaultDeviceGlob
	}
	if list == nil {
		list = SystemPorts
	}
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	var matched []string
	for _, p := range ports {
		ok, err := filepath.Match(glob, p)
		if err != nil {
			return nil, fmt.Errorf("invalid device glob %q: %w", glob, err)
		}
		if ok {
			matched = append(matched, p)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// Select picks the device to open: the lexicographically last candidate,
// which after a USB reset is the most recently enumerated node.
func Select(glob string, list PortLister) (string, error) {
	candidates, err := Candidates(glob, list)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: nothing matches %s", ErrDeviceNotFound, glob)
	}
	return candidates[len(candidates)-1], nil
}

// PortDetail describes a serial port as reported by the USB enumerator.
type PortDetail struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// DescribePorts returns enumerator details for every serial port present.
func DescribePorts() ([]PortDetail, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	details := make([]PortDetail, 0, len(ports))
	for _, p := range ports {
		details = append(details, PortDetail{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
	return details, nil
}

// USBID returns the "vid:pid" pair of the USB adapter behind device, the
// form usbreset accepts. details defaults to DescribePorts.
func USBID(device string, details func() ([]PortDetail, error)) (string, error) {
	if details == nil {
		details = DescribePorts
	}
	ports, err := details()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.Name != device {
			continue
		}
		if !p.IsUSB || p.VID == "" || p.PID == "" {
			return "", fmt.Errorf("%s is not a USB device", device)
		}
		return p.VID + ":" + p.PID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
}
