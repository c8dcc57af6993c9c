// Package ports discovers the target serial device and checks that it can be
// opened.
package ports

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
)

var (
	ErrNoPortsFound     = errors.New("no serial ports found")
	ErrNoSelectionMade  = errors.New("no port selected")
	ErrPortInaccessible = errors.New("port inaccessible")
)

// VIDPID is a USB vendor/product ID pair.
type VIDPID struct {
	VID uint16
	PID uint16
}

func (v VIDPID) String() string {
	return fmt.Sprintf("%04X:%04X", v.VID, v.PID)
}

// ParseVIDPID parses "1A86:7523" (hex, case-insensitive, optional 0x).
func ParseVIDPID(s string) (VIDPID, error) {
	vid, pid, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return VIDPID{}, fmt.Errorf("%q is not VID:PID", s)
	}
	v, err := parseHex16(vid)
	if err != nil {
		return VIDPID{}, fmt.Errorf("%q: vendor id: %w", s, err)
	}
	p, err := parseHex16(pid)
	if err != nil {
		return VIDPID{}, fmt.Errorf("%q: product id: %w", s, err)
	}
	return VIDPID{VID: v, PID: p}, nil
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// Device is a snapshot of one attached serial port taken at enumeration time.
type Device struct {
	Name        string // e.g. "COM5", "/dev/ttyUSB0"
	Description string
	ID          VIDPID
	HasID       bool // false for non-USB ports
}

// IDString renders the VID:PID pair for log lines.
func (d Device) IDString() string {
	if !d.HasID {
		return "None:None"
	}
	return d.ID.String()
}

func (d Device) String() string {
	return fmt.Sprintf("Port: %s, Description: %s, VID:PID: %s", d.Name, d.Description, d.IDString())
}

// Enumerator lists the currently attached serial devices.
type Enumerator interface {
	Devices(ctx context.Context) ([]Device, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func(ctx context.Context) ([]Device, error)

func (f EnumeratorFunc) Devices(ctx context.Context) ([]Device, error) { return f(ctx) }

// SystemEnumerator lists ports through the OS serial driver.
type SystemEnumerator struct{}

// Devices returns the attached ports in OS order.
func (SystemEnumerator) Devices(ctx context.Context) ([]Device, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	devices := make([]Device, 0, len(details))
	for _, d := range details {
		devices = append(devices, fromDetails(d))
	}
	return devices, nil
}

func fromDetails(d *enumerator.PortDetails) Device {
	dev := Device{Name: d.Name, Description: strings.TrimSpace(d.Product)}
	if dev.Description == "" {
		dev.Description = "n/a"
	}
	if d.IsUSB {
		vid, verr := parseHex16(d.VID)
		pid, perr := parseHex16(d.PID)
		if verr == nil && perr == nil {
			dev.ID = VIDPID{VID: vid, PID: pid}
			dev.HasID = true
		}
	}
	return dev
}
