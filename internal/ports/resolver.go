package ports

import (
	"context"
	"slices"
	"strings"

	"esp32flasher/internal/logchan"
)

// MatchPolicy decides whether a device is a known USB-serial bridge.
type MatchPolicy struct {
	Identifiers []string // case-sensitive substrings of the description
	IDs         []VIDPID
}

// Matches reports whether d's description contains any identifier or its
// VID:PID is on the allow-list.
func (p MatchPolicy) Matches(d Device) bool {
	for _, id := range p.Identifiers {
		if id != "" && strings.Contains(d.Description, id) {
			return true
		}
	}
	return d.HasID && slices.Contains(p.IDs, d.ID)
}

// Pick returns the first matching device in enumeration order.
func (p MatchPolicy) Pick(devices []Device) (Device, bool) {
	for _, d := range devices {
		if p.Matches(d) {
			return d, true
		}
	}
	return Device{}, false
}

// Selector asks the user to choose one of devices. It blocks until a choice
// is made or the prompt is dismissed (ok == false).
type Selector interface {
	SelectPort(ctx context.Context, devices []Device) (name string, ok bool)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, devices []Device) (string, bool)

func (f SelectorFunc) SelectPort(ctx context.Context, devices []Device) (string, bool) {
	return f(ctx, devices)
}

// Resolver picks the target port from an enumeration snapshot.
type Resolver struct {
	Policy   MatchPolicy
	Selector Selector
	Log      logchan.Sink
}

// Resolve returns the first device matching the policy, falling back to
// interactive selection when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, devices []Device) (string, error) {
	if len(devices) == 0 {
		r.Log.Line("No serial ports found.")
		return "", ErrNoPortsFound
	}

	for _, d := range devices {
		r.Log.Line(d.String())
	}

	if d, ok := r.Policy.Pick(devices); ok {
		r.Log.Linef("Using port: %s", d.Name)
		return d.Name, nil
	}

	r.Log.Line("No CH340/USB Serial port found. Prompting for port selection...")
	name, err := r.Select(ctx, devices)
	if err != nil {
		return "", err
	}
	r.Log.Linef("Using port: %s", name)
	return name, nil
}

// Select runs the interactive prompt once over devices.
func (r *Resolver) Select(ctx context.Context, devices []Device) (string, error) {
	if r.Selector == nil {
		r.Log.Line("No port selected. Aborting.")
		return "", ErrNoSelectionMade
	}
	name, ok := r.Selector.SelectPort(ctx, devices)
	if !ok || name == "" {
		r.Log.Line("No port selected. Aborting.")
		return "", ErrNoSelectionMade
	}
	return name, nil
}
