package tui

import (
	"context"

	"esp32flasher/internal/ports"
)

type selectReply struct {
	name string
	ok   bool
}

type selectRequest struct {
	devices []ports.Device
	reply   chan selectReply
}

// Selector hands port prompts from the session worker to the TUI model.
type Selector struct {
	requests chan selectRequest
}

func NewSelector() *Selector {
	return &Selector{requests: make(chan selectRequest)}
}

// SelectPort blocks until the user picks a port, dismisses the picker or ctx
// is cancelled.
func (s *Selector) SelectPort(ctx context.Context, devices []ports.Device) (string, bool) {
	req := selectRequest{devices: devices, reply: make(chan selectReply, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return "", false
	}
	select {
	case r := <-req.reply:
		return r.name, r.ok
	case <-ctx.Done():
		return "", false
	}
}

// pending returns a waiting request without blocking.
func (s *Selector) pending() (selectRequest, bool) {
	select {
	case req := <-s.requests:
		return req, true
	default:
		return selectRequest{}, false
	}
}
