// Package gui connects the controller to the Wails frontend through events.
// It does not import Wails; the caller supplies the emitter.
package gui

import (
	"context"
	"sync"
	"time"

	"esp32flasher/internal/logchan"
	"esp32flasher/internal/ports"
)

// Events sent to the frontend.
const (
	EventLog        = "flash-log"
	EventStatus     = "flash-status"
	EventTrigger    = "flash-trigger"
	EventPortSelect = "port-select"
	EventMonitorEnd = "monitor-stop"
)

// Emitter sends one event to the frontend.
type Emitter func(name string, data ...any)

// PortView is a serial device as the frontend sees it.
type PortView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	VIDPID      string `json:"vidPid"`
	Matches     bool   `json:"matches"`
	Selected    bool   `json:"selected"`
}

func ToPortView(d ports.Device) PortView {
	return PortView{Name: d.Name, Description: d.Description, VIDPID: d.IDString()}
}

// Pump forwards log channel entries as events every tick.
type Pump struct {
	ch   *logchan.Channel
	emit Emitter
	tick time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewPump(ch *logchan.Channel, emit Emitter, tick time.Duration) *Pump {
	return &Pump{ch: ch, emit: emit, tick: tick, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start launches the forwarding goroutine.
func (p *Pump) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()
		for {
			p.Forward(p.ch.Drain())
			select {
			case <-p.stop:
				p.Forward(p.ch.Drain())
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the goroutine after a final flush and waits for it.
func (p *Pump) Stop() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

// Forward emits entries in order.
func (p *Pump) Forward(entries []logchan.Entry) {
	for _, e := range entries {
		switch e.Kind {
		case logchan.KindLine:
			p.emit(EventLog, e.Text)
		case logchan.KindStatus:
			p.emit(EventStatus, e.Text)
		case logchan.KindTrigger:
			p.emit(EventTrigger, e.Enabled)
		}
	}
}

type selection struct {
	name string
	ok   bool
}

// Selector turns a prompt from the session worker into a port-select event
// and waits for Answer.
type Selector struct {
	emit Emitter

	mu      sync.Mutex
	pending chan selection
}

func NewSelector(emit Emitter) *Selector {
	return &Selector{emit: emit}
}

func (s *Selector) SelectPort(ctx context.Context, devices []ports.Device) (string, bool) {
	reply := make(chan selection, 1)
	s.mu.Lock()
	s.pending = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending == reply {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	views := make([]PortView, 0, len(devices))
	for _, d := range devices {
		views = append(views, ToPortView(d))
	}
	s.emit(EventPortSelect, views)

	select {
	case r := <-reply:
		return r.name, r.ok
	case <-ctx.Done():
		return "", false
	}
}

// Answer resolves the pending prompt, if any. An empty name dismisses it.
func (s *Selector) Answer(name string) {
	s.mu.Lock()
	reply := s.pending
	s.pending = nil
	s.mu.Unlock()
	if reply != nil {
		reply <- selection{name: name, ok: name != ""}
	}
}
