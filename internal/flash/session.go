// Package flash runs one flashing session: resolve the port, check it can be
// opened, erase, write and hand the port to the serial monitor.
package flash

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"esp32flasher/internal/ports"
)

// Phase is the position of a session in the flashing sequence.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePortResolving
	PhasePortValidating
	PhaseErasing
	PhaseWriting
	PhaseMonitorStarting
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePortResolving:
		return "port-resolving"
	case PhasePortValidating:
		return "port-validating"
	case PhaseErasing:
		return "erasing"
	case PhaseWriting:
		return "writing"
	case PhaseMonitorStarting:
		return "monitor-starting"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

var (
	ErrEraseFailed = errors.New("erase failed")
	ErrWriteFailed = errors.New("write failed")
	ErrUnexpected  = errors.New("unexpected error")
)

// UnexpectedError wraps a failure outside the known taxonomy. Its message is
// shown to the user as is.
type UnexpectedError struct {
	Msg string
}

func (e *UnexpectedError) Error() string { return e.Msg }

func (e *UnexpectedError) Is(target error) bool { return target == ErrUnexpected }

// Unexpected builds an UnexpectedError from a formatted message.
func Unexpected(format string, args ...any) error {
	return &UnexpectedError{Msg: fmt.Sprintf(format, args...)}
}

// Status texts shown next to the flash trigger.
const (
	StatusIdle           = "Listo"
	StatusBusy           = "Instalando..."
	StatusDone           = "Instalacion terminada."
	StatusNoPorts        = "Error: No ports"
	StatusNoSelection    = "Error: No port selected"
	StatusInaccessible   = "Error: Port inaccessible"
	StatusEraseFailed    = "Error: Erase failed"
	StatusWriteFailed    = "Error: Write failed"
	StatusUnexpectedFail = "Error occurred"
)

// StatusFor maps a session error to its status text. nil means success.
func StatusFor(err error) string {
	switch {
	case err == nil:
		return StatusDone
	case errors.Is(err, ports.ErrNoPortsFound):
		return StatusNoPorts
	case errors.Is(err, ports.ErrNoSelectionMade):
		return StatusNoSelection
	case errors.Is(err, ports.ErrPortInaccessible):
		return StatusInaccessible
	case errors.Is(err, ErrEraseFailed):
		return StatusEraseFailed
	case errors.Is(err, ErrWriteFailed):
		return StatusWriteFailed
	default:
		return StatusUnexpectedFail
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Session is the state of one flashing run. It lives only for the duration
// of that run.
type Session struct {
	ID          ulid.ULID
	Port        string
	Firmware    string
	EraseBaud   int
	FlashBaud   int
	MonitorBaud int
	StartedAt   time.Time

	phase Phase
	err   error
}

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// Err is the failure reason once the session is in PhaseFailed.
func (s *Session) Err() error { return s.err }

// advance moves to next. Phases only move forward and never leave a
// terminal phase.
func (s *Session) advance(next Phase) error {
	if s.phase.Terminal() || next <= s.phase {
		return fmt.Errorf("invalid phase transition %s -> %s", s.phase, next)
	}
	s.phase = next
	return nil
}

func (s *Session) fail(err error) {
	if s.phase.Terminal() {
		return
	}
	s.phase = PhaseFailed
	s.err = err
}
