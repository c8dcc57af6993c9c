package ports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"esp32flasher/internal/logchan"
)

// Probe defaults.
const (
	DefaultRetries = 3
	DefaultDelay   = 2 * time.Second
)

// Opener opens a serial port for exclusive use.
type Opener interface {
	Open(name string) (io.Closer, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(name string) (io.Closer, error)

func (f OpenerFunc) Open(name string) (io.Closer, error) { return f(name) }

// SerialOpener opens ports with go.bug.st/serial.
type SerialOpener struct {
	Baud int
}

// Open opens name at the configured baud rate.
func (o SerialOpener) Open(name string) (io.Closer, error) {
	baud := o.Baud
	if baud <= 0 {
		baud = 115200
	}
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// Prober checks that a port can be opened, retrying with a fixed delay.
type Prober struct {
	Opener  Opener
	Retries int
	Delay   time.Duration
	Log     logchan.Sink

	// Sleep waits between attempts. nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Probe opens and immediately closes name. It makes at most Retries attempts
// with Delay between consecutive attempts and returns ErrPortInaccessible
// once they are exhausted.
func (p *Prober) Probe(ctx context.Context, name string) error {
	retries := p.Retries
	if retries < 1 {
		retries = DefaultRetries
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Delay); err != nil {
				return err
			}
		}

		c, err := p.Opener.Open(name)
		if err == nil {
			_ = c.Close()
			return nil
		}
		lastErr = err
		p.Log.Linef("Attempt %d/%d: cannot open %s: %s", attempt, retries, name, describeOpenError(err))
	}

	return fmt.Errorf("%w: %s: %v", ErrPortInaccessible, name, lastErr)
}

// describeOpenError adds a hint when the port is held by another program.
func describeOpenError(err error) string {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortBusy, serial.PermissionDenied:
			return err.Error() + " (is another application using the port?)"
		}
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
