// Package monitor streams a device's serial output into the log channel
// after flashing.
package monitor

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"esp32flasher/internal/logchan"
	"esp32flasher/internal/textclean"
)

const (
	DefaultReadTimeout = 100 * time.Millisecond

	// A device that never sends a newline still gets its output shown.
	maxPending = 1024
)

// Port is the part of serial.Port the monitor reads from.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// OpenFunc opens a port for monitoring.
type OpenFunc func(name string, baud int) (Port, error)

// OpenSerial opens name at baud, 8N1.
func OpenSerial(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
}

// Options tune a monitor. Zero values use the serial opener and
// DefaultReadTimeout.
type Options struct {
	Open        OpenFunc
	ReadTimeout time.Duration
	Log         *zap.SugaredLogger
}

// Monitor reads one port until stopped or until the port fails.
type Monitor struct {
	name        string
	baud        int
	open        OpenFunc
	readTimeout time.Duration
	sink        logchan.Sink
	log         *zap.SugaredLogger

	running   *atomic.Bool
	mu        sync.Mutex
	port      Port
	closeOnce sync.Once
	done      chan struct{}
}

// Start launches the reader goroutine and returns immediately. Opening the
// port happens inside the goroutine; a failure is reported as a serial error
// line.
func Start(name string, baud int, sink logchan.Sink, opts Options) *Monitor {
	m := &Monitor{
		name:        name,
		baud:        baud,
		open:        opts.Open,
		readTimeout: opts.ReadTimeout,
		sink:        sink,
		log:         opts.Log,
		running:     atomic.NewBool(true),
		done:        make(chan struct{}),
	}
	if m.open == nil {
		m.open = OpenSerial
	}
	if m.readTimeout <= 0 {
		m.readTimeout = DefaultReadTimeout
	}
	if m.log == nil {
		m.log = zap.NewNop().Sugar()
	}

	go m.run()
	return m
}

// Name is the monitored port.
func (m *Monitor) Name() string { return m.name }

// Running reports whether the reader loop is still active.
func (m *Monitor) Running() bool {
	select {
	case <-m.done:
		return false
	default:
		return m.running.Load()
	}
}

// Stop asks the reader to exit and closes the port. It is safe to call from
// several goroutines and more than once.
func (m *Monitor) Stop() {
	m.running.Store(false)
	m.closePort()
}

// Wait blocks until the reader goroutine has exited and the port is closed.
func (m *Monitor) Wait() {
	<-m.done
}

// Done is closed when the reader goroutine exits.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) closePort() {
	m.mu.Lock()
	p := m.port
	m.mu.Unlock()
	if p == nil {
		return
	}
	m.closeOnce.Do(func() {
		if err := p.Close(); err != nil {
			m.log.Debugw("close monitor port", "port", m.name, "error", err)
		}
	})
}

func (m *Monitor) run() {
	defer close(m.done)
	defer m.closePort()

	p, err := m.open(m.name, m.baud)
	if err != nil {
		if m.running.Load() {
			m.sink.Line(fmt.Sprintf("Serial error: %v", err))
		}
		return
	}

	m.mu.Lock()
	m.port = p
	m.mu.Unlock()
	if !m.running.Load() {
		return
	}

	if err := p.SetReadTimeout(m.readTimeout); err != nil {
		if m.running.Load() {
			m.sink.Line(fmt.Sprintf("Serial error: %v", err))
		}
		return
	}
	m.log.Debugw("monitor started", "port", m.name, "baud", m.baud)

	var pending []byte
	buf := make([]byte, 1024)
	for m.running.Load() {
		n, err := p.Read(buf)
		if err != nil {
			// A read failing because Stop closed the port is not an error.
			if m.running.Load() {
				m.sink.Line(fmt.Sprintf("Serial error: %v", err))
			}
			break
		}
		if n == 0 {
			continue
		}
		pending = m.emitLines(append(pending, buf[:n]...))
	}
	m.log.Debugw("monitor stopped", "port", m.name)
}

// emitLines sends every complete line in data and returns the remainder.
func (m *Monitor) emitLines(data []byte) []byte {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		m.emit(data[:i])
		data = data[i+1:]
	}
	if len(data) > maxPending {
		m.emit(data)
		return nil
	}
	// Copy so the backing array does not grow without bound.
	return append([]byte(nil), data...)
}

func (m *Monitor) emit(raw []byte) {
	if line := textclean.Bytes(raw); line != "" {
		m.sink.Line(line)
	}
}
