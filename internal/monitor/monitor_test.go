package monitor

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32flasher/internal/logchan"
)

var errPortClosed = errors.New("port has been closed")

type fakePort struct {
	chunks  chan []byte
	fail    chan error
	closed  chan struct{}
	closes  atomic.Int32
	timeout atomic.Int64
	once    sync.Once

	// configuring and release, when set, hold SetReadTimeout until the
	// test lets it return timeoutErr.
	configuring chan struct{}
	release     chan struct{}
	timeoutErr  error
}

func newFakePort() *fakePort {
	return &fakePort{
		chunks: make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	if p.configuring != nil {
		close(p.configuring)
		<-p.release
	}
	if p.timeoutErr != nil {
		return p.timeoutErr
	}
	p.timeout.Store(int64(t))
	return nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errPortClosed
	case err := <-p.fail:
		return 0, err
	case c := <-p.chunks:
		return copy(b, c), nil
	case <-time.After(time.Duration(p.timeout.Load())):
		return 0, nil
	}
}

func (p *fakePort) Close() error {
	p.closes.Add(1)
	p.once.Do(func() { close(p.closed) })
	return nil
}

func openerFor(p *fakePort) OpenFunc {
	return func(string, int) (Port, error) { return p, nil }
}

func lines(ch *logchan.Channel) []string {
	var out []string
	for _, e := range ch.Drain() {
		out = append(out, e.Text)
	}
	return out
}

func TestMonitorCleansLines(t *testing.T) {
	port := newFakePort()
	ch := logchan.New(nil)
	m := Start("COM5", 115200, ch, Options{Open: openerFor(port), ReadTimeout: 5 * time.Millisecond})

	port.chunks <- []byte("\x1b[0;32mI (31) boot: ESP-IDF\x1b[0m\r\n")
	port.chunks <- []byte("\x1b[0m\r\n\r\n")
	port.chunks <- []byte("Hello")
	port.chunks <- []byte(" World\n")
	port.chunks <- []byte{'o', 'k', 0xff, '\n'}

	require.Eventually(t, func() bool { return ch.Len() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Wait()

	assert.Equal(t, []string{"I (31) boot: ESP-IDF", "Hello World", "ok�"}, lines(ch))
	assert.False(t, m.Running())
	assert.Equal(t, int32(1), port.closes.Load())
}

func TestMonitorFlushesLongLine(t *testing.T) {
	port := newFakePort()
	ch := logchan.New(nil)
	m := Start("COM5", 115200, ch, Options{Open: openerFor(port), ReadTimeout: 5 * time.Millisecond})

	half := bytes.Repeat([]byte{'x'}, maxPending/2+100)
	port.chunks <- half
	port.chunks <- half

	require.Eventually(t, func() bool { return ch.Len() == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Wait()
}

func TestMonitorConcurrentStopClosesOnce(t *testing.T) {
	port := newFakePort()
	ch := logchan.New(nil)
	m := Start("COM5", 115200, ch, Options{Open: openerFor(port), ReadTimeout: 5 * time.Millisecond})

	require.Eventually(t, func() bool { return port.timeout.Load() > 0 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Stop()
		}()
	}
	wg.Wait()
	m.Wait()

	assert.Equal(t, int32(1), port.closes.Load())
	assert.Zero(t, ch.Len(), "stopping must not log a serial error")
}

func TestMonitorReadErrorIsLogged(t *testing.T) {
	port := newFakePort()
	ch := logchan.New(nil)
	m := Start("COM5", 115200, ch, Options{Open: openerFor(port), ReadTimeout: 5 * time.Millisecond})

	port.fail <- errors.New("device disconnected")
	m.Wait()

	assert.Equal(t, []string{"Serial error: device disconnected"}, lines(ch))
	assert.Equal(t, int32(1), port.closes.Load())
	m.Stop()
	assert.Equal(t, int32(1), port.closes.Load())
}

func TestMonitorOpenFailure(t *testing.T) {
	ch := logchan.New(nil)
	m := Start("COM9", 115200, ch, Options{Open: func(string, int) (Port, error) {
		return nil, errors.New("Serial port busy")
	}})
	m.Wait()

	assert.Equal(t, []string{"Serial error: Serial port busy"}, lines(ch))
	assert.Equal(t, "COM9", m.Name())
}

func TestMonitorConfigureErrorIsLogged(t *testing.T) {
	port := newFakePort()
	port.timeoutErr = errors.New("invalid timeout")
	ch := logchan.New(nil)

	m := Start("COM5", 115200, ch, Options{Open: openerFor(port)})
	m.Wait()

	assert.Equal(t, []string{"Serial error: invalid timeout"}, lines(ch))
	assert.Equal(t, int32(1), port.closes.Load())
}

func TestMonitorStoppedWhileConfiguringIsSilent(t *testing.T) {
	port := newFakePort()
	port.timeoutErr = errPortClosed
	port.configuring = make(chan struct{})
	port.release = make(chan struct{})
	ch := logchan.New(nil)

	m := Start("COM5", 115200, ch, Options{Open: openerFor(port)})
	<-port.configuring
	m.Stop()
	close(port.release)
	m.Wait()

	assert.Empty(t, lines(ch))
	assert.Equal(t, int32(1), port.closes.Load())
}
