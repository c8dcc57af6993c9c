// Package controller owns the flashing lifecycle shared by the GUI, the TUI
// and the headless command: one session at a time, the post-flash monitor,
// and orderly shutdown.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"esp32flasher/internal/config"
	"esp32flasher/internal/esptool"
	"esp32flasher/internal/flash"
	"esp32flasher/internal/logchan"
	"esp32flasher/internal/monitor"
	"esp32flasher/internal/ports"
)

var (
	ErrBusy   = errors.New("a flash session is already running")
	ErrClosed = errors.New("controller is closed")
)

// Options wires the controller to its collaborators. Nil fields use the
// real serial port implementations.
type Options struct {
	Config   *config.Config
	Log      *logchan.Channel
	Logger   *zap.SugaredLogger
	Selector ports.Selector

	Enumerator  ports.Enumerator
	Opener      ports.Opener
	Tool        esptool.Tool
	MonitorOpen monitor.OpenFunc
	ProbeSleep  func(ctx context.Context, d time.Duration) error
}

// Controller serialises flash sessions and hands the port to the monitor.
type Controller struct {
	cfg  *config.Config
	ch   *logchan.Channel
	log  *zap.SugaredLogger
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	busy   *atomic.Bool

	mu     sync.Mutex
	mon    *monitor.Monitor
	closed bool
}

// New builds a controller and announces the idle state on the channel.
func New(opts Options) *Controller {
	if opts.Config == nil {
		opts.Config = config.Defaults()
	}
	if opts.Log == nil {
		opts.Log = logchan.New(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Enumerator == nil {
		opts.Enumerator = ports.SystemEnumerator{}
	}
	if opts.Opener == nil {
		opts.Opener = ports.SerialOpener{Baud: opts.Config.Monitor.Baud}
	}
	if opts.Tool == nil {
		opts.Tool = NewTool(opts.Config, opts.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    opts.Config,
		ch:     opts.Log,
		log:    opts.Logger.Named("controller"),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		busy:   atomic.NewBool(false),
	}
	c.ch.Status(flash.StatusIdle)
	c.ch.Trigger(true)
	return c
}

// NewTool builds the flashing backend selected in cfg.
func NewTool(cfg *config.Config, log *zap.SugaredLogger) esptool.Tool {
	if cfg.Tool.Backend == config.BackendNative {
		return esptool.NewNative(cfg.Firmware.FlashSizeMB, log.Named("native"))
	}
	return esptool.NewSubprocess(cfg.Tool.Command, log.Named("esptool"))
}

// Channel is the log channel the front ends drain.
func (c *Controller) Channel() *logchan.Channel { return c.ch }

// Busy reports whether a session is running.
func (c *Controller) Busy() bool { return c.busy.Load() }

// StartFlash begins a session on a worker goroutine and returns at once.
func (c *Controller) StartFlash() error {
	// Holding mu orders the worker's registration before Close waits.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	c.ch.Trigger(false)
	c.ch.Status(flash.StatusBusy)

	c.group.Go(func() error {
		defer func() {
			c.busy.Store(false)
			c.ch.Trigger(true)
		}()

		// The previous monitor still owns the port; release it first.
		c.StopMonitor()

		s := c.runner().Run(c.ctx)
		c.log.Debugw("session ended", "session", s.ID.String(), "phase", s.Phase().String())
		return nil
	})
	return nil
}

// Wait blocks until the running session, if any, has finished.
func (c *Controller) Wait() {
	_ = c.group.Wait()
}

// Monitor returns the active monitor or nil.
func (c *Controller) Monitor() *monitor.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mon
}

// StopMonitor stops the active monitor and waits until its port is closed.
func (c *Controller) StopMonitor() {
	c.mu.Lock()
	m := c.mon
	c.mon = nil
	c.mu.Unlock()

	if m != nil {
		m.Stop()
		m.Wait()
		c.log.Debugw("monitor closed", "port", m.Name())
	}
}

// Close stops the monitor, cancels a pending prompt or tool run and waits
// for the session worker to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.StopMonitor()
	c.Wait()
	// A session finishing during shutdown cannot start a monitor, but one
	// started just before cancel may still be registered.
	c.StopMonitor()
}

// Ports lists the attached devices and marks the ones the match policy
// would pick.
func (c *Controller) Ports(ctx context.Context) ([]PortInfo, error) {
	devices, err := c.opts.Enumerator.Devices(ctx)
	if err != nil {
		return nil, err
	}
	policy := c.cfg.MatchPolicy()
	chosen, ok := policy.Pick(devices)

	out := make([]PortInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, PortInfo{
			Device:   d,
			Matches:  policy.Matches(d),
			Selected: ok && d.Name == chosen.Name,
		})
	}
	return out, nil
}

// PortInfo is one enumerated device with the auto-detection verdict.
type PortInfo struct {
	Device   ports.Device
	Matches  bool
	Selected bool
}

func (c *Controller) startMonitor(port string, baud int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.mon = monitor.Start(port, baud, c.ch, monitor.Options{
		Open:        c.opts.MonitorOpen,
		ReadTimeout: c.cfg.Monitor.ReadTimeout,
		Log:         c.log.Named("monitor"),
	})
}

func (c *Controller) runner() *flash.Runner {
	cfg := c.cfg
	resolver := &ports.Resolver{
		Policy:   cfg.MatchPolicy(),
		Selector: c.opts.Selector,
		Log:      c.ch,
	}
	return &flash.Runner{
		Enumerator: c.opts.Enumerator,
		Resolver:   resolver,
		Prober: &ports.Prober{
			Opener:  c.opts.Opener,
			Retries: cfg.Ports.ProbeRetries,
			Delay:   cfg.Ports.ProbeDelay,
			Log:     c.ch,
			Sleep:   c.opts.ProbeSleep,
		},
		Tool:         c.opts.Tool,
		StartMonitor: c.startMonitor,
		Log:          c.ch,
		Logger:       c.log.Named("session"),
		Chip:         cfg.Firmware.Chip,
		Firmware:     cfg.Firmware.Path,
		EraseBaud:    cfg.Firmware.EraseBaud,
		FlashBaud:    cfg.Firmware.FlashBaud,
		MonitorBaud:  cfg.Monitor.Baud,
	}
}
