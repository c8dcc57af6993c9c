package flash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"esp32flasher/internal/esptool"
	"esp32flasher/internal/logchan"
	"esp32flasher/internal/ports"
)

// MonitorStarter spawns the serial monitor on port. It must not block on I/O;
// failures are reported by the monitor itself.
type MonitorStarter func(port string, baud int)

// Runner holds everything one session needs.
type Runner struct {
	Enumerator   ports.Enumerator
	Resolver     *ports.Resolver
	Prober       *ports.Prober
	Tool         esptool.Tool
	StartMonitor MonitorStarter
	Log          logchan.Sink
	Logger       *zap.SugaredLogger

	Chip        string
	Firmware    string
	Address     uint32
	EraseBaud   int
	FlashBaud   int
	MonitorBaud int
}

// Run executes a full session and returns it in a terminal phase. The final
// status text is pushed to the log channel on every path, panics included.
func (r *Runner) Run(ctx context.Context) (s *Session) {
	s = &Session{
		ID:          newID(),
		Firmware:    r.Firmware,
		EraseBaud:   r.EraseBaud,
		FlashBaud:   r.FlashBaud,
		MonitorBaud: r.MonitorBaud,
		StartedAt:   time.Now(),
	}
	log := r.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("session", s.ID.String())

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorw("flash session panicked", "panic", rec)
			r.failed(s, Unexpected("%v", rec))
		}
		log.Infow("flash session finished",
			"phase", s.Phase().String(), "port", s.Port, "elapsed", time.Since(s.StartedAt), "error", s.Err())
	}()

	if err := r.run(ctx, s, log); err != nil {
		r.failed(s, err)
	}
	return s
}

func (r *Runner) run(ctx context.Context, s *Session, log *zap.SugaredLogger) error {
	step := func(p Phase) error {
		if err := s.advance(p); err != nil {
			return Unexpected("%v", err)
		}
		log.Debugw("phase", "phase", p.String(), "port", s.Port)
		return nil
	}

	if err := step(PhasePortResolving); err != nil {
		return err
	}
	devices, err := r.Enumerator.Devices(ctx)
	if err != nil {
		return Unexpected("%v", err)
	}
	port, err := r.Resolver.Resolve(ctx, devices)
	if err != nil {
		return err
	}
	s.Port = port

	if err := step(PhasePortValidating); err != nil {
		return err
	}
	if port, err = r.validate(ctx, port, devices); err != nil {
		return err
	}
	s.Port = port

	if _, err := os.Stat(r.Firmware); err != nil {
		return Unexpected("firmware image not found: %s", r.Firmware)
	}

	if err := step(PhaseErasing); err != nil {
		return err
	}
	r.Log.Line("Erasing flash memory...")
	erase := esptool.Command{Chip: r.Chip, Port: port, Baud: r.EraseBaud, Operation: esptool.OpEraseFlash}
	if err := r.Tool.Run(ctx, erase, r.Log.Line); err != nil {
		log.Warnw("erase failed", "port", port, "error", err)
		r.Log.Line("Erase failed.")
		return fmt.Errorf("%w: %v", ErrEraseFailed, err)
	}

	if err := step(PhaseWriting); err != nil {
		return err
	}
	r.Log.Line("Writing flash memory...")
	write := esptool.Command{
		Chip:      r.Chip,
		Port:      port,
		Baud:      r.FlashBaud,
		Operation: esptool.OpWriteFlash,
		Address:   r.Address,
		Image:     r.Firmware,
	}
	if err := r.Tool.Run(ctx, write, r.Log.Line); err != nil {
		log.Warnw("write failed", "port", port, "error", err)
		r.Log.Line("Write failed.")
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	r.Log.Line("Done flashing.")
	r.Log.Status(StatusDone)

	if err := step(PhaseMonitorStarting); err != nil {
		return err
	}
	r.Log.Linef("Opening serial port %s at %d baud...", port, r.MonitorBaud)
	if r.StartMonitor != nil {
		r.StartMonitor(port, r.MonitorBaud)
	}
	return step(PhaseDone)
}

// validate probes port. On failure it offers one re-selection from the same
// device snapshot and probes the new choice once more.
func (r *Runner) validate(ctx context.Context, port string, devices []ports.Device) (string, error) {
	err := r.Prober.Probe(ctx, port)
	if err == nil {
		return port, nil
	}
	if !errors.Is(err, ports.ErrPortInaccessible) {
		return "", Unexpected("%v", err)
	}

	r.Log.Linef("Could not access %s. Prompting for port selection...", port)
	port, err = r.Resolver.Select(ctx, devices)
	if err != nil {
		return "", err
	}
	if err := r.Prober.Probe(ctx, port); err != nil {
		if !errors.Is(err, ports.ErrPortInaccessible) {
			return "", Unexpected("%v", err)
		}
		r.Log.Linef("Could not access %s. Aborting.", port)
		return "", err
	}
	return port, nil
}

func (r *Runner) failed(s *Session, err error) {
	if s.Phase().Terminal() {
		return
	}
	s.fail(err)
	if errors.Is(err, ErrUnexpected) {
		r.Log.Linef("Error: %v", err)
	}
	r.Log.Status(StatusFor(err))
}
