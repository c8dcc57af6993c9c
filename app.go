package main

import (
	"context"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"esp32flasher/internal/config"
	"esp32flasher/internal/controller"
	"esp32flasher/internal/gui"
	"esp32flasher/internal/logchan"
	"esp32flasher/internal/logger"
)

// App is bound to the Wails frontend.
type App struct {
	ctx  context.Context
	cfg  *config.Config
	log  *zap.SugaredLogger
	ctrl *controller.Controller
	sel  *gui.Selector
	pump *gui.Pump
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config, log *zap.SugaredLogger) *App {
	return &App{cfg: cfg, log: log.Named("gui")}
}

func (a *App) emit(name string, data ...any) {
	runtime.EventsEmit(a.ctx, name, data...)
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.sel = gui.NewSelector(a.emit)
	a.ctrl = controller.New(controller.Options{
		Config:   a.cfg,
		Log:      logchan.New(logger.Mirror(a.log)),
		Logger:   a.log,
		Selector: a.sel,
	})
	a.pump = gui.NewPump(a.ctrl.Channel(), a.emit, a.cfg.Display.Tick)
	a.pump.Start()
}

// shutdown closes the controller (monitor, pending prompt, session worker),
// then flushes the last entries.
func (a *App) shutdown(context.Context) {
	if a.ctrl == nil {
		return
	}
	a.ctrl.Close()
	a.pump.Stop()
}

// StartFlash begins a flash session with the configured firmware.
func (a *App) StartFlash() error {
	return a.ctrl.StartFlash()
}

// StopMonitor closes the serial monitor so the port can be used elsewhere.
func (a *App) StopMonitor() {
	if a.ctrl.Monitor() == nil {
		return
	}
	a.ctrl.StopMonitor()
	a.emit(gui.EventMonitorEnd, "")
}

// Firmware returns the image path shown in the window.
func (a *App) Firmware() string {
	return a.cfg.Firmware.Path
}

// ListPorts returns the attached serial devices with the auto-detection
// verdict.
func (a *App) ListPorts() ([]gui.PortView, error) {
	infos, err := a.ctrl.Ports(a.ctx)
	if err != nil {
		return nil, err
	}
	out := make([]gui.PortView, 0, len(infos))
	for _, info := range infos {
		v := gui.ToPortView(info.Device)
		v.Matches = info.Matches
		v.Selected = info.Selected
		out = append(out, v)
	}
	return out, nil
}

// SelectPort answers a pending port-select prompt.
func (a *App) SelectPort(name string) {
	a.sel.Answer(name)
}

// CancelPortSelection dismisses a pending port-select prompt.
func (a *App) CancelPortSelection() {
	a.sel.Answer("")
}
