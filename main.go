package main

import (
	"embed"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"go.uber.org/zap"

	"esp32flasher/internal/config"
	"esp32flasher/internal/logger"
)

//go:embed all:frontend/dist
var assets embed.FS

type globalFlags struct {
	configPath string
	firmware   string
	tool       string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:          config.AppName,
		Short:        "Flash ESP32 firmware over USB serial and watch the device output",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closeLog, err := setup(flags, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()
			return runGUI(cfg, log)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultPath(), "path to config.yaml")
	pf.StringVar(&flags.firmware, "firmware", "", "firmware image to flash (overrides config)")
	pf.StringVar(&flags.tool, "tool", "", "flashing backend: esptool or native")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newTUICmd(&flags), newPortsCmd(&flags), newFlashCmd(&flags))
	return root
}

// setup loads the config (file, env, flags) and builds the process logger.
func setup(flags globalFlags, console io.Writer) (*config.Config, *zap.SugaredLogger, func() error, error) {
	cfg, err := config.Prepare(flags.configPath, config.Overrides{
		Firmware: flags.firmware,
		Backend:  flags.tool,
		LogLevel: flags.logLevel,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger, console)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	log.Infow("starting", "config", flags.configPath, "firmware", cfg.Firmware.Path, "backend", cfg.Tool.Backend)
	return cfg, log, closeLog, nil
}

func runGUI(cfg *config.Config, log *zap.SugaredLogger) error {
	app := NewApp(cfg, log)

	return wails.Run(&options.App{
		Title:  "ESP32 Flasher",
		Width:  650,
		Height: 800,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 102, G: 126, B: 234, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []any{
			app,
		},
	})
}
