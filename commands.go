package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"esp32flasher/internal/console"
	"esp32flasher/internal/controller"
	"esp32flasher/internal/logchan"
	"esp32flasher/internal/logger"
	"esp32flasher/internal/tui"
)

func newTUICmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Run the terminal front end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The terminal belongs to the UI; process logs go to the file only.
			cfg, log, closeLog, err := setup(*flags, nil)
			if err != nil {
				return err
			}
			defer closeLog()

			sel := tui.NewSelector()
			ctrl := controller.New(controller.Options{
				Config:   cfg,
				Log:      logchan.New(logger.Mirror(log)),
				Logger:   log,
				Selector: sel,
			})
			return tui.Run(ctrl, sel, cfg.Display.Tick, cfg.Firmware.Path)
		},
	}
}

func newPortsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and show which one would be used",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closeLog, err := setup(*flags, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			ctrl := controller.New(controller.Options{Config: cfg, Logger: log})
			defer ctrl.Close()

			infos, err := ctrl.Ports(cmd.Context())
			if err != nil {
				return fmt.Errorf("list ports: %w", err)
			}
			return console.PrintPorts(cmd.OutOrStdout(), infos)
		},
	}
}

func newFlashCmd(flags *globalFlags) *cobra.Command {
	var noMonitor bool

	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Flash without a UI, then stream the serial monitor until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closeLog, err := setup(*flags, nil)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			ctrl := controller.New(controller.Options{
				Config:   cfg,
				Log:      logchan.New(logger.Mirror(log)),
				Logger:   log,
				Selector: &console.Selector{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()},
			})
			defer ctrl.Close()

			if err := ctrl.StartFlash(); err != nil {
				return err
			}
			return console.Run(ctx, ctrl, cmd.OutOrStdout(), cfg.Display.Tick, !noMonitor)
		},
	}
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "exit after flashing instead of streaming the serial output")
	return cmd
}
