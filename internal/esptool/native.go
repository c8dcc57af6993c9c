package esptool

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// OpenFunc opens a serial port for the ROM loader.
type OpenFunc func(name string, baud int) (Port, error)

// OpenSerial opens name with go.bug.st/serial at 8N1.
func OpenSerial(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
}

// Native flashes through the ESP32 ROM loader without an external tool.
// Erase is done with FLASH_BEGIN over the whole flash, since the ROM has no
// chip-erase command.
type Native struct {
	Open        OpenFunc
	FlashSizeMB int
	Sleep       func(time.Duration)
	Log         *zap.SugaredLogger
}

// NewNative returns a Native backend on real serial ports.
func NewNative(flashSizeMB int, log *zap.SugaredLogger) *Native {
	return &Native{Open: OpenSerial, FlashSizeMB: flashSizeMB, Log: log}
}

func (n *Native) Run(ctx context.Context, c Command, out LineFunc) error {
	if out == nil {
		out = func(string) {}
	}
	want, err := ParseChip(c.Chip)
	if err != nil {
		return err
	}
	if c.Operation != OpEraseFlash && c.Operation != OpWriteFlash {
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, c.Operation)
	}

	var image []byte
	if c.Operation == OpWriteFlash {
		if image, err = os.ReadFile(c.Image); err != nil {
			return fmt.Errorf("read image: %w", err)
		}
	}

	open := n.Open
	if open == nil {
		open = OpenSerial
	}
	port, err := open(c.Port, romBaud)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.Port, err)
	}
	defer port.Close()

	rom := newROMClient(port, out, n.Sleep)
	if err := rom.enterBootloader(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	chip, err := rom.detectChip()
	if err != nil {
		return err
	}
	out("Chip is " + chip.String())
	if chip != want {
		return fmt.Errorf("chip mismatch: expected %s, found %s", want, chip)
	}
	if n.Log != nil {
		n.Log.Debugw("rom loader connected", "port", c.Port, "chip", chip.String())
	}

	if c.Baud > 0 && c.Baud != romBaud {
		out(fmt.Sprintf("Changing baud rate to %d", c.Baud))
		if err := rom.changeBaud(c.Baud); err != nil {
			return fmt.Errorf("change baud rate: %w", err)
		}
	}
	if err := rom.spiAttach(); err != nil {
		return fmt.Errorf("attach spi flash: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch c.Operation {
	case OpEraseFlash:
		return n.erase(rom, out)
	default:
		if err := rom.writeImage(ctx, image, c.Address); err != nil {
			return err
		}
		return rom.hardReset()
	}
}

func (n *Native) erase(rom *romClient, out LineFunc) error {
	size := n.FlashSizeMB
	if size <= 0 {
		size = 4
	}
	out("Erasing flash (this may take a while)...")
	start := time.Now()
	if err := rom.flashBegin(uint32(size)<<20, 0, 0); err != nil {
		return fmt.Errorf("erase flash: %w", err)
	}
	out(fmt.Sprintf("Chip erase completed successfully in %.1fs", time.Since(start).Seconds()))
	return nil
}
