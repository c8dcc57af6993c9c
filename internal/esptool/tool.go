// Package esptool drives the firmware-programming step. Two backends are
// available: Subprocess runs the esptool.py command line and streams its
// output, Native talks to the ESP32 ROM loader directly over the serial port.
package esptool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Operation is an esptool command.
type Operation string

const (
	OpEraseFlash Operation = "erase_flash"
	OpWriteFlash Operation = "write_flash"
)

// Command is one invocation of the flashing tool.
type Command struct {
	Chip      string
	Port      string
	Baud      int // 0 keeps the tool default
	Operation Operation
	Address   uint32 // write_flash only
	Image     string // write_flash only
}

// Args renders the command as esptool arguments.
func (c Command) Args() []string {
	args := []string{"--chip", c.Chip, "--port", c.Port}
	if c.Baud > 0 {
		args = append(args, "--baud", strconv.Itoa(c.Baud))
	}
	args = append(args, string(c.Operation))
	if c.Operation == OpWriteFlash {
		args = append(args, fmt.Sprintf("0x%x", c.Address), c.Image)
	}
	return args
}

// LineFunc receives one cleaned, non-empty line of tool output.
type LineFunc func(line string)

// Tool runs flashing commands. Run blocks until the command finishes and
// returns nil only on success.
type Tool interface {
	Run(ctx context.Context, cmd Command, out LineFunc) error
}

// ErrUnsupportedOperation is returned for operations a backend cannot run.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// ExitError reports a tool process that finished with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("esptool exited with status %d", e.Code)
}
