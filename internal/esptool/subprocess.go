package esptool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"esp32flasher/internal/textclean"
)

const (
	maxLineBytes = 1024 * 1024

	// DefaultWaitDelay bounds how long Run waits for output pipes after the
	// tool exits or is killed.
	DefaultWaitDelay = 2 * time.Second
)

// Subprocess runs esptool as an external process and captures its stdout and
// stderr pipes.
type Subprocess struct {
	Argv []string // command prefix, e.g. ["python", "-m", "esptool"]
	Env  []string // appended to the current environment
	Log  *zap.SugaredLogger

	// WaitDelay overrides DefaultWaitDelay. A child left behind by the tool
	// can hold the output pipe open after the tool itself has exited.
	WaitDelay time.Duration
}

// NewSubprocess splits command on whitespace into the argv prefix.
func NewSubprocess(command string, log *zap.SugaredLogger) *Subprocess {
	return &Subprocess{Argv: strings.Fields(command), Log: log}
}

// Run starts the tool and forwards every output line to out as it is
// produced.
func (s *Subprocess) Run(ctx context.Context, c Command, out LineFunc) error {
	if len(s.Argv) == 0 {
		return errors.New("esptool command is empty")
	}

	args := append(append([]string{}, s.Argv[1:]...), c.Args()...)
	cmd := exec.CommandContext(ctx, s.Argv[0], args...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if s.Log != nil {
		s.Log.Debugw("starting esptool", "argv", append([]string{s.Argv[0]}, args...))
	}
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("start %s: %w", s.Argv[0], err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanOutput(pr, out)
	}()

	err := cmd.Wait()
	pw.Close()
	<-done

	if errors.Is(err, exec.ErrWaitDelay) {
		// The tool exited cleanly; only a leftover child kept the pipe open.
		if s.Log != nil {
			s.Log.Debugw("esptool output pipe held open after exit", "argv0", s.Argv[0])
		}
		err = nil
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("run %s: %w", s.Argv[0], err)
}

// scanOutput splits r into lines on \n or \r and forwards the cleaned ones.
// Whatever cannot be scanned is drained so the writer never blocks.
func scanOutput(r io.Reader, out LineFunc) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		if line := textclean.Bytes(sc.Bytes()); line != "" {
			out(line)
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// scanLinesOrCR is bufio.ScanLines that also breaks on a bare carriage
// return, which esptool uses for in-place progress updates.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
