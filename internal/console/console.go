// Package console implements the headless front end used by the flash and
// ports commands.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"esp32flasher/internal/controller"
	"esp32flasher/internal/flash"
	"esp32flasher/internal/logchan"
	"esp32flasher/internal/ports"
)

// PrintPorts writes a table of devices. "*" marks the port auto-detection
// would use, "+" any other match.
func PrintPorts(w io.Writer, infos []controller.PortInfo) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "No serial ports found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tPORT\tDESCRIPTION\tVID:PID")
	for _, p := range infos {
		mark := ""
		switch {
		case p.Selected:
			mark = "*"
		case p.Matches:
			mark = "+"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, p.Device.Name, p.Device.Description, p.Device.IDString())
	}
	return tw.Flush()
}

// Run prints channel entries until the session started by the caller ends.
// With a monitor running and follow set it keeps printing until ctx is
// cancelled. A failed session is returned as an error carrying its status.
func Run(ctx context.Context, ctrl *controller.Controller, out io.Writer, tick time.Duration, follow bool) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	status := ""
	started, finished := false, false
	for {
		for _, e := range ctrl.Channel().Drain() {
			switch e.Kind {
			case logchan.KindLine:
				fmt.Fprintln(out, e.Text)
			case logchan.KindStatus:
				status = e.Text
			case logchan.KindTrigger:
				if !e.Enabled {
					started = true
				} else if started && !finished {
					finished = true
					if status != flash.StatusDone {
						return errors.New(status)
					}
					fmt.Fprintln(out, status)
					if !follow || ctrl.Monitor() == nil {
						return nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Selector asks on the terminal which port to use. One reader goroutine
// owns In for the Selector's lifetime, so buffered input and lines typed
// after a cancelled prompt carry over to the next prompt.
type Selector struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan string
}

func (s *Selector) start() {
	s.lines = make(chan string)
	go func() {
		defer close(s.lines)
		r := bufio.NewReader(s.In)
		for {
			line, err := r.ReadString('\n')
			if line != "" || err == nil {
				s.lines <- strings.TrimSpace(line)
			}
			if err != nil {
				return
			}
		}
	}()
}

func (s *Selector) SelectPort(ctx context.Context, devices []ports.Device) (string, bool) {
	s.once.Do(s.start)

	fmt.Fprintln(s.Out, "Select a port (empty to abort):")
	for i, d := range devices {
		fmt.Fprintf(s.Out, "  %d) %s  %s\n", i+1, d.Name, d.Description)
	}
	fmt.Fprint(s.Out, "> ")

	select {
	case <-ctx.Done():
		return "", false
	case a, ok := <-s.lines:
		if !ok {
			return "", false
		}
		return Pick(a, devices)
	}
}

// Pick resolves a 1-based index or a port name against devices.
func Pick(answer string, devices []ports.Device) (string, bool) {
	if answer == "" {
		return "", false
	}
	if n, err := strconv.Atoi(answer); err == nil {
		if n < 1 || n > len(devices) {
			return "", false
		}
		return devices[n-1].Name, true
	}
	for _, d := range devices {
		if d.Name == answer {
			return d.Name, true
		}
	}
	return "", false
}
