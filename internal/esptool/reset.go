package esptool

import (
	"errors"
	"fmt"
	"time"
)

// Boards wire DTR to GPIO0 and RTS to EN through transistors, and not every
// adapter drives them with the same polarity, so several sequences are tried.

type pin int

const (
	pinDTR pin = iota // GPIO0, asserted = low
	pinRTS            // EN, asserted = chip held in reset
)

type pinStep struct {
	pin   pin
	level bool
	wait  time.Duration
}

type resetStrategy struct {
	name  string
	steps []pinStep
}

const (
	resetHold = 100 * time.Millisecond
	bootHold  = 50 * time.Millisecond
)

var bootloaderStrategies = []resetStrategy{
	{name: "classic", steps: []pinStep{
		{pinDTR, true, 0},
		{pinRTS, false, 10 * time.Millisecond},
		{pinRTS, true, resetHold},
		{pinRTS, false, bootHold},
		{pinDTR, false, 200 * time.Millisecond},
	}},
	{name: "inverted", steps: []pinStep{
		{pinDTR, false, 0},
		{pinRTS, true, 10 * time.Millisecond},
		{pinRTS, false, resetHold},
		{pinRTS, true, bootHold},
		{pinDTR, true, 200 * time.Millisecond},
	}},
	{name: "slow", steps: []pinStep{
		{pinDTR, false, 0},
		{pinRTS, false, 100 * time.Millisecond},
		{pinDTR, true, 100 * time.Millisecond},
		{pinRTS, true, 100 * time.Millisecond},
		{pinRTS, false, 250 * time.Millisecond},
		{pinDTR, false, 250 * time.Millisecond},
	}},
	{name: "aggressive", steps: []pinStep{
		{pinDTR, true, 0},
		{pinRTS, true, 200 * time.Millisecond},
		{pinRTS, false, 300 * time.Millisecond},
		{pinDTR, false, 100 * time.Millisecond},
		{pinDTR, true, 50 * time.Millisecond},
		{pinDTR, false, 200 * time.Millisecond},
	}},
}

const (
	bootloaderSyncAttempts = 5
	aggressiveRounds       = 3
)

var errNoBootloader = errors.New("failed to enter bootloader mode; hold BOOT, tap RESET and retry")

func (r *romClient) apply(steps []pinStep) error {
	for _, s := range steps {
		var err error
		switch s.pin {
		case pinDTR:
			err = r.port.SetDTR(s.level)
		case pinRTS:
			err = r.port.SetRTS(s.level)
		}
		if err != nil {
			return fmt.Errorf("toggle control line: %w", err)
		}
		if s.wait > 0 {
			r.sleep(s.wait)
		}
	}
	return nil
}

// enterBootloader resets the chip into the ROM loader and syncs with it.
// A chip that is already in the loader is detected first.
func (r *romClient) enterBootloader() error {
	r.out("Connecting...")
	r.flush()
	if r.sync(1) == nil {
		return nil
	}

	for _, s := range bootloaderStrategies {
		rounds := 1
		if s.name == "aggressive" {
			rounds = aggressiveRounds
		}
		for i := 0; i < rounds; i++ {
			if err := r.apply(s.steps); err != nil {
				return err
			}
			r.flush()
			if r.sync(bootloaderSyncAttempts) == nil {
				return nil
			}
		}
	}
	return errNoBootloader
}

// hardReset pulses EN with GPIO0 released so the chip boots the new image.
func (r *romClient) hardReset() error {
	r.out("Hard resetting via RTS pin...")
	return r.apply([]pinStep{
		{pinDTR, false, 0},
		{pinRTS, true, resetHold},
		{pinRTS, false, 0},
	})
}
