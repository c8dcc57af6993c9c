package ports

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"esp32flasher/internal/logchan"
)

var defaultPolicy = MatchPolicy{
	Identifiers: []string{"CH340", "CH341", "USB Serial"},
	IDs:         []VIDPID{{VID: 0x1A86, PID: 0x7523}, {VID: 0x1A86, PID: 0x7522}},
}

type countingSelector struct {
	calls  int
	choice string
	seen   []Device
}

func (s *countingSelector) SelectPort(_ context.Context, devices []Device) (string, bool) {
	s.calls++
	s.seen = devices
	return s.choice, s.choice != ""
}

func lines(ch *logchan.Channel) []string {
	var out []string
	for _, e := range ch.Drain() {
		if e.Kind == logchan.KindLine {
			out = append(out, e.Text)
		}
	}
	return out
}

func TestParseVIDPID(t *testing.T) {
	tests := []struct {
		in      string
		want    VIDPID
		wantErr bool
	}{
		{"1A86:7523", VIDPID{0x1A86, 0x7523}, false},
		{"1a86:7522", VIDPID{0x1A86, 0x7522}, false},
		{"0x10C4:0xEA60", VIDPID{0x10C4, 0xEA60}, false},
		{"1A86", VIDPID{}, true},
		{"xyz:7523", VIDPID{}, true},
		{"1A86:12345", VIDPID{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVIDPID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromDetails(t *testing.T) {
	d := fromDetails(&enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523", Product: "USB Serial"})
	assert.Equal(t, Device{Name: "/dev/ttyUSB0", Description: "USB Serial", ID: VIDPID{0x1A86, 0x7523}, HasID: true}, d)
	assert.Equal(t, "Port: /dev/ttyUSB0, Description: USB Serial, VID:PID: 1A86:7523", d.String())

	plain := fromDetails(&enumerator.PortDetails{Name: "/dev/ttyS0"})
	assert.Equal(t, "n/a", plain.Description)
	assert.False(t, plain.HasID)
	assert.Equal(t, "None:None", plain.IDString())
}

func TestMatchPolicy_Matches(t *testing.T) {
	tests := []struct {
		name string
		dev  Device
		want bool
	}{
		{"description identifier", Device{Description: "USB-SERIAL CH340 (COM5)"}, true},
		{"usb serial identifier", Device{Description: "USB Serial Device"}, true},
		{"case sensitive", Device{Description: "usb-serial ch340"}, false},
		{"vid pid only", Device{Description: "n/a", ID: VIDPID{0x1A86, 0x7522}, HasID: true}, true},
		{"unknown", Device{Description: "Arduino Uno", ID: VIDPID{0x2341, 0x0043}, HasID: true}, false},
		{"zero ids without usb", Device{Description: "ttyS0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, defaultPolicy.Matches(tt.dev))
		})
	}
}

func TestResolver_PicksKnownBridgeWithoutPrompting(t *testing.T) {
	ch := logchan.New(nil)
	sel := &countingSelector{choice: "COM3"}
	r := &Resolver{Policy: defaultPolicy, Selector: sel, Log: ch}

	name, err := r.Resolve(context.Background(), []Device{
		{Name: "COM3", Description: "Arduino Uno"},
		{Name: "COM5", Description: "USB-SERIAL CH340"},
	})

	require.NoError(t, err)
	assert.Equal(t, "COM5", name)
	assert.Zero(t, sel.calls)
	assert.Equal(t, []string{
		"Port: COM3, Description: Arduino Uno, VID:PID: None:None",
		"Port: COM5, Description: USB-SERIAL CH340, VID:PID: None:None",
		"Using port: COM5",
	}, lines(ch))
}

func TestResolver_FirstMatchWins(t *testing.T) {
	r := &Resolver{Policy: defaultPolicy, Log: logchan.New(nil)}
	name, err := r.Resolve(context.Background(), []Device{
		{Name: "COM7", Description: "Something", ID: VIDPID{0x1A86, 0x7523}, HasID: true},
		{Name: "COM8", Description: "USB-SERIAL CH340"},
	})
	require.NoError(t, err)
	assert.Equal(t, "COM7", name)
}

func TestResolver_NoMatchPromptsOnce(t *testing.T) {
	sel := &countingSelector{choice: "COM9"}
	devices := []Device{{Name: "COM3", Description: "Arduino Uno"}, {Name: "COM9", Description: "FTDI"}}
	r := &Resolver{Policy: defaultPolicy, Selector: sel, Log: logchan.New(nil)}

	name, err := r.Resolve(context.Background(), devices)
	require.NoError(t, err)
	assert.Equal(t, "COM9", name)
	assert.Equal(t, 1, sel.calls)
	assert.Equal(t, devices, sel.seen)
}

func TestResolver_DismissedPrompt(t *testing.T) {
	ch := logchan.New(nil)
	sel := &countingSelector{}
	r := &Resolver{Policy: defaultPolicy, Selector: sel, Log: ch}

	_, err := r.Resolve(context.Background(), []Device{{Name: "COM3", Description: "Arduino Uno"}})
	require.ErrorIs(t, err, ErrNoSelectionMade)
	assert.Equal(t, 1, sel.calls)
	assert.Contains(t, lines(ch), "No port selected. Aborting.")
}

func TestResolver_EmptyListNeverPrompts(t *testing.T) {
	ch := logchan.New(nil)
	sel := &countingSelector{choice: "COM1"}
	r := &Resolver{Policy: defaultPolicy, Selector: sel, Log: ch}

	_, err := r.Resolve(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoPortsFound)
	assert.Zero(t, sel.calls)
	assert.Equal(t, []string{"No serial ports found."}, lines(ch))
}

type nopCloser struct{ closed *int }

func (c nopCloser) Close() error {
	*c.closed++
	return nil
}

func TestProber_AlwaysFailing(t *testing.T) {
	ch := logchan.New(nil)
	attempts := 0
	var sleeps []time.Duration
	p := &Prober{
		Opener: OpenerFunc(func(string) (io.Closer, error) {
			attempts++
			return nil, errors.New("access denied")
		}),
		Retries: 3,
		Delay:   2 * time.Second,
		Log:     ch,
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	}

	err := p.Probe(context.Background(), "COM5")
	require.ErrorIs(t, err, ErrPortInaccessible)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeps)
	assert.Equal(t, []string{
		"Attempt 1/3: cannot open COM5: access denied",
		"Attempt 2/3: cannot open COM5: access denied",
		"Attempt 3/3: cannot open COM5: access denied",
	}, lines(ch))
}

func TestProber_ImmediateSuccess(t *testing.T) {
	closed := 0
	attempts := 0
	sleeps := 0
	p := &Prober{
		Opener: OpenerFunc(func(string) (io.Closer, error) {
			attempts++
			return nopCloser{&closed}, nil
		}),
		Retries: 3,
		Delay:   2 * time.Second,
		Log:     logchan.New(nil),
		Sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
	}

	start := time.Now()
	require.NoError(t, p.Probe(context.Background(), "COM5"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, closed)
	assert.Zero(t, sleeps)
}

func TestProber_RecoversOnSecondAttempt(t *testing.T) {
	closed := 0
	attempts := 0
	p := &Prober{
		Opener: OpenerFunc(func(string) (io.Closer, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("busy")
			}
			return nopCloser{&closed}, nil
		}),
		Retries: 3,
		Delay:   time.Millisecond,
		Log:     logchan.New(nil),
	}

	require.NoError(t, p.Probe(context.Background(), "COM5"))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, closed)
}

func TestProber_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &Prober{
		Opener: OpenerFunc(func(string) (io.Closer, error) { return nil, errors.New("nope") }),
		Retries: 3,
		Delay:   time.Hour,
		Log:     logchan.New(nil),
	}

	err := p.Probe(ctx, "COM5")
	require.ErrorIs(t, err, context.Canceled)
}
