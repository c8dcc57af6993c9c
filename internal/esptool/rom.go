package esptool

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// ROM loader commands.
const (
	cmdFlashBegin = 0x02
	cmdFlashData  = 0x03
	cmdFlashEnd   = 0x04
	cmdSync       = 0x08
	cmdReadReg    = 0x0a
	cmdSPIAttach  = 0x0d
	cmdChangeBaud = 0x0f
)

const (
	directionReq   = 0x00
	directionResp  = 0x01
	checksumMagic  = 0xef
	flashSector    = 4096
	flashWriteSize = 0x400
	romBaud        = 115200
)

// Timeouts.
const (
	defaultTimeout     = 3 * time.Second
	syncTimeout        = 100 * time.Millisecond
	flashDataTimeout   = 5 * time.Second
	eraseTimeoutPerMB  = 30 * time.Second
	pollInterval       = 50 * time.Millisecond
	flashDataAttempts  = 3
	flashDataRetryWait = 100 * time.Millisecond
)

var errTimeout = errors.New("timed out waiting for response")

// Port is the subset of serial.Port the ROM client needs.
type Port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetMode(mode *serial.Mode) error
	ResetInputBuffer() error
	Close() error
}

// romStatusError is a non-zero status returned by the ROM.
type romStatusError struct {
	cmd    byte
	status byte
	code   byte
}

func (e *romStatusError) Error() string {
	return fmt.Sprintf("command 0x%02x failed: status %d, error 0x%02x", e.cmd, e.status, e.code)
}

// response is a decoded ROM reply.
type response struct {
	cmd   byte
	value uint32
	data  []byte
}

// romClient speaks the serial bootloader protocol on an open port.
type romClient struct {
	port    Port
	out     LineFunc
	sleep   func(time.Duration)
	slip    slipReader
	pending [][]byte
	buf     []byte
}

func newROMClient(p Port, out LineFunc, sleep func(time.Duration)) *romClient {
	if sleep == nil {
		sleep = time.Sleep
	}
	if out == nil {
		out = func(string) {}
	}
	return &romClient{port: p, out: out, sleep: sleep, buf: make([]byte, 512)}
}

// checksum is the ROM's XOR checksum over a data block.
func checksum(data []byte) uint32 {
	sum := uint32(checksumMagic)
	for _, b := range data {
		sum ^= uint32(b)
	}
	return sum
}

func (r *romClient) send(cmd byte, data []byte, sum uint32) error {
	packet := make([]byte, 8+len(data))
	packet[0] = directionReq
	packet[1] = cmd
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:8], sum)
	copy(packet[8:], data)

	_, err := r.port.Write(slipEncode(packet))
	return err
}

// readResponse waits for a reply to cmd, skipping frames for other commands
// (the ROM answers one SYNC with several replies).
func (r *romClient) readResponse(cmd byte, timeout time.Duration) (*response, error) {
	if err := r.port.SetReadTimeout(pollInterval); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		for len(r.pending) > 0 {
			frame := r.pending[0]
			r.pending = r.pending[1:]
			if resp, ok := parseResponse(frame, cmd); ok {
				return resp, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("command 0x%02x: %w", cmd, errTimeout)
		}
		n, err := r.port.Read(r.buf)
		if err != nil {
			return nil, err
		}
		r.pending = append(r.pending, r.slip.feed(r.buf[:n])...)
	}
}

func parseResponse(frame []byte, cmd byte) (*response, bool) {
	if len(frame) < 8 || frame[0] != directionResp || frame[1] != cmd {
		return nil, false
	}
	data := frame[8:]
	if size := int(binary.LittleEndian.Uint16(frame[2:4])); size < len(data) {
		data = data[:size]
	}
	return &response{
		cmd:   frame[1],
		value: binary.LittleEndian.Uint32(frame[4:8]),
		data:  data,
	}, true
}

// flush drops buffered input and any partially decoded frames.
func (r *romClient) flush() {
	_ = r.port.ResetInputBuffer()
	r.slip = slipReader{}
	r.pending = nil
}

// command sends cmd and checks the status bytes at the end of the reply.
func (r *romClient) command(cmd byte, data []byte, sum uint32, timeout time.Duration) (*response, error) {
	if err := r.send(cmd, data, sum); err != nil {
		return nil, fmt.Errorf("send command 0x%02x: %w", cmd, err)
	}
	resp, err := r.readResponse(cmd, timeout)
	if err != nil {
		return nil, err
	}
	// ESP32 ROM replies end with four status bytes: status, error, 0, 0.
	if n := len(resp.data); n >= 4 && resp.data[n-4] != 0 {
		return nil, &romStatusError{cmd: cmd, status: resp.data[n-4], code: resp.data[n-3]}
	}
	return resp, nil
}

// sync performs the autobaud handshake.
func (r *romClient) sync(attempts int) error {
	payload := make([]byte, 36)
	payload[0], payload[1], payload[2], payload[3] = 0x07, 0x07, 0x12, 0x20
	for i := 4; i < len(payload); i++ {
		payload[i] = 0x55
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := r.command(cmdSync, payload, 0, syncTimeout)
		if err == nil {
			// Swallow the remaining SYNC replies.
			r.sleep(pollInterval)
			r.flush()
			return nil
		}
		lastErr = err
		r.sleep(pollInterval)
	}
	return fmt.Errorf("failed to sync with chip: %w", lastErr)
}

func (r *romClient) readReg(addr uint32) (uint32, error) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	resp, err := r.command(cmdReadReg, data, 0, defaultTimeout)
	if err != nil {
		return 0, err
	}
	return resp.value, nil
}

func (r *romClient) detectChip() (ChipType, error) {
	magic, err := r.readReg(chipDetectMagicReg)
	if err != nil {
		return ChipUnknown, fmt.Errorf("read chip magic: %w", err)
	}
	chip := chipFromMagic(magic)
	if chip == ChipUnknown {
		return ChipUnknown, fmt.Errorf("unrecognised chip magic 0x%08x", magic)
	}
	return chip, nil
}

// spiAttach selects the default SPI flash pins. The ROM variant takes an
// extra legacy word.
func (r *romClient) spiAttach() error {
	_, err := r.command(cmdSPIAttach, make([]byte, 8), 0, defaultTimeout)
	return err
}

// changeBaud switches the ROM and the local port to baud.
func (r *romClient) changeBaud(baud int) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(baud))
	binary.LittleEndian.PutUint32(data[4:8], 0)
	if _, err := r.command(cmdChangeBaud, data, 0, defaultTimeout); err != nil {
		return err
	}
	if err := r.port.SetMode(&serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}); err != nil {
		return fmt.Errorf("set local baud rate: %w", err)
	}
	r.sleep(pollInterval)
	r.flush()
	return nil
}

// flashBegin erases size bytes (rounded up to a sector) at offset and
// prepares blocks writes of flashWriteSize.
func (r *romClient) flashBegin(size, blocks, offset uint32) error {
	eraseSize := (size + flashSector - 1) / flashSector * flashSector

	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], eraseSize)
	binary.LittleEndian.PutUint32(data[4:8], blocks)
	binary.LittleEndian.PutUint32(data[8:12], flashWriteSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)

	if _, err := r.command(cmdFlashBegin, data, 0, eraseTimeout(eraseSize)); err != nil {
		return fmt.Errorf("flash begin: %w", err)
	}
	return nil
}

// flashBlock sends one flashWriteSize block, retrying transient failures.
func (r *romClient) flashBlock(block []byte, seq uint32) error {
	payload := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[16:], block)
	sum := checksum(block)

	var lastErr error
	for attempt := 1; attempt <= flashDataAttempts; attempt++ {
		_, err := r.command(cmdFlashData, payload, sum, flashDataTimeout)
		if err == nil {
			return nil
		}
		var statusErr *romStatusError
		if errors.As(err, &statusErr) {
			return fmt.Errorf("block %d: %w", seq, err)
		}
		lastErr = err
		r.sleep(flashDataRetryWait)
	}
	return fmt.Errorf("block %d after %d attempts: %w", seq, flashDataAttempts, lastErr)
}

// flashEnd leaves the loader running (no reboot); the caller resets the chip.
func (r *romClient) flashEnd() error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 1)
	if _, err := r.command(cmdFlashEnd, data, 0, defaultTimeout); err != nil {
		return fmt.Errorf("flash end: %w", err)
	}
	return nil
}

// writeImage writes image at offset in padded blocks and reports progress.
func (r *romClient) writeImage(ctx context.Context, image []byte, offset uint32) error {
	blocks := (len(image) + flashWriteSize - 1) / flashWriteSize
	if err := r.flashBegin(uint32(len(image)), uint32(blocks), offset); err != nil {
		return err
	}

	start := time.Now()
	lastPct := -10
	for seq := 0; seq < blocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := seq * flashWriteSize
		to := min(from+flashWriteSize, len(image))

		block := make([]byte, flashWriteSize)
		copy(block, image[from:to])
		for i := to - from; i < flashWriteSize; i++ {
			block[i] = 0xff
		}

		if pct := seq * 100 / blocks; pct/10 != lastPct/10 {
			r.out(fmt.Sprintf("Writing at 0x%08x... (%d %%)", offset+uint32(from), pct))
			lastPct = pct
		}
		if err := r.flashBlock(block, uint32(seq)); err != nil {
			return err
		}
	}

	r.out(fmt.Sprintf("Wrote %d bytes at 0x%08x in %.1f seconds...", len(image), offset, time.Since(start).Seconds()))
	return r.flashEnd()
}

func eraseTimeout(size uint32) time.Duration {
	t := time.Duration(float64(eraseTimeoutPerMB) * float64(size) / (1 << 20))
	return max(t, defaultTimeout)
}
