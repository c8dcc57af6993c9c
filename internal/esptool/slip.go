package esptool

import (
	"bytes"
	"errors"
)

// SLIP framing used by the ROM loader.
const (
	slipEnd    = 0xc0
	slipEsc    = 0xdb
	slipEscEnd = 0xdc
	slipEscEsc = 0xdd
)

var errBadSLIP = errors.New("invalid SLIP frame")

// slipEncode wraps data in END markers, escaping END and ESC bytes.
func slipEncode(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) + 2)
	buf.WriteByte(slipEnd)
	for _, b := range data {
		switch b {
		case slipEnd:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEnd)
		case slipEsc:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEsc)
		default:
			buf.WriteByte(b)
		}
	}
	buf.WriteByte(slipEnd)
	return buf.Bytes()
}

// slipDecode reverses the escaping of a frame body (without END markers).
func slipDecode(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	escaped := false
	for _, b := range body {
		if escaped {
			switch b {
			case slipEscEnd:
				out = append(out, slipEnd)
			case slipEscEsc:
				out = append(out, slipEsc)
			default:
				return nil, errBadSLIP
			}
			escaped = false
			continue
		}
		if b == slipEsc {
			escaped = true
			continue
		}
		out = append(out, b)
	}
	if escaped {
		return nil, errBadSLIP
	}
	return out, nil
}

// slipReader accumulates raw bytes and yields complete frames. Bytes outside
// a frame (boot messages, line noise) are discarded.
type slipReader struct {
	inFrame bool
	body    []byte
}

// feed consumes b and returns the decoded frames completed by it.
func (r *slipReader) feed(b []byte) [][]byte {
	var frames [][]byte
	for _, c := range b {
		if c != slipEnd {
			if r.inFrame {
				r.body = append(r.body, c)
			}
			continue
		}
		if !r.inFrame || len(r.body) == 0 {
			// Start marker, or back-to-back END bytes.
			r.inFrame = true
			r.body = r.body[:0]
			continue
		}
		if frame, err := slipDecode(r.body); err == nil {
			frames = append(frames, frame)
		}
		r.inFrame = false
		r.body = r.body[:0]
	}
	return frames
}
