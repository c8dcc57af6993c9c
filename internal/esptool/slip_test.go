package esptool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLIPEncodeEscapes(t *testing.T) {
	got := slipEncode([]byte{0x01, slipEnd, 0x02, slipEsc})
	assert.Equal(t, []byte{slipEnd, 0x01, slipEsc, slipEscEnd, 0x02, slipEsc, slipEscEsc, slipEnd}, got)
}

func TestSLIPDecodeRejectsBadEscape(t *testing.T) {
	_, err := slipDecode([]byte{slipEsc, 0x00})
	assert.ErrorIs(t, err, errBadSLIP)

	_, err = slipDecode([]byte{0x01, slipEsc})
	assert.ErrorIs(t, err, errBadSLIP)
}

func TestSLIPReader(t *testing.T) {
	payload := []byte{0x01, 0x08, slipEnd, slipEsc, 0x55}
	encoded := slipEncode(payload)

	var r slipReader
	// Boot noise before the frame, and the frame split across two reads.
	frames := r.feed(append([]byte("ets Jun  8 2016\r\n"), encoded[:3]...))
	assert.Empty(t, frames)

	frames = r.feed(append(encoded[3:], slipEncode([]byte{0x02})...))
	require.Len(t, frames, 2)
	assert.Equal(t, payload, frames[0])
	assert.Equal(t, []byte{0x02}, frames[1])
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint32(0xef), checksum(nil))
	assert.Equal(t, uint32(0xef^0x01^0x02), checksum([]byte{0x01, 0x02}))
}
