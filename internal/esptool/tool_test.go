package esptool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []string
	}{
		{
			name: "erase",
			cmd:  Command{Chip: "esp32", Port: "COM5", Operation: OpEraseFlash},
			want: []string{"--chip", "esp32", "--port", "COM5", "erase_flash"},
		},
		{
			name: "write with baud",
			cmd:  Command{Chip: "esp32", Port: "/dev/ttyUSB0", Baud: 460800, Operation: OpWriteFlash, Address: 0x1000, Image: "fw.bin"},
			want: []string{"--chip", "esp32", "--port", "/dev/ttyUSB0", "--baud", "460800", "write_flash", "0x1000", "fw.bin"},
		},
		{
			name: "write at zero",
			cmd:  Command{Chip: "esp32s3", Port: "COM3", Operation: OpWriteFlash, Image: "merged.bin"},
			want: []string{"--chip", "esp32s3", "--port", "COM3", "write_flash", "0x0", "merged.bin"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.Args())
		})
	}
}

func TestParseChip(t *testing.T) {
	for in, want := range map[string]ChipType{
		"esp32":    ChipESP32,
		"ESP32-S2": ChipESP32S2,
		"esp32s3":  ChipESP32S3,
		" esp32c3": ChipESP32C3,
	} {
		got, err := ParseChip(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseChip("esp8266")
	assert.Error(t, err)
}

func TestChipID(t *testing.T) {
	assert.Equal(t, "esp32", ChipESP32.ID())
	assert.Equal(t, "esp32s2", ChipESP32S2.ID())
	assert.Equal(t, ChipESP32C3, chipFromMagic(esp32c3ChipMagic))
	assert.Equal(t, ChipUnknown, chipFromMagic(0xdeadbeef))
}
