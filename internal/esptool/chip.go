package esptool

import (
	"fmt"
	"strings"
)

// ChipType identifies an ESP32 family member.
type ChipType int

const (
	ChipUnknown ChipType = iota
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C3
)

// Values of the chip-detect register at chipDetectMagicReg.
const (
	esp32ChipMagic   = 0x00f01d83
	esp32s2ChipMagic = 0x000007c6
	esp32s3ChipMagic = 0x00000009
	esp32c3ChipMagic = 0x6921506f

	chipDetectMagicReg = 0x40001000
)

func (c ChipType) String() string {
	switch c {
	case ChipESP32:
		return "ESP32"
	case ChipESP32S2:
		return "ESP32-S2"
	case ChipESP32S3:
		return "ESP32-S3"
	case ChipESP32C3:
		return "ESP32-C3"
	default:
		return "Unknown"
	}
}

// ID is the esptool --chip name.
func (c ChipType) ID() string {
	return strings.ToLower(strings.ReplaceAll(c.String(), "-", ""))
}

// ParseChip maps an esptool --chip name to a ChipType.
func ParseChip(s string) (ChipType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "esp32":
		return ChipESP32, nil
	case "esp32s2", "esp32-s2":
		return ChipESP32S2, nil
	case "esp32s3", "esp32-s3":
		return ChipESP32S3, nil
	case "esp32c3", "esp32-c3":
		return ChipESP32C3, nil
	default:
		return ChipUnknown, fmt.Errorf("unknown chip %q", s)
	}
}

func chipFromMagic(magic uint32) ChipType {
	switch magic {
	case esp32ChipMagic:
		return ChipESP32
	case esp32s2ChipMagic:
		return ChipESP32S2
	case esp32s3ChipMagic:
		return ChipESP32S3
	case esp32c3ChipMagic:
		return ChipESP32C3
	default:
		return ChipUnknown
	}
}
