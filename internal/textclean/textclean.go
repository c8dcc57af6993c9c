// Package textclean turns raw device and tool output into display-ready lines.
package textclean

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/text/encoding/unicode"
)

// Decode converts raw bytes to a string, replacing invalid UTF-8 sequences
// with U+FFFD instead of failing.
func Decode(raw []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return string(out)
}

// Line strips terminal control sequences and surrounding whitespace from a
// single line. An empty result means the line carried nothing printable.
func Line(s string) string {
	return strings.TrimSpace(ansi.Strip(s))
}

// Bytes is Decode followed by Line.
func Bytes(raw []byte) string {
	return Line(Decode(raw))
}
