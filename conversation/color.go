package conversation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Color is an sRGB color with alpha.
type Color struct {
	R, G, B, A uint8
}

// ParseHexColor parses "#RRGGBB" or "#RRGGBBAA". The "#" is optional and
// case is ignored. Six digits mean opaque.
func ParseHexColor(s string) (Color, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return Color{}, errors.Errorf("hex color %q: want 6 or 8 digits", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return Color{}, errors.Errorf("hex color %q: not hex", s)
	}
	if len(hex) == 6 {
		return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, nil
	}
	return Color{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// Hex formats the color as "#RRGGBB", or "#RRGGBBAA" when not opaque.
func (c Color) Hex() string {
	if c.A == 0xFF {
		return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
	}
	return fmt.Sprintf("#%02X%02X%02X%02X", c.R, c.G, c.B, c.A)
}
