package olliebot

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
)

// Color is a 24-bit RGB color, as used by embeds.
type Color int

var namedColors = map[string]Color{
	"default":             0x000000,
	"white":               0xffffff,
	"aqua":                0x00ffff,
	"green":               0x008000,
	"blue":                0x0000ff,
	"purple":              0x800080,
	"luminous_vivid_pink": 0xff0073,
	"gold":                0xffd700,
	"orange":              0xffa500,
	"red":                 0xff0000,
	"grey":                0x808080,
	"darker_grey":         0x546e7a,
	"teal":                0x1abc9c,
	"dark_aqua":           0x008b8b,
	"dark_green":          0x1f8b4c,
	"dark_blue":           0x206694,
	"dark_purple":         0x71368a,
	"dark_vivid_pink":     0xff1493,
	"dark_gold":           0xc27c0e,
	"dark_orange":         0xa84300,
	"dark_red":            0x992d22,
	"dark_grey":           0x607d8b,
	"light_grey":          0x95a5a6,
	"dark_teal":           0x11806a,
}

var (
	hexColorPattern = regexp.MustCompile(`^#?([0-9A-Fa-f]{6}|[0-9A-Fa-f]{3})$`)
	rgbColorPattern = regexp.MustCompile(
		`^(?:rgb)?\(?\s*([0-9]{1,3})\s*,\s*([0-9]{1,3})\s*,\s*([0-9]{1,3})\s*\)?$`,
	)
)

// ParseColor reads a hex string ("#ff0073", "f07"), a named color
// ("dark red", "dark_red") or an RGB triple ("255,0,115").
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)

	if m := hexColorPattern.FindStringSubmatch(s); m != nil {
		digits := m[1]
		if len(digits) == 3 {
			digits = string([]byte{
				digits[0], digits[0],
				digits[1], digits[1],
				digits[2], digits[2],
			})
		}
		v, err := strconv.ParseInt(digits, 16, 32)
		if err == nil {
			return Color(v), nil
		}
	}

	name := strings.ReplaceAll(strings.ToLower(s), " ", "_")
	if c, ok := namedColors[name]; ok {
		return c, nil
	}

	if m := rgbColorPattern.FindStringSubmatch(strings.ToLower(s)); m != nil {
		var rgb [3]int
		for i, part := range m[1:] {
			v, err := strconv.Atoi(part)
			if err != nil || v > 0xff {
				return 0, fmt.Errorf("invalid color %q", s)
			}
			rgb[i] = v
		}
		return ColorFromRGB(rgb[0], rgb[1], rgb[2]), nil
	}

	return 0, fmt.Errorf("invalid color %q", s)
}

func ColorFromRGB(r, g, b int) Color {
	return Color((r&0xff)<<16 | (g&0xff)<<8 | (b & 0xff))
}

// RandomColor returns a random color, for embeds without a theme
func RandomColor() Color {
	return Color(rand.IntN(0xffffff + 1))
}

func (c Color) Red() int {
	return int(c>>16) & 0xff
}

func (c Color) Green() int {
	return int(c>>8) & 0xff
}

func (c Color) Blue() int {
	return int(c) & 0xff
}

func (c Color) Int() int {
	return int(c)
}

func (c Color) String() string {
	return fmt.Sprintf("#%06x", int(c))
}
