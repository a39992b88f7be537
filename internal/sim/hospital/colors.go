package hospital

// Color identifies one of the supported entity colors. The zero value
// means "no color declared".
type Color uint8

const (
	ColorNone Color = iota
	ColorBlue
	ColorRed
	ColorCyan
	ColorPurple
	ColorGreen
	ColorOrange
	ColorPink
	ColorGrey
	ColorLightblue
	ColorBrown
)

var colorNames = map[string]Color{
	"blue":      ColorBlue,
	"red":       ColorRed,
	"cyan":      ColorCyan,
	"purple":    ColorPurple,
	"green":     ColorGreen,
	"orange":    ColorOrange,
	"pink":      ColorPink,
	"grey":      ColorGrey,
	"lightblue": ColorLightblue,
	"brown":     ColorBrown,
}

// ParseColor maps a lowercase color name to its Color, or ColorNone if
// the name is not supported.
func ParseColor(name string) Color {
	return colorNames[name]
}

func (c Color) String() string {
	for name, v := range colorNames {
		if v == c {
			return name
		}
	}
	return "none"
}
