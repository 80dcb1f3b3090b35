package request

import (
	"fmt"
	"strings"

	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/colornames"
)

// ResolveColor turns a color token into an RGB triple. The token is either
// an SVG color name or three or six hex digits, with or without a leading #.
func ResolveColor(token string) (domain.Color, error) {
	token = strings.TrimSpace(token)
	if named, ok := colornames.Map[strings.ToLower(token)]; ok {
		return domain.Color{R: named.R, G: named.G, B: named.B}, nil
	}

	hex := strings.TrimPrefix(token, "#")
	if !isHexColor(hex) {
		return domain.Color{}, fmt.Errorf("unrecognized color %q", token)
	}
	c, err := colorful.Hex("#" + hex)
	if err != nil {
		return domain.Color{}, fmt.Errorf("parse color %q: %w", token, err)
	}
	r, g, b := c.RGB255()
	return domain.Color{R: r, G: g, B: b}, nil
}

func isHexColor(s string) bool {
	if len(s) != 3 && len(s) != 6 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
