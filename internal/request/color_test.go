package request

import (
	"testing"

	"github.com/dunamismax/pixelgate/internal/domain"
)

func TestResolveColor(t *testing.T) {
	tests := []struct {
		token    string
		expected domain.Color
	}{
		{token: "red", expected: domain.Color{R: 255}},
		{token: "CornflowerBlue", expected: domain.Color{R: 100, G: 149, B: 237}},
		{token: "ff8800", expected: domain.Color{R: 255, G: 136}},
		{token: "#0a0B0c", expected: domain.Color{R: 10, G: 11, B: 12}},
		{token: "fff", expected: domain.Color{R: 255, G: 255, B: 255}},
	}

	for _, tc := range tests {
		got, err := ResolveColor(tc.token)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.token, err)
		}
		if got.R != tc.expected.R || got.G != tc.expected.G || got.B != tc.expected.B {
			t.Fatalf("%s: expected %+v, got %+v", tc.token, tc.expected, got)
		}
	}
}

func TestResolveColorRejectsUnknownTokens(t *testing.T) {
	for _, token := range []string{"", "notacolor", "ff88", "#gggggg", "12345678"} {
		if _, err := ResolveColor(token); err == nil {
			t.Fatalf("expected error for %q", token)
		}
	}
}
