package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelgate/internal/domain"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// RenderInput is everything a transformer needs for one rendition.
type RenderInput struct {
	Source []byte
	Edits  domain.EditSet
	// Format is the negotiated output format; empty keeps the source format.
	Format string
	// Overlay holds the overlayWith object when the edits carry one.
	Overlay []byte
}

type Rendition struct {
	Data         []byte
	Format       string
	SourceFormat string
	Width        int
	Height       int
}

type Transformer interface {
	Transform(ctx context.Context, in RenderInput) (Rendition, error)
}

func normalizeOutputFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	case "heic":
		return "heif"
	default:
		return format
	}
}

func contentTypeForFormat(format string) string {
	format = normalizeOutputFormat(format)
	if format == "" {
		return ""
	}
	return "image/" + format
}

// qualityFor returns the quality edit for format, or 0 when there is none.
func qualityFor(edits domain.EditSet, format string) int {
	q, ok := domain.EditAs[domain.Quality](edits, normalizeOutputFormat(format))
	if !ok || q.Quality <= 0 || q.Quality > 100 {
		return 0
	}
	return q.Quality
}

// targetSize works out the size a resize edit scales a sw x sh image to.
// Missing dimensions keep the aspect ratio. ok is false when the edit leaves
// the image as it is.
func targetSize(sw, sh int, r domain.Resize) (w, h int, ok bool) {
	if sw <= 0 || sh <= 0 || (r.Width <= 0 && r.Height <= 0) {
		return sw, sh, false
	}

	switch {
	case r.Width > 0 && r.Height <= 0:
		w, h = r.Width, scaleDim(sh, float64(r.Width)/float64(sw))
	case r.Height > 0 && r.Width <= 0:
		w, h = scaleDim(sw, float64(r.Height)/float64(sh)), r.Height
	default:
		sx := float64(r.Width) / float64(sw)
		sy := float64(r.Height) / float64(sh)
		switch r.Fit {
		case domain.FitInside, "contain":
			s := math.Min(sx, sy)
			w, h = scaleDim(sw, s), scaleDim(sh, s)
		case "outside":
			s := math.Max(sx, sy)
			w, h = scaleDim(sw, s), scaleDim(sh, s)
		default:
			w, h = r.Width, r.Height
		}
	}

	if r.WithoutEnlargement && (w > sw || h > sh) {
		return sw, sh, false
	}
	return w, h, true
}

func scaleDim(v int, s float64) int {
	return max(1, int(math.Round(float64(v)*s)))
}

// overlayPlacement positions an ow x oh overlay on a bw x bh base. An empty
// position centers the overlay; negative values count from the far edge.
func overlayPlacement(bw, bh, ow, oh int, opts domain.OverlayOptions) (x, y int) {
	return placeAxis(bw, ow, opts.Left), placeAxis(bh, oh, opts.Top)
}

func placeAxis(base, size int, token string) int {
	token = strings.TrimSpace(token)
	if token == "" {
		return (base - size) / 2
	}

	var offset float64
	if pct, found := strings.CutSuffix(token, "p"); found {
		v, err := parseFloat(pct)
		if err != nil {
			return (base - size) / 2
		}
		offset = float64(base) * v / 100
	} else {
		v, err := parseFloat(token)
		if err != nil {
			return (base - size) / 2
		}
		offset = v
	}

	pos := int(math.Round(offset))
	if offset < 0 || strings.HasPrefix(token, "-") {
		pos = base + pos - size
	}
	return pos
}

// overlaySize scales an overlay by the wRatio and hRatio percentages of the
// base size. A single ratio keeps the overlay's aspect.
func overlaySize(bw, bh, ow, oh int, o domain.Overlay) (w, h int) {
	wr, wErr := parseFloat(o.WRatio)
	hr, hErr := parseFloat(o.HRatio)
	hasW := wErr == nil && wr > 0
	hasH := hErr == nil && hr > 0

	switch {
	case hasW && hasH:
		return scaleDim(bw, wr/100), scaleDim(bh, hr/100)
	case hasW:
		w = scaleDim(bw, wr/100)
		return w, scaleDim(oh, float64(w)/float64(ow))
	case hasH:
		h = scaleDim(bh, hr/100)
		return scaleDim(ow, float64(h)/float64(oh)), h
	default:
		return ow, oh
	}
}

// overlayOpacity converts the alpha token, a transparency percentage, into
// an opacity in [0,1].
func overlayOpacity(alpha string) float64 {
	v, err := parseFloat(alpha)
	if err != nil {
		return 1
	}
	return math.Min(1, math.Max(0, 1-v/100))
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}
