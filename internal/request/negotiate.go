package request

import (
	"strings"

	"github.com/dunamismax/pixelgate/internal/domain"
)

// Negotiation is the outcome of output format resolution.
type Negotiation struct {
	OutputFormat string
	ContentType  string
	Edits        domain.EditSet
}

// Negotiator resolves the output format of a request.
type Negotiator struct {
	AutoWebP bool
}

// Negotiate picks the output format from, in order, a toFormat edit, the
// decoded payload's outputFormat and an Accept header offering WebP when
// AutoWebP is on. Filter-chain and custom requests carry quality under the
// source extension's format, so that edit is moved to the chosen format.
func (n Negotiator) Negotiate(edits domain.EditSet, d domain.Descriptor, scheme domain.Scheme, decodedFormat string) Negotiation {
	out := Negotiation{Edits: edits}

	if f, ok := edits.ToFormat(); ok {
		out.OutputFormat = normalizeFormat(f)
	} else if decodedFormat != "" {
		out.OutputFormat = normalizeFormat(decodedFormat)
	} else if n.AutoWebP && strings.Contains(d.Header("Accept"), "image/webp") {
		out.OutputFormat = "webp"
	}

	if out.OutputFormat == "" {
		return out
	}
	out.ContentType = "image/" + out.OutputFormat

	if scheme != domain.SchemeFilterChain && scheme != domain.SchemeCustom {
		return out
	}
	if !domain.IsQualityFormat(out.OutputFormat) {
		return out
	}
	if q, ok := edits.Quality(); ok && q.Format != out.OutputFormat {
		out.Edits = edits.Without(q.Format).With(domain.Quality{Format: out.OutputFormat, Quality: q.Quality})
	}
	return out
}

func normalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimSpace(f))
	if f == "jpg" {
		return "jpeg"
	}
	return f
}
