package telemetry

import (
	"github.com/dunamismax/pixelgate/internal/domain"
	"go.opentelemetry.io/otel/attribute"
)

// RenditionAttributes describes a resolved request on a span.
func RenditionAttributes(req domain.ResolvedRequest) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("rendition.scheme", req.Scheme.String()),
		attribute.String("rendition.bucket", req.Bucket),
		attribute.String("rendition.key", req.Key),
		attribute.StringSlice("rendition.edits", req.Edits.Kinds()),
	}
	if req.OutputFormat != "" {
		attrs = append(attrs, attribute.String("rendition.format", req.OutputFormat))
	}
	return attrs
}
