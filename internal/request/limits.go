package request

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelgate/internal/domain"
)

// DefaultMaxDimension applies when Options.MaxDimension is not positive.
const DefaultMaxDimension = 8192

// maxOverlayRatio is the largest wRatio/hRatio percentage of the base image.
const maxOverlayRatio = 100

// checkEditBounds rejects edits whose output size or working buffers are not
// bounded by maxDimension.
func checkEditBounds(edits domain.EditSet, maxDimension int) error {
	for _, e := range edits.Edits() {
		if err := checkEdit(e, maxDimension); err != nil {
			return ErrParseEdits.wrap(fmt.Errorf("%s: %w", e.Kind(), err))
		}
	}
	return nil
}

func checkEdit(e domain.Edit, maxDimension int) error {
	switch v := e.(type) {
	case domain.Resize:
		if v.Width > maxDimension || v.Height > maxDimension {
			return fmt.Errorf("%dx%d exceeds the %d pixel limit", v.Width, v.Height, maxDimension)
		}
	case domain.Convolve:
		if v.Width <= 0 || v.Width > len(v.Kernel) {
			return fmt.Errorf("matrix width %d does not fit a kernel of %d values", v.Width, len(v.Kernel))
		}
	case domain.Overlay:
		for _, ratio := range []string{v.WRatio, v.HRatio} {
			if ratio == "" {
				continue
			}
			r, err := strconv.ParseFloat(strings.TrimSpace(ratio), 64)
			if err == nil && r > maxOverlayRatio {
				return fmt.Errorf("ratio %s exceeds %d percent", ratio, maxOverlayRatio)
			}
		}
	}
	return nil
}
