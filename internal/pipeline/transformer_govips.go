//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/pixelgate/internal/domain"
)

// govipsTransformer renders with libvips. Edit sets that need operations it
// does not map (convolve, normalize, tint, overlay, free rotation) are
// rendered by the pure-Go transformer into PNG first and only encoded here.
type govipsTransformer struct {
	fallback imagingTransformer
}

func (t govipsTransformer) Transform(ctx context.Context, in RenderInput) (Rendition, error) {
	select {
	case <-ctx.Done():
		return Rendition{}, ctx.Err()
	default:
	}

	sourceFormat := govipsFormat(vips.DetermineImageType(in.Source))
	format := normalizeOutputFormat(in.Format)
	if format == "" {
		format = sourceFormat
	}
	if !govipsEncodes(format) {
		return Rendition{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	source := in.Source
	edits := in.Edits
	if needsFallback(edits) {
		staged, err := t.fallback.Transform(ctx, RenderInput{
			Source:  in.Source,
			Edits:   edits.Without(domain.QualityFormats...),
			Format:  "png",
			Overlay: in.Overlay,
		})
		if err != nil {
			return Rendition{}, err
		}
		source = staged.Data
		edits = domain.EditSet{}
	}

	img, err := vips.NewImageFromBuffer(source)
	if err != nil {
		return Rendition{}, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if err := applyGovipsEdits(img, edits); err != nil {
		return Rendition{}, err
	}

	data, err := exportGovipsImage(img, format, qualityFor(in.Edits, format))
	if err != nil {
		return Rendition{}, err
	}

	return Rendition{
		Data:         data,
		Format:       format,
		SourceFormat: sourceFormat,
		Width:        img.Width(),
		Height:       img.Height(),
	}, nil
}

func needsFallback(edits domain.EditSet) bool {
	for _, kind := range []string{domain.EditConvolve, domain.EditNormalize, domain.EditTint, domain.EditOverlay} {
		if edits.Has(kind) {
			return true
		}
	}
	if r, ok := domain.EditAs[domain.Rotate](edits, domain.EditRotate); ok {
		if _, ok := govipsAngle(r.Degrees); !ok {
			return true
		}
	}
	if r, ok := edits.Resize(); ok && r.Background != nil {
		return true
	}
	return false
}

func applyGovipsEdits(img *vips.ImageRef, edits domain.EditSet) error {
	if r, ok := domain.EditAs[domain.Rotate](edits, domain.EditRotate); ok {
		if err := img.AutoRotate(); err != nil {
			return fmt.Errorf("auto-rotate image: %w", err)
		}
		if angle, _ := govipsAngle(r.Degrees); angle != vips.Angle0 {
			if err := img.Rotate(angle); err != nil {
				return fmt.Errorf("rotate image: %w", err)
			}
		}
	}
	if r, ok := edits.Resize(); ok {
		if err := applyGovipsResize(img, r); err != nil {
			return err
		}
	}
	if f, ok := domain.EditAs[domain.Flatten](edits, domain.EditFlatten); ok {
		bg := &vips.Color{R: f.Background.R, G: f.Background.G, B: f.Background.B}
		if err := img.Flatten(bg); err != nil {
			return fmt.Errorf("flatten image: %w", err)
		}
	}
	if b, ok := domain.EditAs[domain.Blur](edits, domain.EditBlur); ok && b.Sigma > 0 {
		if err := img.GaussianBlur(b.Sigma); err != nil {
			return fmt.Errorf("blur image: %w", err)
		}
	}
	if s, ok := domain.EditAs[domain.Sharpen](edits, domain.EditSharpen); ok && s.Sigma > 0 {
		if err := img.Sharpen(s.Sigma, 1, 2); err != nil {
			return fmt.Errorf("sharpen image: %w", err)
		}
	}
	if edits.Has(domain.EditGrayscale) {
		if err := img.ToColorSpace(vips.InterpretationBW); err != nil {
			return fmt.Errorf("grayscale image: %w", err)
		}
	}
	return nil
}

func applyGovipsResize(img *vips.ImageRef, r domain.Resize) error {
	sw, sh := img.Width(), img.Height()
	if sw <= 0 || sh <= 0 {
		return fmt.Errorf("source image has invalid dimensions")
	}

	if r.Fit == "cover" && r.Width > 0 && r.Height > 0 {
		if r.WithoutEnlargement && (r.Width > sw || r.Height > sh) {
			return nil
		}
		if err := img.Thumbnail(r.Width, r.Height, vips.InterestingCentre); err != nil {
			return fmt.Errorf("resize image: %w", err)
		}
		return nil
	}

	w, h, ok := targetSize(sw, sh, r)
	if !ok || (w == sw && h == sh) {
		return nil
	}
	hscale := float64(w) / float64(sw)
	vscale := float64(h) / float64(sh)
	if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}

func govipsAngle(degrees float64) (vips.Angle, bool) {
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	switch d {
	case 0:
		return vips.Angle0, true
	case 90:
		return vips.Angle90, true
	case 180:
		return vips.Angle180, true
	case 270:
		return vips.Angle270, true
	default:
		return vips.Angle0, false
	}
}

func govipsFormat(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeHEIF:
		return "heif"
	default:
		return "png"
	}
}

func govipsEncodes(format string) bool {
	switch format {
	case "jpeg", "png", "webp", "tiff", "heif":
		return true
	default:
		return false
	}
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		if quality > 0 {
			params.Quality = quality
		}
		data, _, err = img.ExportJpeg(params)
	case "png":
		params := vips.NewPngExportParams()
		if quality > 0 {
			params.Quality = quality
		}
		data, _, err = img.ExportPng(params)
	case "webp":
		params := vips.NewWebpExportParams()
		if quality > 0 {
			params.Quality = quality
		}
		data, _, err = img.ExportWebp(params)
	case "tiff":
		params := vips.NewTiffExportParams()
		if quality > 0 {
			params.Quality = quality
		}
		data, _, err = img.ExportTiff(params)
	case "heif":
		params := vips.NewHeifExportParams()
		if quality > 0 {
			params.Quality = quality
		}
		data, _, err = img.ExportHeif(params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return data, nil
}
