package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/anthonynsimon/bild/convolution"
	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// imagingTransformer renders edits in pure Go. Edits run in a fixed order
// regardless of how the request listed them: rotate, resize, flatten, blur,
// sharpen, convolve, normalize, grayscale, tint, overlay.
type imagingTransformer struct{}

func (t imagingTransformer) Transform(ctx context.Context, in RenderInput) (Rendition, error) {
	if err := ctx.Err(); err != nil {
		return Rendition{}, err
	}

	_, srcFormat, err := image.DecodeConfig(bytes.NewReader(in.Source))
	if err != nil {
		return Rendition{}, fmt.Errorf("decode source image: %w", err)
	}

	format, err := imagingOutputFormat(in.Format, srcFormat)
	if err != nil {
		return Rendition{}, err
	}

	// Orientation is only honored when a rotation was asked for, which is
	// also what strips the metadata carrying it.
	autoOrient := in.Edits.Has(domain.EditRotate)
	src, err := imaging.Decode(bytes.NewReader(in.Source), imaging.AutoOrientation(autoOrient))
	if err != nil {
		return Rendition{}, fmt.Errorf("decode source image: %w", err)
	}

	out, err := applyImagingEdits(ctx, imaging.Clone(src), in)
	if err != nil {
		return Rendition{}, err
	}

	data, err := encodeImage(out, format, qualityFor(in.Edits, format))
	if err != nil {
		return Rendition{}, err
	}

	bounds := out.Bounds()
	return Rendition{
		Data:         data,
		Format:       format,
		SourceFormat: normalizeOutputFormat(srcFormat),
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
	}, nil
}

func applyImagingEdits(ctx context.Context, img image.Image, in RenderInput) (image.Image, error) {
	edits := in.Edits

	if r, ok := domain.EditAs[domain.Rotate](edits, domain.EditRotate); ok && math.Mod(r.Degrees, 360) != 0 {
		// imaging rotates counter-clockwise.
		img = imaging.Rotate(img, -r.Degrees, color.Transparent)
	}
	if r, ok := edits.Resize(); ok {
		img = resizeImage(img, r)
	}
	if f, ok := domain.EditAs[domain.Flatten](edits, domain.EditFlatten); ok {
		img = flattenImage(img, toNRGBA(f.Background))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if b, ok := domain.EditAs[domain.Blur](edits, domain.EditBlur); ok && b.Sigma > 0 {
		img = imaging.Blur(img, b.Sigma)
	}
	if s, ok := domain.EditAs[domain.Sharpen](edits, domain.EditSharpen); ok && s.Sigma > 0 {
		img = imaging.Sharpen(img, s.Sigma)
	}
	if c, ok := domain.EditAs[domain.Convolve](edits, domain.EditConvolve); ok {
		img = convolveImage(img, c)
	}
	if edits.Has(domain.EditNormalize) {
		img = normalizeImage(img)
	}
	if edits.Has(domain.EditGrayscale) {
		img = imaging.Grayscale(img)
	}
	if t, ok := domain.EditAs[domain.Tint](edits, domain.EditTint); ok {
		img = tintImage(img, t)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if o, ok := domain.EditAs[domain.Overlay](edits, domain.EditOverlay); ok {
		if len(in.Overlay) == 0 {
			return nil, errors.New("overlay image is missing")
		}
		var err error
		img, err = overlayImage(img, in.Overlay, o)
		if err != nil {
			return nil, err
		}
	}
	return img, nil
}

func resizeImage(img image.Image, r domain.Resize) image.Image {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()

	if r.Fit == "cover" && r.Width > 0 && r.Height > 0 {
		if r.WithoutEnlargement && (r.Width > sw || r.Height > sh) {
			return img
		}
		return imaging.Fill(img, r.Width, r.Height, imaging.Center, imaging.Lanczos)
	}

	w, h, ok := targetSize(sw, sh, r)
	if ok && (w != sw || h != sh) {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	// Letterbox onto the requested box when a background was given.
	letterbox := r.Fit == "contain" || (r.Fit == domain.FitInside && r.Background != nil)
	if !letterbox || r.Width <= 0 || r.Height <= 0 {
		return img
	}
	bg := color.NRGBA{}
	if r.Background != nil {
		bg = toNRGBA(*r.Background)
	}
	canvas := imaging.New(r.Width, r.Height, bg)
	return imaging.PasteCenter(canvas, img)
}

func flattenImage(img image.Image, bg color.NRGBA) image.Image {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1)
}

// convolveImage applies the kernel row by row, zero-filling a short last
// row. Kernels are scaled by their sum, as long as it is not zero. A width
// longer than the kernel leaves the image untouched.
func convolveImage(img image.Image, c domain.Convolve) image.Image {
	rows := c.Rows()
	if len(rows) == 0 || c.Width > len(c.Kernel) {
		return img
	}

	kernel := convolution.NewKernel(c.Width, len(rows))
	sum := 0.0
	for y, row := range rows {
		for x, v := range row {
			kernel.Matrix[y*c.Width+x] = v
			sum += v
		}
	}
	if sum != 0 {
		for i := range kernel.Matrix {
			kernel.Matrix[i] /= sum
		}
	}
	return convolution.Convolve(img, kernel, &convolution.Options{Bias: 0, Wrap: false})
}

// normalizeImage stretches luminance to the full range.
func normalizeImage(img image.Image) image.Image {
	src := imaging.Clone(img)
	lo, hi := 255.0, 0.0
	for i := 0; i+3 < len(src.Pix); i += 4 {
		if src.Pix[i+3] == 0 {
			continue
		}
		l := luminance(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
		lo = math.Min(lo, l)
		hi = math.Max(hi, l)
	}
	if hi-lo < 1 {
		return src
	}

	scale := 255 / (hi - lo)
	stretch := func(v uint8) uint8 {
		return clampUint8((float64(v) - lo) * scale)
	}
	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: stretch(c.R), G: stretch(c.G), B: stretch(c.B), A: c.A}
	})
}

// tintImage keeps each pixel's lightness and takes its chroma from the tint.
func tintImage(img image.Image, t domain.Tint) image.Image {
	target := colorful.Color{R: float64(t.R) / 255, G: float64(t.G) / 255, B: float64(t.B) / 255}
	_, ta, tb := target.Lab()

	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		px := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
		l, _, _ := px.Lab()
		r, g, b := colorful.Lab(l, ta, tb).Clamped().RGB255()
		return color.NRGBA{R: r, G: g, B: b, A: c.A}
	})
}

func overlayImage(base image.Image, data []byte, o domain.Overlay) (image.Image, error) {
	ov, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode overlay image: %w", err)
	}

	bb, ob := base.Bounds(), ov.Bounds()
	w, h := overlaySize(bb.Dx(), bb.Dy(), ob.Dx(), ob.Dy(), o)
	if w != ob.Dx() || h != ob.Dy() {
		ov = imaging.Resize(ov, w, h, imaging.Lanczos)
	}

	x, y := overlayPlacement(bb.Dx(), bb.Dy(), w, h, o.Options)
	return imaging.Overlay(base, ov, image.Pt(x, y), overlayOpacity(o.Alpha)), nil
}

func imagingOutputFormat(requested, source string) (string, error) {
	if requested != "" {
		format := normalizeOutputFormat(requested)
		if !imagingEncodes(format) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, requested)
		}
		return format, nil
	}
	format := normalizeOutputFormat(source)
	if !imagingEncodes(format) {
		return "png", nil
	}
	return format, nil
}

func imagingEncodes(format string) bool {
	switch format {
	case "jpeg", "png", "gif", "bmp", "tiff":
		return true
	default:
		return false
	}
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var (
		buf bytes.Buffer
		err error
	)

	switch format {
	case "jpeg":
		if quality == 0 {
			quality = 80
		}
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression))
	case "gif":
		err = imaging.Encode(&buf, img, imaging.GIF)
	case "bmp":
		err = imaging.Encode(&buf, img, imaging.BMP)
	case "tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func toNRGBA(c domain.Color) color.NRGBA {
	a := uint8(255)
	if c.Alpha != nil {
		a = clampUint8(*c.Alpha * 255)
	}
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: a}
}

func luminance(r, g, b uint8) float64 {
	return 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
}

func clampUint8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(v))
	}
}
