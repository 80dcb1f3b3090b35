package request

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelgate/internal/domain"
)

type filterFunc func(b *editBuilder, args string) error

// filterTable maps filter names to the edits they contribute. Names missing
// from the table are skipped without error.
var filterTable = map[string]filterFunc{
	"autojpg":          autoJPG,
	"background_color": backgroundColor,
	"blur":             blur,
	"convolution":      convolution,
	"equalize":         equalize,
	"fill":             fill,
	"fit-in":           fitIn,
	"format":           format,
	"grayscale":        grayscale,
	"no_upscale":       noUpscale,
	"proportion":       proportion,
	"quality":          quality,
	"rgb":              rgb,
	"rotate":           rotate,
	"sharpen":          sharpen,
	"stretch":          stretch,
	"strip_exif":       stripMetadata,
	"strip_icc":        stripMetadata,
	"upscale":          upscale,
	"watermark":        watermark,
}

var toFormatValues = map[string]bool{
	"heic": true, "heif": true, "jpeg": true, "png": true, "raw": true, "tiff": true, "webp": true,
}

// ParseFilterChain reads the edits encoded in a filter-chain path: an
// optional WxH dimension segment, fit-in segments and filters:name(args)
// segments, where one segment may chain several filters with ':'.
func ParseFilterChain(p string) (domain.EditSet, error) {
	b := newEditBuilder(qualityFormatOf(p))

	// Only the first match counts so file names like 100x100.png stay keys.
	if m := dimensionPattern.FindStringSubmatch(p); m != nil {
		width, errW := strconv.Atoi(m[1])
		height, errH := strconv.Atoi(m[2])
		if errW == nil && errH == nil {
			b.setResize(domain.Resize{Width: width, Height: height, Fit: domain.FitFill})
		}
	}

	for _, segment := range strings.Split(p, "/") {
		switch {
		case segment == "fit-in":
			if err := filterTable["fit-in"](b, ""); err != nil {
				return domain.EditSet{}, ErrParseEdits.wrap(err)
			}
		case strings.HasPrefix(segment, "filters:"):
			calls, err := splitFilters(strings.TrimPrefix(segment, "filters:"))
			if err != nil {
				return domain.EditSet{}, ErrParseEdits.wrap(err)
			}
			for _, call := range calls {
				apply, ok := filterTable[call.name]
				if !ok {
					continue
				}
				if err := apply(b, call.args); err != nil {
					return domain.EditSet{}, ErrParseEdits.wrap(fmt.Errorf("filter %s(%s): %w", call.name, call.args, err))
				}
			}
		}
	}

	return b.build(), nil
}

// ObjectKey strips dimension, filter and fit-in segments from a
// filter-chain path and URL-decodes what is left.
func ObjectKey(p string) (string, error) {
	stripped := keyNoisePattern.ReplaceAllStringFunc(p, func(match string) string {
		if strings.HasPrefix(match, "/fit-in") {
			return "/"
		}
		return ""
	})
	stripped = strings.TrimLeft(stripped, "/")

	key, err := url.PathUnescape(stripped)
	if err != nil {
		return "", ErrParseEdits.wrap(fmt.Errorf("decode object key: %w", err))
	}
	return key, nil
}

type filterCall struct {
	name string
	args string
}

func splitFilters(chain string) ([]filterCall, error) {
	var calls []filterCall
	rest := chain
	for rest != "" {
		open := strings.IndexByte(rest, '(')
		if open <= 0 {
			return nil, fmt.Errorf("malformed filter %q", rest)
		}
		end := closingParen(rest, open)
		if end < 0 {
			return nil, fmt.Errorf("unterminated filter %q", rest)
		}
		calls = append(calls, filterCall{name: rest[:open], args: rest[open+1 : end]})

		rest = rest[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return nil, fmt.Errorf("unexpected %q after filter %s", rest, calls[len(calls)-1].name)
			}
			rest = rest[1:]
		}
	}
	if len(calls) == 0 {
		return nil, errors.New("empty filter segment")
	}
	return calls, nil
}

// closingParen finds the ')' ending the call opened at open: the first one
// followed by ':' or by the end of the chain.
func closingParen(s string, open int) int {
	for i := open + 1; i < len(s); i++ {
		if s[i] == ')' && (i == len(s)-1 || s[i+1] == ':') {
			return i
		}
	}
	return -1
}

// qualityFormatOf maps the path's file extension to the format a quality
// filter applies to, or "" when the extension has none.
func qualityFormatOf(p string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "jpg" {
		ext = "jpeg"
	}
	if !domain.IsQualityFormat(ext) {
		return ""
	}
	return ext
}

// editBuilder accumulates the edits of one path. It is owned by a single
// ParseFilterChain call and finalized once.
type editBuilder struct {
	edits         map[string]domain.Edit
	qualityFormat string
	fitIn         bool
}

func newEditBuilder(qualityFormat string) *editBuilder {
	return &editBuilder{
		edits:         make(map[string]domain.Edit),
		qualityFormat: qualityFormat,
	}
}

func (b *editBuilder) set(e domain.Edit) {
	b.edits[e.Kind()] = e
}

func (b *editBuilder) resize() domain.Resize {
	r, _ := b.edits[domain.EditResize].(domain.Resize)
	return r
}

func (b *editBuilder) setResize(r domain.Resize) {
	b.set(r)
}

func (b *editBuilder) build() domain.EditSet {
	edits := make([]domain.Edit, 0, len(b.edits))
	for _, e := range b.edits {
		edits = append(edits, e)
	}
	return domain.NewEditSet(edits...)
}

func autoJPG(b *editBuilder, _ string) error {
	b.set(domain.ToFormat{Format: "jpeg"})
	return nil
}

func backgroundColor(b *editBuilder, args string) error {
	c, err := ResolveColor(args)
	if err != nil {
		return err
	}
	b.set(domain.Flatten{Background: c})
	return nil
}

// blur takes either (radius) or (radius,sigma). Blank values read as 0.
func blur(b *editBuilder, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) > 1 {
		sigma, err := numberOrZero(parts[1])
		if err != nil {
			return err
		}
		b.set(domain.Blur{Sigma: sigma})
		return nil
	}
	radius, err := numberOrZero(parts[0])
	if err != nil {
		return err
	}
	b.set(domain.Blur{Sigma: radius / 2})
	return nil
}

// convolution takes (k1;k2;...;kn,width[,normalize]).
func convolution(b *editBuilder, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) < 2 {
		return errors.New("expected matrix and width")
	}

	cells := strings.Split(parts[0], ";")
	kernel := make([]float64, 0, len(cells))
	for _, cell := range cells {
		v, err := parseNumber(cell)
		if err != nil {
			return err
		}
		kernel = append(kernel, v)
	}

	width, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || width <= 0 {
		return fmt.Errorf("invalid matrix width %q", parts[1])
	}
	if width > len(kernel) {
		return fmt.Errorf("matrix width %d exceeds kernel length %d", width, len(kernel))
	}

	b.set(domain.Convolve{
		Width:  width,
		Height: kernelHeight(len(kernel), width),
		Kernel: kernel,
	})
	return nil
}

// kernelHeight steps a column counter over every cell, wrapping it after
// width-1, and counts a wrap as a row. A partly filled last row also counts.
func kernelHeight(count, width int) int {
	height, counter := 0, 0
	for i := 0; i < count; i++ {
		if counter == width-1 {
			height++
			counter = 0
		} else {
			counter++
		}
	}
	if counter != 0 {
		height++
	}
	return height
}

func equalize(b *editBuilder, _ string) error {
	b.set(domain.Normalize{})
	return nil
}

func fill(b *editBuilder, args string) error {
	c, err := ResolveColor(args)
	if err != nil {
		return err
	}
	r := b.resize()
	r.Background = &c
	b.setResize(r)
	return nil
}

func fitIn(b *editBuilder, _ string) error {
	r := b.resize()
	r.Fit = domain.FitInside
	b.setResize(r)
	b.fitIn = true
	return nil
}

// format ignores values outside the supported output formats.
func format(b *editBuilder, args string) error {
	var sb strings.Builder
	for _, r := range strings.ToLower(args) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			sb.WriteRune(r)
		}
	}
	value := strings.Replace(sb.String(), "jpg", "jpeg", 1)
	if toFormatValues[value] {
		b.set(domain.ToFormat{Format: value})
	}
	return nil
}

func grayscale(b *editBuilder, _ string) error {
	b.set(domain.Grayscale{})
	return nil
}

func noUpscale(b *editBuilder, _ string) error {
	r := b.resize()
	r.WithoutEnlargement = true
	b.setResize(r)
	return nil
}

func proportion(b *editBuilder, args string) error {
	factor, err := parseNumber(args)
	if err != nil {
		return err
	}
	r := b.resize()
	r.Width = int(math.Round(float64(r.Width) * factor))
	r.Height = int(math.Round(float64(r.Height) * factor))
	b.setResize(r)
	return nil
}

// quality applies to the format of the source extension; the negotiator
// moves it once the output format is known.
func quality(b *editBuilder, args string) error {
	q, err := parseNumber(args)
	if err != nil {
		return err
	}
	if b.qualityFormat == "" {
		return nil
	}
	b.set(domain.Quality{Format: b.qualityFormat, Quality: int(math.Round(q))})
	return nil
}

// rgb takes three channel percentages.
func rgb(b *editBuilder, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) < 3 {
		return errors.New("expected three channel percentages")
	}
	var channels [3]uint8
	for i := range channels {
		pct, err := parseNumber(parts[i])
		if err != nil {
			return err
		}
		channels[i] = domain.ClampChannel(255 * pct / 100)
	}
	b.set(domain.Tint{R: channels[0], G: channels[1], B: channels[2]})
	return nil
}

// rotate reads a blank angle as 0.
func rotate(b *editBuilder, args string) error {
	deg, err := numberOrZero(args)
	if err != nil {
		return err
	}
	b.set(domain.Rotate{Degrees: deg})
	return nil
}

// sharpen takes (amount,radius[,luminance_only]); sigma derives from radius.
func sharpen(b *editBuilder, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) < 2 {
		return errors.New("expected amount and radius")
	}
	radius, err := parseNumber(parts[1])
	if err != nil {
		return err
	}
	b.set(domain.Sharpen{Sigma: 1 + radius/2})
	return nil
}

func stretch(b *editBuilder, _ string) error {
	r := b.resize()
	if !b.fitIn {
		r.Fit = domain.FitFill
	}
	b.setResize(r)
	return nil
}

// stripMetadata relies on the renderer dropping metadata whenever it
// rotates, so it replaces any rotation with a zero-degree one.
func stripMetadata(b *editBuilder, _ string) error {
	b.set(domain.Rotate{Degrees: 0})
	return nil
}

func upscale(b *editBuilder, _ string) error {
	r := b.resize()
	r.Fit = domain.FitInside
	b.setResize(r)
	return nil
}

// watermark takes (bucket,key,x,y,alpha,wRatio,hRatio). Positions that are
// neither a number nor a -100p..100p percentage are dropped.
func watermark(b *editBuilder, args string) error {
	options := strings.Split(strings.Join(strings.Fields(args), ""), ",")
	for len(options) < 7 {
		options = append(options, "")
	}

	overlay := domain.Overlay{
		Bucket: options[0],
		Key:    options[1],
		Alpha:  options[4],
		WRatio: options[5],
		HRatio: options[6],
	}
	if validPosition(options[2]) {
		overlay.Options.Left = options[2]
	}
	if validPosition(options[3]) {
		overlay.Options.Top = options[3]
	}
	b.set(overlay)
	return nil
}

func validPosition(token string) bool {
	if positionPercentPattern.MatchString(token) {
		return true
	}
	_, err := parseNumber(token)
	return err == nil
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func numberOrZero(s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return parseNumber(s)
}
