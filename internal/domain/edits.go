package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// Edit kinds, spelled the way they appear in encoded request payloads.
const (
	EditResize    = "resize"
	EditRotate    = "rotate"
	EditFlatten   = "flatten"
	EditBlur      = "blur"
	EditSharpen   = "sharpen"
	EditGrayscale = "grayscale"
	EditNormalize = "normalize"
	EditConvolve  = "convolve"
	EditTint      = "tint"
	EditOverlay   = "overlayWith"
	EditToFormat  = "toFormat"
)

const (
	FitFill   = "fill"
	FitInside = "inside"
)

// QualityFormats are the formats that carry a per-format quality edit, in
// lookup order.
var QualityFormats = []string{"jpeg", "png", "webp", "tiff", "heif"}

func IsQualityFormat(format string) bool {
	for _, f := range QualityFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Edit is one image edit directive. Kind is the key it occupies in an EditSet.
type Edit interface {
	Kind() string
}

type Color struct {
	R     uint8    `json:"r"`
	G     uint8    `json:"g"`
	B     uint8    `json:"b"`
	Alpha *float64 `json:"alpha,omitempty"`
}

// UnmarshalJSON accepts fractional channels and rounds them into range.
func (c *Color) UnmarshalJSON(data []byte) error {
	var aux struct {
		R     float64  `json:"r"`
		G     float64  `json:"g"`
		B     float64  `json:"b"`
		Alpha *float64 `json:"alpha"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Color{R: ClampChannel(aux.R), G: ClampChannel(aux.G), B: ClampChannel(aux.B), Alpha: aux.Alpha}
	return nil
}

// ClampChannel rounds v to the nearest color channel value in 0..255.
func ClampChannel(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(v))
	}
}

type Resize struct {
	Width              int    `json:"width,omitempty"`
	Height             int    `json:"height,omitempty"`
	Fit                string `json:"fit,omitempty"`
	Background         *Color `json:"background,omitempty"`
	WithoutEnlargement bool   `json:"withoutEnlargement,omitempty"`
}

type Rotate struct {
	Degrees float64
}

type Flatten struct {
	Background Color `json:"background"`
}

type Blur struct {
	Sigma float64
}

type Sharpen struct {
	Sigma float64
}

type Grayscale struct{}

type Normalize struct{}

// Convolve is a kernel laid out row by row, Width values per row. The last
// row may be shorter than Width when the kernel length is not a multiple of it.
type Convolve struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Kernel []float64 `json:"kernel"`
}

// Rows splits the kernel into Height rows of at most Width values.
func (c Convolve) Rows() [][]float64 {
	if c.Width <= 0 {
		return nil
	}
	rows := make([][]float64, 0, c.Height)
	for start := 0; start < len(c.Kernel) && len(rows) < c.Height; start += c.Width {
		end := min(start+c.Width, len(c.Kernel))
		rows = append(rows, c.Kernel[start:end])
	}
	return rows
}

type Tint struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// UnmarshalJSON accepts fractional channels, such as the 127.5 a 50% rgb
// filter yields, and rounds them into range.
func (t *Tint) UnmarshalJSON(data []byte) error {
	var c Color
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	*t = Tint{R: c.R, G: c.G, B: c.B}
	return nil
}

// Overlay composites another stored object over the image. Numeric fields
// are kept as the literal tokens the client sent.
type Overlay struct {
	Bucket  string         `json:"bucket"`
	Key     string         `json:"key"`
	Alpha   string         `json:"alpha,omitempty"`
	WRatio  string         `json:"wRatio,omitempty"`
	HRatio  string         `json:"hRatio,omitempty"`
	Options OverlayOptions `json:"options"`
}

// OverlayOptions positions an overlay. Left and Top are either a signed
// pixel offset or a signed percentage suffixed with "p"; empty means unset.
type OverlayOptions struct {
	Left string `json:"left,omitempty"`
	Top  string `json:"top,omitempty"`
}

type ToFormat struct {
	Format string
}

// Quality is the encoder quality for one output format.
type Quality struct {
	Format  string
	Quality int
}

// Passthrough carries an edit this model has no variant for, verbatim.
type Passthrough struct {
	Name string
	Raw  json.RawMessage
}

func (Resize) Kind() string        { return EditResize }
func (Rotate) Kind() string        { return EditRotate }
func (Flatten) Kind() string       { return EditFlatten }
func (Blur) Kind() string          { return EditBlur }
func (Sharpen) Kind() string       { return EditSharpen }
func (Grayscale) Kind() string     { return EditGrayscale }
func (Normalize) Kind() string     { return EditNormalize }
func (Convolve) Kind() string      { return EditConvolve }
func (Tint) Kind() string          { return EditTint }
func (Overlay) Kind() string       { return EditOverlay }
func (ToFormat) Kind() string      { return EditToFormat }
func (q Quality) Kind() string     { return q.Format }
func (p Passthrough) Kind() string { return p.Name }

// EditSet maps edit kinds to edits. The zero value is an empty set. Sets are
// never modified in place: With and Without return a new set.
type EditSet struct {
	edits map[string]Edit
}

func NewEditSet(edits ...Edit) EditSet {
	return EditSet{}.With(edits...)
}

func (s EditSet) Len() int {
	return len(s.edits)
}

func (s EditSet) Get(kind string) (Edit, bool) {
	e, ok := s.edits[kind]
	return e, ok
}

func (s EditSet) Has(kind string) bool {
	_, ok := s.edits[kind]
	return ok
}

// Kinds returns the kinds present in the set, sorted.
func (s EditSet) Kinds() []string {
	kinds := make([]string, 0, len(s.edits))
	for k := range s.edits {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Edits returns the edits sorted by kind.
func (s EditSet) Edits() []Edit {
	out := make([]Edit, 0, len(s.edits))
	for _, k := range s.Kinds() {
		out = append(out, s.edits[k])
	}
	return out
}

// With returns a copy of s with the given edits set, replacing any edit of
// the same kind.
func (s EditSet) With(edits ...Edit) EditSet {
	next := make(map[string]Edit, len(s.edits)+len(edits))
	for k, e := range s.edits {
		next[k] = e
	}
	for _, e := range edits {
		if e == nil || e.Kind() == "" {
			continue
		}
		next[e.Kind()] = e
	}
	return EditSet{edits: next}
}

func (s EditSet) Without(kinds ...string) EditSet {
	next := make(map[string]Edit, len(s.edits))
	for k, e := range s.edits {
		next[k] = e
	}
	for _, k := range kinds {
		delete(next, k)
	}
	return EditSet{edits: next}
}

// Equal reports whether both sets hold the same edits. A nil and an empty set
// are equal.
func (s EditSet) Equal(other EditSet) bool {
	if len(s.edits) != len(other.edits) {
		return false
	}
	for k, e := range s.edits {
		o, ok := other.edits[k]
		if !ok || !reflect.DeepEqual(e, o) {
			return false
		}
	}
	return true
}

// EditAs returns the edit stored under kind when it has type T.
func EditAs[T Edit](s EditSet, kind string) (T, bool) {
	e, ok := s.edits[kind]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := e.(T)
	return typed, ok
}

func (s EditSet) Resize() (Resize, bool) {
	return EditAs[Resize](s, EditResize)
}

func (s EditSet) ToFormat() (string, bool) {
	f, ok := EditAs[ToFormat](s, EditToFormat)
	return f.Format, ok && f.Format != ""
}

// Quality returns the first quality edit in QualityFormats order.
func (s EditSet) Quality() (Quality, bool) {
	for _, format := range QualityFormats {
		if q, ok := EditAs[Quality](s, format); ok {
			return q, true
		}
	}
	return Quality{}, false
}

func (s EditSet) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.edits))
	for kind, e := range s.edits {
		switch v := e.(type) {
		case Rotate:
			out[kind] = v.Degrees
		case Blur:
			out[kind] = v.Sigma
		case Sharpen:
			out[kind] = v.Sigma
		case Grayscale, Normalize:
			out[kind] = true
		case ToFormat:
			out[kind] = v.Format
		case Quality:
			out[kind] = map[string]int{"quality": v.Quality}
		case Passthrough:
			out[kind] = v.Raw
		default:
			out[kind] = v
		}
	}
	return json.Marshal(out)
}

func (s *EditSet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = EditSet{}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("edits must be an object: %w", err)
	}

	edits := make([]Edit, 0, len(raw))
	for kind, value := range raw {
		e, err := decodeEdit(kind, value)
		if err != nil {
			return fmt.Errorf("edit %q: %w", kind, err)
		}
		if e != nil {
			edits = append(edits, e)
		}
	}
	*s = NewEditSet(edits...)
	return nil
}

func decodeEdit(kind string, value json.RawMessage) (Edit, error) {
	switch kind {
	case EditResize:
		return unmarshalEdit[Resize](value)
	case EditFlatten:
		return unmarshalEdit[Flatten](value)
	case EditConvolve:
		return unmarshalEdit[Convolve](value)
	case EditTint:
		return unmarshalEdit[Tint](value)
	case EditOverlay:
		return unmarshalEdit[Overlay](value)
	case EditRotate, EditBlur, EditSharpen:
		var n float64
		if err := json.Unmarshal(value, &n); err != nil {
			return nil, err
		}
		switch kind {
		case EditRotate:
			return Rotate{Degrees: n}, nil
		case EditBlur:
			return Blur{Sigma: n}, nil
		default:
			return Sharpen{Sigma: n}, nil
		}
	case EditGrayscale:
		if !truthy(value) {
			return nil, nil
		}
		return Grayscale{}, nil
	case EditNormalize:
		if !truthy(value) {
			return nil, nil
		}
		return Normalize{}, nil
	case EditToFormat:
		var format string
		if err := json.Unmarshal(value, &format); err != nil {
			return nil, err
		}
		return ToFormat{Format: format}, nil
	}

	if IsQualityFormat(kind) {
		if q, ok := decodeQuality(kind, value); ok {
			return q, nil
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return nil, err
	}
	return Passthrough{Name: kind, Raw: json.RawMessage(compact.Bytes())}, nil
}

func unmarshalEdit[T Edit](value json.RawMessage) (Edit, error) {
	var v T
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeQuality accepts {"quality": n} only; richer encoder options stay
// passthrough so nothing is lost.
func decodeQuality(format string, value json.RawMessage) (Quality, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(value, &fields); err != nil || len(fields) != 1 {
		return Quality{}, false
	}
	rawQuality, ok := fields["quality"]
	if !ok {
		return Quality{}, false
	}
	var q float64
	if err := json.Unmarshal(rawQuality, &q); err != nil {
		return Quality{}, false
	}
	return Quality{Format: format, Quality: int(math.Round(q))}, true
}

func truthy(value json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(value, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		parsed, err := strconv.ParseBool(s)
		return err == nil && parsed
	}
	return false
}

func (o *Overlay) UnmarshalJSON(data []byte) error {
	var aux struct {
		Bucket  json.RawMessage `json:"bucket"`
		Key     json.RawMessage `json:"key"`
		Alpha   json.RawMessage `json:"alpha"`
		WRatio  json.RawMessage `json:"wRatio"`
		HRatio  json.RawMessage `json:"hRatio"`
		Options struct {
			Left json.RawMessage `json:"left"`
			Top  json.RawMessage `json:"top"`
		} `json:"options"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		raw json.RawMessage
		dst *string
	}{
		{aux.Bucket, &o.Bucket},
		{aux.Key, &o.Key},
		{aux.Alpha, &o.Alpha},
		{aux.WRatio, &o.WRatio},
		{aux.HRatio, &o.HRatio},
		{aux.Options.Left, &o.Options.Left},
		{aux.Options.Top, &o.Options.Top},
	}
	for _, f := range fields {
		text, err := literalText(f.raw)
		if err != nil {
			return err
		}
		*f.dst = text
	}
	return nil
}

// literalText renders a JSON string or number as the text the client wrote.
func literalText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", raw)
	}
	return n.String(), nil
}
