package request

import (
	"errors"
	"reflect"
	"testing"

	"github.com/dunamismax/pixelgate/internal/domain"
)

func TestParseFilterChainDimensionsAndGrayscale(t *testing.T) {
	edits, err := ParseFilterChain("/400x300/filters:grayscale()/photo.jpg")
	if err != nil {
		t.Fatalf("ParseFilterChain returned error: %v", err)
	}

	resize, ok := edits.Resize()
	if !ok {
		t.Fatal("expected resize edit")
	}
	if resize.Width != 400 || resize.Height != 300 || resize.Fit != domain.FitFill {
		t.Fatalf("unexpected resize %+v", resize)
	}
	if !edits.Has(domain.EditGrayscale) {
		t.Fatal("expected grayscale edit")
	}
	if edits.Len() != 2 {
		t.Fatalf("expected 2 edits, got %v", edits.Kinds())
	}
}

func TestParseFilterChainFilters(t *testing.T) {
	red := domain.Color{R: 255}

	tests := []struct {
		name string
		path string
		kind string
		want domain.Edit
	}{
		{"blur radius", "/filters:blur(7)/a.jpg", domain.EditBlur, domain.Blur{Sigma: 3.5}},
		{"blur sigma", "/filters:blur(7,2)/a.jpg", domain.EditBlur, domain.Blur{Sigma: 2}},
		{"sharpen", "/filters:sharpen(2,4,true)/a.jpg", domain.EditSharpen, domain.Sharpen{Sigma: 3}},
		{"rotate", "/filters:rotate(90)/a.jpg", domain.EditRotate, domain.Rotate{Degrees: 90}},
		{"rotate blank", "/filters:rotate()/a.jpg", domain.EditRotate, domain.Rotate{Degrees: 0}},
		{"blur blank", "/filters:blur()/a.jpg", domain.EditBlur, domain.Blur{Sigma: 0}},
		{"blur blank sigma", "/filters:blur(4, )/a.jpg", domain.EditBlur, domain.Blur{Sigma: 0}},
		{"equalize", "/filters:equalize()/a.jpg", domain.EditNormalize, domain.Normalize{}},
		{"autojpg", "/filters:autojpg()/a.png", domain.EditToFormat, domain.ToFormat{Format: "jpeg"}},
		{"format jpg", "/filters:format(jpg)/a.png", domain.EditToFormat, domain.ToFormat{Format: "jpeg"}},
		{"format quoted", "/filters:format('WEBP')/a.png", domain.EditToFormat, domain.ToFormat{Format: "webp"}},
		{"quality png", "/filters:quality(70)/a.png", "png", domain.Quality{Format: "png", Quality: 70}},
		{"quality jpg", "/filters:quality(85)/a.jpg", "jpeg", domain.Quality{Format: "jpeg", Quality: 85}},
		{"rgb clamps", "/filters:rgb(20,-10,120)/a.jpg", domain.EditTint, domain.Tint{R: 51, G: 0, B: 255}},
		{"background name", "/filters:background_color(red)/a.jpg", domain.EditFlatten, domain.Flatten{Background: red}},
		{"background hex", "/filters:background_color(ff0000)/a.jpg", domain.EditFlatten, domain.Flatten{Background: red}},
		{"background short hex", "/filters:background_color(#f00)/a.jpg", domain.EditFlatten, domain.Flatten{Background: red}},
		{"strip exif", "/filters:strip_exif()/a.jpg", domain.EditRotate, domain.Rotate{Degrees: 0}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			edits, err := ParseFilterChain(tc.path)
			if err != nil {
				t.Fatalf("ParseFilterChain(%q) returned error: %v", tc.path, err)
			}
			got, ok := edits.Get(tc.kind)
			if !ok {
				t.Fatalf("expected %s edit, got %v", tc.kind, edits.Kinds())
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %#v, got %#v", tc.want, got)
			}
		})
	}
}

func TestParseFilterChainResizeModifiers(t *testing.T) {
	tests := []struct {
		path string
		want domain.Resize
	}{
		{"/fit-in/400x300/a.jpg", domain.Resize{Width: 400, Height: 300, Fit: domain.FitInside}},
		{"/400x300/filters:proportion(0.5)/a.jpg", domain.Resize{Width: 200, Height: 150, Fit: domain.FitFill}},
		{"/400x300/filters:no_upscale()/a.jpg", domain.Resize{Width: 400, Height: 300, Fit: domain.FitFill, WithoutEnlargement: true}},
		{"/400x300/filters:upscale()/a.jpg", domain.Resize{Width: 400, Height: 300, Fit: domain.FitInside}},
		{"/fit-in/400x300/filters:stretch()/a.jpg", domain.Resize{Width: 400, Height: 300, Fit: domain.FitInside}},
		{"/400x300/filters:fill(blue)/a.jpg", domain.Resize{Width: 400, Height: 300, Fit: domain.FitFill, Background: &domain.Color{B: 255}}},
		{"/100x100/200x50.png", domain.Resize{Width: 100, Height: 100, Fit: domain.FitFill}},
	}

	for _, tc := range tests {
		edits, err := ParseFilterChain(tc.path)
		if err != nil {
			t.Fatalf("ParseFilterChain(%q) returned error: %v", tc.path, err)
		}
		got, ok := edits.Resize()
		if !ok {
			t.Fatalf("%s: expected resize edit", tc.path)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: expected %+v, got %+v", tc.path, tc.want, got)
		}
	}
}

func TestParseFilterChainChainedFiltersInOneSegment(t *testing.T) {
	edits, err := ParseFilterChain("/filters:grayscale():rotate(180):blur(4)/a.jpg")
	if err != nil {
		t.Fatalf("ParseFilterChain returned error: %v", err)
	}
	want := []string{domain.EditBlur, domain.EditGrayscale, domain.EditRotate}
	if !reflect.DeepEqual(edits.Kinds(), want) {
		t.Fatalf("expected %v, got %v", want, edits.Kinds())
	}
}

func TestParseFilterChainIgnoresUnknownFilters(t *testing.T) {
	edits, err := ParseFilterChain("/filters:sepia(10)/a.jpg")
	if err != nil {
		t.Fatalf("ParseFilterChain returned error: %v", err)
	}
	if edits.Len() != 0 {
		t.Fatalf("expected no edits, got %v", edits.Kinds())
	}
}

func TestParseFilterChainRejectsMalformedFilters(t *testing.T) {
	paths := []string{
		"/filters:grayscale/a.jpg",
		"/filters:background_color(notacolor)/a.jpg",
		"/filters:fill(12345)/a.jpg",
		"/filters:blur(abc)/a.jpg",
		"/filters:sharpen(2)/a.jpg",
		"/filters:rgb(1,2)/a.jpg",
		"/filters:convolution(1;2;3)/a.jpg",
		"/filters:convolution(1;2,3)/a.jpg",
		"/filters:rotate(left)/a.jpg",
	}
	for _, p := range paths {
		_, err := ParseFilterChain(p)
		if !errors.Is(err, ErrParseEdits) {
			t.Fatalf("%s: expected ErrParseEdits, got %v", p, err)
		}
	}
}

func TestParseFilterChainConvolution(t *testing.T) {
	edits, err := ParseFilterChain("/filters:convolution(1;2;3;4;5,2)/a.jpg")
	if err != nil {
		t.Fatalf("ParseFilterChain returned error: %v", err)
	}
	conv, ok := domain.EditAs[domain.Convolve](edits, domain.EditConvolve)
	if !ok {
		t.Fatal("expected convolve edit")
	}
	if conv.Width != 2 || conv.Height != 3 {
		t.Fatalf("expected 2x3 kernel, got %dx%d", conv.Width, conv.Height)
	}
	want := [][]float64{{1, 2}, {3, 4}, {5}}
	if !reflect.DeepEqual(conv.Rows(), want) {
		t.Fatalf("expected rows %v, got %v", want, conv.Rows())
	}
}

func TestKernelHeight(t *testing.T) {
	tests := []struct{ count, width, want int }{
		{9, 3, 3},
		{5, 2, 3},
		{4, 2, 2},
		{1, 1, 1},
		{7, 3, 3},
	}
	for _, tc := range tests {
		if got := kernelHeight(tc.count, tc.width); got != tc.want {
			t.Fatalf("kernelHeight(%d, %d) = %d, want %d", tc.count, tc.width, got, tc.want)
		}
	}
}

func TestParseFilterChainWatermark(t *testing.T) {
	edits, err := ParseFilterChain("/filters:watermark(logos, mark.png, 10p, -5p, 50, 20, none)/a.jpg")
	if err != nil {
		t.Fatalf("ParseFilterChain returned error: %v", err)
	}
	overlay, ok := domain.EditAs[domain.Overlay](edits, domain.EditOverlay)
	if !ok {
		t.Fatal("expected overlay edit")
	}
	want := domain.Overlay{
		Bucket:  "logos",
		Key:     "mark.png",
		Alpha:   "50",
		WRatio:  "20",
		HRatio:  "none",
		Options: domain.OverlayOptions{Left: "10p", Top: "-5p"},
	}
	if !reflect.DeepEqual(overlay, want) {
		t.Fatalf("expected %+v, got %+v", want, overlay)
	}
}

func TestParseFilterChainWatermarkDropsInvalidPositions(t *testing.T) {
	edits, err := ParseFilterChain("/filters:watermark(logos,mark.png,abc,150p)/a.jpg")
	if err != nil {
		t.Fatalf("ParseFilterChain returned error: %v", err)
	}
	overlay, _ := domain.EditAs[domain.Overlay](edits, domain.EditOverlay)
	if overlay.Options.Left != "" || overlay.Options.Top != "" {
		t.Fatalf("expected positions dropped, got %+v", overlay.Options)
	}
	if overlay.Key != "mark.png" {
		t.Fatalf("expected key mark.png, got %q", overlay.Key)
	}
}

func TestValidPosition(t *testing.T) {
	valid := []string{"0", "-12", "3.5", "0p", "10p", "100p", "-5p", "-100p"}
	invalid := []string{"", "abc", "101p", "-101p", "p", "10pp", "NaN"}
	for _, v := range valid {
		if !validPosition(v) {
			t.Fatalf("expected %q to be valid", v)
		}
	}
	for _, v := range invalid {
		if validPosition(v) {
			t.Fatalf("expected %q to be invalid", v)
		}
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct{ path, want string }{
		{"/400x300/filters:grayscale()/photo.jpg", "photo.jpg"},
		{"/fit-in/400x300/photo.jpg", "photo.jpg"},
		{"/fit-in/400x300/filters:format(webp):quality(80)/dir/photo.jpg", "dir/photo.jpg"},
		{"/filters:grayscale()/my%20photo.jpg", "my photo.jpg"},
		{"/100x100/200x50.png", "200x50.png"},
		{"//nested/photo.jpg", "nested/photo.jpg"},
	}
	for _, tc := range tests {
		got, err := ObjectKey(tc.path)
		if err != nil {
			t.Fatalf("ObjectKey(%q) returned error: %v", tc.path, err)
		}
		if got != tc.want {
			t.Fatalf("ObjectKey(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}

	if _, err := ObjectKey("/photo%zz.jpg"); !errors.Is(err, ErrParseEdits) {
		t.Fatalf("expected ErrParseEdits for bad escape, got %v", err)
	}
}
