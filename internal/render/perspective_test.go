package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

// quadrantPano builds an equirectangular test image whose four longitude
// quadrants are solid colours: north red, east green, south blue, west white.
// Longitude 0 (north) is the image centre when centerHeading is 0.
func quadrantPano(t *testing.T) []byte {
	t.Helper()
	const w, h = 256, 128
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	colors := []color.RGBA{
		{255, 255, 255, 255}, // leftmost: longitude -180..-90, west
		{255, 0, 0, 255},     // -90..0 ... crosses into north at centre
		{0, 255, 0, 255},     // 0..90, east
		{0, 0, 255, 255},     // 90..180, south
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, colors[x/(w/4)])
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("failed to encode test pano: %v", err)
	}
	return buf.Bytes()
}

func defaultOptions() Options {
	return Options{Heading: 0, Pitch: 0, FOV: 90, Width: 64, Height: 48}
}

func TestPerspectiveOutputSize(t *testing.T) {
	out, err := Perspective(quadrantPano(t), defaultOptions())
	if err != nil {
		t.Fatalf("Perspective() error: %v", err)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Errorf("output size = %dx%d, want 64x48", cfg.Width, cfg.Height)
	}
}

func TestPerspectiveDeterministic(t *testing.T) {
	pano := quadrantPano(t)
	opts := defaultOptions()

	first, err := Perspective(pano, opts)
	if err != nil {
		t.Fatalf("Perspective() error: %v", err)
	}
	second, err := Perspective(pano, opts)
	if err != nil {
		t.Fatalf("Perspective() error: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("identical inputs produced different bytes")
	}
}

// centrePixel decodes a rendered view and returns its centre colour.
func centrePixel(t *testing.T, jpegBytes []byte) color.RGBA {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		t.Fatalf("failed to decode rendered view: %v", err)
	}
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2).RGBA()
	return color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8), 255}
}

func dominant(c color.RGBA) string {
	switch {
	case c.R > 180 && c.G > 180 && c.B > 180:
		return "white"
	case c.R > c.G && c.R > c.B:
		return "red"
	case c.G > c.R && c.G > c.B:
		return "green"
	default:
		return "blue"
	}
}

func TestHeadingSelectsQuadrant(t *testing.T) {
	pano := quadrantPano(t)

	cases := []struct {
		heading float64
		want    string
	}{
		{350, "red"},   // just west of north, still in the red band
		{45, "green"},  // east quadrant
		{135, "blue"},  // south quadrant
		{225, "white"}, // west quadrant
	}
	for _, tc := range cases {
		opts := defaultOptions()
		opts.Heading = tc.heading
		out, err := Perspective(pano, opts)
		if err != nil {
			t.Fatalf("Perspective(heading=%v) error: %v", tc.heading, err)
		}
		if got := dominant(centrePixel(t, out)); got != tc.want {
			t.Errorf("heading %v: centre colour %v, want %s", tc.heading, centrePixel(t, out), tc.want)
		}
	}
}

func TestCenterHeadingOffsetsImage(t *testing.T) {
	pano := quadrantPano(t)

	// With centerHeading 90 the image centre is east: looking north-east
	// (heading 45) lands 45° left of the image centre, in the red band.
	opts := defaultOptions()
	opts.Heading = 45
	opts.CenterHeading = 90
	out, err := Perspective(pano, opts)
	if err != nil {
		t.Fatalf("Perspective() error: %v", err)
	}
	if got := dominant(centrePixel(t, out)); got != "red" {
		t.Errorf("centre colour = %s, want red", got)
	}
}

func TestValidateBoundaries(t *testing.T) {
	accepted := []Options{
		{Heading: 0, Pitch: 85, FOV: 90, Width: 8, Height: 8},
		{Heading: 0, Pitch: -85, FOV: 90, Width: 8, Height: 8},
		{Heading: 359.99, Pitch: 0, FOV: 30, Width: 8, Height: 8},
		{Heading: 0, Pitch: 0, FOV: 100, Width: 8, Height: 8},
	}
	for _, o := range accepted {
		if err := o.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", o, err)
		}
	}

	rejected := []Options{
		{Heading: 360, Pitch: 0, FOV: 90, Width: 8, Height: 8},
		{Heading: -1, Pitch: 0, FOV: 90, Width: 8, Height: 8},
		{Heading: 0, Pitch: 86, FOV: 90, Width: 8, Height: 8},
		{Heading: 0, Pitch: -86, FOV: 90, Width: 8, Height: 8},
		{Heading: 0, Pitch: 0, FOV: 29, Width: 8, Height: 8},
		{Heading: 0, Pitch: 0, FOV: 101, Width: 8, Height: 8},
	}
	for _, o := range rejected {
		if err := o.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", o)
		}
	}
}
