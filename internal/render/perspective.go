// Package render projects equirectangular panoramas into perspective camera
// views. The projection is a pure function: identical inputs produce
// identical JPEG bytes.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
)

const jpegQuality = 90

// Options describe one perspective view. Heading is degrees from true north,
// clockwise; pitch positive looks up; fov is the horizontal field of view.
// CenterHeading is the true-north heading of the panorama image centre, from
// metadata; it is the only place image space and true-north space differ.
type Options struct {
	Heading       float64
	Pitch         float64
	FOV           float64
	CenterHeading float64
	Width         int
	Height        int
}

// Validate checks the option ranges the engine accepts.
func (o Options) Validate() error {
	if o.Heading < 0 || o.Heading >= 360 {
		return fmt.Errorf("heading %f out of range [0,360)", o.Heading)
	}
	if o.Pitch < -85 || o.Pitch > 85 {
		return fmt.Errorf("pitch %f out of range [-85,85]", o.Pitch)
	}
	if o.FOV < 30 || o.FOV > 100 {
		return fmt.Errorf("fov %f out of range [30,100]", o.FOV)
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("output size %dx%d invalid", o.Width, o.Height)
	}
	return nil
}

// Perspective renders a perspective view from an equirectangular JPEG and
// returns the encoded JPEG bytes.
func Perspective(equirect []byte, o Options) ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	src, err := jpeg.Decode(bytes.NewReader(equirect))
	if err != nil {
		return nil, fmt.Errorf("failed to decode equirectangular image: %w", err)
	}

	out := Project(src, o)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode perspective view: %w", err)
	}
	return buf.Bytes(), nil
}

// Project performs the equirectangular-to-perspective projection with
// bilinear sampling. The vertical field of view follows from the horizontal
// one and the output aspect ratio.
func Project(src image.Image, o Options) *image.RGBA {
	bounds := src.Bounds()
	srcW := float64(bounds.Dx())
	srcH := float64(bounds.Dy())

	aspect := float64(o.Width) / float64(o.Height)
	hFov := o.FOV * math.Pi / 180
	vFov := (o.FOV / aspect) * math.Pi / 180

	// Separate focal lengths, matching the fov pair convention.
	fx := (float64(o.Width) / 2) / math.Tan(hFov/2)
	fy := (float64(o.Height) / 2) / math.Tan(vFov/2)

	// View centre longitude in panorama image space.
	yaw := (o.Heading - o.CenterHeading) * math.Pi / 180
	pitch := o.Pitch * math.Pi / 180

	sinYaw, cosYaw := math.Sin(yaw), math.Cos(yaw)
	sinPitch, cosPitch := math.Sin(pitch), math.Cos(pitch)

	out := image.NewRGBA(image.Rect(0, 0, o.Width, o.Height))

	for py := 0; py < o.Height; py++ {
		for px := 0; px < o.Width; px++ {
			// Camera-space ray: x right, y up, z forward.
			cx := (float64(px) + 0.5 - float64(o.Width)/2) / fx
			cy := (float64(o.Height)/2 - float64(py) - 0.5) / fy
			cz := 1.0

			// Pitch: rotate about the x axis, positive looks up.
			ry := cy*cosPitch + cz*sinPitch
			rz := cz*cosPitch - cy*sinPitch
			rx := cx

			// Yaw: rotate about the vertical axis, clockwise from above.
			wx := rx*cosYaw + rz*sinYaw
			wz := rz*cosYaw - rx*sinYaw
			wy := ry

			norm := math.Sqrt(wx*wx + wy*wy + wz*wz)
			lon := math.Atan2(wx, wz)
			lat := math.Asin(wy / norm)

			// Equirectangular sample position; image centre is longitude 0.
			sx := (lon/(2*math.Pi) + 0.5) * srcW
			sy := (0.5 - lat/math.Pi) * srcH

			r, g, b := sampleBilinear(src, sx, sy, srcW, srcH)
			i := out.PixOffset(px, py)
			out.Pix[i+0] = r
			out.Pix[i+1] = g
			out.Pix[i+2] = b
			out.Pix[i+3] = 0xff
		}
	}

	return out
}

// sampleBilinear samples the equirectangular source with horizontal wrap and
// vertical clamp.
func sampleBilinear(src image.Image, x, y, w, h float64) (uint8, uint8, uint8) {
	x -= 0.5
	y -= 0.5

	x0 := math.Floor(x)
	y0 := math.Floor(y)
	tx := x - x0
	ty := y - y0

	ix0 := wrapInt(int(x0), int(w))
	ix1 := wrapInt(int(x0)+1, int(w))
	iy0 := clampInt(int(y0), int(h))
	iy1 := clampInt(int(y0)+1, int(h))

	r00, g00, b00 := rgbAt(src, ix0, iy0)
	r10, g10, b10 := rgbAt(src, ix1, iy0)
	r01, g01, b01 := rgbAt(src, ix0, iy1)
	r11, g11, b11 := rgbAt(src, ix1, iy1)

	lerp2 := func(v00, v10, v01, v11 float64) uint8 {
		top := v00*(1-tx) + v10*tx
		bottom := v01*(1-tx) + v11*tx
		v := top*(1-ty) + bottom*ty
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return uint8(v + 0.5)
	}

	return lerp2(r00, r10, r01, r11), lerp2(g00, g10, g01, g11), lerp2(b00, b10, b01, b11)
}

func rgbAt(src image.Image, x, y int) (float64, float64, float64) {
	bounds := src.Bounds()
	r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
	return float64(r >> 8), float64(g >> 8), float64(b >> 8)
}

func wrapInt(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

func clampInt(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
