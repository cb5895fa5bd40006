package preload

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func solidTile(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, TileSize, TileSize))
	for y := 0; y < TileSize; y++ {
		for x := 0; x < TileSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("failed to encode tile: %v", err)
	}
	return buf.Bytes()
}

func TestStitchZoomOne(t *testing.T) {
	tiles := map[TileKey][]byte{
		{X: 0, Y: 0}: solidTile(t, color.RGBA{255, 0, 0, 255}),
		{X: 1, Y: 0}: solidTile(t, color.RGBA{0, 0, 255, 255}),
	}

	out, err := Stitch(tiles, 1)
	if err != nil {
		t.Fatalf("Stitch() error: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("stitched output is not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 2*TileSize || img.Bounds().Dy() != TileSize {
		t.Fatalf("stitched size = %v, want %dx%d", img.Bounds(), 2*TileSize, TileSize)
	}

	// Left half red, right half blue.
	r, _, b, _ := img.At(TileSize/2, TileSize/2).RGBA()
	if r>>8 < 200 || b>>8 > 60 {
		t.Errorf("left half pixel = (%d, %d), want red", r>>8, b>>8)
	}
	r, _, b, _ = img.At(TileSize+TileSize/2, TileSize/2).RGBA()
	if b>>8 < 200 || r>>8 > 60 {
		t.Errorf("right half pixel = (%d, %d), want blue", r>>8, b>>8)
	}
}

func TestStitchMissingTileFails(t *testing.T) {
	tiles := map[TileKey][]byte{
		{X: 0, Y: 0}: solidTile(t, color.RGBA{255, 0, 0, 255}),
	}
	if _, err := Stitch(tiles, 1); err == nil {
		t.Error("Stitch() succeeded with a missing tile")
	}
}

func TestStitchCorruptTileFails(t *testing.T) {
	tiles := map[TileKey][]byte{
		{X: 0, Y: 0}: []byte("not a jpeg"),
	}
	if _, err := Stitch(tiles, 0); err == nil {
		t.Error("Stitch() succeeded with a corrupt tile")
	}
}
