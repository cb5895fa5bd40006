package preload

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
)

const stitchJPEGQuality = 90

// TileKey addresses one tile in the grid.
type TileKey struct {
	X, Y int
}

// Stitch assembles downloaded tiles into a single equirectangular JPEG.
// Every grid position must be present; a hole fails the whole panorama
// rather than producing a partially black image.
func Stitch(tiles map[TileKey][]byte, zoom int) ([]byte, error) {
	cols, rows := TileGrid(zoom)

	out := image.NewRGBA(image.Rect(0, 0, cols*TileSize, rows*TileSize))

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			data, ok := tiles[TileKey{X: x, Y: y}]
			if !ok {
				return nil, fmt.Errorf("missing tile (%d, %d) at zoom %d", x, y, zoom)
			}

			tile, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("failed to decode tile (%d, %d): %w", x, y, err)
			}

			target := image.Rect(x*TileSize, y*TileSize, (x+1)*TileSize, (y+1)*TileSize)
			draw.Draw(out, target, tile, tile.Bounds().Min, draw.Src)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: stitchJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode stitched panorama: %w", err)
	}
	return buf.Bytes(), nil
}
