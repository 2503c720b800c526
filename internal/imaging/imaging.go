// Package imaging decodes, flips and resizes face images.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/facebank/internal/types"
)

var errEmpty = errors.New("empty image data")

// Extensions accepted when scanning enrollment directories.
var Extensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".gif": true, ".tif": true, ".tiff": true, ".webp": true,
}

// IsImagePath reports whether path has a known image extension.
func IsImagePath(path string) bool {
	return Extensions[strings.ToLower(filepath.Ext(path))]
}

// Decode parses encoded image bytes.
func Decode(data []byte) (image.Image, error) {
	return decode(data, "")
}

// Load reads and decodes an image file.
func Load(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return decode(data, path)
}

func decode(data []byte, source string) (image.Image, error) {
	if len(data) == 0 {
		return nil, &types.InvalidImageError{Source: source, Err: errEmpty}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &types.InvalidImageError{Source: source, Err: err}
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, &types.InvalidImageError{Source: source, Err: errEmpty}
	}
	return img, nil
}

// ToRGBA copies img into a fresh RGBA with its origin at (0, 0).
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Mirror returns the horizontal flip of img.
func Mirror(img image.Image) *image.RGBA {
	src := ToRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(src.Rect)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			copy(out[(w-1-x)*4:(w-x)*4], row[x*4:(x+1)*4])
		}
	}
	return dst
}

// Resize scales img to w x h with Catmull-Rom interpolation.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// CenterSquare crops the largest centred square out of img.
func CenterSquare(img image.Image) image.Image {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	rect := image.Rect(x0, y0, x0+side, y0+side)
	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect)
	}
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// IsSize reports whether img is exactly size x size pixels.
func IsSize(img image.Image, size int) bool {
	b := img.Bounds()
	return b.Dx() == size && b.Dy() == size
}

// EncodePNG serialises img for the worker wire protocol.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// SavePNG writes img to path, creating parent directories.
func SavePNG(path string, img image.Image) error {
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
