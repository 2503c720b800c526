package imaging

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/facebank/internal/types"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 7, A: 255})
		}
	}
	return img
}

func TestDecodeRoundTrip(t *testing.T) {
	src := gradient(4, 3)
	data, err := EncodePNG(src)
	if err != nil {
		t.Fatal(err)
	}

	img, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Errorf("unexpected bounds %v", img.Bounds())
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not an image")},
		{"truncated png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, types.ErrInvalidImage) {
				t.Errorf("Decode() error = %v, want ErrInvalidImage", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.png"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	if err := os.WriteFile(path, []byte{0xFF, 0xD8, 0x00}, 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	var invalid *types.InvalidImageError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidImageError, got %v", err)
	}
	if invalid.Source != path {
		t.Errorf("Source = %q, want %q", invalid.Source, path)
	}
}

func TestMirror(t *testing.T) {
	src := gradient(5, 2)
	m := Mirror(src)
	for y := 0; y < 2; y++ {
		for x := 0; x < 5; x++ {
			if m.RGBAAt(x, y) != src.RGBAAt(4-x, y) {
				t.Fatalf("pixel (%d,%d) not mirrored", x, y)
			}
		}
	}

	twice := Mirror(m)
	if string(twice.Pix) != string(src.Pix) {
		t.Error("mirroring twice should restore the original")
	}
}

func TestMirrorSubImage(t *testing.T) {
	src := gradient(6, 6)
	sub := src.SubImage(image.Rect(2, 2, 5, 4))
	m := Mirror(sub)
	if m.Bounds() != image.Rect(0, 0, 3, 2) {
		t.Fatalf("unexpected bounds %v", m.Bounds())
	}
	if m.RGBAAt(0, 0) != src.RGBAAt(4, 2) {
		t.Error("sub-image mirror used wrong origin")
	}
}

func TestResizeAndCenterSquare(t *testing.T) {
	src := gradient(20, 10)
	sq := CenterSquare(src)
	if sq.Bounds().Dx() != 10 || sq.Bounds().Dy() != 10 {
		t.Fatalf("CenterSquare bounds %v", sq.Bounds())
	}
	if sq.Bounds().Min.X != 5 {
		t.Errorf("CenterSquare not centred: %v", sq.Bounds())
	}

	out := Resize(sq, 112, 112)
	if !IsSize(out, 112) {
		t.Errorf("Resize produced %v", out.Bounds())
	}
}

func TestIsImagePath(t *testing.T) {
	if !IsImagePath("/a/b/Face.JPG") {
		t.Error("expected .JPG to be accepted")
	}
	if IsImagePath("/a/b/notes.txt") {
		t.Error("expected .txt to be rejected")
	}
}
