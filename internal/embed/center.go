package embed

import (
	"context"
	"errors"
	"image"

	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/types"
)

// CenterAligner treats the central square of every image as the face. It is
// meant for galleries of pre-cropped portraits where running the detector is
// wasted work.
type CenterAligner struct {
	Size int
}

func (c CenterAligner) size() int {
	if c.Size <= 0 {
		return types.DefaultFaceSize
	}
	return c.Size
}

func (c CenterAligner) Align(_ context.Context, img image.Image) (image.Image, error) {
	if img == nil {
		return nil, &types.InvalidImageError{Err: errors.New("nil image")}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &types.NoFaceDetectedError{}
	}
	return imaging.Resize(imaging.CenterSquare(img), c.size(), c.size()), nil
}

func (c CenterAligner) AlignMulti(ctx context.Context, img image.Image, limit, minFaceSize int) ([]types.AlignedFace, error) {
	if limit == 0 {
		return nil, nil
	}
	sq := imaging.CenterSquare(img)
	r := sq.Bounds()
	if r.Dx() < minFaceSize {
		return nil, &types.NoFaceDetectedError{}
	}
	face, err := c.Align(ctx, img)
	if err != nil {
		return nil, err
	}
	return []types.AlignedFace{{
		Box:   types.Box{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y},
		Score: 1,
		Image: face,
	}}, nil
}
