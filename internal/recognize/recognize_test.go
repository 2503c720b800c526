package recognize

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/match"
	"github.com/andresmejia3/facebank/internal/types"
)

type colorProvider struct{}

func (colorProvider) Embed(_ context.Context, face image.Image) ([]float32, error) {
	r, g, b, _ := face.At(face.Bounds().Min.X, face.Bounds().Min.Y).RGBA()
	return []float32{float32(r) / 65535, float32(g) / 65535, float32(b) / 65535}, nil
}

// stripAligner reports one face per colour it is configured with.
type stripAligner struct {
	colors []color.RGBA
	err    error
}

func (s stripAligner) Align(ctx context.Context, img image.Image) (image.Image, error) {
	faces, err := s.AlignMulti(ctx, img, 1, 0)
	if err != nil {
		return nil, err
	}
	return faces[0].Image, nil
}

func (s stripAligner) AlignMulti(_ context.Context, _ image.Image, limit, _ int) ([]types.AlignedFace, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []types.AlignedFace
	for i, c := range s.colors {
		out = append(out, types.AlignedFace{
			Box:   types.Box{i * 10, 0, i*10 + 8, 8},
			Score: 0.9,
			Image: solid(8, c),
		})
	}
	return out, nil
}

func solid(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

var (
	red   = color.RGBA{R: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
)

func enrolled(t *testing.T, e *embed.Embedder) *gallery.Gallery {
	t.Helper()
	g := gallery.New(0)
	ctx := context.Background()
	_, err := g.EnrollSingle(ctx, "alice", solid(8, red), e)
	require.NoError(t, err)
	_, err = g.EnrollSingle(ctx, "bob", solid(8, blue), e)
	require.NoError(t, err)
	return g
}

func TestIdentify(t *testing.T) {
	e := embed.New(colorProvider{}, stripAligner{colors: []color.RGBA{blue, green, red}}, embed.Config{FaceSize: 8, Workers: 3})
	r := New(e, enrolled(t, e), Options{Threshold: 0.5, TTA: true, FaceLimit: 10})

	faces, err := r.Identify(context.Background(), solid(40, red))
	require.NoError(t, err)
	require.Len(t, faces, 3)

	assert.Equal(t, "bob", faces[0].Label())
	assert.Equal(t, Unknown, faces[1].Label())
	assert.Equal(t, match.NoMatch, faces[1].Index)
	assert.InDelta(t, 2.0, faces[1].Distance, 1e-6)
	assert.Equal(t, "alice", faces[2].Label())
	assert.Equal(t, types.Box{20, 0, 28, 8}, faces[2].Box)
	assert.InDelta(t, 0, faces[2].Distance, 1e-9)
}

func TestIdentifyRespectsFaceLimit(t *testing.T) {
	e := embed.New(colorProvider{}, stripAligner{colors: []color.RGBA{blue, green, red}}, embed.Config{FaceSize: 8})
	r := New(e, enrolled(t, e), Options{Threshold: 0.5, FaceLimit: 2})

	faces, err := r.Identify(context.Background(), solid(40, red))
	require.NoError(t, err)
	assert.Len(t, faces, 2)
}

func TestIdentifyWithoutAligner(t *testing.T) {
	e := embed.New(colorProvider{}, nil, embed.Config{FaceSize: 8})
	r := New(e, enrolled(t, e), Options{Threshold: 0.5, TTA: true, FaceLimit: 10})

	faces, err := r.Identify(context.Background(), solid(8, red))
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, "alice", faces[0].Label())

	_, err = r.Identify(context.Background(), solid(30, red))
	assert.True(t, errors.Is(err, types.ErrNoFaceDetected))
}

func TestIdentifyErrorsSurface(t *testing.T) {
	plain := embed.New(colorProvider{}, nil, embed.Config{FaceSize: 8})
	g := enrolled(t, plain)

	e := embed.New(colorProvider{}, stripAligner{err: &types.NoFaceDetectedError{}}, embed.Config{FaceSize: 8})
	r := New(e, g, Options{Threshold: 0.5, FaceLimit: 10})
	_, err := r.Identify(context.Background(), solid(20, red))
	assert.True(t, errors.Is(err, types.ErrNoFaceDetected))

	e = embed.New(colorProvider{}, stripAligner{}, embed.Config{FaceSize: 8})
	r = New(e, g, Options{Threshold: 0.5, FaceLimit: 10})
	_, err = r.Identify(context.Background(), solid(20, red))
	assert.True(t, errors.Is(err, types.ErrNoFaceDetected), "an empty detection is not an empty answer")

	_, err = r.IdentifyBytes(context.Background(), []byte("garbage"))
	assert.True(t, errors.Is(err, types.ErrInvalidImage))
}

func TestCandidates(t *testing.T) {
	e := embed.New(colorProvider{}, stripAligner{colors: []color.RGBA{red}}, embed.Config{FaceSize: 8})
	g := enrolled(t, e)

	for _, approx := range []int{0, 1} {
		r := New(e, g, Options{Threshold: 0.5, FaceLimit: 1, ApproxMinRows: approx})
		faces, err := r.Identify(context.Background(), solid(20, red))
		require.NoError(t, err)

		cands, err := r.Candidates(faces[0], 2)
		require.NoError(t, err)
		require.Len(t, cands, 2)
		assert.Equal(t, "alice", cands[0].Name)
		assert.Equal(t, "bob", cands[1].Name)
		assert.InDelta(t, 2.0, cands[1].Distance, 1e-6)
	}
}
