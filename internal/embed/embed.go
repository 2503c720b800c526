// Package embed computes face embeddings with test-time augmentation on top
// of an opaque embedding model and face aligner.
package embed

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/linalg"
	"github.com/andresmejia3/facebank/internal/types"
)

// Provider maps an aligned face to a raw, unnormalised feature vector.
type Provider interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
}

// Aligner crops and warps faces to the fixed face size.
type Aligner interface {
	// Align returns the single most prominent face, or a NoFaceDetectedError.
	Align(ctx context.Context, img image.Image) (image.Image, error)
	// AlignMulti returns up to limit faces no smaller than minFaceSize pixels.
	AlignMulti(ctx context.Context, img image.Image, limit, minFaceSize int) ([]types.AlignedFace, error)
}

// Config controls the embedder.
type Config struct {
	// FaceSize is the side of an aligned face. Other sizes go through the Aligner.
	FaceSize int
	// Workers bounds EmbedBatch parallelism.
	Workers int
}

// Embedder produces L2-normalised embeddings, optionally averaging the
// embedding of a face with that of its mirror image.
type Embedder struct {
	provider Provider
	aligner  Aligner
	cfg      Config
}

// New builds an Embedder. aligner may be nil when every input is pre-aligned.
func New(provider Provider, aligner Aligner, cfg Config) *Embedder {
	if cfg.FaceSize <= 0 {
		cfg.FaceSize = types.DefaultFaceSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Embedder{provider: provider, aligner: aligner, cfg: cfg}
}

// FaceSize returns the aligned face side length.
func (e *Embedder) FaceSize() int { return e.cfg.FaceSize }

// Aligner returns the configured aligner, possibly nil.
func (e *Embedder) Aligner() Aligner { return e.aligner }

// Prepare returns img unchanged when it already has the face size and the
// aligned crop otherwise.
func (e *Embedder) Prepare(ctx context.Context, img image.Image) (image.Image, error) {
	if img == nil {
		return nil, &types.InvalidImageError{Err: errors.New("nil image")}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &types.InvalidImageError{Err: errors.New("empty bounds")}
	}
	if imaging.IsSize(img, e.cfg.FaceSize) {
		return img, nil
	}
	if e.aligner == nil {
		return nil, &types.NoFaceDetectedError{Source: fmt.Sprintf("%dx%d image without aligner", b.Dx(), b.Dy())}
	}
	face, err := e.aligner.Align(ctx, img)
	if err != nil {
		return nil, err
	}
	if face == nil {
		return nil, &types.NoFaceDetectedError{}
	}
	return face, nil
}

// EmbedOne embeds a single face. With tta the embeddings of the image and of
// its horizontal mirror are summed before normalisation.
func (e *Embedder) EmbedOne(ctx context.Context, img image.Image, tta bool) (types.Embedding, error) {
	face, err := e.Prepare(ctx, img)
	if err != nil {
		return nil, err
	}
	return e.embedAligned(ctx, face, tta)
}

// EmbedBytes decodes data and embeds the result.
func (e *Embedder) EmbedBytes(ctx context.Context, data []byte, tta bool) (types.Embedding, error) {
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	return e.EmbedOne(ctx, img, tta)
}

// EmbedAligned embeds a face that is already aligned, skipping the size check.
func (e *Embedder) EmbedAligned(ctx context.Context, face image.Image, tta bool) (types.Embedding, error) {
	if face == nil {
		return nil, &types.InvalidImageError{Err: errors.New("nil image")}
	}
	return e.embedAligned(ctx, face, tta)
}

func (e *Embedder) embedAligned(ctx context.Context, face image.Image, tta bool) (types.Embedding, error) {
	vec, err := e.provider.Embed(ctx, face)
	if err != nil {
		return nil, fmt.Errorf("embed face: %w", err)
	}
	out := make(types.Embedding, len(vec))
	copy(out, vec)

	if tta {
		mirrored, err := e.provider.Embed(ctx, imaging.Mirror(face))
		if err != nil {
			return nil, fmt.Errorf("embed mirrored face: %w", err)
		}
		if err := linalg.Add(out, mirrored); err != nil {
			return nil, &types.DimensionMismatchError{Want: len(out), Got: len(mirrored)}
		}
	}

	if linalg.L2Normalize(out) == 0 {
		return nil, &types.InvalidImageError{Err: errors.New("model returned a zero embedding")}
	}
	return out, nil
}

// BatchError identifies the element of a batch that failed.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string { return fmt.Sprintf("image %d: %v", e.Index, e.Err) }
func (e *BatchError) Unwrap() error { return e.Err }

// EmbedBatch embeds every image, preserving input order. The first failure
// cancels outstanding work and is returned as a BatchError.
func (e *Embedder) EmbedBatch(ctx context.Context, imgs []image.Image, tta bool) ([]types.Embedding, error) {
	out := make([]types.Embedding, len(imgs))
	if len(imgs) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan int, len(imgs))
	for i := range imgs {
		tasks <- i
	}
	close(tasks)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	workers := min(e.cfg.Workers, len(imgs))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				if ctx.Err() != nil {
					return
				}
				emb, err := e.EmbedOne(ctx, imgs[i], tta)
				if err != nil {
					once.Do(func() {
						firstErr = &BatchError{Index: i, Err: err}
						cancel()
					})
					return
				}
				out[i] = emb
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
