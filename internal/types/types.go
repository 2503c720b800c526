package types

import "image"

// DefaultEmbeddingDim is the width of the ArcFace embedding produced by the worker.
const DefaultEmbeddingDim = 512

// DefaultFaceSize is the side length of an aligned face crop.
const DefaultFaceSize = 112

// Embedding is a face feature vector. Treat it as immutable once produced.
type Embedding []float32

// Clone returns a copy that the caller may modify.
func (e Embedding) Clone() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// Box is a face bounding box in source image pixels: [x1, y1, x2, y2].
type Box [4]int

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() int {
	w, h := b[2]-b[0], b[3]-b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// AlignedFace is one face returned by the aligner.
type AlignedFace struct {
	Box   Box
	Score float32
	Image image.Image
}
