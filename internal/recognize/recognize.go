// Package recognize detects every face in an image and names it against the gallery.
package recognize

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/match"
	"github.com/andresmejia3/facebank/internal/types"
)

// Unknown labels faces that matched nobody.
const Unknown = "Unknown"

// Options are the per-query knobs.
type Options struct {
	Threshold   float64
	TTA         bool
	FaceLimit   int
	MinFaceSize int
	// ApproxMinRows is the gallery size from which Candidates uses the HNSW index.
	ApproxMinRows int
}

const defaultApproxMinRows = 2048

// Face is one detected face and its identity.
type Face struct {
	Box       types.Box
	Score     float32
	Index     int
	Name      string
	Distance  float64
	Embedding types.Embedding
	Aligned   image.Image `json:"-"`
}

// Label is the identity name, or Unknown.
func (f Face) Label() string {
	if f.Index == match.NoMatch {
		return Unknown
	}
	return f.Name
}

type Recognizer struct {
	embedder *embed.Embedder
	gallery  *gallery.Gallery
	opts     Options

	mu      sync.Mutex
	index   *gallery.Index
	indexOf *gallery.Snapshot
}

func New(e *embed.Embedder, g *gallery.Gallery, opts Options) *Recognizer {
	if opts.ApproxMinRows <= 0 {
		opts.ApproxMinRows = defaultApproxMinRows
	}
	return &Recognizer{embedder: e, gallery: g, opts: opts}
}

func (r *Recognizer) Options() Options { return r.opts }

// Detect aligns up to FaceLimit faces. Without an aligner a face-sized image
// is taken as a single face.
func (r *Recognizer) Detect(ctx context.Context, img image.Image) ([]types.AlignedFace, error) {
	if img == nil {
		return nil, &types.InvalidImageError{Err: fmt.Errorf("nil image")}
	}
	aligner := r.embedder.Aligner()
	if aligner == nil {
		if !imaging.IsSize(img, r.embedder.FaceSize()) {
			return nil, &types.NoFaceDetectedError{Source: "no aligner configured"}
		}
		b := img.Bounds()
		return []types.AlignedFace{{Box: types.Box{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y}, Score: 1, Image: img}}, nil
	}

	faces, err := aligner.AlignMulti(ctx, img, r.opts.FaceLimit, r.opts.MinFaceSize)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, &types.NoFaceDetectedError{}
	}
	if r.opts.FaceLimit > 0 && len(faces) > r.opts.FaceLimit {
		faces = faces[:r.opts.FaceLimit]
	}
	return faces, nil
}

// Identify returns one Face per detected face, in detector order.
func (r *Recognizer) Identify(ctx context.Context, img image.Image) ([]Face, error) {
	aligned, err := r.Detect(ctx, img)
	if err != nil {
		return nil, err
	}

	crops := make([]image.Image, len(aligned))
	for i, f := range aligned {
		crops[i] = f.Image
	}
	embs, err := r.embedder.EmbedBatch(ctx, crops, r.opts.TTA)
	if err != nil {
		return nil, err
	}

	results, err := match.Match(embs, r.gallery.Snapshot(), r.opts.Threshold)
	if err != nil {
		return nil, err
	}

	out := make([]Face, len(aligned))
	for i, res := range results {
		out[i] = Face{
			Box:       aligned[i].Box,
			Score:     aligned[i].Score,
			Index:     res.Index,
			Name:      res.Name,
			Distance:  res.Distance,
			Embedding: res.Embedding,
			Aligned:   aligned[i].Image,
		}
	}
	return out, nil
}

// IdentifyBytes decodes data and identifies the faces in it.
func (r *Recognizer) IdentifyBytes(ctx context.Context, data []byte) ([]Face, error) {
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	return r.Identify(ctx, img)
}

// Candidates lists the k gallery rows nearest to a face's embedding. Large
// galleries are searched through an HNSW index, so the list is approximate there.
func (r *Recognizer) Candidates(f Face, k int) ([]match.Result, error) {
	snap := r.gallery.Snapshot()
	if snap.Len() < r.opts.ApproxMinRows {
		return match.TopK(f.Embedding, snap, k)
	}

	found, err := r.indexFor(snap).Search(f.Embedding, k)
	if err != nil {
		return nil, err
	}
	out := make([]match.Result, len(found))
	for i, c := range found {
		out[i] = match.Result{Index: c.Index, Name: c.Name, Distance: c.Distance, Embedding: f.Embedding}
	}
	return out, nil
}

// indexFor rebuilds the index only when the gallery changed.
func (r *Recognizer) indexFor(snap *gallery.Snapshot) *gallery.Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf != snap {
		r.index = gallery.NewIndex(snap)
		r.indexOf = snap
	}
	return r.index
}
