// Package gallery holds the enrolled identities: an ordered list of names
// and the matching row-major embedding matrix.
package gallery

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/linalg"
	"github.com/andresmejia3/facebank/internal/types"
)

// Entry is one gallery row. Names need not be unique.
type Entry struct {
	Name      string
	Embedding types.Embedding
}

// Snapshot is an immutable view of a gallery. It is safe to share between goroutines.
type Snapshot struct {
	names  []string
	matrix *linalg.Dense[float32]
}

func (s *Snapshot) Len() int { return len(s.names) }
func (s *Snapshot) Dim() int { return s.matrix.Cols() }

// Name returns the label of row i.
func (s *Snapshot) Name(i int) string { return s.names[i] }

// Names returns a copy of the labels in row order.
func (s *Snapshot) Names() []string { return append([]string(nil), s.names...) }

// Matrix returns the embedding matrix. Callers must not modify it.
func (s *Snapshot) Matrix() *linalg.Dense[float32] { return s.matrix }

// Entries copies the rows out of the snapshot.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.names))
	for i, name := range s.names {
		out[i] = Entry{Name: name, Embedding: types.Embedding(s.matrix.Row(i)).Clone()}
	}
	return out
}

// Identity groups the rows that share a normalised name.
type Identity struct {
	Name string // as first enrolled
	Rows []int
}

// Identities lists the distinct identities in order of first appearance.
func (s *Snapshot) Identities() []Identity {
	var out []Identity
	seen := make(map[string]int)
	for i, name := range s.names {
		key := NormalizeName(name)
		if j, ok := seen[key]; ok {
			out[j].Rows = append(out[j].Rows, i)
			continue
		}
		seen[key] = len(out)
		out = append(out, Identity{Name: name, Rows: []int{i}})
	}
	return out
}

// Gallery is the mutable, concurrency-safe identity store.
type Gallery struct {
	mu     sync.RWMutex
	names  []string
	matrix *linalg.Dense[float32]
	snap   *Snapshot
}

// New returns an empty gallery. dim may be 0, in which case the first row fixes it.
func New(dim int) *Gallery {
	return &Gallery{matrix: linalg.WithCols[float32](dim)}
}

// FromEntries builds a gallery from rows that must share one dimension.
func FromEntries(entries []Entry) (*Gallery, error) {
	g := New(0)
	if err := g.Add(entries...); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.names)
}

func (g *Gallery) Dim() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.matrix.Cols()
}

// Snapshot returns a view that later mutations will not affect.
func (g *Gallery) Snapshot() *Snapshot {
	g.mu.RLock()
	if s := g.snap; s != nil {
		g.mu.RUnlock()
		return s
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snap == nil {
		g.snap = &Snapshot{names: append([]string(nil), g.names...), matrix: g.matrix.Clone()}
	}
	return g.snap
}

// Add appends rows. Either all rows are added or none is.
func (g *Gallery) Add(entries ...Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dim := g.matrix.Cols()
	for i, e := range entries {
		if dim == 0 && g.matrix.Rows() == 0 {
			dim = len(e.Embedding)
		}
		if len(e.Embedding) == 0 {
			return fmt.Errorf("entry %d (%s): empty embedding", i, e.Name)
		}
		if len(e.Embedding) != dim {
			return &types.DimensionMismatchError{Want: dim, Got: len(e.Embedding)}
		}
	}

	for _, e := range entries {
		if err := g.matrix.AppendRow(e.Embedding); err != nil {
			return err
		}
		g.names = append(g.names, e.Name)
	}
	g.snap = nil
	return g.validateLocked()
}

// Remove deletes every row whose name matches, comparing normalised names.
// It returns the number of rows removed.
func (g *Gallery) Remove(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLocked(name)
}

func (g *Gallery) removeLocked(name string) int {
	key := NormalizeName(name)
	removed := g.matrix.RemoveRows(func(i int) bool { return NormalizeName(g.names[i]) == key })
	if removed == 0 {
		return 0
	}
	kept := g.names[:0]
	for _, n := range g.names {
		if NormalizeName(n) != key {
			kept = append(kept, n)
		}
	}
	clear(g.names[len(kept):])
	g.names = kept
	g.snap = nil
	return removed
}

// Replace removes every row named like e.Name and appends e in one step.
// It returns the number of rows removed.
func (g *Gallery) Replace(e Entry) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if dim := g.matrix.Cols(); dim != 0 && len(e.Embedding) != dim {
		return 0, &types.DimensionMismatchError{Want: dim, Got: len(e.Embedding)}
	}
	removed := g.removeLocked(e.Name)
	if err := g.matrix.AppendRow(e.Embedding); err != nil {
		return removed, err
	}
	g.names = append(g.names, e.Name)
	g.snap = nil
	return removed, g.validateLocked()
}

// Reset swaps in the contents of other, used after a rebuild.
func (g *Gallery) Reset(other *Gallery) {
	g.Restore(other.Snapshot())
}

// Restore rolls the gallery back to snap, e.g. after a failed save.
func (g *Gallery) Restore(snap *Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.names = snap.Names()
	g.matrix = snap.matrix.Clone()
	g.snap = snap
}

// Validate checks that names and matrix rows agree.
func (g *Gallery) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Gallery) validateLocked() error {
	if g.matrix.Rows() != len(g.names) {
		return fmt.Errorf("gallery has %d names but %d embeddings", len(g.names), g.matrix.Rows())
	}
	return nil
}

// EnrollSingle embeds img with augmentation and appends it under name.
// The new row is returned so callers can persist or report the delta.
func (g *Gallery) EnrollSingle(ctx context.Context, name string, img image.Image, e *embed.Embedder) (Entry, error) {
	if DisplayName(name) == "" {
		return Entry{}, fmt.Errorf("enroll: empty name")
	}
	emb, err := e.EmbedOne(ctx, img, true)
	if err != nil {
		return Entry{}, fmt.Errorf("enroll %s: %w", name, err)
	}
	entry := Entry{Name: DisplayName(name), Embedding: emb}
	if err := g.Add(entry); err != nil {
		return Entry{}, fmt.Errorf("enroll %s: %w", name, err)
	}
	return entry, nil
}

// EnrollReplace embeds img like EnrollSingle but first drops every row named
// like name. It returns the new row and the number of rows it replaced.
func (g *Gallery) EnrollReplace(ctx context.Context, name string, img image.Image, e *embed.Embedder) (Entry, int, error) {
	if DisplayName(name) == "" {
		return Entry{}, 0, fmt.Errorf("enroll: empty name")
	}
	emb, err := e.EmbedOne(ctx, img, true)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("enroll %s: %w", name, err)
	}
	entry := Entry{Name: DisplayName(name), Embedding: emb}
	removed, err := g.Replace(entry)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("enroll %s: %w", name, err)
	}
	return entry, removed, nil
}
