package gallery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/andresmejia3/facebank/internal/linalg"
	"github.com/andresmejia3/facebank/internal/types"
)

// Artifact file names inside the facebank directory.
const (
	ArtifactFile = "facebank.fbk"
	MatrixFile   = "facebank.mat"
	NamesFile    = "names.json"
)

// ErrNoGallery marks a location holding no gallery artifact at all. A
// partially present legacy pair is a load error, not a missing gallery.
var ErrNoGallery = errors.New("no gallery")

// Storage persists gallery snapshots.
type Storage interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Clear(ctx context.Context) error
	Location() string
}

// NewSnapshot assembles a snapshot from storage rows. The matrix is owned by the snapshot afterwards.
func NewSnapshot(names []string, m *linalg.Dense[float32]) (*Snapshot, error) {
	if m == nil {
		m = linalg.WithCols[float32](0)
	}
	if m.Rows() != len(names) {
		return nil, fmt.Errorf("%d names but %d embeddings", len(names), m.Rows())
	}
	return &Snapshot{names: append([]string(nil), names...), matrix: m}, nil
}

// Load reads a gallery through st. Every failure is a GalleryLoadError.
func Load(ctx context.Context, st Storage) (*Gallery, error) {
	snap, err := st.Load(ctx)
	if err != nil {
		var gle *types.GalleryLoadError
		if errors.As(err, &gle) {
			return nil, err
		}
		return nil, &types.GalleryLoadError{Path: st.Location(), Err: err}
	}
	g := &Gallery{names: snap.Names(), matrix: snap.matrix.Clone()}
	if err := g.Validate(); err != nil {
		return nil, &types.GalleryLoadError{Path: st.Location(), Err: err}
	}
	return g, nil
}

// Save persists the current state of g through st.
func (g *Gallery) Save(ctx context.Context, st Storage) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := st.Save(ctx, g.Snapshot()); err != nil {
		return fmt.Errorf("save gallery to %s: %w", st.Location(), err)
	}
	return nil
}

// FileStorage keeps the gallery next to the identity directories. Load
// prefers the combined artifact and falls back to the legacy matrix plus
// names pair.
type FileStorage struct {
	Dir string
	// Legacy also writes the two-file layout on Save.
	Legacy bool
}

func (f *FileStorage) Location() string { return f.Dir }

func (f *FileStorage) path(name string) string { return filepath.Join(f.Dir, name) }

func (f *FileStorage) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path(ArtifactFile))
	if err == nil {
		names, m, err := decodeArtifact(data)
		if err != nil {
			return nil, &types.GalleryLoadError{Path: f.path(ArtifactFile), Err: err}
		}
		return wrapLoad(f.path(ArtifactFile), names, m)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, &types.GalleryLoadError{Path: f.path(ArtifactFile), Err: err}
	}
	return f.loadLegacy()
}

func (f *FileStorage) loadLegacy() (*Snapshot, error) {
	matData, err := os.ReadFile(f.path(MatrixFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, serr := os.Stat(f.path(NamesFile)); serr == nil {
				return nil, &types.GalleryLoadError{Path: f.path(MatrixFile), Err: fmt.Errorf("%s without %s: %w", NamesFile, MatrixFile, err)}
			}
			return nil, &types.GalleryLoadError{Path: f.Dir, Err: fmt.Errorf("no %s or %s: %w: %w", ArtifactFile, MatrixFile, ErrNoGallery, err)}
		}
		return nil, &types.GalleryLoadError{Path: f.path(MatrixFile), Err: err}
	}
	m, err := decodeMatrix(matData)
	if err != nil {
		return nil, &types.GalleryLoadError{Path: f.path(MatrixFile), Err: err}
	}

	nameData, err := os.ReadFile(f.path(NamesFile))
	if err != nil {
		return nil, &types.GalleryLoadError{Path: f.path(NamesFile), Err: err}
	}
	names, err := decodeNames(nameData)
	if err != nil {
		return nil, &types.GalleryLoadError{Path: f.path(NamesFile), Err: err}
	}
	return wrapLoad(f.Dir, names, m)
}

func wrapLoad(path string, names []string, m *linalg.Dense[float32]) (*Snapshot, error) {
	snap, err := NewSnapshot(names, m)
	if err != nil {
		return nil, &types.GalleryLoadError{Path: path, Err: err}
	}
	return snap, nil
}

type stagedFile struct {
	name string
	data []byte
}

// Save stages every file before renaming any of them into place.
func (f *FileStorage) Save(ctx context.Context, snap *Snapshot) error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return err
	}

	artifact, err := encodeArtifact(snap.names, snap.matrix)
	if err != nil {
		return err
	}
	files := []stagedFile{{ArtifactFile, artifact}}
	if f.Legacy {
		names, err := encodeNames(snap.names)
		if err != nil {
			return err
		}
		files = append(files, stagedFile{MatrixFile, encodeMatrix(snap.matrix)}, stagedFile{NamesFile, names})
	}

	pending := make([]*renameio.PendingFile, 0, len(files))
	defer func() {
		for _, p := range pending {
			p.Cleanup()
		}
	}()
	for _, file := range files {
		p, err := renameio.TempFile(f.Dir, f.path(file.name))
		if err != nil {
			return fmt.Errorf("stage %s: %w", file.name, err)
		}
		pending = append(pending, p)
		if err := p.Chmod(0644); err != nil {
			return err
		}
		if _, err := p.Write(file.data); err != nil {
			return fmt.Errorf("stage %s: %w", file.name, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// Legacy pair first, combined artifact last: Load prefers the artifact,
	// so a failure before its rename leaves the previous artifact in charge.
	// The pair itself can still straddle generations if the second of its
	// two renames fails.
	for i := len(pending) - 1; i >= 0; i-- {
		if err := pending[i].CloseAtomicallyReplace(); err != nil {
			return fmt.Errorf("replace %s: %w", files[i].name, err)
		}
	}
	return nil
}

// Clear deletes every gallery artifact. Identity directories are left alone.
func (f *FileStorage) Clear(_ context.Context) error {
	var errs []error
	for _, name := range []string{ArtifactFile, MatrixFile, NamesFile} {
		if err := os.Remove(f.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
