package gallery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/linalg"
)

// BuildOptions tunes Build.
type BuildOptions struct {
	// TTA embeds every image together with its mirror.
	TTA bool
	// Progress receives a progress bar when set.
	Progress io.Writer
	Logger   logrus.FieldLogger
}

// BuildStats summarises a Build run.
type BuildStats struct {
	Identities    int
	Images        int
	SkippedImages int
	SkippedDirs   []string
}

type identityDir struct {
	name   string
	images []string
}

// Build embeds every image under root/<identity>/ and stores the mean
// embedding of each identity as one row. Images that fail are skipped with a
// warning, as are identities left without a single usable image.
func Build(ctx context.Context, root string, e *embed.Embedder, opts BuildOptions) (*Gallery, BuildStats, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	dirs, total, err := scanRoot(root)
	if err != nil {
		return nil, BuildStats{}, err
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil && total > 0 {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🧬 Building facebank"),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowCount(),
		)
		defer bar.Finish()
	}

	g := New(0)
	var stats BuildStats
	for _, dir := range dirs {
		var embs [][]float32
		for _, path := range dir.images {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
			emb, err := embedFile(ctx, e, path, opts.TTA)
			if bar != nil {
				bar.Add(1)
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, stats, ctx.Err()
				}
				stats.SkippedImages++
				log.WithFields(logrus.Fields{"identity": dir.name, "file": path}).WithError(err).Warn("skipping image")
				continue
			}
			embs = append(embs, emb)
			stats.Images++
		}

		if len(embs) == 0 {
			stats.SkippedDirs = append(stats.SkippedDirs, dir.name)
			log.WithField("identity", dir.name).Warn("no usable images, identity omitted")
			continue
		}

		m, err := linalg.FromRows(embs)
		if err != nil {
			return nil, stats, fmt.Errorf("identity %s: %w", dir.name, err)
		}
		if err := g.Add(Entry{Name: dir.name, Embedding: linalg.MeanRows(m)}); err != nil {
			return nil, stats, fmt.Errorf("identity %s: %w", dir.name, err)
		}
		stats.Identities++
	}

	if stats.Identities == 0 {
		log.WithField("root", root).Warn("facebank is empty")
	}
	return g, stats, nil
}

func embedFile(ctx context.Context, e *embed.Embedder, path string, tta bool) ([]float32, error) {
	img, err := imaging.Load(path)
	if err != nil {
		return nil, err
	}
	return e.EmbedOne(ctx, img, tta)
}

// scanRoot lists identity directories in lexical order with their image files.
func scanRoot(root string) ([]identityDir, int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, 0, fmt.Errorf("read facebank %s: %w", root, err)
	}

	var dirs []identityDir
	total := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		images, err := ListImages(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, 0, err
		}
		dirs = append(dirs, identityDir{name: DisplayName(entry.Name()), images: images})
		total += len(images)
	}
	return dirs, total, nil
}

// ListImages returns the image files directly inside dir, sorted.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !imaging.IsImagePath(entry.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}
