package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facebank/internal/config"
	"github.com/andresmejia3/facebank/internal/embed"
	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/recognize"
	"github.com/andresmejia3/facebank/internal/types"
)

type colorProvider struct{}

func (colorProvider) Embed(_ context.Context, face image.Image) ([]float32, error) {
	r, g, b, _ := face.At(face.Bounds().Min.X, face.Bounds().Min.Y).RGBA()
	return []float32{float32(r) / 65535, float32(g) / 65535, float32(b) / 65535}, nil
}

func solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load("", nil)
	require.NoError(t, err)
	c.Facebank = t.TempDir()
	c.Detector = "none"
	c.FaceSize = 8
	return c
}

func testEmbedder() *embed.Embedder {
	return embed.New(colorProvider{}, nil, embed.Config{FaceSize: 8})
}

func writeFace(t *testing.T, root, identity, file string, c color.RGBA) {
	t.Helper()
	require.NoError(t, imaging.SavePNG(filepath.Join(root, identity, file), solid(c)))
}

func TestRebuildSkipsUnchangedTree(t *testing.T) {
	cfg := testConfig(t)
	writeFace(t, cfg.Facebank, "alice", "1.png", color.RGBA{R: 255, A: 255})
	writeFace(t, cfg.Facebank, "bob", "1.png", color.RGBA{B: 255, A: 255})

	ctx := context.Background()
	st := &gallery.FileStorage{Dir: cfg.Facebank}
	e := testEmbedder()

	res, err := rebuild(ctx, cfg, e, st, false, nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Stats.Identities)
	assert.FileExists(t, filepath.Join(cfg.Facebank, gallery.ArtifactFile))

	res, err = rebuild(ctx, cfg, e, st, false, nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "unchanged tree")

	res, err = rebuild(ctx, cfg, e, st, true, nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped, "forced")

	writeFace(t, cfg.Facebank, "carol", "1.png", color.RGBA{G: 255, A: 255})
	res, err = rebuild(ctx, cfg, e, st, false, nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped, "new identity")
	assert.Equal(t, []string{"alice", "bob", "carol"}, res.Gallery.Snapshot().Names())

	cfg.TTA = !cfg.TTA
	res, err = rebuild(ctx, cfg, e, st, false, nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped, "settings changed")

	require.NoError(t, st.Clear(ctx))
	res, err = rebuild(ctx, cfg, e, st, false, nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped, "gallery missing")
}

func TestLoadGallery(t *testing.T) {
	ctx := context.Background()
	st := &gallery.FileStorage{Dir: t.TempDir()}

	_, err := loadGallery(ctx, st, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.True(t, errors.Is(err, types.ErrGalleryLoad))
	assert.Contains(t, err.Error(), "facebank build")

	g, err := loadGallery(ctx, st, true)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
}

func TestLoadGalleryRejectsHalfLegacyPair(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := &gallery.FileStorage{Dir: dir, Legacy: true}

	g, err := gallery.FromEntries([]gallery.Entry{
		{Name: "alice", Embedding: types.Embedding{1, 0}},
		{Name: "bob", Embedding: types.Embedding{0, 1}},
	})
	require.NoError(t, err)
	require.NoError(t, g.Save(ctx, st))
	require.NoError(t, os.Remove(filepath.Join(dir, gallery.ArtifactFile)))
	require.NoError(t, os.Remove(filepath.Join(dir, gallery.NamesFile)))

	for _, allowMissing := range []bool{true, false} {
		_, err := loadGallery(ctx, st, allowMissing)
		require.Error(t, err, "allowMissing=%v", allowMissing)
		assert.True(t, errors.Is(err, types.ErrGalleryLoad))
		assert.NotContains(t, err.Error(), "facebank build")
	}
	assert.FileExists(t, filepath.Join(dir, gallery.MatrixFile))
}

func TestEnrollOneAndSaveFace(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	g := gallery.New(0)
	e := testEmbedder()

	_, _, err := enrollOne(ctx, g, e, "Zoë", solid(color.RGBA{R: 255, A: 255}), false)
	require.NoError(t, err)
	entry, replaced, err := enrollOne(ctx, g, e, "zoe", solid(color.RGBA{G: 255, A: 255}), true)
	require.NoError(t, err)
	assert.Equal(t, 1, replaced)
	assert.Equal(t, []string{"zoe"}, g.Snapshot().Names())

	out, err := saveFace(ctx, root, entry.Name, solid(color.RGBA{G: 255, A: 255}), e)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "zoe"), filepath.Dir(out))
	imgs, err := gallery.ListImages(filepath.Join(root, "zoe"))
	require.NoError(t, err)
	assert.Len(t, imgs, 1)
}

func TestMigrateLegacyLayout(t *testing.T) {
	ctx := context.Background()
	legacyDir := t.TempDir()

	g, err := gallery.FromEntries([]gallery.Entry{
		{Name: "alice", Embedding: types.Embedding{1, 0}},
		{Name: "bob", Embedding: types.Embedding{0, 1}},
	})
	require.NoError(t, err)
	require.NoError(t, g.Save(ctx, &gallery.FileStorage{Dir: legacyDir, Legacy: true}))
	require.NoError(t, os.Remove(filepath.Join(legacyDir, gallery.ArtifactFile)))

	cfg := testConfig(t)
	n, dst, err := migrate(ctx, cfg, legacyDir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, cfg.Facebank, dst)

	loaded, err := gallery.Load(ctx, &gallery.FileStorage{Dir: cfg.Facebank})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, loaded.Snapshot().Names())

	_, _, err = migrate(ctx, cfg, t.TempDir())
	assert.True(t, errors.Is(err, types.ErrGalleryLoad))
}

func TestPrintIdentities(t *testing.T) {
	var buf bytes.Buffer
	printIdentities(&buf, gallery.New(2).Snapshot())
	assert.Contains(t, buf.String(), "No identities found")

	g, err := gallery.FromEntries([]gallery.Entry{
		{Name: "alice", Embedding: types.Embedding{1, 0}},
		{Name: "bob", Embedding: types.Embedding{0, 1}},
		{Name: "Alice", Embedding: types.Embedding{1, 1}},
	})
	require.NoError(t, err)

	buf.Reset()
	printIdentities(&buf, g.Snapshot())
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "[0 2]")
	assert.Contains(t, out, "2 identities, 3 rows, dimension 2")
}

func TestPrintFaces(t *testing.T) {
	e := testEmbedder()
	g := gallery.New(0)
	_, err := g.EnrollSingle(context.Background(), "alice", solid(color.RGBA{R: 255, A: 255}), e)
	require.NoError(t, err)
	r := recognize.New(e, g, recognize.Options{Threshold: 1.5, TTA: true})

	faces, err := r.Identify(context.Background(), solid(color.RGBA{R: 255, A: 255}))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printFaces(&buf, r, "query.png", faces, 1))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "alice")
	assert.Contains(t, lines[0], "0.0000")
	assert.Contains(t, lines[1], "~ alice")
	assert.Contains(t, lines[1], "cos 1.000")
}

func TestFormatDistance(t *testing.T) {
	assert.Equal(t, "0.5000", formatDistance(0.5))
	assert.Equal(t, "-", formatDistance(math.Inf(1)))
}

func TestShouldIgnoreEvent(t *testing.T) {
	dir := t.TempDir()
	newDir := filepath.Join(dir, "carol")
	require.NoError(t, os.Mkdir(newDir, 0755))

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"image written", fsnotify.Event{Name: "alice/1.jpg", Op: fsnotify.Write}, false},
		{"upper-case extension", fsnotify.Event{Name: "alice/1.PNG", Op: fsnotify.Create}, false},
		{"chmod only", fsnotify.Event{Name: "alice/1.jpg", Op: fsnotify.Chmod}, true},
		{"gallery artifact", fsnotify.Event{Name: gallery.ArtifactFile, Op: fsnotify.Write}, true},
		{"hidden temp file", fsnotify.Event{Name: ".facebank.fbk123", Op: fsnotify.Create}, true},
		{"text file", fsnotify.Event{Name: "alice/notes.txt", Op: fsnotify.Write}, true},
		{"directory removed", fsnotify.Event{Name: "bob", Op: fsnotify.Remove}, false},
		{"directory created", fsnotify.Event{Name: newDir, Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldIgnoreEvent(tt.event))
		})
	}
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(input)), &out, "Delete?")
		assert.Equal(t, want, got, "input %q", input)
		assert.Equal(t, "Delete? [y/N]: ", out.String())
	}
}

func TestOpenStorageAt(t *testing.T) {
	st, release, err := openStorageAt(context.Background(), "/tmp/facebank")
	require.NoError(t, err)
	defer release()
	fsStore, ok := st.(*gallery.FileStorage)
	require.True(t, ok)
	assert.Equal(t, "/tmp/facebank", fsStore.Dir)
}
