package gallery

import (
	"context"
	"errors"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facebank/internal/types"
)

func sampleGallery(t *testing.T) *Gallery {
	t.Helper()
	g, err := FromEntries([]Entry{
		{Name: "alice", Embedding: types.Embedding{0.6, 0.8, 0}},
		{Name: "Zoë", Embedding: types.Embedding{0, 0.6, 0.8}},
		{Name: "alice", Embedding: types.Embedding{0.8, 0.6, 0}},
	})
	require.NoError(t, err)
	return g
}

func TestFileStorageRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		legacy bool
		files  []string
	}{
		{"combined artifact", false, []string{ArtifactFile}},
		{"with legacy layout", true, []string{ArtifactFile, MatrixFile, NamesFile}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := &FileStorage{Dir: filepath.Join(t.TempDir(), "facebank"), Legacy: tt.legacy}
			g := sampleGallery(t)
			require.NoError(t, g.Save(ctx, st))

			for _, f := range tt.files {
				assert.FileExists(t, filepath.Join(st.Dir, f))
			}

			loaded, err := Load(ctx, st)
			require.NoError(t, err)
			assert.Equal(t, g.Snapshot().Names(), loaded.Snapshot().Names())
			assert.Equal(t, g.Snapshot().Matrix().Data(), loaded.Snapshot().Matrix().Data())
		})
	}
}

func TestFileStorageEmptyGalleryKeepsDimension(t *testing.T) {
	ctx := context.Background()
	st := &FileStorage{Dir: t.TempDir()}
	require.NoError(t, New(512).Save(ctx, st))

	loaded, err := Load(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())
	assert.Equal(t, 512, loaded.Dim())
}

func TestFileStorageLegacyFallback(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, sampleGallery(t).Save(ctx, &FileStorage{Dir: dir, Legacy: true}))
	require.NoError(t, os.Remove(filepath.Join(dir, ArtifactFile)))

	loaded, err := Load(ctx, &FileStorage{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "Zoë", "alice"}, loaded.Snapshot().Names())
}

func TestFileStorageLoadErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, err := Load(ctx, &FileStorage{Dir: t.TempDir()})
		assert.True(t, errors.Is(err, types.ErrGalleryLoad))
		assert.True(t, errors.Is(err, fs.ErrNotExist))
		assert.ErrorIs(t, err, ErrNoGallery)
	})

	t.Run("legacy count mismatch", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, sampleGallery(t).Save(ctx, &FileStorage{Dir: dir, Legacy: true}))
		require.NoError(t, os.Remove(filepath.Join(dir, ArtifactFile)))
		require.NoError(t, os.WriteFile(filepath.Join(dir, NamesFile), []byte(`["alice"]`), 0644))

		_, err := Load(ctx, &FileStorage{Dir: dir})
		assert.True(t, errors.Is(err, types.ErrGalleryLoad))
	})

	t.Run("legacy names missing", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, sampleGallery(t).Save(ctx, &FileStorage{Dir: dir, Legacy: true}))
		require.NoError(t, os.Remove(filepath.Join(dir, ArtifactFile)))
		require.NoError(t, os.Remove(filepath.Join(dir, NamesFile)))

		_, err := Load(ctx, &FileStorage{Dir: dir})
		assert.True(t, errors.Is(err, types.ErrGalleryLoad))
		assert.NotErrorIs(t, err, ErrNoGallery)
	})

	t.Run("legacy matrix missing", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, sampleGallery(t).Save(ctx, &FileStorage{Dir: dir, Legacy: true}))
		require.NoError(t, os.Remove(filepath.Join(dir, ArtifactFile)))
		require.NoError(t, os.Remove(filepath.Join(dir, MatrixFile)))

		_, err := Load(ctx, &FileStorage{Dir: dir})
		assert.True(t, errors.Is(err, types.ErrGalleryLoad))
		assert.NotErrorIs(t, err, ErrNoGallery)
	})

	t.Run("oversized name count", func(t *testing.T) {
		dir := t.TempDir()
		buf := []byte(artifactMagic)
		buf = le.AppendUint32(buf, artifactVersion)
		buf = le.AppendUint32(buf, 1<<31)
		buf = le.AppendUint32(buf, 512)
		buf = le.AppendUint32(buf, crc32.ChecksumIEEE(buf))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ArtifactFile), buf, 0644))

		_, err := Load(ctx, &FileStorage{Dir: dir})
		assert.True(t, errors.Is(err, types.ErrGalleryLoad))
		assert.ErrorIs(t, err, errCorrupt)
	})

	t.Run("corrupt artifact", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, sampleGallery(t).Save(ctx, &FileStorage{Dir: dir}))
		path := filepath.Join(dir, ArtifactFile)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[20] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0644))

		_, err = Load(ctx, &FileStorage{Dir: dir})
		assert.True(t, errors.Is(err, types.ErrGalleryLoad))
		assert.ErrorIs(t, err, errCorrupt)
	})

	t.Run("truncated artifact", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ArtifactFile), []byte("FBK1"), 0644))
		_, err := Load(ctx, &FileStorage{Dir: dir})
		assert.True(t, errors.Is(err, types.ErrGalleryLoad))
	})
}

func TestFileStorageFailedSaveKeepsPreviousState(t *testing.T) {
	dir := t.TempDir()
	st := &FileStorage{Dir: dir, Legacy: true}
	require.NoError(t, sampleGallery(t).Save(context.Background(), st))

	next, err := FromEntries([]Entry{{Name: "bob", Embedding: types.Embedding{0, 0, 1}}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, next.Save(ctx, st), context.Canceled)

	loaded, err := Load(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "Zoë", "alice"}, loaded.Snapshot().Names())

	require.NoError(t, os.Remove(filepath.Join(dir, ArtifactFile)))
	legacy, err := Load(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 3, legacy.Len())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Contains(t, []string{MatrixFile, NamesFile}, e.Name(), "leftover staging file")
	}
}

func TestFileStorageSaveReplacesPreviousState(t *testing.T) {
	ctx := context.Background()
	st := &FileStorage{Dir: t.TempDir()}
	require.NoError(t, sampleGallery(t).Save(ctx, st))

	g, err := FromEntries([]Entry{{Name: "bob", Embedding: types.Embedding{1, 0}}})
	require.NoError(t, err)
	require.NoError(t, g.Save(ctx, st))

	loaded, err := Load(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, loaded.Snapshot().Names())

	entries, err := os.ReadDir(st.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestFileStorageClear(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "alice"), 0755))
	st := &FileStorage{Dir: dir, Legacy: true}
	require.NoError(t, sampleGallery(t).Save(ctx, st))

	require.NoError(t, st.Clear(ctx))
	require.NoError(t, st.Clear(ctx), "clearing twice is fine")

	assert.NoFileExists(t, filepath.Join(dir, ArtifactFile))
	assert.NoFileExists(t, filepath.Join(dir, MatrixFile))
	assert.DirExists(t, filepath.Join(dir, "alice"))
}
