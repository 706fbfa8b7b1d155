package storage

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 10, 10)), nil))
	return buf.Bytes()
}

func TestTempStoreSave(t *testing.T) {
	store, err := NewTempStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	data := jpegBytes(t)
	path, err := store.Save(data)
	require.NoError(t, err)

	assert.Equal(t, store.Dir(), filepath.Dir(path))
	assert.Equal(t, ".jpg", filepath.Ext(path))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTempStoreUniqueNames(t *testing.T) {
	store, err := NewTempStore(t.TempDir())
	require.NoError(t, err)

	const n = 50
	paths := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := store.Save([]byte{byte(i)})
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, p := range paths {
		assert.False(t, seen[p])
		seen[p] = true
	}
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestSniffImage(t *testing.T) {
	kind, err := SniffImage(jpegBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", kind.MIME.Value)

	_, err = SniffImage([]byte("%PDF-1.4 not an image"))
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = SniffImage(nil)
	assert.ErrorIs(t, err, ErrEmptyUpload)
}

func newOutput(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	out := filepath.Join(dir, "scan.jpg")
	require.NoError(t, os.WriteFile(out, []byte("jpeg"), 0o600))
	return out
}

func TestCleanerRemove(t *testing.T) {
	root := t.TempDir()
	out := newOutput(t, root, "predict")
	sibling := newOutput(t, root, "predict2")
	input := filepath.Join(t.TempDir(), "in.jpg")
	require.NoError(t, os.WriteFile(input, []byte("jpeg"), 0o600))

	c := NewCleaner(root, 1, 1, nil)
	defer c.Close()

	res := c.Remove(CleanupJob{OutputPath: out, InputPath: input})
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, filepath.Dir(out), res.OutputDir)

	assert.NoDirExists(t, filepath.Dir(out))
	assert.NoFileExists(t, input)
	assert.FileExists(t, sibling)
	assert.DirExists(t, root)
}

func TestCleanerRemoveAlreadyDeleted(t *testing.T) {
	root := t.TempDir()
	out := newOutput(t, root, "predict")
	require.NoError(t, os.RemoveAll(filepath.Dir(out)))

	c := NewCleaner(root, 1, 1, nil)
	defer c.Close()

	res := c.Remove(CleanupJob{OutputPath: out})
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, os.ErrNotExist)
}

func TestCleanerRefusesUnsafeTargets(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "runs")
	require.NoError(t, os.MkdirAll(root, 0o755))
	outside := newOutput(t, parent, "other")

	c := NewCleaner(root, 1, 1, nil)
	defer c.Close()

	// output directly in the root would delete the root itself
	res := c.Remove(CleanupJob{OutputPath: filepath.Join(root, "scan.jpg")})
	assert.ErrorIs(t, res.Err, ErrUnsafeCleanupTarget)
	assert.DirExists(t, root)

	res = c.Remove(CleanupJob{OutputPath: outside})
	assert.ErrorIs(t, res.Err, ErrUnsafeCleanupTarget)
	assert.FileExists(t, outside)
}

func TestCleanerSchedule(t *testing.T) {
	root := t.TempDir()

	var mu sync.Mutex
	var results []CleanupResult
	c := NewCleaner(root, 2, 4, func(r CleanupResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	outs := []string{
		newOutput(t, root, "predict"),
		newOutput(t, root, "predict2"),
		newOutput(t, root, "predict3"),
	}
	for _, out := range outs {
		c.Schedule(CleanupJob{OutputPath: out})
	}
	// already gone: reported, not fatal
	c.Schedule(CleanupJob{OutputPath: filepath.Join(root, "predict9", "x.jpg")})
	c.Close()

	for _, out := range outs {
		assert.NoDirExists(t, filepath.Dir(out))
	}
	require.Len(t, results, 4)
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	// after Close jobs run inline
	late := newOutput(t, root, "predict4")
	c.Schedule(CleanupJob{OutputPath: late})
	assert.NoDirExists(t, filepath.Dir(late))
	c.Close()
}

func TestIsWithin(t *testing.T) {
	root := filepath.Join("runs", "detect")
	assert.True(t, IsWithin(root, filepath.Join(root, "predict")))
	assert.False(t, IsWithin(root, root))
	assert.False(t, IsWithin(root, "runs"))
	assert.False(t, IsWithin(root, filepath.Join(root, "predict", "nested")))
	assert.False(t, IsWithin(root, filepath.Join("runs", "other")))
	assert.False(t, IsWithin(root, filepath.Join(root, "..", "..", "etc")))
}
