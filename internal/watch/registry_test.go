package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu    sync.Mutex
	paths []string
	ch    chan string
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{ch: make(chan string, 64)}
}

func (c *changeRecorder) onChange(path string) {
	c.mu.Lock()
	c.paths = append(c.paths, path)
	c.mu.Unlock()
	c.ch <- path
}

func (c *changeRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

func (c *changeRecorder) wait(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(timeout):
		t.Fatal("timed out waiting for change callback")
		return ""
	}
}

func newTestRegistry(t *testing.T, debounce time.Duration, rec *changeRecorder) *Registry {
	t.Helper()
	r, err := NewRegistry(Options{Debounce: debounce, OnChange: rec.onChange})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestIgnored(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/p/Sketch.cs", false},
		{"/p/Sketch.cs~", true},
		{"/p/~Sketch.cs", true},
		{"/p/Sketch.cs.tmp", true},
		{"/p/Sketch.TMP", true},
		{"/p/.Sketch.cs.swp", true},
		{"/p/.Sketch.cs.swx", true},
		{"/p/template.cs", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Ignored(tt.path))
		})
	}
}

func TestAcquireReleaseRefCounting(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Sketch.cs")
	require.NoError(t, os.WriteFile(file, []byte("class Sketch {}"), 0644))

	r := newTestRegistry(t, 0, newChangeRecorder())

	require.NoError(t, r.Acquire(file))
	require.NoError(t, r.Acquire(file))
	assert.Equal(t, 2, r.Refs(file))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.dirs[dir])

	r.Release(file)
	assert.Equal(t, 1, r.Refs(file))
	assert.Equal(t, 1, r.Len())

	r.Release(file)
	assert.Equal(t, 0, r.Refs(file))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.dirs)

	// unknown paths are ignored
	r.Release(file)
	assert.Equal(t, 0, r.Len())
}

func TestDirectoryWatchSharedBetweenFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "A.cs")
	b := filepath.Join(dir, "B.cs")

	r := newTestRegistry(t, 0, newChangeRecorder())
	require.NoError(t, r.Acquire(a))
	require.NoError(t, r.Acquire(b))
	assert.Equal(t, 2, r.dirs[dir])

	r.Release(a)
	assert.Equal(t, 1, r.dirs[dir])
	assert.Equal(t, []string{b}, r.Paths())
}

func TestPathsSorted(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, 0, newChangeRecorder())
	for _, name := range []string{"c.cs", "a.cs", "b.cs"} {
		require.NoError(t, r.Acquire(filepath.Join(dir, name)))
	}
	assert.Equal(t, []string{
		filepath.Join(dir, "a.cs"),
		filepath.Join(dir, "b.cs"),
		filepath.Join(dir, "c.cs"),
	}, r.Paths())
}

func TestChangeFiresCallback(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Sketch.cs")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0644))

	rec := newChangeRecorder()
	r := newTestRegistry(t, 20*time.Millisecond, rec)
	require.NoError(t, r.Acquire(file))

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0644))
	assert.Equal(t, file, rec.wait(t, 5*time.Second))
}

func TestUnwatchedSiblingDoesNotFire(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Sketch.cs")
	other := filepath.Join(dir, "Other.cs")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0644))

	rec := newChangeRecorder()
	r := newTestRegistry(t, 20*time.Millisecond, rec)
	require.NoError(t, r.Acquire(file))

	require.NoError(t, os.WriteFile(other, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(file+".tmp", []byte("x"), 0644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestDebounceCoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Sketch.cs")
	require.NoError(t, os.WriteFile(file, []byte("v0"), 0644))

	rec := newChangeRecorder()
	r := newTestRegistry(t, 200*time.Millisecond, rec)
	require.NoError(t, r.Acquire(file))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte{byte('a' + i)}, 0644))
		time.Sleep(10 * time.Millisecond)
	}

	rec.wait(t, 5*time.Second)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestReleasedFileStopsFiring(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Sketch.cs")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0644))

	rec := newChangeRecorder()
	r := newTestRegistry(t, 20*time.Millisecond, rec)
	require.NoError(t, r.Acquire(file))
	r.Release(file)

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestAtomicSaveFires(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Sketch.cs")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0644))

	rec := newChangeRecorder()
	r := newTestRegistry(t, 20*time.Millisecond, rec)
	require.NoError(t, r.Acquire(file))

	tmp := filepath.Join(dir, "Sketch.cs.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("v2"), 0644))
	require.NoError(t, os.Rename(tmp, file))

	assert.Equal(t, file, rec.wait(t, 5*time.Second))
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, 0, newChangeRecorder())
	require.NoError(t, r.Acquire(filepath.Join(dir, "a.cs")))
	require.NoError(t, r.Acquire(filepath.Join(dir, "b.cs")))

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.dirs)

	// still usable
	require.NoError(t, r.Acquire(filepath.Join(dir, "a.cs")))
	assert.Equal(t, 1, r.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	r, err := NewRegistry(Options{})
	require.NoError(t, err)

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
	assert.ErrorIs(t, r.Acquire(filepath.Join(t.TempDir(), "a.cs")), ErrClosed)
}
