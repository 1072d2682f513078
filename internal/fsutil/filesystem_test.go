package fsutil

import (
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must behave the same for everything the sink does.
func filesystems(t *testing.T) map[string]struct {
	fs   FileSystem
	root string
} {
	return map[string]struct {
		fs   FileSystem
		root string
	}{
		"os":     {OSFileSystem{}, t.TempDir()},
		"memory": {NewMemoryFileSystem(), "/data"},
	}
}

func TestWriteReadAndStat(t *testing.T) {
	for name, tc := range filesystems(t) {
		t.Run(name, func(t *testing.T) {
			dir := filepath.Join(tc.root, "pending", "s1")
			require.NoError(t, tc.fs.MkdirAll(dir, 0o755))

			path := filepath.Join(dir, "frame.jpg")
			require.NoError(t, tc.fs.WriteFile(path, []byte("jpeg"), 0o644))

			data, err := tc.fs.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "jpeg", string(data))

			info, err := tc.fs.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, int64(4), info.Size())
			assert.False(t, info.IsDir())

			info, err = tc.fs.Stat(dir)
			require.NoError(t, err)
			assert.True(t, info.IsDir())

			_, err = tc.fs.ReadFile(filepath.Join(dir, "missing.jpg"))
			assert.ErrorIs(t, err, fs.ErrNotExist)
		})
	}
}

func TestRenameDirectoryTree(t *testing.T) {
	for name, tc := range filesystems(t) {
		t.Run(name, func(t *testing.T) {
			src := filepath.Join(tc.root, "pending", "s1")
			dstParent := filepath.Join(tc.root, "complete")
			require.NoError(t, tc.fs.MkdirAll(src, 0o755))
			require.NoError(t, tc.fs.MkdirAll(dstParent, 0o755))
			require.NoError(t, tc.fs.WriteFile(filepath.Join(src, "a.jpg"), []byte("a"), 0o644))
			require.NoError(t, tc.fs.WriteFile(filepath.Join(src, "b.jpg"), []byte("b"), 0o644))

			dst := filepath.Join(dstParent, "s1")
			require.NoError(t, tc.fs.Rename(src, dst))

			assert.False(t, tc.fs.Exists(src))
			data, err := tc.fs.ReadFile(filepath.Join(dst, "b.jpg"))
			require.NoError(t, err)
			assert.Equal(t, "b", string(data))

			entries, err := tc.fs.ReadDir(dst)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "a.jpg", entries[0].Name())
		})
	}
}

func TestRenameRefusesExistingDestination(t *testing.T) {
	for name, tc := range filesystems(t) {
		t.Run(name, func(t *testing.T) {
			a := filepath.Join(tc.root, "a")
			b := filepath.Join(tc.root, "b")
			require.NoError(t, tc.fs.MkdirAll(a, 0o755))
			require.NoError(t, tc.fs.MkdirAll(b, 0o755))

			err := tc.fs.Rename(a, b)
			assert.ErrorIs(t, err, fs.ErrExist)
			assert.True(t, tc.fs.Exists(a))
		})
	}
}

func TestRemoveAll(t *testing.T) {
	for name, tc := range filesystems(t) {
		t.Run(name, func(t *testing.T) {
			keep := filepath.Join(tc.root, "s10")
			drop := filepath.Join(tc.root, "s1")
			require.NoError(t, tc.fs.MkdirAll(filepath.Join(drop, "nested"), 0o755))
			require.NoError(t, tc.fs.MkdirAll(keep, 0o755))
			require.NoError(t, tc.fs.WriteFile(filepath.Join(drop, "nested", "x"), []byte("x"), 0o644))
			require.NoError(t, tc.fs.WriteFile(filepath.Join(keep, "y"), []byte("y"), 0o644))

			require.NoError(t, tc.fs.RemoveAll(drop))
			require.NoError(t, tc.fs.RemoveAll(drop))

			assert.False(t, tc.fs.Exists(drop))
			assert.True(t, tc.fs.Exists(filepath.Join(keep, "y")))
		})
	}
}

func TestMemoryFileSystemWriteNeedsParent(t *testing.T) {
	m := NewMemoryFileSystem()
	err := m.WriteFile("/nowhere/frame.jpg", []byte("x"), 0o644)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	// Relative names live under the implicit "." root.
	require.NoError(t, m.WriteFile("top.txt", []byte("x"), 0o644))
	assert.True(t, m.Exists("./top.txt"))
}

func TestMemoryFileSystemDataIsolation(t *testing.T) {
	m := NewMemoryFileSystem()
	buf := []byte("original")
	require.NoError(t, m.WriteFile("/f", buf, 0o644))
	buf[0] = 'X'

	got, err := m.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	got[0] = 'Y'
	again, _ := m.ReadFile("/f")
	assert.Equal(t, "original", string(again))
}

func TestUnder(t *testing.T) {
	tests := []struct {
		p, dir string
		rel    string
		ok     bool
	}{
		{"/a/b/c", "/a", "b/c", true},
		{"/a", "/a", "", false},
		{"/ab/c", "/a", "", false},
		{"/x", "/", "x", true},
	}
	for _, tt := range tests {
		rel, ok := under(tt.p, tt.dir)
		assert.Equal(t, tt.ok, ok, "%s under %s", tt.p, tt.dir)
		assert.Equal(t, tt.rel, rel)
	}
}
