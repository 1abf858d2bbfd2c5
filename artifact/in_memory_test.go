package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*DirStore)(nil)
)

func TestStores(t *testing.T) {
	stores := map[string]Store{
		"memory": NewInMemoryStore(),
		"dir":    NewDirStore(t.TempDir()),
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			data := []byte("hello")
			require.NoError(t, s.Save("s1", "report/summary.md", data))
			require.NoError(t, s.Save("s1", "a.txt", []byte("a")))
			data[0] = 'H'

			out, err := s.Get("s1", "report/summary.md")
			require.NoError(t, err)
			assert.Equal(t, "hello", string(out))

			names, err := s.List("s1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a.txt", "report/summary.md"}, names)

			names, err = s.List("other")
			require.NoError(t, err)
			assert.Empty(t, names)

			require.NoError(t, s.Delete("s1", "a.txt"))
			assert.ErrorIs(t, s.Delete("s1", "a.txt"), ErrNotFound)
			_, err = s.Get("s1", "a.txt")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.Error(t, s.Save("s1", "../escape.txt", data))
			assert.Error(t, s.Save("s1", "/abs.txt", data))
		})
	}
}

func TestDirStore_RejectsSessionTraversal(t *testing.T) {
	s := NewDirStore(t.TempDir())
	assert.Error(t, s.Save("../x", "a.txt", nil))
	assert.Error(t, s.Save("a/b", "a.txt", nil))
}

func TestCollect(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "docs", "plan.md"), []byte("# Plan"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "big.bin"), make([]byte, 64), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "notes.txt"), []byte("n"), 0o644))

	store := NewInMemoryStore()
	names, err := Collect(store, "s1", ws, func(o *CollectOptions) { o.MaxFileSize = 32 })
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/plan.md", "notes.txt"}, names)

	data, err := store.Get("s1", "docs/plan.md")
	require.NoError(t, err)
	assert.Equal(t, "# Plan", string(data))

	names, err = Collect(store, "s2", ws, func(o *CollectOptions) { o.MaxFiles = 1 })
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestValidName(t *testing.T) {
	for _, n := range []string{"a.txt", "dir/a.txt", "./a.txt", "a/../b.txt"} {
		assert.NoError(t, validName(n), n)
	}
	for _, n := range []string{"", ".", "..", "../a", "a/../../b", "/etc/passwd", `a\b`} {
		assert.Error(t, validName(n), n)
	}
}
