package database_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconf-go/dconf/changeset"
	"github.com/dconf-go/dconf/database"
)

func val(t *testing.T, v interface{}) *changeset.Value {
	t.Helper()
	out, err := changeset.NewValue("i", v)
	require.NoError(t, err)
	return out
}

func TestOpenWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user")

	values := map[string]*changeset.Value{
		"/a/b": val(t, 1),
		"/a/c": val(t, 2),
	}
	locks := map[string]*changeset.Value{
		"/a/b": val(t, nil),
	}
	require.NoError(t, database.WriteFile(path, values, locks))

	h, err := database.Open(path)
	require.NoError(t, err)
	defer h.Close()

	present, v := h.Values().Get("/a/b")
	assert.True(t, present)
	assert.True(t, v.Equal(values["/a/b"]))

	assert.True(t, h.Locks().Has("/a/b"))
	assert.False(t, h.Locks().Has("/a/c"))
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, database.WriteFile(path, nil, nil))

	h, err := database.Open(path)
	require.NoError(t, err)
	defer h.Close()

	assert.False(t, h.Values().Has("/a/b"))
	assert.Nil(t, h.Locks())
}

func TestIsValidAfterReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user")
	require.NoError(t, database.WriteFile(path, map[string]*changeset.Value{"/a/b": val(t, 1)}, nil))

	h, err := database.Open(path)
	require.NoError(t, err)
	defer h.Close()

	assert.True(t, h.IsValid())

	require.NoError(t, database.WriteFile(path, map[string]*changeset.Value{"/a/b": val(t, 2)}, nil))
	assert.False(t, h.IsValid())
}

func TestTableList(t *testing.T) {
	table := database.NewMemTable(map[string]*changeset.Value{
		"/a/b":   val(t, 1),
		"/a/c":   val(t, 2),
		"/a/d/e": val(t, 3),
	})

	names := table.List("/a/")
	assert.ElementsMatch(t, []string{"b", "c", "d/"}, names)

	keys := table.Keys("/a/")
	assert.ElementsMatch(t, []string{"/a/b", "/a/c", "/a/d/e"}, keys)
}
