package changeset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconf-go/dconf/changeset"
)

func mustValue(t *testing.T, sig string, v interface{}) *changeset.Value {
	t.Helper()
	val, err := changeset.NewValue(sig, v)
	require.NoError(t, err)
	return val
}

func TestSetRules(t *testing.T) {
	t.Run("dir requires reset", func(t *testing.T) {
		cs := changeset.New()
		err := cs.Set("/a/", mustValue(t, "i", 1))
		assert.Error(t, err)
	})
	t.Run("database rejects reset", func(t *testing.T) {
		cs := changeset.NewDatabase()
		err := cs.Set("/a/b", nil)
		assert.Error(t, err)
	})
	t.Run("database rejects dir", func(t *testing.T) {
		cs := changeset.NewDatabase()
		err := cs.Set("/a/", nil)
		assert.Error(t, err)
	})
	t.Run("sealed rejects set", func(t *testing.T) {
		cs := changeset.New()
		cs.Seal()
		err := cs.Set("/a/b", mustValue(t, "i", 1))
		assert.Error(t, err)
	})
}

func TestDescribeSinglePath(t *testing.T) {
	cs := changeset.New()
	require.NoError(t, cs.Set("/a/b", mustValue(t, "i", 1)))

	prefix, rel, values := cs.Describe()
	assert.Equal(t, "/a/b", prefix)
	assert.Equal(t, []string{""}, rel)
	require.Len(t, values, 1)
}

func TestDescribeCommonPrefix(t *testing.T) {
	cs := changeset.New()
	require.NoError(t, cs.Set("/a/b", mustValue(t, "i", 1)))
	require.NoError(t, cs.Set("/a/c", mustValue(t, "i", 2)))

	prefix, rel, _ := cs.Describe()
	assert.Equal(t, "/a/", prefix)
	assert.ElementsMatch(t, []string{"b", "c"}, rel)
}

func TestDescribeDirResetOrdersBeforeKeys(t *testing.T) {
	cs := changeset.New()
	require.NoError(t, cs.Set("/a/b", mustValue(t, "i", 1)))
	require.NoError(t, cs.Set("/a/", nil))

	prefix, rel, values := cs.Describe()
	assert.Equal(t, "/a/", prefix)
	require.Equal(t, []string{"", "b"}, rel)
	assert.Nil(t, values[0])
}

func TestDescribeIdempotent(t *testing.T) {
	cs := changeset.New()
	require.NoError(t, cs.Set("/a/b", mustValue(t, "i", 1)))
	p1, r1, _ := cs.Describe()
	p2, r2, _ := cs.Describe()
	assert.Equal(t, p1, p2)
	assert.Equal(t, r1, r2)
}

func TestSharedRootPrefix(t *testing.T) {
	cs := changeset.New()
	require.NoError(t, cs.Set("/a/b", mustValue(t, "i", 1)))
	require.NoError(t, cs.Set("/x/y", mustValue(t, "i", 2)))

	prefix, _, _ := cs.Describe()
	assert.Equal(t, "/", prefix)
}

func TestChangeAppliesDirResetThenWrites(t *testing.T) {
	self := changeset.New()
	require.NoError(t, self.Set("/a/b", mustValue(t, "i", 1)))
	require.NoError(t, self.Set("/a/c", mustValue(t, "i", 2)))

	other := changeset.New()
	require.NoError(t, other.Set("/a/", nil))
	require.NoError(t, other.Set("/a/c", mustValue(t, "i", 3)))

	require.NoError(t, self.Change(other))

	present, v := self.Get("/a/b")
	assert.False(t, present)
	assert.Nil(t, v)

	present, v = self.Get("/a/c")
	require.True(t, present)
	require.NotNil(t, v)
}

func TestDiffRoundTrip(t *testing.T) {
	a := changeset.NewDatabase()
	require.NoError(t, a.Set("/a/b", mustValue(t, "i", 1)))
	require.NoError(t, a.Set("/a/c", mustValue(t, "i", 2)))

	b := changeset.NewDatabase()
	require.NoError(t, b.Set("/a/b", mustValue(t, "i", 1)))
	require.NoError(t, b.Set("/a/c", mustValue(t, "i", 3)))
	require.NoError(t, b.Set("/a/d", mustValue(t, "i", 4)))

	delta, err := changeset.Diff(a, b)
	require.NoError(t, err)
	require.NotNil(t, delta)

	require.NoError(t, a.Change(delta))
	assert.True(t, a.IsSimilarTo(b))

	for _, key := range []string{"/a/b", "/a/c", "/a/d"} {
		_, av := a.Get(key)
		_, bv := b.Get(key)
		assert.True(t, av.Equal(bv), key)
	}
}

func TestDiffEqualIsNil(t *testing.T) {
	a := changeset.NewDatabase()
	require.NoError(t, a.Set("/a/b", mustValue(t, "i", 1)))

	delta, err := changeset.Diff(a, a)
	require.NoError(t, err)
	assert.Nil(t, delta)
}

func TestFilterChangesRedundant(t *testing.T) {
	db := changeset.NewDatabase()
	require.NoError(t, db.Set("/a/b", mustValue(t, "i", 1)))

	delta := changeset.New()
	require.NoError(t, delta.Set("/a/b", mustValue(t, "i", 1)))
	require.NoError(t, delta.Set("/a/c", mustValue(t, "i", 2)))

	filtered, err := changeset.FilterChanges(db, delta)
	require.NoError(t, err)
	require.NotNil(t, filtered)

	present, _ := filtered.Get("/a/b")
	assert.False(t, present, "redundant write must be dropped")
	present, _ = filtered.Get("/a/c")
	assert.True(t, present)
}

func TestFilterChangesAllRedundantIsNil(t *testing.T) {
	db := changeset.NewDatabase()
	require.NoError(t, db.Set("/a/b", mustValue(t, "i", 1)))

	delta := changeset.New()
	require.NoError(t, delta.Set("/a/b", mustValue(t, "i", 1)))

	filtered, err := changeset.FilterChanges(db, delta)
	require.NoError(t, err)
	assert.Nil(t, filtered)
}

func TestFilterChangesResetRedundantWhenAbsent(t *testing.T) {
	db := changeset.NewDatabase()

	delta := changeset.New()
	require.NoError(t, delta.Set("/a/b", nil))

	filtered, err := changeset.FilterChanges(db, delta)
	require.NoError(t, err)
	assert.Nil(t, filtered)
}

func TestSerialiseRoundTrip(t *testing.T) {
	cs := changeset.New()
	require.NoError(t, cs.Set("/a/b", mustValue(t, "i", 1)))
	require.NoError(t, cs.Set("/a/", nil))

	data, err := cs.Serialise()
	require.NoError(t, err)

	out, err := changeset.Deserialise(data)
	require.NoError(t, err)

	assert.True(t, cs.IsSimilarTo(out))
	for _, key := range []string{"/a/b", "/a/"} {
		_, v1 := cs.Get(key)
		_, v2 := out.Get(key)
		assert.True(t, v1.Equal(v2), key)
	}
}
