package profile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconf-go/dconf/profile"
	"github.com/dconf-go/dconf/source"
)

func testDirs(t *testing.T) profile.Dirs {
	t.Helper()
	root := t.TempDir()
	return profile.Dirs{
		Dirs: source.Dirs{
			RuntimeDir: filepath.Join(root, "run"),
			ConfigHome: filepath.Join(root, "config"),
			SysConfDir: filepath.Join(root, "etc"),
		},
	}
}

func TestDefaultProfileWhenNothingResolves(t *testing.T) {
	dirs := testDirs(t)
	sources, writable := profile.Load(zerolog.Nop(), dirs, profile.Env{UID: 1000, MandatoryPath: "/nonexistent"}, "", "")

	require.Len(t, sources, 1)
	assert.Equal(t, source.User, sources[0].Kind)
	assert.True(t, writable)
}

func TestExplicitSelectorMissingYieldsNullProfile(t *testing.T) {
	dirs := testDirs(t)
	sources, writable := profile.Load(zerolog.Nop(), dirs, profile.Env{MandatoryPath: "/nonexistent"}, "/no/such/file", "")

	assert.Nil(t, sources)
	assert.False(t, writable)
}

func TestExplicitAbsolutePathSelector(t *testing.T) {
	dirs := testDirs(t)
	path := filepath.Join(t.TempDir(), "myprofile")
	require.NoError(t, os.WriteFile(path, []byte("user-db:user\nsystem-db:site\n"), 0600))

	sources, writable := profile.Load(zerolog.Nop(), dirs, profile.Env{MandatoryPath: "/nonexistent"}, path, "")

	require.Len(t, sources, 2)
	assert.Equal(t, source.User, sources[0].Kind)
	assert.True(t, sources[0].Writable)
	assert.Equal(t, source.System, sources[1].Kind)
	assert.False(t, sources[1].Writable)
	assert.True(t, writable)
}

func TestDconfProfileEnvSearchesSysConfDirThenDataDirs(t *testing.T) {
	dirs := testDirs(t)
	dataDir := t.TempDir()
	dirs.DataDirs = []string{dataDir}

	profileFile := filepath.Join(dataDir, "dconf", "profile", "custom")
	require.NoError(t, os.MkdirAll(filepath.Dir(profileFile), 0700))
	require.NoError(t, os.WriteFile(profileFile, []byte("# a comment\n  user-db:user  \n"), 0600))

	sources, writable := profile.Load(zerolog.Nop(), dirs, profile.Env{DconfProfile: "custom", MandatoryPath: "/nonexistent"}, "", "")

	require.Len(t, sources, 1)
	assert.Equal(t, "user", sources[0].Name)
	assert.True(t, writable)
}

func TestMandatoryFileContentUsedDirectly(t *testing.T) {
	dirs := testDirs(t)
	mandatory := filepath.Join(t.TempDir(), "1000")
	require.NoError(t, os.WriteFile(mandatory, []byte("file-db:/abs/path\n"), 0600))

	sources, _ := profile.Load(zerolog.Nop(), dirs, profile.Env{UID: 1000, MandatoryPath: mandatory}, "", "")

	require.Len(t, sources, 1)
	assert.Equal(t, source.File, sources[0].Kind)
	assert.Equal(t, "/abs/path", sources[0].Name)
}

func TestMalformedProfileLineIsSkippedNotFatal(t *testing.T) {
	dirs := testDirs(t)
	path := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(path, []byte("not-a-valid-line\nuser-db:user\n"), 0600))

	sources, writable := profile.Load(zerolog.Nop(), dirs, profile.Env{MandatoryPath: "/nonexistent"}, path, "")

	require.Len(t, sources, 1, "the malformed line must be skipped, not discard the whole profile")
	assert.Equal(t, source.User, sources[0].Kind)
	assert.True(t, writable)
}

func TestAllLinesMalformedYieldsNullProfile(t *testing.T) {
	dirs := testDirs(t)
	path := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(path, []byte("not-a-valid-line\n"), 0600))

	sources, writable := profile.Load(zerolog.Nop(), dirs, profile.Env{MandatoryPath: "/nonexistent"}, path, "")

	assert.Nil(t, sources)
	assert.False(t, writable)
}
