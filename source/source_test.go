package source_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconf-go/dconf/changeset"
	"github.com/dconf-go/dconf/database"
	"github.com/dconf-go/dconf/shm"
	"github.com/dconf-go/dconf/source"
	"github.com/dconf-go/dconf/transport"
)

func testDirs(t *testing.T) source.Dirs {
	t.Helper()
	root := t.TempDir()
	return source.Dirs{
		RuntimeDir: filepath.Join(root, "run"),
		ConfigHome: filepath.Join(root, "config"),
		SysConfDir: filepath.Join(root, "etc"),
	}
}

func val(t *testing.T, v interface{}) *changeset.Value {
	t.Helper()
	out, err := changeset.NewValue("i", v)
	require.NoError(t, err)
	return out
}

func TestUserSourceEmptyUntilWritten(t *testing.T) {
	dirs := testDirs(t)
	s := source.New(zerolog.Nop(), source.User, "user", true, dirs, "")

	changed := s.Refresh(context.Background(), nil)
	assert.True(t, changed, "first refresh always reports a change")
	assert.False(t, s.Values().Has("/a/b"))

	changed = s.Refresh(context.Background(), nil)
	assert.False(t, changed, "no flag raised, nothing to reopen")
}

func TestUserSourcePicksUpValuesAfterShmSet(t *testing.T) {
	dirs := testDirs(t)
	s := source.New(zerolog.Nop(), source.User, "user", true, dirs, "")

	require.True(t, s.Refresh(context.Background(), nil))

	path := filepath.Join(dirs.ConfigHome, "dconf", "user")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, database.WriteFile(path, map[string]*changeset.Value{"/a/b": val(t, 1)}, nil))
	require.NoError(t, shm.Set(filepath.Join(dirs.RuntimeDir, "dconf"), "user"))

	changed := s.Refresh(context.Background(), nil)
	assert.True(t, changed)
	present, v := s.Values().Get("/a/b")
	assert.True(t, present)
	assert.True(t, v.Equal(val(t, 1)))
}

func TestFileSourceLogsOnlyFirstOpenFailure(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	dirs := testDirs(t)

	s := source.New(log, source.File, filepath.Join(dirs.ConfigHome, "missing"), false, dirs, "")

	s.Refresh(context.Background(), nil)
	s.Refresh(context.Background(), nil)
	s.Refresh(context.Background(), nil)

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 1, lines, "only the first open failure should be logged")
}

func TestFileSourceReopensOnReplace(t *testing.T) {
	dirs := testDirs(t)
	path := filepath.Join(dirs.ConfigHome, "db")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, database.WriteFile(path, map[string]*changeset.Value{"/a/b": val(t, 1)}, nil))

	s := source.New(zerolog.Nop(), source.File, path, false, dirs, "")
	require.True(t, s.Refresh(context.Background(), nil))
	present, _ := s.Values().Get("/a/b")
	assert.True(t, present)

	assert.False(t, s.Refresh(context.Background(), nil), "unchanged file needs no reopen")

	require.NoError(t, database.WriteFile(path, map[string]*changeset.Value{"/a/c": val(t, 2)}, nil))
	require.True(t, s.Refresh(context.Background(), nil))
	present, _ = s.Values().Get("/a/c")
	assert.True(t, present)
}

// serviceBus is a minimal transport.Transport double that materialises a
// service database the first time Init is called, simulating the writer
// process a service/proxied source reaches over the bus.
type serviceBus struct {
	dirs   source.Dirs
	called bool
}

func (b *serviceBus) CallSync(ctx context.Context, busName, objectPath, iface, method string, args []interface{}, out ...interface{}) error {
	b.called = true
	name := args[0].(string)
	path := filepath.Join(b.dirs.RuntimeDir, "dconf", name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return database.WriteFile(path, nil, nil)
}

func (b *serviceBus) CallAsync(ctx context.Context, busName, objectPath, iface, method string, args []interface{}) transport.Call {
	panic("unused in this test")
}

func (b *serviceBus) Subscribe(objectPath, iface, member, path string, handler transport.SignalHandler) (func(), error) {
	panic("unused in this test")
}

func TestServiceSourceInitOnMissingFile(t *testing.T) {
	dirs := testDirs(t)
	bus := &serviceBus{dirs: dirs}

	s := source.New(zerolog.Nop(), source.Service, "app", true, dirs, "")
	changed := s.Refresh(context.Background(), bus)
	assert.True(t, changed)
	assert.True(t, bus.called)
}
