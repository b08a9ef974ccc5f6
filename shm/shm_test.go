package shm_test

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconf-go/dconf/shm"
)

func TestFlagLifecycle(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.Nop()

	f := shm.Open(log, dir, "user-db")
	defer f.Close()

	assert.False(t, f.IsFlagged(), "freshly created flag starts clear")

	require.NoError(t, shm.Set(dir, "user-db"))
	assert.True(t, f.IsFlagged(), "set must be visible through the existing mapping")

	require.NoError(t, shm.Set(dir, "user-db"), "set must be idempotent")
	assert.True(t, f.IsFlagged())
}

func TestFlagSeparateHandlesShareState(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.Nop()

	a := shm.Open(log, dir, "user-db")
	defer a.Close()
	b := shm.Open(log, dir, "user-db")
	defer b.Close()

	require.NoError(t, shm.Set(dir, "user-db"))
	assert.True(t, a.IsFlagged())
	assert.True(t, b.IsFlagged())
}

func TestFlagMissingDirectoryIsPermanentlyFlagged(t *testing.T) {
	log := zerolog.Nop()
	// A path component that is a regular file, not a directory, can never
	// be created as a directory: this exercises the fatal/degrade path.
	dir := t.TempDir() + "/not-a-dir"
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0600))

	f := shm.Open(log, dir+"/sub", "user-db")
	assert.True(t, f.IsFlagged())
}
