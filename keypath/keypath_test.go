package keypath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dconf-go/dconf/dconferr"
	"github.com/dconf-go/dconf/keypath"
)

func TestIsKey(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/a/b", true},
		{"/a/b/", false},
		{"/a//b", false},
		{"a/b", false},
		{"", false},
		{"/", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keypath.IsKey(tt.path), tt.path)
	}
}

func TestIsDir(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/a/b/", true},
		{"/", true},
		{"/a/b", false},
		{"/a//b/", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keypath.IsDir(tt.path), tt.path)
	}
}

func TestIsRelPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"", true},
		{"a/b", true},
		{"/a/b", false},
		{"a//b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keypath.IsRelPath(tt.path), tt.path)
	}
}

func TestValidateKeyError(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		err := keypath.ValidateKey("")
		assert.True(t, dconferr.Of(err, dconferr.InvalidPath))
	})
	t.Run("trailing slash", func(t *testing.T) {
		err := keypath.ValidateKey("/a/")
		assert.True(t, dconferr.Of(err, dconferr.InvalidPath))
	})
	t.Run("missing leading slash", func(t *testing.T) {
		err := keypath.ValidateKey("a/b")
		assert.True(t, dconferr.Of(err, dconferr.InvalidPath))
	})
	t.Run("double slash", func(t *testing.T) {
		err := keypath.ValidateKey("/a//b")
		assert.True(t, dconferr.Of(err, dconferr.InvalidPath))
	})
}

func TestDir(t *testing.T) {
	assert.Equal(t, "/a/", keypath.Dir("/a/b"))
	assert.Equal(t, "/", keypath.Dir("/b"))
}

func TestIsUnder(t *testing.T) {
	assert.True(t, keypath.IsUnder("/a/", "/a/b"))
	assert.False(t, keypath.IsUnder("/a/", "/a/"))
	assert.False(t, keypath.IsUnder("/a/", "/b/c"))
}
