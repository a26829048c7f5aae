package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsClean(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"", true},
		{"a", true},
		{"a/b/c.txt", true},
		{"a.zip/b", true},
		{"/a", false},
		{"a/", false},
		{"a//b", false},
		{".", false},
		{"a/./b", false},
		{"a/../b", false},
		{"..", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsClean(tt.path), "IsClean(%q)", tt.path)
	}
}

func TestParentPathAndBaseName(t *testing.T) {
	tests := []struct {
		path   string
		parent string
		base   string
	}{
		{"", "", ""},
		{"a", "", "a"},
		{"a/b", "a", "b"},
		{"a/b/c.txt", "a/b", "c.txt"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.parent, ParentPath(tt.path))
			assert.Equal(t, tt.base, BaseName(tt.path))
		})
	}
}

func TestParentAndBaseRejoin(t *testing.T) {
	for _, p := range []string{"a/b", "x/y/z", "archive.zip/dir/file"} {
		assert.Equal(t, p, ParentPath(p)+"/"+BaseName(p))
	}
}
