package vfs

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedfs/internal/common"
)

func TestEntryNameRoot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		root bool
	}{
		{"", true},
		{"?x", false},
		{"b", false},
		{"b/c?x", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			n, err := ParseEntryName(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.root, n.IsRoot())
			assert.Equal(t, tt.in, n.String())
		})
	}
	assert.True(t, RootName.IsRoot())
}

func TestEntryNameRejectsUncleanPaths(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"/a", "a/", "a//b", "./a", "a/../b", ".."} {
		_, err := ParseEntryName(in)
		assert.ErrorIs(t, err, common.ErrInvalidPath, in)
	}
}

func TestEntryNameNavigation(t *testing.T) {
	t.Parallel()

	n := MustEntryName("a/b/c")
	parent, ok := n.Parent()
	require.True(t, ok)
	assert.Equal(t, "a/b", parent.String())
	assert.Equal(t, "c", n.Base())
	assert.Equal(t, "a/b/c/d", n.Join("d").String())

	top, ok := MustEntryName("a").Parent()
	require.True(t, ok)
	assert.True(t, top.IsRoot())
	_, ok = RootName.Parent()
	assert.False(t, ok)

	assert.Equal(t, "x/b?q", MustEntryName("x").Resolve(MustEntryName("b?q")).String())
	assert.Equal(t, "x", MustEntryName("x").Resolve(RootName).String())
	assert.Equal(t, "b", RootName.Resolve(MustEntryName("b")).String())
}

func TestResolveAgainstOpaqueMountPoint(t *testing.T) {
	t.Parallel()

	mp := MustMountPoint("zip:file:/a.zip!/")
	p := mp.Resolve(MustEntryName("b/c"))
	assert.Equal(t, "zip:file:/a.zip!/b/c", p.String())

	parsed, err := ParsePath("zip:file:/a.zip!/b/c")
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
}

func TestParseMountPoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in           string
		opaque       bool
		parent       string
		hierarchical string
	}{
		{"file:/", false, "", "file:/"},
		{"file:/a/b/", false, "", "file:/a/b/"},
		{"zip:file:/a.zip!/", true, "file:/", "file:/a.zip/"},
		{"tar.gz:zip:file:/a.zip!/b.tar.gz!/", true, "zip:file:/a.zip!/", "file:/a.zip/b.tar.gz/"},
		{"file:/x!/", false, "", "file:/x!/"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			mp, err := ParseMountPoint(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.in, mp.String())
			assert.Equal(t, tt.opaque, mp.IsOpaque())
			assert.Equal(t, tt.hierarchical, mp.Hierarchical())
			parent, ok := mp.Parent()
			assert.Equal(t, tt.opaque, ok)
			if ok {
				assert.Equal(t, tt.parent, parent.String())
			}
		})
	}
}

func TestParseMountPointErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "file", "file:a/", "file:/a", "1x:/", "zip:file:/!/", "file:/a//b/"} {
		_, err := ParseMountPoint(in)
		assert.ErrorIs(t, err, common.ErrInvalidPath, in)
	}
}

func TestNewMountPoint(t *testing.T) {
	t.Parallel()

	parent, err := ParsePath("file:/dir/a.zip")
	require.NoError(t, err)
	mp, err := NewMountPoint("zip", parent)
	require.NoError(t, err)
	assert.Equal(t, "zip:file:/dir/a.zip!/", mp.String())
	assert.Equal(t, MustMountPoint("zip:file:/dir/a.zip!/"), mp)

	_, err = NewMountPoint("zip", NewPath(MustMountPoint("file:/"), RootName))
	assert.ErrorIs(t, err, common.ErrInvalidPath)
}

func TestHierarchicalOrdersChildrenAfterParents(t *testing.T) {
	t.Parallel()

	mps := []MountPoint{
		MustMountPoint("file:/"),
		MustMountPoint("tar:zip:file:/a.zip!/b.tar!/"),
		MustMountPoint("zip:file:/a.zip!/"),
	}
	sort.Slice(mps, func(i, j int) bool { return mps[i].Hierarchical() > mps[j].Hierarchical() })
	assert.Equal(t, []string{
		"tar:zip:file:/a.zip!/b.tar!/",
		"zip:file:/a.zip!/",
		"file:/",
	}, []string{mps[0].String(), mps[1].String(), mps[2].String()})
}
