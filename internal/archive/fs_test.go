package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedfs/internal/common"
	"fedfs/internal/vfs"
)

type testDriver struct{}

func (testDriver) NewInput(context.Context, *vfs.Model, vfs.InputSocket) (InputService, error) {
	return nil, common.ErrNotSupported
}

func (testDriver) NewOutput(context.Context, *vfs.Model, vfs.OutputSocket, InputService) (OutputService, error) {
	return nil, common.ErrNotSupported
}

func (testDriver) NewEntry(name string, typ vfs.EntryType, template vfs.Entry) Entry {
	e := NewBaseEntry(name, typ, template)
	return &e
}

func (testDriver) RedundantMetaDataSupport() bool { return false }
func (testDriver) RedundantContentSupport() bool  { return false }

type listInput struct{ entries []Entry }

func (l listInput) Entries() []Entry            { return l.entries }
func (l listInput) Entry(string) Entry          { return nil }
func (l listInput) Input(Entry) vfs.InputSocket { return nil }
func (l listInput) Close(context.Context) error { return nil }

func entry(name string, typ vfs.EntryType, mtime time.Time) Entry {
	e := NewBaseEntry(name, typ, nil)
	e.SetTime(vfs.WriteAccess, mtime)
	return &e
}

// tree renders the file system as name -> types[+members].
func tree(fs *FileSystem) map[string][]string {
	out := make(map[string][]string)
	for _, name := range fs.Names() {
		node := fs.Node(vfs.MustEntryName(name))
		var desc []string
		for _, t := range node.Types() {
			desc = append(desc, t.String())
		}
		desc = append(desc, node.Members()...)
		out[name] = desc
	}
	return out
}

func TestPopulateAddsGhostDirectories(t *testing.T) {
	t.Parallel()

	var clock timeutil.SimulatedClock
	clock.SetTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	mtime := clock.Now().Add(-time.Hour)

	in := listInput{entries: []Entry{
		entry("a/b/c.txt", vfs.FileType, mtime),
		entry("a", vfs.FileType, mtime),
		entry("d/", vfs.DirectoryType, mtime),
	}}
	fs := Populate(testDriver{}, &clock, in, false, nil)

	want := map[string][]string{
		"":          {"DIRECTORY", "a", "d"},
		"a":         {"FILE", "DIRECTORY", "b"},
		"a/b":       {"DIRECTORY", "c.txt"},
		"a/b/c.txt": {"FILE"},
		"d":         {"DIRECTORY"},
	}
	if diff := pretty.Compare(tree(fs), want); diff != "" {
		t.Errorf("tree mismatch (-got +want):\n%s", diff)
	}

	ghost := fs.Node(vfs.MustEntryName("a/b"))
	assert.True(t, ghost.Time(vfs.WriteAccess).IsZero(), "ghost directories carry no timestamp")
	a := fs.Node(vfs.MustEntryName("a"))
	assert.Equal(t, vfs.FileType, a.Type())
	assert.Equal(t, mtime, a.Get(vfs.FileType).Time(vfs.WriteAccess))
	assert.False(t, fs.Touched())
}

func TestMakeTouchesFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var clock timeutil.SimulatedClock
	clock.SetTime(time.Unix(1000, 0))

	var touches int
	fail := true
	fs := New(testDriver{}, &clock, func(context.Context, vfs.AccessOptions) error {
		touches++
		if fail {
			return errors.New("cannot open output")
		}
		return nil
	})

	_, err := fs.Make(ctx, vfs.MustEntryName("x"), vfs.FileType, 0, nil)
	require.Error(t, err)
	assert.Nil(t, fs.Node(vfs.MustEntryName("x")), "a failed touch must not leave the entry behind")
	assert.False(t, fs.Touched())

	fail = false
	clock.AdvanceTime(time.Second)
	e, err := fs.Make(ctx, vfs.MustEntryName("x"), vfs.FileType, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1001, 0), e.Time(vfs.WriteAccess))
	_, err = fs.Make(ctx, vfs.MustEntryName("y"), vfs.DirectoryType, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, touches)
	assert.True(t, fs.Touched())
}

func TestMakeRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var clock timeutil.SimulatedClock
	fs := New(testDriver{}, &clock, nil)

	_, err := fs.Make(ctx, vfs.MustEntryName("a/b/c"), vfs.FileType, 0, nil)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = fs.Make(ctx, vfs.MustEntryName("a/b/c"), vfs.FileType, vfs.CreateParents, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, fs.Node(vfs.MustEntryName("a")).Members())
	assert.False(t, fs.Node(vfs.MustEntryName("a")).Time(vfs.WriteAccess).IsZero(), "created parents are real directories")

	_, err = fs.Make(ctx, vfs.MustEntryName("a/b/c"), vfs.FileType, vfs.Exclusive, nil)
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = fs.Make(ctx, vfs.MustEntryName("a/b"), vfs.DirectoryType, 0, nil)
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = fs.Make(ctx, vfs.MustEntryName("a/b"), vfs.FileType, 0, nil)
	assert.ErrorIs(t, err, common.ErrIsDir)
	_, err = fs.Make(ctx, vfs.MustEntryName("a/b/c/d"), vfs.FileType, vfs.CreateParents, nil)
	assert.ErrorIs(t, err, common.ErrNotDir)
	_, err = fs.Make(ctx, vfs.MustEntryName("a/b/c"), vfs.FileType, 0, nil)
	assert.NoError(t, err, "files may be replaced")

	template := vfs.NewEntry("t", vfs.FileType).SetSize(vfs.DataSize, 42).SetTime(vfs.WriteAccess, time.Unix(7, 0))
	e, err := fs.Make(ctx, vfs.MustEntryName("t"), vfs.FileType, 0, template)
	require.NoError(t, err)
	assert.Equal(t, int64(42), e.Size(vfs.DataSize))
	assert.Equal(t, time.Unix(7, 0), e.Time(vfs.WriteAccess))
}

func TestUnlink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var clock timeutil.SimulatedClock
	fs := New(testDriver{}, &clock, nil)
	_, err := fs.Make(ctx, vfs.MustEntryName("d/f"), vfs.FileType, vfs.CreateParents, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Unlink(ctx, vfs.MustEntryName("d"), 0), common.ErrNotEmpty)
	assert.ErrorIs(t, fs.Unlink(ctx, vfs.MustEntryName("nope"), 0), common.ErrNotFound)
	require.NoError(t, fs.Unlink(ctx, vfs.MustEntryName("d/f"), 0))
	require.NoError(t, fs.Unlink(ctx, vfs.MustEntryName("d"), 0))
	assert.Equal(t, []string{""}, fs.Names())
	assert.Empty(t, fs.Node(vfs.RootName).Members())
}

func TestUnlinkRemovesAllTypes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var clock timeutil.SimulatedClock
	in := listInput{entries: []Entry{
		entry("x", vfs.FileType, time.Unix(1, 0)),
		entry("x/", vfs.DirectoryType, time.Unix(1, 0)),
		entry("y/z", vfs.FileType, time.Unix(1, 0)),
		entry("y", vfs.FileType, time.Unix(1, 0)),
	}}
	fs := Populate(testDriver{}, &clock, in, false, nil)
	require.Equal(t, []vfs.EntryType{vfs.FileType, vfs.DirectoryType}, fs.Node(vfs.MustEntryName("x")).Types())

	assert.ErrorIs(t, fs.Unlink(ctx, vfs.MustEntryName("y"), 0), common.ErrNotEmpty)
	require.NoError(t, fs.Unlink(ctx, vfs.MustEntryName("x"), 0))
	assert.Nil(t, fs.Node(vfs.MustEntryName("x")))
	assert.Equal(t, []string{"y"}, fs.Node(vfs.RootName).Members())
}

func TestReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var clock timeutil.SimulatedClock
	fs := Populate(testDriver{}, &clock, listInput{entries: []Entry{entry("f", vfs.FileType, time.Unix(1, 0))}}, true, nil)

	assert.True(t, fs.ReadOnly())
	assert.NoError(t, fs.CheckAccess(vfs.MustEntryName("f"), vfs.ReadAccess))
	assert.ErrorIs(t, fs.CheckAccess(vfs.MustEntryName("f"), vfs.WriteAccess), common.ErrReadOnly)
	_, err := fs.Make(ctx, vfs.MustEntryName("g"), vfs.FileType, 0, nil)
	assert.ErrorIs(t, err, common.ErrReadOnly)
	assert.ErrorIs(t, fs.Unlink(ctx, vfs.MustEntryName("f"), 0), common.ErrReadOnly)
	assert.ErrorIs(t, fs.SetTime(ctx, vfs.MustEntryName("f"), map[vfs.AccessType]time.Time{vfs.WriteAccess: time.Now()}, 0), common.ErrReadOnly)
}
