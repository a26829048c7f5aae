package zipdriver

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedfs/internal/archive"
	"fedfs/internal/common"
	"fedfs/internal/pool"
	"fedfs/internal/vfs"
)

func newModel(t *testing.T) *vfs.Model {
	t.Helper()
	root, err := vfs.NewModel(vfs.MustMountPoint("file:/"), nil)
	require.NoError(t, err)
	m, err := vfs.NewModel(vfs.MustMountPoint("zip:file:/a.zip!/"), root)
	require.NoError(t, err)
	return m
}

func put(t *testing.T, out archive.OutputService, e archive.Entry, content string) {
	t.Helper()
	w, err := out.Output(e).Stream(context.Background(), nil)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func get(t *testing.T, in archive.InputService, name string) string {
	t.Helper()
	e := in.Entry(name)
	require.NotNil(t, e, name)
	r, err := in.Input(e).Stream(context.Background(), nil)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := New()
	model := newModel(t)
	buf, err := pool.NewMemory().Allocate()
	require.NoError(t, err)
	defer buf.Release()

	mtime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	out, err := d.NewOutput(ctx, model, buf.Output(), nil)
	require.NoError(t, err)
	put(t, out, d.NewEntry("d", vfs.DirectoryType, nil), "")
	file := d.NewEntry("d/a.txt", vfs.FileType, vfs.NewEntry("a.txt", vfs.FileType).SetTime(vfs.WriteAccess, mtime))
	put(t, out, file, "hello zip")
	assert.Equal(t, int64(9), file.Size(vfs.DataSize))
	assert.Same(t, file, out.Entry("d/a.txt"))
	require.NoError(t, out.Close(ctx))

	in, err := d.NewInput(ctx, model, buf.Input())
	require.NoError(t, err)
	defer in.Close(ctx)

	var names []string
	for _, e := range in.Entries() {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"d/", "d/a.txt"}, names)
	assert.Equal(t, vfs.DirectoryType, in.Entry("d/").Type())
	assert.Equal(t, "hello zip", get(t, in, "d/a.txt"))
	assert.True(t, in.Entry("d/a.txt").Time(vfs.WriteAccess).Equal(mtime))

	_, err = in.Input(in.Entry("d/a.txt")).Channel(ctx, nil)
	assert.ErrorIs(t, err, common.ErrNotSupported)
}

func TestCopyUnchangedEntryRaw(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := New()
	model := newModel(t)
	p := pool.NewMemory()

	src, err := p.Allocate()
	require.NoError(t, err)
	out, err := d.NewOutput(ctx, model, src.Output(), nil)
	require.NoError(t, err)
	put(t, out, d.NewEntry("a.txt", vfs.FileType, nil), "copied as is")
	require.NoError(t, out.Close(ctx))

	in, err := d.NewInput(ctx, model, src.Input())
	require.NoError(t, err)
	dst, err := p.Allocate()
	require.NoError(t, err)
	out, err = d.NewOutput(ctx, model, dst.Output(), in)
	require.NoError(t, err)

	e := in.Entry("a.txt")
	in2 := in.Input(e)
	out2 := out.Output(e)
	require.True(t, out2.(*outputSocket).rawCopy(in2.(*inputSocket)))
	require.NoError(t, vfs.Copy(ctx, in2, out2))
	require.NoError(t, out.Close(ctx))
	require.NoError(t, in.Close(ctx))

	in, err = d.NewInput(ctx, model, dst.Input())
	require.NoError(t, err)
	defer in.Close(ctx)
	assert.Equal(t, "copied as is", get(t, in, "a.txt"))
}

func TestOneEntryAtATime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := New()
	buf, err := pool.NewMemory().Allocate()
	require.NoError(t, err)
	out, err := d.NewOutput(ctx, newModel(t), buf.Output(), nil)
	require.NoError(t, err)
	defer out.Abort()

	a := d.NewEntry("a", vfs.FileType, nil)
	w, err := out.Output(a).Stream(ctx, nil)
	require.NoError(t, err)
	_, err = out.Output(d.NewEntry("b", vfs.FileType, nil)).Stream(ctx, nil)
	assert.ErrorIs(t, err, common.ErrBusy)
	require.NoError(t, w.Close())

	_, err = out.Output(a).Stream(ctx, nil)
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestNoZipFileIsPersistentFalsePositive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := New()
	buf, err := pool.NewMemory().Allocate()
	require.NoError(t, err)
	w, err := buf.OpenWrite(false)
	require.NoError(t, err)
	_, err = io.WriteString(w, "plain text, no zip file")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = d.NewInput(ctx, newModel(t), buf.Input())
	require.Error(t, err)
	assert.True(t, d.PersistentFalsePositive(err))
	assert.False(t, d.PersistentFalsePositive(common.ErrNotFound))
}
