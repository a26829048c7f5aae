package tardriver

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

var compressions = []Compression{None, Gzip, Zstd, LZ4}

func newModel(t *testing.T, c Compression) *vfs.Model {
	t.Helper()
	root, err := vfs.NewModel(vfs.MustMountPoint("file:/"), nil)
	require.NoError(t, err)
	m, err := vfs.NewModel(vfs.MustMountPoint(c.String()+":file:/a."+c.String()+"!/"), root)
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

	for _, c := range compressions {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			p := pool.NewMemory()
			d := New(p, c)
			model := newModel(t, c)
			buf, err := p.Allocate()
			require.NoError(t, err)
			defer buf.Release()

			mtime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
			template := vfs.NewEntry("a.txt", vfs.FileType).SetTime(vfs.WriteAccess, mtime)
			out, err := d.NewOutput(ctx, model, buf.Output(), nil)
			require.NoError(t, err)
			put(t, out, d.NewEntry("d", vfs.DirectoryType, nil), "")
			put(t, out, d.NewEntry("d/a.txt", vfs.FileType, template), "first")
			put(t, out, d.NewEntry("d/b.txt", vfs.FileType, nil), "bee")
			put(t, out, d.NewEntry("d/link", vfs.SymlinkType, nil), "a.txt")
			// Written twice, the last one wins.
			put(t, out, d.NewEntry("d/a.txt", vfs.FileType, template), "second")
			require.NoError(t, out.Close(ctx))
			assert.Equal(t, int64(1), p.Live())

			in, err := d.NewInput(ctx, model, buf.Input())
			require.NoError(t, err)

			var names []string
			for _, e := range in.Entries() {
				names = append(names, e.Name())
			}
			assert.Equal(t, []string{"d/", "d/a.txt", "d/b.txt", "d/link"}, names)
			assert.Equal(t, "second", get(t, in, "d/a.txt"))
			assert.Equal(t, "bee", get(t, in, "d/b.txt"))
			assert.Equal(t, "a.txt", get(t, in, "d/link"))
			assert.Equal(t, "a.txt", in.Entry("d/link").(*Entry).Linkname())
			assert.Equal(t, vfs.SymlinkType, in.Entry("d/link").Type())
			assert.Equal(t, int64(6), in.Entry("d/a.txt").Size(vfs.DataSize))
			assert.True(t, in.Entry("d/a.txt").Time(vfs.WriteAccess).Equal(mtime))

			ch, err := in.Input(in.Entry("d/b.txt")).Channel(ctx, nil)
			require.NoError(t, err)
			b := make([]byte, 2)
			_, err = ch.ReadAt(b, 1)
			require.NoError(t, err)
			assert.Equal(t, "ee", string(b))
			require.NoError(t, ch.Close())

			_, err = in.Input(in.Entry("d/")).Stream(ctx, nil)
			assert.ErrorIs(t, err, common.ErrIsDir)

			require.NoError(t, in.Close(ctx))
			assert.Equal(t, int64(1), p.Live())
		})
	}
}

func TestAbortedEntryIsNotWritten(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.NewMemory()
	d := New(p, Gzip)
	model := newModel(t, Gzip)
	buf, err := p.Allocate()
	require.NoError(t, err)

	out, err := d.NewOutput(ctx, model, buf.Output(), nil)
	require.NoError(t, err)
	w, err := out.Output(d.NewEntry("gone", vfs.FileType, nil)).Stream(ctx, nil)
	require.NoError(t, err)
	_, err = out.Output(d.NewEntry("other", vfs.FileType, nil)).Stream(ctx, nil)
	assert.ErrorIs(t, err, common.ErrBusy)
	_, err = io.WriteString(w, "discarded")
	require.NoError(t, err)
	require.NoError(t, vfs.Abort(w))
	assert.Nil(t, out.Entry("gone"))
	put(t, out, d.NewEntry("kept", vfs.FileType, nil), "kept")
	require.NoError(t, out.Close(ctx))

	in, err := d.NewInput(ctx, model, buf.Input())
	require.NoError(t, err)
	defer in.Close(ctx)
	assert.Len(t, in.Entries(), 1)
	assert.Equal(t, "kept", get(t, in, "kept"))
}

func TestNoArchiveIsPersistentFalsePositive(t *testing.T) {
	t.Parallel()

	for _, c := range compressions {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			p := pool.NewMemory()
			d := New(p, c)
			buf, err := p.Allocate()
			require.NoError(t, err)
			w, err := buf.OpenWrite(false)
			require.NoError(t, err)
			_, err = io.WriteString(w, "plain text which is no archive of any kind")
			require.NoError(t, err)
			require.NoError(t, w.Close())

			_, err = d.NewInput(ctx, newModel(t, c), buf.Input())
			require.Error(t, err)
			assert.True(t, d.PersistentFalsePositive(err), "%v", err)
			assert.Equal(t, int64(1), p.Live(), "decode buffer released")
		})
	}
}
