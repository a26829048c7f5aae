package vfs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedfs/internal/common"
)

func TestNewModelChecksParent(t *testing.T) {
	t.Parallel()

	root, err := NewModel(MustMountPoint("file:/"), nil)
	require.NoError(t, err)

	zip, err := NewModel(MustMountPoint("zip:file:/a.zip!/"), root)
	require.NoError(t, err)
	assert.Same(t, root, zip.Parent())

	_, err = NewModel(MustMountPoint("zip:file:/a.zip!/"), nil)
	assert.ErrorIs(t, err, common.ErrInvalidPath)
	_, err = NewModel(MustMountPoint("file:/"), root)
	assert.ErrorIs(t, err, common.ErrInvalidPath)
	_, err = NewModel(MustMountPoint("tar:zip:file:/a.zip!/b.tar!/"), root)
	assert.ErrorIs(t, err, common.ErrInvalidPath)
}

func TestTouchListenersSeeTransitionsOnly(t *testing.T) {
	t.Parallel()

	m, err := NewModel(MustMountPoint("file:/"), nil)
	require.NoError(t, err)

	var seen []bool
	remove := m.AddTouchListener(func(_ *Model, touched bool) { seen = append(seen, touched) })
	m.SetTouched(true)
	m.SetTouched(true)
	m.SetTouched(false)
	remove()
	m.SetTouched(true)

	assert.Equal(t, []bool{true, false}, seen)
	assert.True(t, m.IsTouched())
}

func TestEnsureOwner(t *testing.T) {
	t.Parallel()

	ctx, o := EnsureOwner(context.Background())
	got, ok := OwnerFrom(ctx)
	require.True(t, ok)
	assert.Same(t, o, got)

	ctx2, o2 := EnsureOwner(ctx)
	assert.Same(t, o, o2)
	assert.Equal(t, ctx, ctx2)

	_, ok = OwnerFrom(context.Background())
	assert.False(t, ok)
}

type stubInput struct {
	content string
	readErr error
}

func (s *stubInput) Target(context.Context) (Entry, error) {
	return NewEntry("in", FileType).SetSize(DataSize, int64(len(s.content))), nil
}

func (s *stubInput) Stream(context.Context, OutputSocket) (io.ReadCloser, error) {
	if s.readErr != nil {
		return io.NopCloser(io.MultiReader(strings.NewReader(s.content), errReader{s.readErr})), nil
	}
	return io.NopCloser(strings.NewReader(s.content)), nil
}

func (s *stubInput) Channel(context.Context, OutputSocket) (ReadChannel, error) {
	return nil, common.ErrNotSupported
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type stubOutput struct {
	buf       strings.Builder
	committed bool
	aborted   bool
}

func (s *stubOutput) Target(context.Context) (Entry, error) { return NewEntry("out", FileType), nil }

func (s *stubOutput) Stream(context.Context, InputSocket) (io.WriteCloser, error) {
	return &stubWriter{s}, nil
}

func (s *stubOutput) Channel(context.Context, InputSocket) (WriteChannel, error) {
	return nil, common.ErrNotSupported
}

type stubWriter struct{ out *stubOutput }

func (w *stubWriter) Write(p []byte) (int, error) { return w.out.buf.Write(p) }
func (w *stubWriter) Close() error                { w.out.committed = true; return nil }
func (w *stubWriter) Abort() error                { w.out.aborted = true; return nil }

func TestCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	out := &stubOutput{}
	require.NoError(t, Copy(ctx, &stubInput{content: "hello"}, out))
	assert.Equal(t, "hello", out.buf.String())
	assert.True(t, out.committed)

	broken := errors.New("crc mismatch")
	out = &stubOutput{}
	err := Copy(ctx, &stubInput{content: "he", readErr: broken}, out)
	assert.ErrorIs(t, err, broken)
	assert.True(t, IsInputError(err))
	assert.True(t, out.aborted)
	assert.False(t, out.committed)
}
