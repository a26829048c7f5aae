package billyfs

import (
	"context"
	"io"
	"os"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedfs/internal/controller"
	"fedfs/internal/driver"
	"fedfs/internal/manager"
	"fedfs/internal/metrics"
	"fedfs/internal/pool"
)

func newAdapter(t *testing.T) (*Adapter, *manager.Manager, billy.Filesystem) {
	t.Helper()
	p := pool.NewMemory()
	reg, err := driver.NewRegistry(p, nil)
	require.NoError(t, err)
	host := memfs.New()
	b := &controller.Builder{Pool: p, Config: controller.DefaultConfig(), Metrics: metrics.New()}
	m := manager.New(b, reg, map[string]billy.Filesystem{manager.DefaultScheme: host})
	return New(context.Background(), m), m, host
}

func TestArchivesAreDirectories(t *testing.T) {
	t.Parallel()
	fs, m, host := newAdapter(t)

	require.NoError(t, util.WriteFile(fs, "/p/a.tar.gz/d/x.txt", []byte("x"), 0644))
	require.NoError(t, util.WriteFile(fs, "/p/plain.txt", []byte("plain"), 0644))
	require.NoError(t, fs.MkdirAll("/p/a.tar.gz/e", 0755))
	require.NoError(t, fs.MkdirAll("/p/a.tar.gz/e", 0755))

	fi, err := fs.Stat("/p/a.tar.gz")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	infos, err := fs.ReadDir("/p")
	require.NoError(t, err)
	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	assert.Equal(t, []string{"a.tar.gz", "plain.txt"}, names)
	assert.True(t, infos[0].IsDir())

	infos, err = fs.ReadDir("/p/a.tar.gz")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "d", infos[0].Name())
	assert.Equal(t, "e", infos[1].Name())

	b, err := util.ReadFile(fs, "/p/a.tar.gz/d/x.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))

	require.NoError(t, m.Shutdown(context.Background()))
	fi, err = host.Stat("/p/a.tar.gz")
	require.NoError(t, err)
	assert.False(t, fi.IsDir())
}

func TestErrorsMapToOS(t *testing.T) {
	t.Parallel()
	fs, _, _ := newAdapter(t)

	_, err := fs.Stat("/missing")
	assert.True(t, os.IsNotExist(err), "%v", err)
	_, err = fs.Open("/missing.zip/x")
	assert.True(t, os.IsNotExist(err), "%v", err)
	_, err = fs.OpenFile("/missing", os.O_WRONLY, 0)
	assert.True(t, os.IsNotExist(err), "%v", err)

	require.NoError(t, util.WriteFile(fs, "/a", nil, 0644))
	_, err = fs.OpenFile("/a", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	assert.True(t, os.IsExist(err), "%v", err)
}

func TestAppendRenameRemove(t *testing.T) {
	t.Parallel()
	fs, _, _ := newAdapter(t)

	require.NoError(t, util.WriteFile(fs, "/a.zip/x", []byte("one"), 0644))
	f, err := fs.OpenFile("/a.zip/x", os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = io.WriteString(f, "two")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("/a.zip/x", "/b/y"))
	_, err = fs.Stat("/a.zip/x")
	assert.True(t, os.IsNotExist(err), "%v", err)

	r, err := fs.Open("/b/y")
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "onetwo", string(b))

	require.NoError(t, fs.Remove("/b/y"))
	_, err = fs.Stat("/b/y")
	assert.True(t, os.IsNotExist(err), "%v", err)
}

func TestChroot(t *testing.T) {
	t.Parallel()
	fs, _, _ := newAdapter(t)

	sub, err := fs.Chroot("/a.zip")
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(sub, "/x", []byte("x"), 0644))
	b, err := util.ReadFile(fs, "/a.zip/x")
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
}

func TestFilesReleaseTheirChains(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, m, _ := newAdapter(t)

	require.NoError(t, util.WriteFile(fs, "/a.zip/x", []byte("x"), 0644))
	_, err := fs.ReadDir("/a.zip")
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))
	assert.Zero(t, m.Len())

	f, err := fs.Open("/a.zip/x")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	require.NoError(t, f.Close())
	require.NoError(t, m.Shutdown(ctx))
	assert.Zero(t, m.Len())
}
