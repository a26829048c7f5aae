package commands

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

// run executes the root command with fresh flags, a private config dir and
// dir as the host root.
func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FEDFS_CONFIG_DIR", filepath.Join(dir, ".fedfs"))
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--root", dir}, args...))
	err := Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func tarGzNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(zr)
	var names []string
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, h.Name)
	}
	return names
}

func TestPutCatLs(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar.gz")

	_, err := run(t, dir, "hello", "put", filepath.Join(archive, "docs", "hello.txt"))
	require.NoError(t, err)
	_, err = run(t, dir, " world", "put", "-a", filepath.Join(archive, "docs", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/", "docs/hello.txt"}, tarGzNames(t, archive))

	out, err := run(t, dir, "", "cat", filepath.Join(archive, "docs", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = run(t, dir, "", "ls", dir)
	require.NoError(t, err)
	assert.Equal(t, ".fedfs/\na.tar.gz/\n", out)

	out, err = run(t, dir, "", "ls", "-R", "--match", "**/*.txt", dir)
	require.NoError(t, err)
	assert.Equal(t, "a.tar.gz/docs/hello.txt\n", out)
}

func TestMkdirRmStat(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "b.zip")

	_, err := run(t, dir, "", "mkdir", filepath.Join(archive, "x", "y"))
	require.Error(t, err)
	_, err = run(t, dir, "", "mkdir", "-p", filepath.Join(archive, "x", "y"))
	require.NoError(t, err)

	out, err := run(t, dir, "", "stat", archive)
	require.NoError(t, err)
	assert.Contains(t, out, "Type: DIRECTORY")
	assert.Contains(t, out, "Format: zip")

	_, err = run(t, dir, "", "rm", filepath.Join(archive, "x"))
	assert.Error(t, err)
	_, err = run(t, dir, "", "rm", filepath.Join(archive, "x", "y"), filepath.Join(archive, "x"), archive)
	require.NoError(t, err)
	_, err = os.Stat(archive)
	assert.True(t, os.IsNotExist(err), "%v", err)

	_, err = run(t, dir, "", "stat", archive)
	assert.Error(t, err)
}

func TestSumAndStatOfPlainFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.txt"), []byte("plain text\n"), 0644))

	out, err := run(t, dir, "", "sum", filepath.Join(dir, "p.txt"))
	require.NoError(t, err)
	h := blake3.Sum256([]byte("plain text\n"))
	assert.True(t, strings.HasPrefix(out, hex.EncodeToString(h[:])+"  "), out)

	out, err = run(t, dir, "", "stat", filepath.Join(dir, "p.txt"))
	require.NoError(t, err)
	assert.Contains(t, out, "Type: FILE")
	assert.Contains(t, out, "MIME: text/plain")
}

func TestPackHonorsGitignore(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	for name, content := range map[string]string{
		".gitignore":    "*.log\n",
		"main.go":       "package main\n",
		"debug.log":     "noise",
		"lib/util.go":   "package lib\n",
		"build/out.bin": "bin",
		".git/HEAD":     "ref",
	} {
		p := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	out, err := run(t, dir, "", "pack", "--exclude", "build", src, filepath.Join(dir, "src.tar.gz"))
	require.NoError(t, err)
	assert.Contains(t, out, "packed 3 files")

	names := tarGzNames(t, filepath.Join(dir, "src.tar.gz"))
	assert.ElementsMatch(t, []string{".gitignore", "main.go", "lib/", "lib/util.go"}, names)
}

func TestSyncAbort(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "", "sync", "--abort")
	require.NoError(t, err)
	assert.Contains(t, out, "ABORT_CHANGES")
}

func TestPathOutsideRoot(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, filepath.Join(dir, "root"), "", "cat", filepath.Join(dir, "elsewhere"))
	assert.ErrorContains(t, err, "outside of")
}
