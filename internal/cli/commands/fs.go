// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5/util"
	"github.com/spf13/cobra"

	"fedfs/internal/vfs"
)

var (
	lsLong      bool
	lsRecursive bool
	lsMatch     string
	putAppend   bool
	mkdirParent bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory or archive",
	Long: `List the members of a directory or archive file.

Examples:
  fedfs ls backup.tar.gz
  fedfs ls -l backup.tar.gz/site
  fedfs ls -R --match '**/*.png' backup.tar.gz`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat <path>...",
	Short: "Print the content of files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCat,
}

var putCmd = &cobra.Command{
	Use:   "put <path>",
	Short: "Write standard input to a file",
	Long: `Write standard input to a file, creating missing directories and archives.

Examples:
  echo hello | fedfs put new.zip/docs/hello.txt
  date | fedfs put -a logs.tar.gz/dates.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runPut,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>...",
	Short: "Create directories or archives",
	Long: `Create directories. A path naming an archive file creates an empty archive.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMkdir,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Remove files, empty directories or empty archives",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var statCmd = &cobra.Command{
	Use:   "stat <path>...",
	Short: "Show the metadata of entries",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStat,
}

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "show type, size and modification time")
	lsCmd.Flags().BoolVarP(&lsRecursive, "recursive", "R", false, "list subdirectories and archives recursively")
	lsCmd.Flags().StringVar(&lsMatch, "match", "", "only list paths matching the glob, e.g. '**/*.txt'")
	putCmd.Flags().BoolVarP(&putAppend, "append", "a", false, "append to the file instead of replacing it")
	mkdirCmd.Flags().BoolVarP(&mkdirParent, "parents", "p", false, "create missing parent directories")

	rootCmd.AddCommand(lsCmd, catCmd, putCmd, mkdirCmd, rmCmd, statCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	if lsMatch != "" && !doublestar.ValidatePattern(lsMatch) {
		return fmt.Errorf("invalid pattern %q", lsMatch)
	}
	out := cmd.OutOrStdout()

	return withSession(cmd.Context(), func(s *session) error {
		dir, err := s.path(target)
		if err != nil {
			return err
		}
		emit := func(rel string, fi os.FileInfo) error {
			if lsMatch != "" {
				ok, err := doublestar.Match(lsMatch, rel)
				if err != nil || !ok {
					return err
				}
			}
			if fi.IsDir() {
				rel += "/"
			}
			if lsLong {
				fmt.Fprintf(out, "%s %10d %s %s\n", fi.Mode(), fi.Size(), fi.ModTime().Format("2006-01-02 15:04"), rel)
			} else {
				fmt.Fprintln(out, rel)
			}
			return nil
		}

		if !lsRecursive {
			infos, err := s.fs.ReadDir(dir)
			if err != nil {
				return err
			}
			for _, fi := range infos {
				if err := emit(fi.Name(), fi); err != nil {
					return err
				}
			}
			return nil
		}
		return util.Walk(s.fs, dir, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(p, dir), "/")
			if rel == "" {
				return nil
			}
			return emit(rel, fi)
		})
	})
}

func runCat(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), func(s *session) error {
		for _, arg := range args {
			p, err := s.path(arg)
			if err != nil {
				return err
			}
			f, err := s.fs.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(cmd.OutOrStdout(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", arg, err)
			}
		}
		return nil
	})
}

func runPut(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), func(s *session) error {
		p, err := s.path(args[0])
		if err != nil {
			return err
		}
		flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if putAppend {
			flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := s.fs.OpenFile(p, flag, 0644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, cmd.InOrStdin()); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", args[0], err)
		}
		return f.Close()
	})
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, func(s *session) error {
		for _, arg := range args {
			if mkdirParent {
				p, err := s.path(arg)
				if err != nil {
					return err
				}
				if err := s.fs.MkdirAll(p, 0755); err != nil {
					return err
				}
				continue
			}
			c, name, err := s.entry(ctx, arg)
			if err != nil {
				return err
			}
			err = c.Make(ctx, name, vfs.DirectoryType, 0, nil)
			c.Release()
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", arg, err)
			}
		}
		return nil
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), func(s *session) error {
		for _, arg := range args {
			p, err := s.path(arg)
			if err != nil {
				return err
			}
			if err := s.fs.Remove(p); err != nil {
				return err
			}
		}
		return nil
	})
}

func runStat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	return withSession(ctx, func(s *session) error {
		for _, arg := range args {
			p, err := s.path(arg)
			if err != nil {
				return err
			}
			fi, err := s.fs.Stat(p)
			if err != nil {
				return err
			}
			fp, err := s.m.Resolve(p)
			if err != nil {
				return err
			}
			e := fi.Sys().(vfs.Entry)

			fmt.Fprintf(out, "  Path: %s\n", filepath.Clean(arg))
			fmt.Fprintf(out, "   URI: %s\n", fp)
			fmt.Fprintf(out, "  Type: %s\n", e.Type())
			if e.Type() == vfs.FileType {
				fmt.Fprintf(out, "  Size: %d\n", fi.Size())
				if n := e.Size(vfs.StorageSize); n != vfs.UnknownSize {
					fmt.Fprintf(out, "Stored: %d\n", n)
				}
				mime, err := detect(s, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  MIME: %s\n", mime)
			}
			if e.Type() == vfs.DirectoryType {
				fmt.Fprintf(out, "  Size: %d members\n", len(e.Members()))
			}
			if t := fi.ModTime(); !t.IsZero() {
				fmt.Fprintf(out, "Modify: %s\n", t.Format("2006-01-02 15:04:05 -0700"))
			}
			if fp.EntryName().IsRoot() && fp.MountPoint().IsOpaque() && e.Type() == vfs.DirectoryType {
				fmt.Fprintf(out, "Format: %s\n", fp.MountPoint().Scheme())
			}
		}
		return nil
	})
}

// detect sniffs the content type of a file.
func detect(s *session, p string) (string, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to detect content type: %w", err)
	}
	return mt.String(), nil
}
