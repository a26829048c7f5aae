package commands

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	packNoGitignore bool
	packExcludes    []string
)

var packCmd = &cobra.Command{
	Use:   "pack <directory> <path>",
	Short: "Copy a directory tree into an archive",
	Long: `Copy the files of a host directory into a path, usually an archive.

Files ignored by .gitignore files in the directory tree are skipped, and so
are .git directories.

Examples:
  fedfs pack ./site site.tar.gz
  fedfs pack --exclude build --exclude '**/*.tmp' ./src backup.zip/src`,
	Args: cobra.ExactArgs(2),
	RunE: runPack,
}

func init() {
	packCmd.Flags().BoolVar(&packNoGitignore, "no-gitignore", false, "pack files ignored by .gitignore")
	packCmd.Flags().StringSliceVar(&packExcludes, "exclude", nil, "skip paths matching this glob, relative to the directory (repeatable)")
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) error {
	src, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	filter, err := newPackFilter(src, !packNoGitignore, packExcludes)
	if err != nil {
		return err
	}

	return withSession(cmd.Context(), func(s *session) error {
		dst, err := s.path(args[1])
		if err != nil {
			return err
		}
		if err := s.fs.MkdirAll(dst, 0755); err != nil {
			return err
		}

		var files int
		err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src, p)
			if err != nil || rel == "." {
				return err
			}
			rel = filepath.ToSlash(rel)
			if filter.skip(rel, d.IsDir()) {
				log.Debugf("[CLI] pack: skipping %s", rel)
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			target := path.Join(dst, rel)
			switch {
			case d.IsDir():
				if err := filter.enter(rel); err != nil {
					return err
				}
				return s.fs.MkdirAll(target, 0755)
			case d.Type().IsRegular():
				files++
				return packFile(s, p, target)
			default:
				log.Warnf("[CLI] pack: skipping %s: not a regular file", rel)
				return nil
			}
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "packed %d files into %s\n", files, args[1])
		return nil
	})
}

func packFile(s *session, src, target string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := s.fs.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to pack %s: %w", src, err)
	}
	return out.Close()
}
