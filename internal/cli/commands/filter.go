package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// packFilter decides which paths of a walked directory tree are packed.
// Paths are slash separated and relative to the tree root. A .gitignore file
// is read when the walk enters its directory and applies below it.
type packFilter struct {
	root      string
	excludes  []string // doublestar patterns
	gitignore bool
	rules     []scopedRules
}

type scopedRules struct {
	dir string // "" for the root
	gi  *ignore.GitIgnore
}

func newPackFilter(root string, gitignore bool, excludes []string) (*packFilter, error) {
	for _, e := range excludes {
		if !doublestar.ValidatePattern(e) {
			return nil, fmt.Errorf("invalid exclude pattern %q", e)
		}
	}
	f := &packFilter{root: root, excludes: excludes, gitignore: gitignore}
	if err := f.enter(""); err != nil {
		return nil, err
	}
	return f, nil
}

// enter loads the .gitignore file of the directory rel, if any.
func (f *packFilter) enter(rel string) error {
	if !f.gitignore {
		return nil
	}
	file := filepath.Join(f.root, filepath.FromSlash(rel), ".gitignore")
	gi, err := ignore.CompileIgnoreFile(file)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", file, err)
	}
	log.Debugf("[CLI] pack: using %s", file)
	f.rules = append(f.rules, scopedRules{dir: rel, gi: gi})
	return nil
}

// skip reports whether rel is left out of the pack. .git directories are
// always skipped.
func (f *packFilter) skip(rel string, isDir bool) bool {
	if path.Base(rel) == ".git" {
		return true
	}
	for _, e := range f.excludes {
		if ok, _ := doublestar.Match(e, rel); ok {
			return true
		}
	}

	check := rel
	if isDir {
		check += "/"
	}
	for _, r := range f.rules {
		p := check
		if r.dir != "" {
			prefix := r.dir + "/"
			if !strings.HasPrefix(rel, prefix) {
				continue
			}
			p = strings.TrimPrefix(check, prefix)
		}
		if r.gi.MatchesPath(p) {
			return true
		}
	}
	return false
}
