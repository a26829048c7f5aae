// Package driver maps archive file name suffixes to archive drivers.
package driver

import (
	"fmt"
	"sort"
	"strings"

	"fedfs/internal/archive"
	"fedfs/internal/common"
	"fedfs/internal/driver/tardriver"
	"fedfs/internal/driver/zipdriver"
	"fedfs/internal/pool"
)

// Registry maps suffixes to drivers. A suffix is also the scheme of the
// mount points of its archives, e.g. "tar.gz" in "tar.gz:file:/a.tar.gz!/".
type Registry struct {
	drivers map[string]archive.Driver
}

// Formats returns the built-in drivers keyed by their canonical suffix.
func Formats(p *pool.Pool) map[string]archive.Driver {
	return map[string]archive.Driver{
		"zip":     zipdriver.New(),
		"tar":     tardriver.New(p, tardriver.None),
		"tar.gz":  tardriver.New(p, tardriver.Gzip),
		"tar.zst": tardriver.New(p, tardriver.Zstd),
		"tar.lz4": tardriver.New(p, tardriver.LZ4),
	}
}

// DefaultSuffixes maps the suffixes detected by default to formats.
var DefaultSuffixes = map[string]string{
	"zip":     "zip",
	"jar":     "zip",
	"tar":     "tar",
	"tar.gz":  "tar.gz",
	"tgz":     "tar.gz",
	"tar.zst": "tar.zst",
	"tar.lz4": "tar.lz4",
}

// NewRegistry returns a registry detecting the given suffixes, each mapped
// to the name of a built-in format. A nil map selects DefaultSuffixes.
func NewRegistry(p *pool.Pool, suffixes map[string]string) (*Registry, error) {
	if suffixes == nil {
		suffixes = DefaultSuffixes
	}
	formats := Formats(p)
	r := &Registry{drivers: make(map[string]archive.Driver, len(suffixes))}
	for suffix, format := range suffixes {
		d, ok := formats[strings.ToLower(format)]
		if !ok {
			return nil, fmt.Errorf("suffix %q: unknown archive format %q: %w", suffix, format, common.ErrNotSupported)
		}
		if err := r.Register(suffix, d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register maps suffix to d, replacing any previous mapping.
func (r *Registry) Register(suffix string, d archive.Driver) error {
	suffix = strings.ToLower(strings.TrimPrefix(suffix, "."))
	if suffix == "" || strings.ContainsAny(suffix, "/:!") {
		return fmt.Errorf("suffix %q: %w", suffix, common.ErrInvalidPath)
	}
	r.drivers[suffix] = d
	return nil
}

// Lookup returns the driver of a mount point scheme.
func (r *Registry) Lookup(scheme string) (archive.Driver, bool) {
	d, ok := r.drivers[strings.ToLower(scheme)]
	return d, ok
}

// Detect returns the longest registered suffix of the base name, which must
// be longer than the suffix and its dot.
func (r *Registry) Detect(base string) (string, bool) {
	lower := strings.ToLower(base)
	best := ""
	for suffix := range r.drivers {
		if len(suffix) > len(best) && len(lower) > len(suffix)+1 && strings.HasSuffix(lower, "."+suffix) {
			best = suffix
		}
	}
	return best, best != ""
}

// Suffixes returns the registered suffixes in sorted order.
func (r *Registry) Suffixes() []string {
	out := make([]string, 0, len(r.drivers))
	for s := range r.drivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
