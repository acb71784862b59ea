// Package cache manages the local staging area for exported policy files.
//
// Each staged file holds one (artifact ID, version timestamp) pair and is
// named deterministically from both, so two versions of the same policy
// never collide:
//
//	policy-<artifact-id>-<unix-seconds>.tar.gz
//
// A file present under its final name is complete: writers stage into a
// temporary file and rename it into place only after the transfer succeeds.
// Files surviving a restart are therefore valid cache entries.
//
// Staged files are reclaimed by age. EvictExpired deletes every file whose
// modification time plus the TTL lies before now; RunSweeper calls it at
// start and then on a fixed period.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	filePrefix = "policy-"
	fileSuffix = ".tar.gz"
	tempSuffix = ".partial"

	// DefaultTTL is how long a staged file is kept.
	DefaultTTL = 24 * time.Hour

	// DefaultSweepInterval is the period between eviction sweeps.
	DefaultSweepInterval = time.Hour
)

// ErrCorrupt is returned by Validate for a staged file that is not a gzip
// archive. The file has already been removed when it is returned.
var ErrCorrupt = errors.New("staged file corrupt")

var gzipMagic = []byte{0x1f, 0x8b}

// Entry describes one staged file.
type Entry struct {
	Path       string
	ArtifactID string
	Version    time.Time
	CreatedAt  time.Time
	Size       int64
}

// Cache is a staging directory. It is safe for concurrent use; callers
// writing the same (id, version) concurrently must coordinate themselves.
type Cache struct {
	dir    string
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for sweep diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New opens the staging directory at dir, creating it if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache: staging directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create staging directory: %w", err)
	}
	c := &Cache{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the staging directory.
func (c *Cache) Dir() string { return c.dir }

// ResolvePath returns the staged path for (id, version). It is pure.
func (c *Cache) ResolvePath(id string, version time.Time) string {
	return filepath.Join(c.dir, FileName(id, version))
}

// FileName is the base name used for (id, version).
func FileName(id string, version time.Time) string {
	return filePrefix + sanitize(id) + "-" + strconv.FormatInt(version.Unix(), 10) + fileSuffix
}

// parseFileName inverts FileName. The artifact ID is recovered in its
// sanitized form.
func parseFileName(name string) (id string, version time.Time, ok bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", time.Time{}, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	i := strings.LastIndexByte(core, '-')
	if i <= 0 {
		return "", time.Time{}, false
	}
	secs, err := strconv.ParseInt(core[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return core[:i], time.Unix(secs, 0).UTC(), true
}

// isStaged matches committed files and the partial files of writers.
func isStaged(name string) bool {
	if strings.HasSuffix(name, tempSuffix) {
		return strings.HasPrefix(name, filePrefix)
	}
	_, _, ok := parseFileName(name)
	return ok
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Exists reports whether a complete staged file exists for (id, version).
func (c *Cache) Exists(id string, version time.Time) bool {
	st, err := os.Stat(c.ResolvePath(id, version))
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

// Lookup returns the entry for (id, version) if it is staged.
func (c *Cache) Lookup(id string, version time.Time) (Entry, bool) {
	path := c.ResolvePath(id, version)
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() || st.Size() == 0 {
		return Entry{}, false
	}
	return Entry{
		Path:       path,
		ArtifactID: sanitize(id),
		Version:    version.Truncate(time.Second).UTC(),
		CreatedAt:  st.ModTime(),
		Size:       st.Size(),
	}, true
}

// List returns all staged entries. Files not following the naming
// convention are ignored.
func (c *Cache) List() ([]Entry, error) {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("cache: read staging directory: %w", err)
	}
	var out []Entry
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		id, version, ok := parseFileName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Path:       filepath.Join(c.dir, de.Name()),
			ArtifactID: id,
			Version:    version,
			CreatedAt:  info.ModTime(),
			Size:       info.Size(),
		})
	}
	return out, nil
}

// Remove deletes the staged file for (id, version). Missing files are not
// an error.
func (c *Cache) Remove(id string, version time.Time) error {
	if err := os.Remove(c.ResolvePath(id, version)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cache: remove: %w", err)
	}
	return nil
}

// Validate checks that the staged file for (id, version) is a gzip archive.
// A file failing validation is removed and ErrCorrupt returned.
func (c *Cache) Validate(id string, version time.Time) error {
	path := c.ResolvePath(id, version)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cache: validate: %w", err)
	}
	head := make([]byte, len(gzipMagic))
	_, err = io.ReadFull(f, head)
	f.Close()
	if err == nil && bytes.Equal(head, gzipMagic) {
		return nil
	}
	if rmErr := c.Remove(id, version); rmErr != nil {
		c.logger.Error("failed to remove corrupt staged file", "path", path, "error", rmErr)
	}
	return fmt.Errorf("%w: %s", ErrCorrupt, filepath.Base(path))
}

// EvictExpired deletes staged files whose creation time plus ttl is before
// now. A file that cannot be deleted is logged and skipped; the sweep
// continues and the joined errors are returned alongside the count of
// files removed. Abandoned partial files are swept by the same rule.
func (c *Cache) EvictExpired(now time.Time, ttl time.Duration) (int, error) {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("cache: read staging directory: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		name := de.Name()
		if !isStaged(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Add(ttl).Before(now) {
			continue
		}
		path := filepath.Join(c.dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Error("failed to evict staged file", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("evicted staged file", "path", path, "age", now.Sub(info.ModTime()))
		removed++
	}
	return removed, errors.Join(errs...)
}

// RunSweeper evicts expired files immediately and then every interval
// until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval, ttl time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sweep := func() {
		n, err := c.EvictExpired(time.Now(), ttl)
		if err != nil {
			c.logger.Warn("staging sweep finished with errors", "removed", n, "error", err)
			return
		}
		if n > 0 {
			c.logger.Info("staging sweep", "removed", n)
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}

// Writer stages a file. Data goes to a temporary file next to the final
// path; Commit renames it into place and Discard deletes it.
type Writer struct {
	f     *os.File
	final string
	done  bool
}

// Create opens a Writer for (id, version).
func (c *Cache) Create(id string, version time.Time) (*Writer, error) {
	final := c.ResolvePath(id, version)
	f, err := os.CreateTemp(c.dir, filepath.Base(final)+".*"+tempSuffix)
	if err != nil {
		return nil, fmt.Errorf("cache: create staged file: %w", err)
	}
	return &Writer{f: f, final: final}, nil
}

func (w *Writer) Write(p []byte) (int, error) { return w.f.Write(p) }

// Commit flushes the temporary file and moves it to its final name.
func (w *Writer) Commit() error {
	if w.done {
		return errors.New("cache: writer already closed")
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.f.Name())
		return fmt.Errorf("cache: sync staged file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("cache: close staged file: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.final); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("cache: commit staged file: %w", err)
	}
	return nil
}

// Discard removes the partial file. It is a no-op after Commit.
func (w *Writer) Discard() {
	if w.done {
		return
	}
	w.done = true
	w.f.Close()
	os.Remove(w.f.Name())
}
