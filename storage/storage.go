// Package storage implements the disk-backed persistent store: it
// resolves a path for a ResourceKey via a pluggable PathProvider,
// compresses/decompresses image bytes via a pluggable
// CompressionProvider, and writes them atomically (temp file plus
// rename, journaled for crash safety). Disk is a hint, not a source of
// truth: read failures are reported as a plain miss, write failures
// are logged and otherwise swallowed.
package storage

import (
	"context"
	"image"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"gitlab.com/NebulousLabs/encoding"
	"gitlab.com/NebulousLabs/errors"
	gnlog "gitlab.com/NebulousLabs/log"
)

// Config configures a Store.
type Config struct {
	// RootPath is the directory writes are rooted at. Created if
	// absent.
	RootPath string
	// Compression is the CompressionProvider used for every write and,
	// necessarily, for reading back what was written with it. Defaults
	// to Lossless.
	Compression CompressionProvider
	// Path lays entries out under RootPath. Defaults to Flat.
	Path PathProvider
	// MaxConcurrentBackgroundWrites bounds the background write pool
	// used by WriteAsync. Defaults to 4.
	MaxConcurrentBackgroundWrites int
	// Log receives write-failure and recovery diagnostics. Defaults to
	// a discarding logger.
	Log *gnlog.Logger
}

func (c Config) withDefaults() Config {
	if c.Compression == nil {
		c.Compression = Lossless()
	}
	if c.Path == nil {
		c.Path = Flat()
	}
	if c.MaxConcurrentBackgroundWrites <= 0 {
		c.MaxConcurrentBackgroundWrites = 4
	}
	if c.Log == nil {
		c.Log, _ = gnlog.NewLogger(ioutil.Discard)
	}
	return c
}

// entryMeta is the per-key bookkeeping persisted in the index so
// SizeBytes/Count never need a directory walk.
type entryMeta struct {
	Path string
	Size uint64
}

// Store is the disk-backed persistent store described in the spec.
type Store struct {
	cfg Config

	journal *journal

	indexMu sync.Mutex
	index   map[string]entryMeta

	// bgWrites bounds WriteAsync's background writers to
	// cfg.MaxConcurrentBackgroundWrites via SetLimit, so a burst of
	// completions cannot open unbounded file descriptors.
	bgWrites *errgroup.Group
}

// New opens (or creates) a Store rooted at cfg.RootPath, recovering
// any write-ahead-logged transaction left in flight by a previous,
// uncleanly terminated process.
func New(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.RootPath == "" {
		return nil, errors.New("storage: RootPath is required")
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, errors.AddContext(err, "unable to create storage root")
	}

	j, orphans, err := openJournal(cfg.RootPath)
	if err != nil {
		return nil, err
	}
	cleanupOrphans(orphans)

	bgWrites := new(errgroup.Group)
	bgWrites.SetLimit(cfg.MaxConcurrentBackgroundWrites)

	s := &Store{
		cfg:      cfg,
		journal:  j,
		index:    make(map[string]entryMeta),
		bgWrites: bgWrites,
	}
	s.loadIndex()
	return s, nil
}

// Close releases the underlying write-ahead log.
func (s *Store) Close() error {
	return s.journal.close()
}

func (s *Store) indexPath() string { return filepath.Join(s.cfg.RootPath, ".index") }

func (s *Store) loadIndex() {
	data, err := ioutil.ReadFile(s.indexPath())
	if err != nil {
		return
	}
	var index map[string]entryMeta
	if err := encoding.Unmarshal(data, &index); err != nil {
		return
	}
	s.indexMu.Lock()
	s.index = index
	s.indexMu.Unlock()
}

func (s *Store) saveIndexLocked() {
	data := encoding.Marshal(s.index)
	_ = ioutil.WriteFile(s.indexPath(), data, 0o644)
}

// PathFor resolves the on-disk path (absolute) that key/rawURL
// currently resolve to, or would resolve to on the next write.
func (s *Store) PathFor(rawURL, key string) (string, error) {
	rel, err := s.cfg.Path.PathFor(rawURL, key, s.cfg.Compression.Extension())
	if err != nil {
		return "", err
	}
	return filepath.Join(s.cfg.RootPath, rel), nil
}

// Read resolves key to its path, reads and decompresses it. Any I/O or
// decode failure is reported as ok=false, never as an error: disk is a
// hint, not a source of truth.
func (s *Store) Read(key string) (image.Image, bool) {
	s.indexMu.Lock()
	meta, known := s.index[key]
	s.indexMu.Unlock()
	if !known {
		return nil, false
	}
	data, err := ioutil.ReadFile(meta.Path)
	if err != nil {
		return nil, false
	}
	img, err := s.cfg.Compression.Decompress(data)
	if err != nil {
		return nil, false
	}
	return img, true
}

// Write compresses img and persists it under key/rawURL, atomically
// (temp file plus rename) and crash-safely (journaled). Failures are
// returned to the caller, but per the spec are never surfaced to a
// waiter chain - callers doing a fire-and-forget write should use
// WriteAsync instead, which logs them.
func (s *Store) Write(key, rawURL string, img image.Image) error {
	destPath, err := s.PathFor(rawURL, key)
	if err != nil {
		return errors.AddContext(err, "unable to resolve path")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.AddContext(err, "unable to create parent directories")
	}
	data, err := s.cfg.Compression.Compress(img)
	if err != nil {
		return errors.AddContext(err, "unable to compress image")
	}

	commit, err := s.journal.begin(destPath)
	if err != nil {
		return err
	}
	tmpPath := tempPathFor(destPath)
	if err := ioutil.WriteFile(tmpPath, data, 0o644); err != nil {
		return errors.AddContext(err, "unable to write temp file")
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return errors.AddContext(err, "unable to rename temp file into place")
	}
	if err := commit(); err != nil {
		s.cfg.Log.Println("storage: wal commit failed after successful rename:", err)
	}

	s.indexMu.Lock()
	s.index[key] = entryMeta{Path: destPath, Size: uint64(len(data))}
	s.saveIndexLocked()
	s.indexMu.Unlock()
	return nil
}

// WriteAsync schedules a background write, bounded to
// MaxConcurrentBackgroundWrites concurrent writers via
// bgWrites.SetLimit. Intended for the Coordinator's post-success hook,
// which must not block the delivery path on disk I/O: WriteAsync
// itself always returns immediately, spawning a goroutine that then
// waits its turn for a bgWrites slot. Failures are logged, never
// propagated.
func (s *Store) WriteAsync(ctx context.Context, key, rawURL string, img image.Image) {
	go func() {
		s.bgWrites.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := s.Write(key, rawURL, img); err != nil {
				s.cfg.Log.Println("storage: background write failed for", key, ":", err)
			}
			return nil
		})
	}()
}

// Remove deletes the file for key, if any. Idempotent.
func (s *Store) Remove(key string) error {
	s.indexMu.Lock()
	meta, known := s.index[key]
	delete(s.index, key)
	s.saveIndexLocked()
	s.indexMu.Unlock()
	if !known {
		return nil
	}
	if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "unable to remove file")
	}
	return nil
}

// ClearAll deletes every file currently tracked by the store.
func (s *Store) ClearAll() error {
	s.indexMu.Lock()
	metas := s.index
	s.index = make(map[string]entryMeta)
	s.saveIndexLocked()
	s.indexMu.Unlock()

	var firstErr error
	for _, meta := range metas {
		if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SizeBytes returns the total size, in bytes, of every file tracked by
// the store. Diagnostics only.
func (s *Store) SizeBytes() uint64 {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	var total uint64
	for _, meta := range s.index {
		total += meta.Size
	}
	return total
}

// Count returns the number of files tracked by the store. Diagnostics
// only.
func (s *Store) Count() int {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return len(s.index)
}
