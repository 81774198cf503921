// Package meta persists one JSON record per cached prompt prefix. A record
// exists on disk iff a KV snapshot addressable by the same key exists (or
// recently existed) on some backend; the proxy never reconciles orphans
// beyond logging.
package meta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// recordSuffix is appended to the hex key to form the filename.
const recordSuffix = ".meta.json"

// parseCacheSize bounds the number of parsed records kept in memory.
const parseCacheSize = 4096

// Record describes one cached prefix: the snapshot key, the model that
// produced it, and the block-hash sequence used for LCP matching.
type Record struct {
	Key       string   `json:"key"`
	ModelID   string   `json:"model_id"`
	PrefixLen int      `json:"prefix_len"`
	WPB       int      `json:"wpb"`
	Blocks    []string `json:"blocks"`
	Timestamp float64  `json:"timestamp"`
}

// cachedParse is a parse-cache entry keyed by path; the mtime and size guard
// against serving a stale parse after an external rewrite.
type cachedParse struct {
	modTime time.Time
	size    int64
	rec     Record
}

// Store is the file-per-record metadata store. Records live under dir as
// <key>.meta.json. There is no index beyond the directory itself; ScanAll
// rescans, with an LRU cache of parsed files that a directory watcher keeps
// honest (see watcher.go).
type Store struct {
	dir    string
	logger zerolog.Logger
	cache  *lru.Cache[string, cachedParse]
	watch  *dirWatcher
}

// Open creates the metadata directory if needed and returns a Store.
// The directory watcher is best-effort: if it cannot be started the store
// still works, every cache entry just lives until evicted or overwritten.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("meta: create directory %s: %w", dir, err)
	}

	cache, err := lru.New[string, cachedParse](parseCacheSize)
	if err != nil {
		return nil, fmt.Errorf("meta: creating parse cache: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		cache:  cache,
	}

	w, err := newDirWatcher(dir, s.invalidate, logger)
	if err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("meta watcher unavailable; parse cache relies on mtime checks only")
	} else {
		s.watch = w
	}

	return s, nil
}

// Close stops the directory watcher.
func (s *Store) Close() error {
	if s.watch != nil {
		return s.watch.Close()
	}
	return nil
}

// Dir returns the metadata directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the record file path for key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+recordSuffix)
}

// invalidate drops the parse cache entry for path.
func (s *Store) invalidate(path string) {
	s.cache.Remove(path)
}

// ScanAll returns all parseable records ordered by file modification time
// descending. Records that fail to parse are logged and skipped, never fatal:
// a concurrent half-written file must not abort candidate selection.
func (s *Store) ScanAll() []Record {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("meta scan failed")
		return nil
	}

	type fileInfo struct {
		path    string
		modTime time.Time
		size    int64
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(s.dir, e.Name()),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	records := make([]Record, 0, len(files))
	for _, f := range files {
		if entry, ok := s.cache.Get(f.path); ok && entry.modTime.Equal(f.modTime) && entry.size == f.size {
			records = append(records, entry.rec)
			continue
		}

		rec, err := readRecord(f.path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", f.path).Msg("skipping unparseable meta record")
			continue
		}
		s.cache.Add(f.path, cachedParse{modTime: f.modTime, size: f.size, rec: rec})
		records = append(records, rec)
	}

	s.logger.Debug().Int("n_found", len(records)).Msg("meta scan")
	return records
}

// Write serializes rec as pretty-printed JSON (non-ASCII preserved) and
// atomically replaces any existing file for the same key. A zero Timestamp is
// stamped with the current time.
func (s *Store) Write(rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("meta: record has no key")
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = now()
	}

	data, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("meta: marshalling record %s: %w", short(rec.Key), err)
	}

	path := s.Path(rec.Key)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("meta: writing %s: %w", path, err)
	}

	s.invalidate(path)
	return nil
}

// Touch refreshes the timestamp of the record for key, leaving every other
// field as stored. A missing record is logged and ignored; a key that was
// never saved is not an error.
func (s *Store) Touch(key string) {
	path := s.Path(key)

	rec, err := readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn().Str("key", short(key)).Msg("touch on missing meta record")
		} else {
			s.logger.Warn().Err(err).Str("key", short(key)).Msg("touch failed to read meta record")
		}
		return
	}

	rec.Timestamp = now()

	data, err := marshalRecord(rec)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", short(key)).Msg("touch failed to marshal meta record")
		return
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		s.logger.Warn().Err(err).Str("key", short(key)).Msg("touch failed to write meta record")
		return
	}

	s.invalidate(path)
	s.logger.Debug().Str("key", short(key)).Msg("meta touched")
}

// readRecord reads and parses a single record file.
func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// marshalRecord renders a record as indented JSON with non-ASCII preserved.
func marshalRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// now returns the current time as seconds since the epoch.
func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// short truncates a hex key for log lines.
func short(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
