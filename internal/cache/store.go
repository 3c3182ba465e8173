// Package cache is a key-addressed, expiry-aware file store for JSON payloads.
//
// Every entry lives in its own file under <dir>/<class>/<key>.json as an
// envelope {stored_at, ttl_seconds, payload}. Writers publish with a temp file
// and rename while holding a per-key advisory lock (<key>.json.lock), so
// readers never see a partial entry and never need the lock themselves.
// Corrupt, empty and expired entries read as absent and are removed.
//
// The store is best-effort: no method returns an error. Failures are logged
// and counted, and callers see a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/wildfire-risk-service/internal/observability"
)

// Class groups entries that share a TTL. The name is also the subdirectory.
type Class struct {
	Name string
	TTL  time.Duration
}

var (
	// ClassFetch holds fetched detection sets.
	ClassFetch = Class{Name: "fetch", TTL: time.Hour}
	// ClassAnalysis holds completed analysis results.
	ClassAnalysis = Class{Name: "analysis", TTL: 24 * time.Hour}
)

const (
	entrySuffix = ".json"
	lockSuffix  = ".lock"
	tempSuffix  = ".tmp"

	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 25 * time.Millisecond

	// staleTempAge is how old a temp file must be before Sweep treats it as
	// left behind by a crashed writer.
	staleTempAge = 10 * time.Minute
)

// Lookup results, used as metric labels.
const (
	resultHit     = "hit"
	resultMiss    = "miss"
	resultExpired = "expired"
	resultCorrupt = "corrupt"
)

type envelope struct {
	StoredAt   time.Time       `json:"stored_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
	Payload    json.RawMessage `json:"payload"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used for stored_at and expiry.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLockTimeout bounds how long Put waits for a key's lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithMetrics enables lookup and write counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClasses sets the classes Sweep visits. Defaults to fetch and analysis.
func WithClasses(classes ...Class) Option {
	return func(s *Store) { s.classes = classes }
}

// Store is a file-backed cache. It is safe for concurrent use by goroutines
// and by separate processes sharing the directory.
type Store struct {
	dir         string
	logger      *slog.Logger
	clock       clockwork.Clock
	lockTimeout time.Duration
	metrics     *observability.Metrics
	classes     []Class
}

// NewStore creates a store rooted at dir. The directory is created lazily.
func NewStore(dir string, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		dir:         dir,
		logger:      logger,
		clock:       clockwork.NewRealClock(),
		lockTimeout: defaultLockTimeout,
		classes:     []Class{ClassFetch, ClassAnalysis},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// Get returns the payload stored under key, or false when it is missing,
// expired, empty or unreadable. Bad entries are removed as a side effect.
func (s *Store) Get(class Class, key string) (json.RawMessage, bool) {
	path := s.entryPath(class, key)

	payload, result := s.inspect(class, path)
	s.countLookup(class, result)

	switch result {
	case resultHit:
		return payload, true
	case resultExpired, resultCorrupt:
		s.evict(class, path, result)
	}
	return nil, false
}

// Put stores payload under key. A lock that cannot be taken within the lock
// timeout abandons the write; it is not retried.
func (s *Store) Put(class Class, key string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("cache payload not serializable", "class", class.Name, "key", key, "error", err)
		s.countWrite(class, "error")
		return
	}
	data, err := json.Marshal(envelope{
		StoredAt:   s.clock.Now().UTC(),
		TTLSeconds: int64(class.TTL / time.Second),
		Payload:    body,
	})
	if err != nil {
		s.logger.Error("cache envelope not serializable", "class", class.Name, "key", key, "error", err)
		s.countWrite(class, "error")
		return
	}

	classDir := filepath.Join(s.dir, class.Name)
	if err := os.MkdirAll(classDir, 0o755); err != nil {
		s.logger.Error("cache directory unavailable", "dir", classDir, "error", err)
		s.countWrite(class, "error")
		return
	}

	path := s.entryPath(class, key)
	lock := flock.New(path + lockSuffix)
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		s.logger.Warn("cache write abandoned",
			"class", class.Name,
			"key", key,
			"lock_timeout", s.lockTimeout,
			"error", err,
		)
		s.countWrite(class, "lock_timeout")
		return
	}
	defer s.unlock(lock)

	if err := writeAtomic(classDir, path, data); err != nil {
		s.logger.Error("cache write failed", "class", class.Name, "key", key, "error", err)
		s.countWrite(class, "error")
		return
	}
	s.countWrite(class, "success")
}

// Sweep removes expired, empty and corrupt entries of every configured class
// plus temp files left by interrupted writers. It returns how many files were
// removed.
func (s *Store) Sweep() int {
	removed := 0
	for _, class := range s.classes {
		classDir := filepath.Join(s.dir, class.Name)
		entries, err := os.ReadDir(classDir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("cache sweep skipped class", "class", class.Name, "error", err)
			}
			continue
		}
		for _, e := range entries {
			name := e.Name()
			path := filepath.Join(classDir, name)
			switch {
			case strings.HasSuffix(name, tempSuffix):
				if s.staleTemp(e) && s.remove(path) {
					removed++
				}
			case strings.HasSuffix(name, entrySuffix):
				if _, result := s.inspect(class, path); result == resultExpired || result == resultCorrupt {
					if s.evict(class, path, result) {
						removed++
					}
				}
			}
		}
	}
	return removed
}

// CheckReadiness verifies the cache root accepts writes.
func (s *Store) CheckReadiness(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	f, err := os.CreateTemp(s.dir, ".ready-*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("cache dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// inspect reads and validates one entry without taking its lock. Renames are
// atomic, so a read sees either the old or the new file in full.
func (s *Store) inspect(class Class, path string) (json.RawMessage, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("cache read failed", "class", class.Name, "path", path, "error", err)
		}
		return nil, resultMiss
	}
	if len(data) == 0 {
		return nil, resultCorrupt
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.StoredAt.IsZero() || len(env.Payload) == 0 {
		return nil, resultCorrupt
	}
	if s.clock.Since(env.StoredAt) > class.TTL {
		return nil, resultExpired
	}
	return env.Payload, resultHit
}

// evict deletes a bad entry if its lock is free and it is still bad once the
// lock is held. A writer holding the lock is about to replace the file anyway.
func (s *Store) evict(class Class, path, reason string) bool {
	lock := flock.New(path + lockSuffix)
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return false
	}
	defer s.unlock(lock)

	if _, result := s.inspect(class, path); result != resultExpired && result != resultCorrupt {
		return false
	}
	if !s.remove(path) {
		return false
	}
	s.logger.Debug("cache entry removed", "class", class.Name, "path", path, "reason", reason)
	return true
}

func (s *Store) remove(path string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("cache remove failed", "path", path, "error", err)
		}
		return false
	}
	return true
}

func (s *Store) unlock(lock *flock.Flock) {
	if err := lock.Unlock(); err != nil {
		s.logger.Warn("cache unlock failed", "path", lock.Path(), "error", err)
	}
}

func (s *Store) staleTemp(e fs.DirEntry) bool {
	info, err := e.Info()
	if err != nil {
		return false
	}
	return s.clock.Since(info.ModTime()) > staleTempAge
}

func (s *Store) entryPath(class Class, key string) string {
	return filepath.Join(s.dir, class.Name, sanitizeKey(key)+entrySuffix)
}

func (s *Store) countLookup(class Class, result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(class.Name, result).Inc()
	}
}

func (s *Store) countWrite(class Class, outcome string) {
	if s.metrics != nil {
		s.metrics.CacheWrites.WithLabelValues(class.Name, outcome).Inc()
	}
}

// writeAtomic writes data to a temp file in dir and renames it over path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// RequestKey derives the cache key for an analysis request. Coordinates are
// rounded to two decimals (about 1 km) so nearby repeats share an entry.
func RequestKey(lat, lng, radiusKm float64, days int) string {
	return sanitizeKey(fmt.Sprintf("%.2f_%.2f_r%s_%dd",
		roundCoord(lat), roundCoord(lng), strconv.FormatFloat(radiusKm, 'f', -1, 64), days))
}

// roundCoord rounds to two decimals. Values that round to zero from below
// come out as -0, which would format as "-0.00".
func roundCoord(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0
	}
	return r
}

// sanitizeKey keeps keys to a portable file name alphabet.
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
