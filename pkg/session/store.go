package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/internal/tracing"
	"github.com/rs/zerolog/log"
)

const (
	configFileName     = "config.json"
	credentialsDirName = "credentials"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	Dir string
	Now func() time.Time
}

// Store persists one config document per session under Dir/<key>/config.json and keeps
// the last known document of every key in memory.
type Store struct {
	dir string
	now func() time.Time

	cache   map[string]Config
	cacheMu sync.RWMutex

	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewStore creates the sessions directory if needed.
func NewStore(opts StoreOptions) (*Store, error) {
	observability.EnsureRegistered()

	dir := opts.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".wafleet", "sessions")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		dir:        dir,
		now:        now,
		cache:      make(map[string]Config),
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Session store initialized")
	return s, nil
}

// Dir returns the sessions root directory.
func (s *Store) Dir() string {
	return s.dir
}

// SessionDir returns the directory holding everything persisted for key.
func (s *Store) SessionDir(key string) string {
	return filepath.Join(s.dir, key)
}

// CredentialsDir returns the directory reserved for transport credentials.
func (s *Store) CredentialsDir(key string) string {
	return filepath.Join(s.dir, key, credentialsDirName)
}

func (s *Store) configPath(key string) string {
	return filepath.Join(s.dir, key, configFileName)
}

func (s *Store) getWriteLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[key]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

// Load returns the config for key. It never fails: a missing, unreadable or corrupt
// document yields DefaultConfig and a log line.
func (s *Store) Load(key string) Config {
	start := time.Now()
	defer func() {
		observability.RecordConfigLoad(time.Since(start))
	}()

	if cfg, ok := s.cached(key); ok {
		return cfg
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	return s.loadLocked(key)
}

func (s *Store) loadLocked(key string) Config {
	if cfg, ok := s.cached(key); ok {
		return cfg
	}
	cfg := s.read(key)
	s.setCached(key, cfg)
	return cfg
}

func (s *Store) read(key string) Config {
	defaults := DefaultConfig(s.now())
	if err := ValidateKey(key); err != nil {
		log.Warn().Err(err).Msg("Refusing to read config for invalid session key")
		return defaults
	}

	path := s.configPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("session_key", key).Msg("No session config on disk, using defaults")
		} else {
			log.Warn().Err(err).Str("session_key", key).Str("path", path).Msg("Failed to read session config, using defaults")
		}
		return defaults
	}

	if err := validateDocument(data); err != nil {
		log.Warn().Err(err).Str("session_key", key).Str("path", path).Msg("Session config is corrupt, using defaults")
		return defaults
	}

	cfg := defaults
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Err(err).Str("session_key", key).Str("path", path).Msg("Session config is corrupt, using defaults")
		return defaults
	}
	return cfg
}

// Save overwrites the document for key through a temp file and rename.
func (s *Store) Save(ctx context.Context, key string, cfg Config) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	return s.saveLocked(ctx, key, cfg)
}

// Update runs fn on the current document and persists the result. Updates for the same key
// are serialized; fn returning an error leaves the document untouched.
func (s *Store) Update(ctx context.Context, key string, fn func(cfg *Config) error) (Config, error) {
	if err := ValidateKey(key); err != nil {
		return Config{}, err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	cfg := s.loadLocked(key)
	if err := fn(&cfg); err != nil {
		return s.loadLocked(key), err
	}
	if err := s.saveLocked(ctx, key, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s *Store) saveLocked(ctx context.Context, key string, cfg Config) error {
	_, span := tracing.SessionSpan(ctx, "wafleet.session", "session.config.save", key)
	defer span.End()

	start := time.Now()
	if err := writeJSONFile(s.configPath(key), cfg); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to save config for %s: %w", key, err)
	}
	observability.RecordConfigSave(time.Since(start))

	s.setCached(key, cfg)
	return nil
}

// Delete removes the whole session directory, credentials included.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	_, span := tracing.SessionSpan(ctx, "wafleet.session", "session.delete", key)
	defer span.End()

	if err := os.RemoveAll(s.SessionDir(key)); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}

	s.cacheMu.Lock()
	delete(s.cache, key)
	s.cacheMu.Unlock()

	log.Info().Str("session_key", key).Msg("Session storage deleted")
	return nil
}

// Exists reports whether a config document is on disk for key.
func (s *Store) Exists(key string) bool {
	if ValidateKey(key) != nil {
		return false
	}
	_, err := os.Stat(s.configPath(key))
	return err == nil
}

// Keys lists every session directory with a well-formed key, sorted.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateKey(entry.Name()) != nil {
			continue
		}
		keys = append(keys, entry.Name())
	}
	sort.Strings(keys)
	observability.SetStoredSessions(len(keys))
	return keys, nil
}

// Invalidate drops the cached document so the next Load rereads the disk.
func (s *Store) Invalidate(key string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.cache, key)
}

func (s *Store) cached(key string) (Config, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	cfg, ok := s.cache[key]
	return cfg, ok
}

func (s *Store) setCached(key string, cfg Config) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[key] = cfg
}

func writeJSONFile(path string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
