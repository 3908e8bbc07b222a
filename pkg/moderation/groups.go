package moderation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxWarnings is the warning count at which a member is removed.
const MaxWarnings = 3

const keywordsFileName = "badwords.json"

var ErrUnknownRule = errors.New("unknown moderation rule")

// Settings are the per-group switches.
type Settings struct {
	AntiLink    bool   `json:"antilink"`
	AntiBadWord bool   `json:"antibadword"`
	AntiFake    bool   `json:"antifake"`
	AntiSpam    bool   `json:"antispam"`
	Welcome     bool   `json:"welcome"`
	WelcomeMsg  string `json:"welcome_msg"`
	ByeMsg      string `json:"bye_msg"`
}

// Any reports whether a message rule is on.
func (s Settings) Any() bool {
	return s.AntiLink || s.AntiBadWord || s.AntiFake || s.AntiSpam
}

// SetRule switches the named rule. A nil value flips it. The new value is returned.
func (s *Settings) SetRule(name string, value *bool) (bool, error) {
	var field *bool
	switch name {
	case "antilink":
		field = &s.AntiLink
	case "antibadword":
		field = &s.AntiBadWord
	case "antifake":
		field = &s.AntiFake
	case "antispam":
		field = &s.AntiSpam
	case "welcome":
		field = &s.Welcome
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	if value == nil {
		*field = !*field
	} else {
		*field = *value
	}
	return *field, nil
}

// Group is the stored state of one group chat.
type Group struct {
	ID        string         `json:"group_id"`
	Settings  Settings       `json:"settings"`
	Warnings  map[string]int `json:"warnings"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DefaultGroup returns the settings a group starts with.
func DefaultGroup(id string) Group {
	return Group{
		ID: id,
		Settings: Settings{
			AntiSpam:   true,
			WelcomeMsg: "Welcome to the community! Please respect the rules.",
			ByeMsg:     "Goodbye! We hope to see you again.",
		},
		Warnings: map[string]int{},
	}
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Dir string
	Now func() time.Time
}

// Store keeps group settings under Dir/<session key>/<group jid>.json and the shared
// keyword list under Dir/badwords.json.
type Store struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewStore creates the groups directory if needed.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("groups directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create groups directory: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{dir: opts.Dir, now: now}, nil
}

func cleanName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

func (s *Store) path(sessionKey, groupID string) (string, error) {
	if err := cleanName(sessionKey); err != nil {
		return "", err
	}
	if err := cleanName(groupID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, sessionKey, groupID+".json"), nil
}

// Load returns the stored group, or defaults when none is stored or the file is unreadable.
func (s *Store) Load(sessionKey, groupID string) Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(sessionKey, groupID)
}

func (s *Store) loadLocked(sessionKey, groupID string) Group {
	g := DefaultGroup(groupID)
	path, err := s.path(sessionKey, groupID)
	if err != nil {
		return g
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return g
	}
	if err := json.Unmarshal(data, &g); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Corrupt group settings, using defaults")
		return DefaultGroup(groupID)
	}
	g.ID = groupID
	if g.Warnings == nil {
		g.Warnings = map[string]int{}
	}
	return g
}

// Update applies fn to the stored group and saves the result.
func (s *Store) Update(sessionKey, groupID string, fn func(g *Group) error) (Group, error) {
	path, err := s.path(sessionKey, groupID)
	if err != nil {
		return Group{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.loadLocked(sessionKey, groupID)
	if err := fn(&g); err != nil {
		return g, err
	}
	g.UpdatedAt = s.now()
	if err := writeJSONFile(path, g); err != nil {
		return g, fmt.Errorf("failed to save group %s: %w", groupID, err)
	}
	return g, nil
}

// Reset drops the stored group so it falls back to defaults.
func (s *Store) Reset(sessionKey, groupID string) error {
	path, err := s.path(sessionKey, groupID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sessions lists the session keys that have group state, sorted.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups directory: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Prune removes the group state of every session keep rejects.
func (s *Store) Prune(keep func(sessionKey string) bool) (int, error) {
	keys, err := s.Sessions()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if keep(key) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, key)); err != nil {
			return removed, fmt.Errorf("failed to remove groups of %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

// LoadKeywords reads the shared keyword list. A missing file is an empty list.
func (s *Store) LoadKeywords() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, keywordsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var words []string
	if err := json.Unmarshal(data, &words); err != nil {
		return nil, fmt.Errorf("invalid keyword list: %w", err)
	}
	return words, nil
}

// SaveKeywords replaces the shared keyword list.
func (s *Store) SaveKeywords(words []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONFile(filepath.Join(s.dir, keywordsFileName), words)
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
