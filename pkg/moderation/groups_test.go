package moderation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup = "120363000000000001@g.us"

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewStore(StoreOptions{Dir: dir, Now: func() time.Time { return now }})
	require.NoError(t, err)
	return s, dir
}

func TestStore_LoadDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	g := s.Load("USER_1", testGroup)
	assert.Equal(t, testGroup, g.ID)
	assert.True(t, g.Settings.AntiSpam)
	assert.False(t, g.Settings.AntiLink)
	assert.NotEmpty(t, g.Settings.WelcomeMsg)
	assert.NotNil(t, g.Warnings)
}

func TestStore_UpdatePersists(t *testing.T) {
	s, dir := newTestStore(t)

	on := true
	g, err := s.Update("USER_1", testGroup, func(g *Group) error {
		_, err := g.Settings.SetRule("antilink", &on)
		g.Warnings["94770000000@s.whatsapp.net"] = 2
		return err
	})
	require.NoError(t, err)
	assert.True(t, g.Settings.AntiLink)
	assert.False(t, g.UpdatedAt.IsZero())

	_, err = os.Stat(filepath.Join(dir, "USER_1", testGroup+".json"))
	require.NoError(t, err)

	loaded := s.Load("USER_1", testGroup)
	assert.True(t, loaded.Settings.AntiLink)
	assert.Equal(t, 2, loaded.Warnings["94770000000@s.whatsapp.net"])

	other := s.Load("USER_2", testGroup)
	assert.False(t, other.Settings.AntiLink, "sessions keep separate group state")
}

func TestStore_UpdateErrorDoesNotSave(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Update("USER_1", testGroup, func(g *Group) error {
		_, err := g.Settings.SetRule("antiunicorn", nil)
		return err
	})
	require.ErrorIs(t, err, ErrUnknownRule)
	assert.Empty(t, mustSessions(t, s))
}

func TestStore_RejectsPathNames(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Update("../USER_1", testGroup, func(g *Group) error { return nil })
	assert.Error(t, err)
	_, err = s.Update("USER_1", "a/b", func(g *Group) error { return nil })
	assert.Error(t, err)
}

func TestStore_CorruptFileFallsBack(t *testing.T) {
	s, dir := newTestStore(t)

	path := filepath.Join(dir, "USER_1", testGroup+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	g := s.Load("USER_1", testGroup)
	assert.Equal(t, DefaultGroup(testGroup), g)
}

func TestStore_ResetAndPrune(t *testing.T) {
	s, _ := newTestStore(t)

	for _, key := range []string{"USER_1", "USER_2"} {
		_, err := s.Update(key, testGroup, func(g *Group) error {
			g.Settings.AntiFake = true
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.Reset("USER_1", testGroup))
	require.NoError(t, s.Reset("USER_1", testGroup), "reset of a missing group is fine")
	assert.False(t, s.Load("USER_1", testGroup).Settings.AntiFake)

	removed, err := s.Prune(func(key string) bool { return key == "USER_1" })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"USER_1"}, mustSessions(t, s))
	assert.False(t, s.Load("USER_2", testGroup).Settings.AntiFake)
}

func TestStore_Keywords(t *testing.T) {
	s, _ := newTestStore(t)

	words, err := s.LoadKeywords()
	require.NoError(t, err)
	assert.Empty(t, words)

	require.NoError(t, s.SaveKeywords([]string{"scam", "spoiler"}))
	words, err = s.LoadKeywords()
	require.NoError(t, err)
	assert.Equal(t, []string{"scam", "spoiler"}, words)
}

func TestSettings_SetRule(t *testing.T) {
	var s Settings

	v, err := s.SetRule("welcome", nil)
	require.NoError(t, err)
	assert.True(t, v)
	v, err = s.SetRule("welcome", nil)
	require.NoError(t, err)
	assert.False(t, v)

	off := false
	s.AntiBadWord = true
	v, err = s.SetRule("antibadword", &off)
	require.NoError(t, err)
	assert.False(t, v)
	assert.False(t, s.Any())

	_, err = s.SetRule("antispam", nil)
	require.NoError(t, err)
	assert.True(t, s.Any())
}

func mustSessions(t *testing.T, s *Store) []string {
	t.Helper()
	keys, err := s.Sessions()
	require.NoError(t, err)
	return keys
}
