package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreOptions{
		Dir: t.TempDir(),
		Now: func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return store
}

func TestStore_LoadMissingReturnsDefaults(t *testing.T) {
	store := newTestStore(t)

	cfg := store.Load("USER_1")
	assert.Equal(t, DefaultConfig(fixedNow), cfg)
	assert.False(t, store.Exists("USER_1"))
}

func TestStore_LoadCorruptReturnsDefaults(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"schema violation", `{"isActive":"yes"}`},
		{"empty file", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			dir := store.SessionDir("USER_2")
			require.NoError(t, os.MkdirAll(dir, 0700))
			require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(tt.body), 0600))

			assert.Equal(t, DefaultConfig(fixedNow), store.Load("USER_2"))
		})
	}
}

func TestStore_LoadInvalidKeyReturnsDefaults(t *testing.T) {
	store := newTestStore(t)
	assert.Equal(t, DefaultConfig(fixedNow), store.Load("../escape"))
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := DefaultConfig(fixedNow)
	cfg.BotName = "Nimal"
	cfg.AccessKey = "4821"
	require.NoError(t, store.Save(ctx, "USER_3", cfg))

	assert.True(t, store.Exists("USER_3"))
	_, err := os.Stat(filepath.Join(store.SessionDir("USER_3"), configFileName+".tmp"))
	assert.True(t, os.IsNotExist(err), "temp file must not survive a save")

	// A fresh store reads the same document back from disk.
	reopened, err := NewStore(StoreOptions{Dir: store.Dir()})
	require.NoError(t, err)
	loaded := reopened.Load("USER_3")
	assert.Equal(t, "Nimal", loaded.BotName)
	assert.Equal(t, "4821", loaded.AccessKey)
	assert.True(t, loaded.CreatedAt.Equal(fixedNow))
}

func TestStore_SaveRejectsInvalidKey(t *testing.T) {
	store := newTestStore(t)
	err := store.Save(context.Background(), "bad", DefaultConfig(fixedNow))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestStore_UpdateErrorLeavesDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, "USER_4", func(c *Config) error {
		c.BotName = "first"
		return nil
	})
	require.NoError(t, err)

	got, err := store.Update(ctx, "USER_4", func(c *Config) error {
		c.BotName = "second"
		return ErrInvalidSetting
	})
	assert.ErrorIs(t, err, ErrInvalidSetting)
	assert.Equal(t, "first", got.BotName)
	assert.Equal(t, "first", store.Load("USER_4").BotName)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "USER_5", func(c *Config) error {
				c.GhostMode = true
				return nil
			})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "USER_5", func(c *Config) error {
				c.AntiCall = true
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	store.Invalidate("USER_5")
	cfg := store.Load("USER_5")
	assert.True(t, cfg.GhostMode, "no update may be lost")
	assert.True(t, cfg.AntiCall, "no update may be lost")
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := DefaultConfig(fixedNow)
	cfg.AccessKey = "1234"
	require.NoError(t, store.Save(ctx, "USER_6", cfg))
	require.NoError(t, os.MkdirAll(store.CredentialsDir("USER_6"), 0700))

	require.NoError(t, store.Delete(ctx, "USER_6"))

	_, err := os.Stat(store.SessionDir("USER_6"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, SentinelAccessKey, store.Load("USER_6").AccessKey)
}

func TestStore_Keys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "USER_20", DefaultConfig(fixedNow)))
	require.NoError(t, store.Save(ctx, "USER_10", DefaultConfig(fixedNow)))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(), "not-a-session"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "USER_30"), []byte("file"), 0600))

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"USER_10", "USER_20"}, keys)
}

func TestStore_InvalidatePicksUpExternalEdit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "USER_7", DefaultConfig(fixedNow)))
	assert.Equal(t, DefaultBotName, store.Load("USER_7").BotName)

	path := filepath.Join(store.SessionDir("USER_7"), configFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"botName":"edited","isActive":true}`), 0600))

	assert.Equal(t, DefaultBotName, store.Load("USER_7").BotName, "cache serves until invalidated")
	store.Invalidate("USER_7")
	assert.Equal(t, "edited", store.Load("USER_7").BotName)
}
