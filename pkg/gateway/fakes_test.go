package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/pairing"
	"github.com/harun/wafleet/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "admin-secret-for-tests"
	testIdentity = "6281234567"
	testKey      = "USER_6281234567"
	testBot      = "Nova"
	testCode     = "4821"
)

type nopHandle struct{}

func (nopHandle) SendText(context.Context, string, string) error { return nil }
func (nopHandle) PairPhone(context.Context, string) (string, error) { return "ABCD-1234", nil }
func (nopHandle) SetPresence(context.Context, bool) error { return nil }
func (nopHandle) Close() {}

type fakeController struct {
	mu       sync.Mutex
	configs  map[string]session.Config
	live     map[string]bool
	artifact *pairing.Artifact
	active   bool
	calls    []string
	pairErr  error
}

func newFakeController() *fakeController {
	cfg := session.DefaultConfig(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg.BotName = testBot
	cfg.AccessKey = testCode
	return &fakeController{
		configs: map[string]session.Config{testKey: cfg},
		live:    map[string]bool{},
		active:  true,
	}
}

func (c *fakeController) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeController) called() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeController) Ensure(_ context.Context, identity, name string) (string, bool, error) {
	key, err := session.KeyFromIdentity(identity)
	if err != nil {
		return "", false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "ensure:"+key+":"+name)
	if c.live[key] {
		return key, true, nil
	}
	c.live[key] = true
	return key, false, nil
}

func (c *fakeController) exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.configs[key]
	return ok
}

func (c *fakeController) Stop(_ context.Context, key string) error {
	if !c.exists(key) {
		return lifecycle.ErrSessionNotFound
	}
	c.record("stop:" + key)
	return nil
}

func (c *fakeController) Restore(_ context.Context, key string) error {
	if !c.exists(key) {
		return lifecycle.ErrSessionNotFound
	}
	c.record("restore:" + key)
	return nil
}

func (c *fakeController) Wipe(_ context.Context, key string) error {
	if !c.exists(key) {
		return lifecycle.ErrSessionNotFound
	}
	c.record("wipe:" + key)
	return nil
}

func (c *fakeController) ApplySetting(_ context.Context, key, name string, value interface{}) (session.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[key]
	if !ok {
		return session.Config{}, lifecycle.ErrSessionNotFound
	}
	if _, err := cfg.Apply(name, value); err != nil {
		return session.Config{}, err
	}
	c.configs[key] = cfg
	return cfg, nil
}

func (c *fakeController) RequestPairingCode(_ context.Context, identity string) (string, error) {
	if c.pairErr != nil {
		return "", c.pairErr
	}
	return "ABCD-1234", nil
}

func (c *fakeController) SetSystemActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
}

func (c *fakeController) SystemActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeController) Status(identity string) string {
	key, err := session.KeyFromIdentity(identity)
	if err != nil {
		return "waiting"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[key] {
		return "connected"
	}
	return "waiting"
}

func (c *fakeController) PairingArtifact(string) (pairing.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.artifact == nil {
		return pairing.Artifact{}, pairing.ErrArtifactNotFound
	}
	return *c.artifact, nil
}

func (c *fakeController) Config(key string) (session.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[key]
	if !ok {
		return session.Config{}, lifecycle.ErrSessionNotFound
	}
	return cfg, nil
}

func (c *fakeController) Handle(key string) (lifecycle.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[key] {
		return nopHandle{}, true
	}
	return nil, false
}

func (c *fakeController) ResolveDisplayName(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cfg := range c.configs {
		if cfg.BotName == name {
			return key, true
		}
	}
	return "", false
}

func (c *fakeController) ResolveIdentity(identity string) (string, bool) {
	key, err := session.KeyFromIdentity(identity)
	if err != nil || !c.exists(key) {
		return "", false
	}
	return key, true
}

func (c *fakeController) Session(key string) (lifecycle.Session, error) {
	cfg, err := c.Config(key)
	if err != nil {
		return lifecycle.Session{}, err
	}
	identity, _ := session.IdentityFromKey(key)
	return lifecycle.Session{Key: key, Identity: identity, Owner: identity + "@s.whatsapp.net", Config: cfg}, nil
}

func (c *fakeController) Sessions() []lifecycle.Session {
	s, _ := c.Session(testKey)
	return []lifecycle.Session{s}
}

func (c *fakeController) Counts() map[string]int {
	return map[string]int{string(lifecycle.StateOpen): 1}
}

type fakeSongSender struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (f *fakeSongSender) SendSong(_ context.Context, _ lifecycle.Session, _ lifecycle.Handle, query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.err
}

type testServer struct {
	*Server
	ctrl  *fakeController
	songs *fakeSongSender
	http  *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	ctrl := newFakeController()
	songs := &fakeSongSender{}
	cfg := Config{
		SharedSecret:   testSecret,
		TickInterval:   -1,
		AllowedOrigins: []string{"https://dash.example"},
		Controller:     ctrl,
		Songs:          songs,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: srv, ctrl: ctrl, songs: songs, http: ts}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
}
