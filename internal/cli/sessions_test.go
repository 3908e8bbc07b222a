package cli

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/wafleet/internal/config"
	"github.com/harun/wafleet/pkg/gateway"
	"github.com/harun/wafleet/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSessions(t *testing.T, dir string) {
	t.Helper()
	store, err := session.NewStore(session.StoreOptions{Dir: filepath.Join(dir, "sessions")})
	require.NoError(t, err)

	nova := session.DefaultConfig(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	nova.BotName = "Nova"
	nova.AccessKey = "4821"
	require.NoError(t, store.Save(context.Background(), "USER_6281111111", nova))

	idle := session.DefaultConfig(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	idle.IsActive = false
	require.NoError(t, store.Save(context.Background(), "USER_6282222222", idle))
}

func TestSessionsList(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		path, _ := writeConfig(t, nil)
		out, err := execute(t, "sessions", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "No stored sessions.")
	})

	t.Run("table", func(t *testing.T) {
		path, dir := writeConfig(t, nil)
		seedSessions(t, dir)

		out, err := execute(t, "sessions", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "KEY")
		assert.Contains(t, out, "USER_6281111111")
		assert.Contains(t, out, "Nova")
		assert.Contains(t, out, "USER_6282222222")
		assert.Contains(t, out, "pending")
		assert.NotContains(t, out, "4821")
	})
}

func TestSessionsShow(t *testing.T) {
	path, dir := writeConfig(t, nil)
	seedSessions(t, dir)

	out, err := execute(t, "sessions", "show", "+62 811-111-11", "--config", path, "--show-access-key=false")
	require.NoError(t, err)
	assert.Contains(t, out, "USER_6281111111")
	assert.Contains(t, out, `"botName": "Nova"`)
	assert.Contains(t, out, `"accessKey": "set"`)

	out, err = execute(t, "sessions", "show", "6281111111", "--config", path, "--show-access-key")
	require.NoError(t, err)
	assert.Contains(t, out, `"accessKey": "4821"`)

	_, err = execute(t, "sessions", "show", "6289999999", "--config", path, "--show-access-key=false")
	assert.Error(t, err)
}

// gatewayConfig points a config file at a test server.
func gatewayConfig(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	path, _ := writeConfig(t, map[string]interface{}{
		"gateway": map[string]interface{}{
			"host":         host,
			"port":         p,
			"admin_secret": "test-admin-secret",
		},
	})
	return path
}

func TestQRCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("id") {
		case "628123":
			_, _ = w.Write([]byte(`{"qr":"2@abcdef,ghijkl","kind":"qr","expiresAt":"2099-01-01T00:00:00Z"}`))
		case "628456":
			_, _ = w.Write([]byte(`{"qr":"ABCD-1234","kind":"code"}`))
		default:
			_, _ = w.Write([]byte(`{"qr":null}`))
		}
	}))
	defer srv.Close()
	path := gatewayConfig(t, srv)

	out, err := execute(t, "qr", "628123", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Expires in")
	assert.Greater(t, len(out), 200)

	out, err = execute(t, "qr", "628456", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Pairing code for 628456: ABCD-1234")

	_, err = execute(t, "qr", "628789", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pairing pending")

	_, err = execute(t, "qr", "not-a-number", "--config", path)
	assert.Error(t, err)
}

func TestPairCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pair" || r.URL.Query().Get("id") != "628123" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":"error","error":"Session Not Found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":"WXYZ-9876"}`))
	}))
	defer srv.Close()
	path := gatewayConfig(t, srv)

	out, err := execute(t, "pair", "628123", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "WXYZ-9876")

	_, err = execute(t, "pair", "628000", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestGatewayURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.Port = 3000
	assert.Equal(t, "http://127.0.0.1:3000", gatewayURL(cfg))

	cfg.Gateway.Host = "10.0.0.5"
	assert.Equal(t, "http://10.0.0.5:3000", gatewayURL(cfg))
}

func TestGetJSON_SendsSecret(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(gateway.SecretHeader)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	var body map[string]interface{}
	require.NoError(t, getJSON(context.Background(), srv.URL, "/api/sessions", nil, "s3cret", &body))
	assert.Equal(t, "s3cret", got)
	assert.Equal(t, "success", body["status"])
}
