package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harun/wafleet/internal/config"
	"github.com/harun/wafleet/pkg/gateway"
)

const requestTimeout = 10 * time.Second

// gatewayURL returns the base URL of the local daemon's control gateway.
func gatewayURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

// getJSON fetches path from the gateway into out. The admin secret is sent when set.
func getJSON(ctx context.Context, base, path string, query url.Values, secret string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if secret != "" {
		req.Header.Set(gateway.SecretHeader, secret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid gateway response: %w", err)
	}
	return nil
}
