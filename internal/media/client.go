// Package media fetches songs from the configured search and download APIs.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout = 60 * time.Second
	// MaxSongBytes caps a single download.
	MaxSongBytes = 50 << 20

	songMimeType = "audio/mp4"
)

var (
	ErrNotConfigured  = errors.New("song api not configured")
	ErrNotFound       = errors.New("song not found")
	ErrDownloadFailed = errors.New("song download failed")

	unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// Track is one search hit.
type Track struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Song is a downloaded track.
type Song struct {
	Track
	Data     []byte
	MimeType string
	Cached   bool
}

// Options configures a Client.
type Options struct {
	SearchURL   string
	DownloadURL string
	// CacheDir keeps downloaded songs as <id>.mp3. Empty disables caching.
	CacheDir   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client resolves a query to audio through two HTTP APIs: the search API answers
// GET <search>?q=<query> with {"results":[{id,title,url}]}, the download API answers
// GET <download>?url=<track url> with {"url": <file url>}.
type Client struct {
	searchURL   string
	downloadURL string
	cacheDir    string
	timeout     time.Duration
	http        *http.Client
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		searchURL:   opts.SearchURL,
		downloadURL: opts.DownloadURL,
		cacheDir:    opts.CacheDir,
		timeout:     timeout,
		http:        httpClient,
	}
}

// Fetch searches for query and downloads the first hit. The whole call is bounded by the
// client timeout.
func (c *Client) Fetch(ctx context.Context, query string) (*Song, error) {
	if c.searchURL == "" || c.downloadURL == "" {
		return nil, ErrNotConfigured
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	track, err := c.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	if data, ok := c.cached(track.ID); ok {
		log.Debug().Str("track", track.ID).Msg("Serving song from cache")
		return &Song{Track: track, Data: data, MimeType: songMimeType, Cached: true}, nil
	}

	data, err := c.download(ctx, track)
	if err != nil {
		return nil, err
	}
	c.store(track.ID, data)

	return &Song{Track: track, Data: data, MimeType: songMimeType}, nil
}

// Search returns the first result for query.
func (c *Client) Search(ctx context.Context, query string) (Track, error) {
	endpoint, err := withQuery(c.searchURL, "q", query)
	if err != nil {
		return Track{}, err
	}

	var body struct {
		Results []Track `json:"results"`
	}
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return Track{}, fmt.Errorf("failed to search songs: %w", err)
	}
	for _, t := range body.Results {
		if t.URL != "" {
			if t.ID == "" {
				t.ID = t.URL
			}
			return t, nil
		}
	}
	return Track{}, fmt.Errorf("%w: %q", ErrNotFound, query)
}

func (c *Client) download(ctx context.Context, track Track) ([]byte, error) {
	endpoint, err := withQuery(c.downloadURL, "url", track.URL)
	if err != nil {
		return nil, err
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if body.URL == "" {
		return nil, fmt.Errorf("%w: no file url for %s", ErrDownloadFailed, track.ID)
	}

	resp, err := c.get(ctx, body.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSongBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if len(data) > MaxSongBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrDownloadFailed, MaxSongBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrDownloadFailed)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", redact(endpoint), err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned %d", redact(endpoint), resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) cachePath(id string) string {
	if c.cacheDir == "" || id == "" {
		return ""
	}
	return filepath.Join(c.cacheDir, unsafeName.ReplaceAllString(id, "_")+".mp3")
}

func (c *Client) cached(id string) ([]byte, bool) {
	path := c.cachePath(id)
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

func (c *Client) store(id string, data []byte) {
	path := c.cachePath(id)
	if path == "" {
		return
	}
	if err := os.MkdirAll(c.cacheDir, 0700); err != nil {
		log.Warn().Err(err).Str("dir", c.cacheDir).Msg("Failed to create song cache")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to cache song")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to cache song")
	}
}

func withQuery(base, key, value string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact drops the query string, which may carry api keys.
func redact(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
