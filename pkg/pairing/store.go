package pairing

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
)

// DefaultTTL is how long an artifact stays valid after it was issued.
const DefaultTTL = 5 * time.Minute

const qrImageSize = 256

var ErrArtifactNotFound = errors.New("pairing artifact not found")

// Kind distinguishes QR payloads from numeric phone pairing codes.
type Kind string

const (
	KindQR   Kind = "qr"
	KindCode Kind = "code"
)

// Artifact is one issued pairing value.
type Artifact struct {
	ID        uint64    `json:"id"`
	Identity  string    `json:"identity"`
	Kind      Kind      `json:"kind"`
	Value     string    `json:"value"`
	Image     string    `json:"image,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StoreOptions configures a Store.
type StoreOptions struct {
	TTL time.Duration
	Now func() time.Time
	// RenderImages attaches a PNG data URL to QR artifacts.
	RenderImages bool
}

// Store keeps the current artifact per identity in memory.
type Store struct {
	mu        sync.Mutex
	seq       uint64
	artifacts map[string]Artifact
	ttl       time.Duration
	now       func() time.Time
	render    bool
}

// NewStore creates an empty artifact store.
func NewStore(opts StoreOptions) *Store {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		artifacts: make(map[string]Artifact),
		ttl:       ttl,
		now:       now,
		render:    opts.RenderImages,
	}
}

// TTL returns the validity window of new artifacts.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Put replaces the artifact of identity with a new one and returns it.
func (s *Store) Put(identity string, kind Kind, value string) (Artifact, error) {
	var image string
	if kind == KindQR && s.render {
		var err error
		image, err = DataURL(value)
		if err != nil {
			return Artifact{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	issued := s.now()
	artifact := Artifact{
		ID:        s.seq,
		Identity:  identity,
		Kind:      kind,
		Value:     value,
		Image:     image,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(s.ttl),
	}
	s.artifacts[identity] = artifact
	return artifact, nil
}

// Get returns the live artifact of identity.
func (s *Store) Get(identity string) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, ok := s.artifacts[identity]
	if !ok {
		return Artifact{}, ErrArtifactNotFound
	}
	if !s.now().Before(artifact.ExpiresAt) {
		delete(s.artifacts, identity)
		return Artifact{}, ErrArtifactNotFound
	}
	return artifact, nil
}

// ExpireIf clears the artifact of identity only if it is still the one with id.
// It reports whether anything was cleared.
func (s *Store) ExpireIf(identity string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, ok := s.artifacts[identity]
	if !ok || artifact.ID != id {
		return false
	}
	delete(s.artifacts, identity)
	return true
}

// Clear drops whatever artifact identity has.
func (s *Store) Clear(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.artifacts[identity]
	delete(s.artifacts, identity)
	return ok
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// DataURL renders content as a QR code PNG data URL.
func DataURL(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
