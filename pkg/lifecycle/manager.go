package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/internal/tracing"
	"github.com/harun/wafleet/pkg/commandqueue"
	"github.com/harun/wafleet/pkg/dedupe"
	"github.com/harun/wafleet/pkg/pairing"
	"github.com/harun/wafleet/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection state of one session.
type State string

const (
	StateAbsent      State = "absent"
	StateConnecting  State = "connecting"
	StateOpen        State = "open"
	StateClosedRetry State = "closed-retry"
)

const (
	DefaultRetryDelay        = 5 * time.Second
	DefaultWelcomeInterval   = 500 * time.Millisecond
	DefaultSendTimeout       = 15 * time.Second
	DefaultDispatchTimeout   = 2 * time.Minute
	DefaultResumeConcurrency = 4
	DefaultDedupeTTL         = 10 * time.Minute

	// ServerEvent is pushed to every listener when the system flag changes.
	ServerEvent = "server_event"

	tracerName      = "wafleet.lifecycle"
	laneWarnAfterMs = 10000
	dedupeCapacity  = 50000
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrManagerClosed   = errors.New("lifecycle manager closed")
	ErrNotConnected    = errors.New("session not connected")

	errUnchanged = errors.New("unchanged")
)

// QREvent names the push event carrying pairing artifacts for identity.
func QREvent(identity string) string {
	return "qr_" + identity
}

// StatusEvent names the push event carrying connection state for identity.
func StatusEvent(identity string) string {
	return "status_" + identity
}

// Options configures a Manager. Store and Transport are required.
type Options struct {
	Store      *session.Store
	Transport  Transport
	Dispatcher Dispatcher
	Notifier   Notifier
	Clock      Clock
	Pairing    *pairing.Store
	Seen       *dedupe.Cache

	RetryDelay time.Duration
	PairingTTL time.Duration
	// WelcomeInterval separates the welcome messages. Negative disables the pause.
	WelcomeInterval   time.Duration
	SendTimeout       time.Duration
	DispatchTimeout   time.Duration
	ResumeConcurrency int
	DedupeTTL         time.Duration
}

type sessionState struct {
	key      string
	identity string
	owner    string
	state    State
	binding  *binding
	retry    Timer
	retryGen uint64
	expiry   Timer
}

// Manager owns every session's connection and drives its state machine.
type Manager struct {
	store      *session.Store
	transport  Transport
	dispatcher Dispatcher
	notifier   Notifier
	clock      Clock
	pairing    *pairing.Store
	seen       *dedupe.Cache
	ownsSeen   bool
	lanes      *commandqueue.CommandQueue
	registry   *Registry

	retryDelay        time.Duration
	welcomeInterval   time.Duration
	sendTimeout       time.Duration
	dispatchTimeout   time.Duration
	resumeConcurrency int

	mu       sync.Mutex
	sessions map[string]*sessionState

	systemActive atomic.Bool
	closed       atomic.Bool
	gate         sync.RWMutex
	pumps        sync.WaitGroup
	dispatches   sync.WaitGroup
	shutdownOnce sync.Once

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a Manager with system processing enabled.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	observability.EnsureRegistered()

	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = nopDispatcher{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	artifacts := opts.Pairing
	if artifacts == nil {
		artifacts = pairing.NewStore(pairing.StoreOptions{
			TTL:          opts.PairingTTL,
			Now:          clock.Now,
			RenderImages: true,
		})
	}
	seen := opts.Seen
	ownsSeen := false
	if seen == nil {
		ttl := opts.DedupeTTL
		if ttl <= 0 {
			ttl = DefaultDedupeTTL
		}
		seen = dedupe.New(ttl, dedupeCapacity)
		ownsSeen = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:             opts.Store,
		transport:         opts.Transport,
		dispatcher:        dispatcher,
		notifier:          notifier,
		clock:             clock,
		pairing:           artifacts,
		seen:              seen,
		ownsSeen:          ownsSeen,
		lanes:             commandqueue.New(),
		registry:          NewRegistry(),
		retryDelay:        durationOr(opts.RetryDelay, DefaultRetryDelay),
		welcomeInterval:   durationOr(opts.WelcomeInterval, DefaultWelcomeInterval),
		sendTimeout:       durationOr(opts.SendTimeout, DefaultSendTimeout),
		dispatchTimeout:   durationOr(opts.DispatchTimeout, DefaultDispatchTimeout),
		resumeConcurrency: opts.ResumeConcurrency,
		sessions:          make(map[string]*sessionState),
		baseCtx:           ctx,
		cancel:            cancel,
	}
	if m.resumeConcurrency <= 0 {
		m.resumeConcurrency = DefaultResumeConcurrency
	}
	m.systemActive.Store(true)
	return m, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

// Registry exposes the session indexes.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Lanes exposes the per-session operation queue.
func (m *Manager) Lanes() *commandqueue.CommandQueue {
	return m.lanes
}

// Store returns the configuration store the manager persists to.
func (m *Manager) Store() *session.Store {
	return m.store
}

func opLogger(ctx context.Context) *zerolog.Logger {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	return &logger
}

// run executes fn on key's lane unless the manager is closed.
func (m *Manager) run(ctx context.Context, key, op string, fn func(ctx context.Context) error) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return m.runLane(ctx, key, op, fn)
}

func (m *Manager) runLane(ctx context.Context, key, op string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.NewOperationContext(ctx, key)
	ctx, span := tracing.SessionSpan(ctx, tracerName, "lifecycle."+op, key)
	defer span.End()

	_, err := m.lanes.EnqueueWithContext(ctx, key, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	}, &commandqueue.TaskOptions{WarnAfterMs: laneWarnAfterMs})
	if errors.Is(err, commandqueue.ErrClosed) {
		err = ErrManagerClosed
	}
	tracing.FailSpan(span, err)
	return err
}

// track adds one to wg unless the manager is closed.
func (m *Manager) track(wg *sync.WaitGroup) bool {
	m.gate.RLock()
	defer m.gate.RUnlock()
	if m.closed.Load() {
		return false
	}
	wg.Add(1)
	return true
}

func (m *Manager) stateFor(key, identity string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[key]
	if !ok {
		st = &sessionState{key: key, identity: identity, state: StateAbsent}
		m.sessions[key] = st
	}
	if identity != "" {
		st.identity = identity
	}
	return st
}

func (m *Manager) lookupState(key string) (*sessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[key]
	return st, ok
}

func (m *Manager) setState(st *sessionState, state State) {
	m.mu.Lock()
	st.state = state
	counts := m.countsLocked()
	m.mu.Unlock()

	observability.RecordTransition(string(state))
	observability.SetSessionStates(counts)
}

func (m *Manager) countsLocked() map[string]int {
	counts := make(map[string]int, 4)
	for _, st := range m.sessions {
		counts[string(st.state)]++
	}
	return counts
}

// known reports whether key is tracked in memory or persisted on disk.
func (m *Manager) known(key string) bool {
	if _, ok := m.lookupState(key); ok {
		return true
	}
	return m.registry.Known(key) || m.store.Exists(key)
}

func (m *Manager) publish(identity, event string, data map[string]interface{}) {
	m.notifier.Publish(identity, event, data)
}

// Start (re)connects the session of identity. Any registered connection is closed first.
func (m *Manager) Start(ctx context.Context, identity, displayName string) (string, error) {
	key, err := session.KeyFromIdentity(identity)
	if err != nil {
		return "", err
	}
	identity = session.NormalizeIdentity(identity)

	err = m.run(ctx, key, "start", func(ctx context.Context) error {
		return m.start(ctx, key, identity, strings.TrimSpace(displayName))
	})
	return key, err
}

// Ensure starts the session of identity unless a connection is already registered, in which
// case only the display name is updated. It reports whether the session was already active.
func (m *Manager) Ensure(ctx context.Context, identity, displayName string) (string, bool, error) {
	key, err := session.KeyFromIdentity(identity)
	if err != nil {
		return "", false, err
	}
	identity = session.NormalizeIdentity(identity)
	displayName = strings.TrimSpace(displayName)

	active := false
	err = m.run(ctx, key, "ensure", func(ctx context.Context) error {
		if _, live := m.registry.Lookup(key); !live {
			return m.start(ctx, key, identity, displayName)
		}
		active = true
		cfg, err := m.prepareConfig(ctx, key, displayName)
		if err != nil {
			return err
		}
		m.registry.Index(key, identity, cfg.BotName)
		return nil
	})
	return key, active, err
}

// start runs on key's lane.
func (m *Manager) start(ctx context.Context, key, identity, displayName string) error {
	logger := opLogger(ctx)
	if m.closed.Load() {
		return ErrManagerClosed
	}

	st := m.stateFor(key, identity)
	m.cancelRetry(st)
	if m.teardown(st) {
		logger.Warn().Msg("Killed previous connection before restart")
	}

	cfg, err := m.prepareConfig(ctx, key, displayName)
	if err != nil {
		return err
	}
	m.registry.Index(key, identity, cfg.BotName)

	m.setState(st, StateConnecting)
	m.publish(identity, StatusEvent(identity), map[string]interface{}{"status": "connecting"})

	b := newBinding(key, identity)
	handle, err := m.transport.Connect(ctx, ConnectRequest{
		Key:            key,
		Identity:       identity,
		CredentialsDir: m.store.CredentialsDir(key),
	}, b.deliver)
	if err != nil {
		b.stop()
		logger.Error().Err(err).Msg("Failed to connect session")
		m.scheduleRetry(st)
		m.setState(st, StateClosedRetry)
		return fmt.Errorf("failed to connect %s: %w", key, err)
	}
	b.handle = handle

	if !m.track(&m.pumps) {
		b.stop()
		handle.Close()
		return ErrManagerClosed
	}
	if prev := m.registry.Register(key, handle); prev != nil && prev != handle {
		logger.Warn().Msg("Registry held a stale handle, closing it")
		prev.Close()
	}
	m.mu.Lock()
	st.binding = b
	m.mu.Unlock()
	go m.pump(b)

	logger.Info().Str("identity", identity).Str("bot_name", cfg.BotName).Msg("Session connecting")
	return nil
}

// prepareConfig persists the config of key if it is not on disk yet and applies a new
// display name as the bot name.
func (m *Manager) prepareConfig(ctx context.Context, key, displayName string) (session.Config, error) {
	if m.store.Exists(key) {
		cfg := m.store.Load(key)
		if displayName == "" || cfg.BotName == displayName {
			return cfg, nil
		}
	}
	return m.store.Update(ctx, key, func(c *session.Config) error {
		if displayName == "" {
			return nil
		}
		_, err := c.Apply("botName", displayName)
		return err
	})
}

// teardown detaches and closes whatever connection key has. Runs on key's lane.
func (m *Manager) teardown(st *sessionState) bool {
	m.mu.Lock()
	b := st.binding
	st.binding = nil
	m.mu.Unlock()

	closed := false
	if b != nil {
		b.stop()
		if b.handle != nil {
			m.registry.Release(st.key, b.handle)
			b.handle.Close()
			closed = true
		}
	}
	if h, ok := m.registry.Lookup(st.key); ok {
		m.registry.Release(st.key, h)
		h.Close()
		closed = true
	}
	return closed
}

func (m *Manager) isCurrent(b *binding) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[b.key]
	return ok && st.binding == b
}

func (m *Manager) scheduleRetry(st *sessionState) {
	m.mu.Lock()
	if st.retry != nil {
		st.retry.Stop()
	}
	st.retryGen++
	gen := st.retryGen
	key := st.key
	st.retry = m.clock.AfterFunc(m.retryDelay, func() {
		m.fireRetry(key, gen)
	})
	m.mu.Unlock()

	observability.RecordRetry("scheduled")
}

func (m *Manager) cancelRetry(st *sessionState) bool {
	m.mu.Lock()
	cancelled := false
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
		st.retryGen++
		cancelled = true
	}
	m.mu.Unlock()

	if cancelled {
		observability.RecordRetry("cancelled")
	}
	return cancelled
}

func (m *Manager) retryPending(st *sessionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.retry != nil
}

func (m *Manager) fireRetry(key string, gen uint64) {
	err := m.run(m.baseCtx, key, "retry", func(ctx context.Context) error {
		logger := opLogger(ctx)

		m.mu.Lock()
		st, ok := m.sessions[key]
		current := ok && st.retryGen == gen && st.retry != nil
		if current {
			st.retry = nil
		}
		m.mu.Unlock()

		if !current {
			observability.RecordRetry("skipped")
			logger.Debug().Msg("Dropping superseded reconnect")
			return nil
		}
		if !m.store.Exists(key) {
			observability.RecordRetry("skipped")
			logger.Info().Msg("Session storage is gone, not reconnecting")
			m.setState(st, StateAbsent)
			return nil
		}
		if !m.store.Load(key).IsActive {
			observability.RecordRetry("skipped")
			logger.Info().Msg("Session is stopped, not reconnecting")
			m.setState(st, StateAbsent)
			return nil
		}
		if _, live := m.registry.Lookup(key); live {
			observability.RecordRetry("skipped")
			logger.Debug().Msg("Session already reconnected")
			return nil
		}

		observability.RecordRetry("started")
		logger.Info().Msg("Reconnecting session")
		return m.start(ctx, key, st.identity, "")
	})
	if err != nil && !errors.Is(err, ErrManagerClosed) {
		log.Error().Err(err).Str("session_key", key).Msg("Reconnect failed")
	}
}

func (m *Manager) armExpiry(st *sessionState, artifact pairing.Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.expiry != nil {
		st.expiry.Stop()
	}
	key, identity := st.key, st.identity
	st.expiry = m.clock.AfterFunc(m.pairing.TTL(), func() {
		m.expireArtifact(key, identity, artifact.ID, artifact.Kind)
	})
}

func (m *Manager) clearArtifact(st *sessionState) {
	m.mu.Lock()
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	identity := st.identity
	m.mu.Unlock()

	m.pairing.Clear(identity)
}

func (m *Manager) expireArtifact(key, identity string, id uint64, kind pairing.Kind) {
	err := m.run(m.baseCtx, key, "pairing.expire", func(ctx context.Context) error {
		if !m.pairing.ExpireIf(identity, id) {
			opLogger(ctx).Debug().Uint64("artifact_id", id).Msg("Pairing artifact already replaced")
			return nil
		}
		observability.RecordPairing(string(kind), "expired")
		m.publish(identity, QREvent(identity), map[string]interface{}{"expired": true})
		opLogger(ctx).Info().Uint64("artifact_id", id).Msg("Pairing artifact expired")
		return nil
	})
	if err != nil && !errors.Is(err, ErrManagerClosed) {
		log.Error().Err(err).Str("session_key", key).Msg("Failed to expire pairing artifact")
	}
}

// purge removes every trace of a session. Runs on key's lane.
func (m *Manager) purge(ctx context.Context, st *sessionState) error {
	m.cancelRetry(st)
	m.clearArtifact(st)
	m.teardown(st)
	m.registry.Remove(st.key)

	err := m.store.Delete(ctx, st.key)

	m.mu.Lock()
	delete(m.sessions, st.key)
	counts := m.countsLocked()
	m.mu.Unlock()
	observability.RecordTransition(string(StateAbsent))
	observability.SetSessionStates(counts)

	if m.lanes.GetQueueSize(st.key) == 0 {
		m.lanes.DropLane(st.key)
	}
	return err
}

// Stop deactivates the session: non-owner messages are ignored and a pending reconnect is
// cancelled. The connection stays up.
func (m *Manager) Stop(ctx context.Context, key string) error {
	if err := session.ValidateKey(key); err != nil {
		return err
	}
	return m.run(ctx, key, "stop", func(ctx context.Context) error {
		if !m.known(key) {
			return ErrSessionNotFound
		}
		if _, err := m.store.Update(ctx, key, func(c *session.Config) error {
			c.IsActive = false
			return nil
		}); err != nil {
			return err
		}

		identity, _ := session.IdentityFromKey(key)
		st := m.stateFor(key, identity)
		if m.cancelRetry(st) {
			if _, live := m.registry.Lookup(key); !live {
				m.setState(st, StateAbsent)
			}
		}

		observability.RecordLifecycleAudit(ctx, "stop", key, "success", nil)
		opLogger(ctx).Info().Msg("Session stopped")
		return nil
	})
}

// Restore reactivates the session and connects it if nothing is connected or pending.
func (m *Manager) Restore(ctx context.Context, key string) error {
	if err := session.ValidateKey(key); err != nil {
		return err
	}
	return m.run(ctx, key, "restore", func(ctx context.Context) error {
		if !m.known(key) {
			return ErrSessionNotFound
		}
		if _, err := m.store.Update(ctx, key, func(c *session.Config) error {
			c.IsActive = true
			return nil
		}); err != nil {
			return err
		}
		observability.RecordLifecycleAudit(ctx, "restore", key, "success", nil)
		opLogger(ctx).Info().Msg("Session restored")

		identity, _ := session.IdentityFromKey(key)
		st := m.stateFor(key, identity)
		if _, live := m.registry.Lookup(key); live || m.retryPending(st) {
			return nil
		}
		return m.start(ctx, key, st.identity, "")
	})
}

// Wipe closes the session's connection and deletes its config and credentials.
func (m *Manager) Wipe(ctx context.Context, key string) error {
	if err := session.ValidateKey(key); err != nil {
		return err
	}
	return m.run(ctx, key, "wipe", func(ctx context.Context) error {
		if !m.known(key) {
			return ErrSessionNotFound
		}
		identity, _ := session.IdentityFromKey(key)
		st := m.stateFor(key, identity)

		err := m.purge(ctx, st)
		status := "success"
		if err != nil {
			status = "failure"
		}
		observability.RecordLifecycleAudit(ctx, "wipe", key, status, nil)
		m.publish(st.identity, StatusEvent(st.identity), map[string]interface{}{
			"status": "disconnected",
			"wiped":  true,
		})
		opLogger(ctx).Info().Msg("Session wiped")
		return err
	})
}

// ApplySetting changes one user setting and applies its live effect.
func (m *Manager) ApplySetting(ctx context.Context, key, name string, value interface{}) (session.Config, error) {
	if err := session.ValidateKey(key); err != nil {
		return session.Config{}, err
	}

	var cfg session.Config
	err := m.run(ctx, key, "setting", func(ctx context.Context) error {
		if !m.known(key) {
			return ErrSessionNotFound
		}

		var field string
		updated, err := m.store.Update(ctx, key, func(c *session.Config) error {
			f, err := c.Apply(name, value)
			field = f
			return err
		})
		if err != nil {
			return err
		}
		cfg = updated

		switch field {
		case "ghostMode":
			if h, live := m.registry.Lookup(key); live {
				if err := h.SetPresence(ctx, !cfg.GhostMode); err != nil {
					opLogger(ctx).Warn().Err(err).Msg("Failed to update presence")
				}
			}
		case "botName":
			m.registry.Index(key, "", cfg.BotName)
		}

		observability.RecordConfigAudit(ctx, "setting:"+field, key, map[string]interface{}{"value": value})
		return nil
	})
	return cfg, err
}

// RequestPairingCode asks the live connection of identity for a phone pairing code.
func (m *Manager) RequestPairingCode(ctx context.Context, identity string) (string, error) {
	key, err := session.KeyFromIdentity(identity)
	if err != nil {
		return "", err
	}
	identity = session.NormalizeIdentity(identity)

	var code string
	err = m.run(ctx, key, "pair", func(ctx context.Context) error {
		h, live := m.registry.Lookup(key)
		if !live {
			return ErrNotConnected
		}
		c, err := h.PairPhone(ctx, identity)
		if err != nil {
			return fmt.Errorf("failed to request pairing code: %w", err)
		}
		code = c

		artifact, err := m.pairing.Put(identity, pairing.KindCode, c)
		if err != nil {
			return err
		}
		m.armExpiry(m.stateFor(key, identity), artifact)
		observability.RecordPairing(string(pairing.KindCode), "issued")
		m.publish(identity, QREvent(identity), map[string]interface{}{"code": c})
		return nil
	})
	return code, err
}

// SetSystemActive flips the process-wide inbound processing switch.
func (m *Manager) SetSystemActive(active bool) {
	prev := m.systemActive.Swap(active)
	if prev == active {
		return
	}

	msg := "⛔ System lockdown"
	if active {
		msg = "✅ System restored"
	}
	log.Info().Bool("active", active).Msg("System processing switched")
	m.publish("", ServerEvent, map[string]interface{}{"msg": msg, "active": active})
}

// SystemActive reports whether inbound processing is enabled.
func (m *Manager) SystemActive() bool {
	return m.systemActive.Load()
}

// Resume indexes every stored session and connects the active ones.
func (m *Manager) Resume(ctx context.Context) error {
	keys, err := m.store.Keys()
	if err != nil {
		return err
	}

	sem := make(chan struct{}, m.resumeConcurrency)
	var wg sync.WaitGroup
	var started atomic.Int32

	for _, key := range keys {
		identity, err := session.IdentityFromKey(key)
		if err != nil {
			continue
		}
		cfg := m.store.Load(key)
		m.registry.Index(key, identity, cfg.BotName)

		if !cfg.IsActive {
			err := m.run(ctx, key, "index", func(ctx context.Context) error {
				m.stateFor(key, identity)
				return nil
			})
			if err != nil {
				return err
			}
			log.Info().Str("session_key", key).Msg("Session stopped, indexed without connecting")
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(key, identity string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := m.run(ctx, key, "resume", func(ctx context.Context) error {
				if _, live := m.registry.Lookup(key); live {
					return nil
				}
				return m.start(ctx, key, identity, "")
			})
			if err != nil {
				log.Error().Err(err).Str("session_key", key).Msg("Failed to resume session")
				return
			}
			started.Add(1)
		}(key, identity)
	}
	wg.Wait()

	log.Info().Int("stored", len(keys)).Int32("started", started.Load()).Msg("Sessions resumed")
	return nil
}

// Shutdown closes every connection and stops all timers. Configs and credentials are kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.gate.Lock()
		m.closed.Store(true)
		m.gate.Unlock()

		for _, key := range m.trackedKeys() {
			_ = m.runLane(ctx, key, "shutdown", func(ctx context.Context) error {
				m.close(key)
				return nil
			})
		}
		_ = m.lanes.Close()
		for _, key := range m.trackedKeys() {
			m.close(key)
		}

		done := make(chan struct{})
		go func() {
			m.pumps.Wait()
			m.dispatches.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			log.Warn().Err(err).Msg("Timed out waiting for session work to finish")
		}

		m.cancel()
		if m.ownsSeen {
			m.seen.Close()
		}
		log.Info().Msg("Lifecycle manager stopped")
	})
	return err
}

func (m *Manager) close(key string) {
	st, ok := m.lookupState(key)
	if !ok {
		return
	}
	m.cancelRetry(st)
	m.mu.Lock()
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	m.mu.Unlock()
	if m.teardown(st) {
		m.setState(st, StateAbsent)
	}
}

func (m *Manager) trackedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Status reports "connected" when the session of identity is open and "waiting" otherwise.
func (m *Manager) Status(identity string) string {
	key, err := session.KeyFromIdentity(identity)
	if err != nil {
		return "waiting"
	}
	if m.State(key) == StateOpen {
		return "connected"
	}
	return "waiting"
}

// State returns the connection state of key.
func (m *Manager) State(key string) State {
	st, ok := m.lookupState(key)
	if !ok {
		return StateAbsent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.state
}

// PairingArtifact returns the live pairing artifact of identity.
func (m *Manager) PairingArtifact(identity string) (pairing.Artifact, error) {
	return m.pairing.Get(session.NormalizeIdentity(identity))
}

// Config returns the stored config of key.
func (m *Manager) Config(key string) (session.Config, error) {
	if err := session.ValidateKey(key); err != nil {
		return session.Config{}, err
	}
	if !m.known(key) {
		return session.Config{}, ErrSessionNotFound
	}
	return m.store.Load(key), nil
}

// Handle returns the live connection of key.
func (m *Manager) Handle(key string) (Handle, bool) {
	return m.registry.Lookup(key)
}

// ResolveDisplayName maps a bot name to its session key.
func (m *Manager) ResolveDisplayName(name string) (string, bool) {
	return m.registry.LookupByDisplayName(strings.TrimSpace(name))
}

// ResolveIdentity maps an external identity to its session key.
func (m *Manager) ResolveIdentity(identity string) (string, bool) {
	digits := session.NormalizeIdentity(identity)
	if key, ok := m.registry.LookupByExternalIdentity(digits); ok {
		return key, true
	}
	key, err := session.KeyFromIdentity(digits)
	if err != nil {
		return "", false
	}
	if m.store.Exists(key) {
		return key, true
	}
	return "", false
}

// Session returns a snapshot of key.
func (m *Manager) Session(key string) (Session, error) {
	if !m.known(key) {
		return Session{}, ErrSessionNotFound
	}
	return m.snapshot(key, m.store.Load(key)), nil
}

// Sessions returns a snapshot of every tracked or stored session, sorted by key.
func (m *Manager) Sessions() []Session {
	seen := make(map[string]struct{})
	for _, key := range m.trackedKeys() {
		seen[key] = struct{}{}
	}
	for _, key := range m.registry.Keys() {
		seen[key] = struct{}{}
	}
	if stored, err := m.store.Keys(); err == nil {
		for _, key := range stored {
			seen[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Session, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.snapshot(key, m.store.Load(key)))
	}
	return out
}

// Counts returns the number of tracked sessions per state.
func (m *Manager) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

func (m *Manager) snapshot(key string, cfg session.Config) Session {
	identity, _ := session.IdentityFromKey(key)
	s := Session{
		Key:         key,
		Identity:    identity,
		DisplayName: m.registry.DisplayName(key),
		State:       StateAbsent,
		Config:      cfg,
	}
	if s.DisplayName == "" {
		s.DisplayName = cfg.BotName
	}

	m.mu.Lock()
	if st, ok := m.sessions[key]; ok {
		s.State = st.state
		s.Owner = st.owner
		s.RetryPending = st.retry != nil
	}
	m.mu.Unlock()
	return s
}

func generateAccessCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", fmt.Errorf("failed to generate access code: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+1000), nil
}
