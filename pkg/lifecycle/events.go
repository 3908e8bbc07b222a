package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/internal/tracing"
	"github.com/harun/wafleet/pkg/pairing"
	"github.com/harun/wafleet/pkg/session"
	"github.com/rs/zerolog/log"
)

// pump drains the mailbox of b until the binding is stopped.
func (m *Manager) pump(b *binding) {
	defer m.pumps.Done()

	for {
		select {
		case <-b.done:
			return
		case <-b.box.signal:
		}

		for _, ev := range b.box.take() {
			if b.stopped() {
				return
			}
			m.handleEvent(b, ev)
		}
	}
}

func (m *Manager) handleEvent(b *binding, ev Event) {
	switch ev.Type {
	case EventMessage:
		m.onMessage(b, ev.Message)
	case EventCall:
		m.onCall(b, ev.Call)
	case EventPairing, EventOpen, EventClosed:
		err := m.run(m.baseCtx, b.key, "event."+string(ev.Type), func(ctx context.Context) error {
			if !m.isCurrent(b) {
				opLogger(ctx).Debug().Str("event", string(ev.Type)).Msg("Ignoring event from replaced connection")
				return nil
			}
			st, _ := m.lookupState(b.key)

			switch ev.Type {
			case EventPairing:
				return m.onPairing(ctx, st, ev.PairingCode)
			case EventOpen:
				return m.onOpen(ctx, st, b, ev.Owner)
			default:
				return m.onClosed(ctx, st, b, ev)
			}
		})
		if err != nil && !errors.Is(err, ErrManagerClosed) {
			log.Error().Err(err).Str("session_key", b.key).Str("event", string(ev.Type)).Msg("Failed to handle connection event")
		}
	default:
		log.Warn().Str("session_key", b.key).Str("event", string(ev.Type)).Msg("Unknown connection event")
	}
}

func (m *Manager) onPairing(ctx context.Context, st *sessionState, code string) error {
	if code == "" {
		return nil
	}
	artifact, err := m.pairing.Put(st.identity, pairing.KindQR, code)
	if err != nil {
		return err
	}
	m.armExpiry(st, artifact)
	observability.RecordPairing(string(pairing.KindQR), "issued")

	m.publish(st.identity, QREvent(st.identity), map[string]interface{}{
		"qr":    artifact.Value,
		"image": artifact.Image,
	})
	opLogger(ctx).Info().Uint64("artifact_id", artifact.ID).Msg("Pairing QR issued")
	return nil
}

func (m *Manager) onOpen(ctx context.Context, st *sessionState, b *binding, owner string) error {
	logger := opLogger(ctx)

	m.clearArtifact(st)
	m.mu.Lock()
	st.owner = owner
	m.mu.Unlock()
	m.setState(st, StateOpen)
	m.publish(st.identity, StatusEvent(st.identity), map[string]interface{}{"status": "connected"})
	logger.Info().Str("owner", owner).Msg("Session connected")

	cfg, generated, err := m.ensureAccessCode(ctx, st.key)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist access code")
		cfg = m.store.Load(st.key)
	}

	if generated {
		observability.RecordAccessCodeGenerated()
		observability.RecordSecurityAudit(ctx, "access_code:generated", st.key, "success", nil)
		m.sendWelcome(ctx, b.handle, owner, cfg)
	}

	m.safeOpen(ctx, m.snapshot(st.key, cfg), b.handle)
	return nil
}

// ensureAccessCode replaces the sentinel access key with a generated code exactly once.
func (m *Manager) ensureAccessCode(ctx context.Context, key string) (session.Config, bool, error) {
	generated := false
	cfg, err := m.store.Update(ctx, key, func(c *session.Config) error {
		if c.HasAccessCode() {
			return errUnchanged
		}
		code, err := generateAccessCode()
		if err != nil {
			return err
		}
		c.AccessKey = code
		generated = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return cfg, false, nil
	}
	if err != nil {
		return session.Config{}, false, err
	}
	return cfg, generated, nil
}

// sendWelcome stops at the first failed send.
func (m *Manager) sendWelcome(ctx context.Context, h Handle, owner string, cfg session.Config) {
	logger := opLogger(ctx)
	if owner == "" {
		logger.Warn().Msg("Connection has no owner, skipping welcome")
		return
	}

	for i, text := range welcomeMessages(cfg) {
		if i > 0 && m.welcomeInterval > 0 {
			select {
			case <-time.After(m.welcomeInterval):
			case <-ctx.Done():
				return
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
		err := h.SendText(sendCtx, owner, text)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Int("message", i+1).Msg("Failed to send welcome message")
			return
		}
	}
	logger.Info().Msg("Welcome messages sent")
}

func (m *Manager) safeOpen(ctx context.Context, s Session, h Handle) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session_key", s.Key).Msg("Open handler panicked")
		}
	}()
	m.dispatcher.HandleOpen(ctx, s, h)
}

func (m *Manager) onClosed(ctx context.Context, st *sessionState, b *binding, ev Event) error {
	logger := opLogger(ctx)

	if ev.LoggedOut {
		err := m.purge(ctx, st)
		m.publish(st.identity, StatusEvent(st.identity), map[string]interface{}{
			"status":    "disconnected",
			"loggedOut": true,
		})
		status := "success"
		if err != nil {
			status = "failure"
		}
		observability.RecordLifecycleAudit(ctx, "logout", st.key, status, map[string]interface{}{"reason": ev.Reason})
		logger.Warn().Str("reason", ev.Reason).Msg("Session logged out, storage purged")
		return err
	}

	m.mu.Lock()
	if st.binding == b {
		st.binding = nil
	}
	m.mu.Unlock()
	b.stop()
	m.registry.Release(st.key, b.handle)
	b.handle.Close()

	m.scheduleRetry(st)
	m.setState(st, StateClosedRetry)
	m.publish(st.identity, StatusEvent(st.identity), map[string]interface{}{"status": "disconnected"})
	logger.Warn().Str("reason", ev.Reason).Dur("retry_in", m.retryDelay).Msg("Connection closed, reconnect scheduled")
	return nil
}

func (m *Manager) onMessage(b *binding, msg *InboundMessage) {
	if msg == nil {
		return
	}
	if outcome, ok := m.admit(b, "message", msg.ID, msg.FromOwner); !ok {
		observability.RecordInbound("message", outcome)
		return
	}
	observability.RecordInbound("message", "dispatched")

	snap := m.snapshot(b.key, m.store.Load(b.key))
	m.dispatch(b.key, "message", func(ctx context.Context) {
		m.dispatcher.HandleMessage(ctx, snap, b.handle, msg)
	})
}

func (m *Manager) onCall(b *binding, call *IncomingCall) {
	if call == nil {
		return
	}
	if outcome, ok := m.admit(b, "call", call.ID, false); !ok {
		observability.RecordInbound("call", outcome)
		return
	}
	observability.RecordInbound("call", "dispatched")

	snap := m.snapshot(b.key, m.store.Load(b.key))
	m.dispatch(b.key, "call", func(ctx context.Context) {
		m.dispatcher.HandleCall(ctx, snap, b.handle, call)
	})
}

// admit applies the inbound gates in order and names the first one that rejects.
// A stopped session still serves its owner.
func (m *Manager) admit(b *binding, kind, id string, fromOwner bool) (string, bool) {
	if !m.isCurrent(b) {
		return "stale", false
	}
	if !m.systemActive.Load() {
		return "system_inactive", false
	}
	if !fromOwner && !m.store.Load(b.key).IsActive {
		return "session_inactive", false
	}
	if id != "" && m.seen.CheckAndMark(b.key+"/"+kind+"/"+id) {
		return "duplicate", false
	}
	return "", true
}

// dispatch runs fn outside the session lane, bounded by the dispatch timeout.
func (m *Manager) dispatch(key, kind string, fn func(ctx context.Context)) {
	if !m.track(&m.dispatches) {
		return
	}

	go func() {
		defer m.dispatches.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("session_key", key).Str("kind", kind).Msg("Inbound handler panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(tracing.NewOperationContext(m.baseCtx, key), m.dispatchTimeout)
		defer cancel()
		fn(ctx)
	}()
}
