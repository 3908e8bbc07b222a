package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/internal/tracing"
	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/pairing"
	"github.com/harun/wafleet/pkg/session"
)

const maxBodyBytes = 64 << 10

// Controller is the lifecycle surface the gateway drives. *lifecycle.Manager implements it.
type Controller interface {
	Ensure(ctx context.Context, identity, displayName string) (string, bool, error)
	Stop(ctx context.Context, key string) error
	Restore(ctx context.Context, key string) error
	Wipe(ctx context.Context, key string) error
	ApplySetting(ctx context.Context, key, name string, value interface{}) (session.Config, error)
	RequestPairingCode(ctx context.Context, identity string) (string, error)
	SetSystemActive(active bool)
	SystemActive() bool

	Status(identity string) string
	PairingArtifact(identity string) (pairing.Artifact, error)
	Config(key string) (session.Config, error)
	Handle(key string) (lifecycle.Handle, bool)
	ResolveDisplayName(name string) (string, bool)
	ResolveIdentity(identity string) (string, bool)
	Session(key string) (lifecycle.Session, error)
	Sessions() []lifecycle.Session
	Counts() map[string]int
}

// SongSender delivers a requested song to a session's owner.
type SongSender interface {
	SendSong(ctx context.Context, s lifecycle.Session, h lifecycle.Handle, query string) error
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(msg string) map[string]interface{} {
	return map[string]interface{}{"status": "error", "msg": msg}
}

func decodeBody(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeJSON(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
	return false
}

// statusFor maps lifecycle and session errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadAccessCode):
		return http.StatusUnauthorized
	case errors.Is(err, errInvalidParams),
		errors.Is(err, session.ErrInvalidIdentity),
		errors.Is(err, session.ErrInvalidKey),
		errors.Is(err, session.ErrInvalidSetting):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSettingNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleStart serves GET /api/start?id&name.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	name := r.URL.Query().Get("name")

	key, active, err := s.controller.Ensure(r.Context(), id, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("identity", session.NormalizeIdentity(id)).Msg("Start request failed")
		writeJSON(w, statusFor(err), errorBody(err.Error()))
		return
	}

	body := map[string]interface{}{"status": "ok", "key": key}
	if active {
		body["msg"] = "Active"
	}
	writeJSON(w, http.StatusOK, body)
}

// handleQR serves GET /api/qr?id.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	artifact, err := s.controller.PairingArtifact(r.URL.Query().Get("id"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"qr": nil})
		return
	}

	body := map[string]interface{}{
		"qr":        artifact.Value,
		"kind":      artifact.Kind,
		"expiresAt": artifact.ExpiresAt,
	}
	if artifact.Image != "" {
		body["image"] = artifact.Image
	}
	writeJSON(w, http.StatusOK, body)
}

// handleStatus serves GET /api/status?id.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": s.controller.Status(r.URL.Query().Get("id"))})
}

// handlePair serves GET /api/pair?id.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	code, err := s.controller.RequestPairingCode(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		msg := "Retry"
		if errors.Is(err, lifecycle.ErrNotConnected) || errors.Is(err, lifecycle.ErrSessionNotFound) {
			msg = "Session Not Found"
		}
		s.logger.Warn().Err(err).Msg("Pairing code request failed")
		status := statusFor(err)
		if status == http.StatusConflict {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]interface{}{"status": "error", "error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": code})
}

// handleLogin serves POST /api/user/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ip := remoteIP(r)
	if !s.loginLimiter.Allow(ip) {
		observability.RecordSecurityAudit(r.Context(), "login", "http:"+ip, "rate_limited", nil)
		writeJSON(w, http.StatusTooManyRequests, errorBody("Too many attempts, slow down"))
		return
	}

	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	if s.auth.SecretMatches(req.AccessKey) {
		observability.RecordSecurityAudit(r.Context(), "login:god", "http:"+ip, "success", nil)
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "mode": "god"})
		return
	}

	key, cfg, err := s.authorizeUser(req.BotName, req.AccessKey)
	if err != nil {
		observability.RecordSecurityAudit(r.Context(), "login:user", "http:"+ip, "failure", map[string]interface{}{"bot_name": req.BotName})
		writeJSON(w, statusFor(err), errorBody(userAuthMessage(err)))
		return
	}

	observability.RecordSecurityAudit(r.Context(), "login:user", "http:"+ip, "success", map[string]interface{}{"session_key": key})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "mode": "user", "config": cfg})
}

var errBadAccessCode = errors.New("invalid access code")

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authorizeUser checks botName and accessKey against the stored config. The sentinel code
// never authorizes.
func (s *Server) authorizeUser(botName, accessKey string) (string, session.Config, error) {
	key, ok := s.controller.ResolveDisplayName(botName)
	if !ok {
		return "", session.Config{}, lifecycle.ErrSessionNotFound
	}
	cfg, err := s.controller.Config(key)
	if err != nil {
		return "", session.Config{}, err
	}
	if !cfg.HasAccessCode() || accessKey == session.SentinelAccessKey || !constantTimeEqual(cfg.AccessKey, accessKey) {
		return "", session.Config{}, errBadAccessCode
	}
	return key, cfg, nil
}

func userAuthMessage(err error) string {
	if errors.Is(err, lifecycle.ErrSessionNotFound) {
		return "Bot Not Found"
	}
	if errors.Is(err, errBadAccessCode) {
		return "Invalid Code"
	}
	return err.Error()
}

// handleGodExecute serves POST /api/god/execute.
func (s *Server) handleGodExecute(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req GodRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	ctx := r.Context()
	actor := actorFromContext(ctx, remoteIP(r))
	meta := map[string]interface{}{"target": req.Target}

	if !s.auth.SecretMatches(req.Password) {
		observability.RecordSecurityAudit(ctx, "god:"+req.Action, actor, "denied", meta)
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}

	msg, err := s.execute(ctx, req.Action, req.Target)
	if err != nil {
		observability.RecordSecurityAudit(ctx, "god:"+req.Action, actor, "failure", meta)
		writeJSON(w, statusFor(err), errorBody(godErrorMessage(err)))
		return
	}

	observability.RecordSecurityAudit(ctx, "god:"+req.Action, actor, "success", meta)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "msg": msg})
}

func godErrorMessage(err error) string {
	if errors.Is(err, lifecycle.ErrSessionNotFound) {
		return "Bot Not Found"
	}
	return err.Error()
}

// execute runs one administrative action. It is shared by the HTTP endpoint and the RPC methods.
func (s *Server) execute(ctx context.Context, action, target string) (string, error) {
	switch action {
	case ActionGlobalShutdown:
		s.controller.SetSystemActive(false)
		return "All sessions sleeping", nil
	case ActionGlobalRestore:
		s.controller.SetSystemActive(true)
		return "All sessions active", nil
	case ActionShutdownBot, ActionRestoreBot, ActionWipeTraces:
	default:
		return "", fmt.Errorf("%w: unknown action %q", errInvalidParams, action)
	}

	key, ok := s.resolveTarget(target)
	if !ok {
		return "", lifecycle.ErrSessionNotFound
	}

	switch action {
	case ActionShutdownBot:
		if err := s.controller.Stop(ctx, key); err != nil {
			return "", err
		}
		return fmt.Sprintf("Bot %s sleeping", target), nil
	case ActionRestoreBot:
		if err := s.controller.Restore(ctx, key); err != nil {
			return "", err
		}
		return fmt.Sprintf("Bot %s active", target), nil
	default:
		if err := s.controller.Wipe(ctx, key); err != nil {
			return "", err
		}
		return "Traces wiped", nil
	}
}

// resolveTarget accepts an identity or a bot name.
func (s *Server) resolveTarget(target string) (string, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", false
	}
	if key, ok := s.controller.ResolveIdentity(target); ok {
		return key, true
	}
	return s.controller.ResolveDisplayName(target)
}

// handleUserCommand serves POST /api/user/command.
func (s *Server) handleUserCommand(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	ctx := r.Context()
	var key string
	if s.auth.SecretMatches(req.AccessKey) {
		k, ok := s.controller.ResolveDisplayName(req.BotName)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody("Session Lost. Restart."))
			return
		}
		key = k
	} else {
		k, _, err := s.authorizeUser(req.BotName, req.AccessKey)
		if err != nil {
			if errors.Is(err, lifecycle.ErrSessionNotFound) {
				writeJSON(w, http.StatusNotFound, errorBody("Session Lost. Restart."))
				return
			}
			writeJSON(w, http.StatusUnauthorized, errorBody("Auth Failed"))
			return
		}
		key = k
	}

	switch req.Type {
	case "setting":
		name, _ := req.Payload["key"].(string)
		value, present := req.Payload["value"]
		if name == "" || !present {
			writeJSON(w, http.StatusBadRequest, errorBody("payload needs key and value"))
			return
		}
		cfg, err := s.controller.ApplySetting(ctx, key, name, value)
		if err != nil {
			writeJSON(w, statusFor(err), errorBody(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "config": cfg})

	case "song":
		query, _ := req.Payload["query"].(string)
		if strings.TrimSpace(query) == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("payload needs query"))
			return
		}
		if s.songs == nil {
			writeJSON(w, http.StatusNotImplemented, errorBody("song downloads are not configured"))
			return
		}
		h, live := s.controller.Handle(key)
		if !live {
			writeJSON(w, http.StatusConflict, errorBody("Bot is not connected"))
			return
		}
		snap, err := s.controller.Session(key)
		if err != nil {
			writeJSON(w, statusFor(err), errorBody(err.Error()))
			return
		}
		if err := s.songs.SendSong(ctx, snap, h, query); err != nil {
			logger := tracing.LoggerFromContext(ctx, s.logger)
			logger.Warn().Err(err).Str("session_key", key).Msg("Song request failed")
			writeJSON(w, http.StatusBadGateway, errorBody("Song Download Failed"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success"})

	default:
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("unknown command type %q", req.Type)))
	}
}

// handleSessions serves GET /api/sessions for administrators.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.auth.SecretMatches(r.Header.Get(SecretHeader)) {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "success",
		"systemActive": s.controller.SystemActive(),
		"sessions":     s.controller.Sessions(),
	})
}

// handleServerStats serves GET /api/server-stats.
func (s *Server) handleServerStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) stats() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startedAt).Round(time.Second)
	return map[string]interface{}{
		"status":        "ok",
		"uptime":        uptime.String(),
		"uptimeSeconds": int64(uptime.Seconds()),
		"systemActive":  s.controller.SystemActive(),
		"sessions":      s.controller.Counts(),
		"goroutines":    runtime.NumGoroutine(),
		"memoryBytes":   mem.Alloc,
		"pushClients":   s.clients.Count(),
	}
}
