// Package gateway serves the HTTP control API and the websocket push channel of wafleet.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/internal/tracing"
	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	// SecretHeader carries the administrative secret on HTTP requests.
	SecretHeader = "X-Wafleet-Secret"

	DefaultLoginRatePerMinute = 10

	writeWait       = 10 * time.Second
	maxMessageBytes = 16 << 10
)

// Server is the control API and push server.
type Server struct {
	host           string
	port           int
	tickInterval   time.Duration
	allowedOrigins []string
	startedAt      time.Time

	server       *http.Server
	handler      http.Handler
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	router       *RPCRouter
	auth         *AuthHandler
	broadcaster  *EventBroadcaster
	loginLimiter *IPRateLimiter
	controller   Controller
	songs        SongSender
	logger       zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	TickInterval time.Duration
	// AllowedOrigins lists browser origins allowed by CORS and the websocket upgrade.
	// "*" allows any origin.
	AllowedOrigins     []string
	LoginRatePerMinute int
	Controller         Controller
	Songs              SongSender
	// Broadcaster lets the lifecycle manager publish before the server exists. A new one is
	// created when nil.
	Broadcaster *EventBroadcaster
	Logger      zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.LoginRatePerMinute == 0 {
		cfg.LoginRatePerMinute = DefaultLoginRatePerMinute
	}

	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewEventBroadcaster(NewClientRegistry(), cfg.Logger)
	}

	s := &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		tickInterval:   cfg.TickInterval,
		allowedOrigins: cfg.AllowedOrigins,
		startedAt:      time.Now(),
		clients:        broadcaster.clients,
		router:         NewRPCRouter(),
		auth:           NewAuthHandler(cfg.SharedSecret),
		broadcaster:    broadcaster,
		loginLimiter:   NewIPRateLimiter(cfg.LoginRatePerMinute),
		controller:     cfg.Controller,
		songs:          cfg.Songs,
		logger:         cfg.Logger.With().Str("component", "gateway").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	s.registerBuiltinMethods()
	s.handler = s.routes()

	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start", s.instrument("/api/start", s.handleStart))
	mux.HandleFunc("/api/qr", s.instrument("/api/qr", s.handleQR))
	mux.HandleFunc("/api/status", s.instrument("/api/status", s.handleStatus))
	mux.HandleFunc("/api/pair", s.instrument("/api/pair", s.handlePair))
	mux.HandleFunc("/api/user/login", s.instrument("/api/user/login", s.handleLogin))
	mux.HandleFunc("/api/god/execute", s.instrument("/api/god/execute", s.handleGodExecute))
	mux.HandleFunc("/api/user/command", s.instrument("/api/user/command", s.handleUserCommand))
	mux.HandleFunc("/api/sessions", s.instrument("/api/sessions", s.handleSessions))
	mux.HandleFunc("/api/server-stats", s.instrument("/api/server-stats", s.handleServerStats))
	mux.HandleFunc("/rpc", s.instrument("/rpc", s.handleRPC))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})
	return s.withCORS(mux)
}

// Handler returns the HTTP handler of every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Notifier returns the lifecycle event sink backed by the push channel.
func (s *Server) Notifier() lifecycle.Notifier {
	return s.broadcaster
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.BroadcastTyped(EventMessage{
					Event:  "tick",
					Stream: StreamTypeLifecycle,
					Data: map[string]interface{}{
						"status":       "alive",
						"systemActive": s.controller.SystemActive(),
					},
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    remoteIP(r),
		RateLimiter:  NewClientRateLimiter(),
		State:        StateConnecting,
	}

	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", client.IPAddress).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge offers the client a challenge. Answering it with the administrative
// secret upgrades the client to receive every event and call RPC methods.
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.sendError(client, "", ParseError, "Parse error")
		return
	}

	switch msg.Method {
	case "auth.response":
		s.handleAuthMessage(client, msg.Signature)
		return
	case "subscribe":
		s.handleSubscribe(client, msg.Identity)
		return
	case "unsubscribe":
		s.clients.Unsubscribe(client.ID, session.NormalizeIdentity(msg.Identity))
		return
	}

	if !s.clients.IsAuthenticated(client.ID) {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	allowed, reason := client.RateLimiter.CheckRequestAllowed()
	if !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}

	client.RateLimiter.RecordRequestStart()
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		ctx := withClientID(tracing.NewRequestContext(context.Background()), client.ID)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleSubscribe adds identity to the client's feed and replays the current state.
func (s *Server) handleSubscribe(client *Client, identity string) {
	identity = session.NormalizeIdentity(identity)
	if identity == "" {
		s.sendError(client, "", InvalidParams, "identity must contain digits")
		return
	}
	s.clients.Subscribe(client.ID, identity)

	_ = s.broadcaster.SendTo(client, EventMessage{
		Event:    "subscribed",
		Stream:   StreamTypeLifecycle,
		Identity: identity,
		Data:     map[string]interface{}{"identity": identity},
	})
	_ = s.broadcaster.SendTo(client, EventMessage{
		Event:    lifecycle.StatusEvent(identity),
		Stream:   StreamTypeSession,
		Identity: identity,
		Data:     map[string]interface{}{"status": s.controller.Status(identity)},
	})
	if artifact, err := s.controller.PairingArtifact(identity); err == nil {
		data := map[string]interface{}{"qr": artifact.Value, "kind": artifact.Kind}
		if artifact.Image != "" {
			data["image"] = artifact.Image
		}
		_ = s.broadcaster.SendTo(client, EventMessage{
			Event:    lifecycle.QREvent(identity),
			Stream:   StreamTypeSession,
			Identity: identity,
			Data:     data,
		})
	}
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.auth.SecretMatches(r.Header.Get(SecretHeader)) {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read request body"))
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr := &RPCError{Code: ParseError, Message: err.Error()}
		errors.As(err, &rpcErr)
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	writeJSON(w, http.StatusOK, s.router.RouteRequest(r.Context(), req))
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, signature string) {
	result := s.auth.HandleAuthResponse(client, signature)
	if result.Success {
		s.clients.Authenticate(client.ID)
	}

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		observability.RecordSecurityAudit(context.Background(), "ws:auth", "ws:"+client.ID, "failure", map[string]interface{}{"ip": client.IPAddress})

		if client.AuthAttempts >= maxAuthAttempts {
			client.Conn.Close()
		}
		return
	}

	observability.RecordSecurityAudit(context.Background(), "ws:auth", "ws:"+client.ID, "success", map[string]interface{}{"ip": client.IPAddress})
	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
