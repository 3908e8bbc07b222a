package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType identifies the kind of event delivered to push clients.
type StreamType string

const (
	StreamTypeSession   StreamType = "session"
	StreamTypeServer    StreamType = "server"
	StreamTypeLifecycle StreamType = "lifecycle"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated push message.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	Identity  string      `json:"identity,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// ClientMessage is any message a push client sends: an auth response, a subscription
// change or a JSON-RPC request.
type ClientMessage struct {
	Method    string `json:"method"`
	Signature string `json:"signature,omitempty"`
	Identity  string `json:"identity,omitempty"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
	Subscriptions []string  `json:"subscriptions"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	SessionNotFound        = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

// Client represents a connected WebSocket client
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	writeMu sync.Mutex
	// subscriptions holds the identities whose session events the client receives.
	subscriptions map[string]struct{}
}

// WriteMessage writes one frame. gorilla connections allow a single concurrent writer.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// WriteJSON writes v as one text frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// APIResponse is the JSON envelope of every control endpoint.
type APIResponse struct {
	Status string `json:"status"`
	Msg    string `json:"msg,omitempty"`
}

// LoginRequest is the body of POST /api/user/login.
type LoginRequest struct {
	BotName   string `json:"botName"`
	AccessKey string `json:"accessKey"`
}

// GodRequest is the body of POST /api/god/execute.
type GodRequest struct {
	Password string `json:"password"`
	Action   string `json:"action"`
	Target   string `json:"target"`
}

// CommandRequest is the body of POST /api/user/command.
type CommandRequest struct {
	BotName   string                 `json:"botName"`
	AccessKey string                 `json:"accessKey"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
}

// Administrative actions accepted by /api/god/execute.
const (
	ActionGlobalShutdown = "global_shutdown"
	ActionGlobalRestore  = "global_restore"
	ActionShutdownBot    = "shutdown_bot"
	ActionRestoreBot     = "restore_bot"
	ActionWipeTraces     = "wipe_traces"
)
