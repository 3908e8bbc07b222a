package lifecycle

import (
	"context"

	"github.com/harun/wafleet/pkg/session"
)

// EventType identifies a transport signal.
type EventType string

const (
	EventPairing EventType = "pairing"
	EventOpen    EventType = "open"
	EventClosed  EventType = "closed"
	EventMessage EventType = "message"
	EventCall    EventType = "call"
)

// Event is one signal emitted by a transport handle. Events of one handle are delivered
// in the order the transport observed them.
type Event struct {
	Type EventType

	// PairingCode is the QR payload of an EventPairing.
	PairingCode string
	// Owner is the account JID the handle is logged in as, set on EventOpen.
	Owner string
	// LoggedOut marks an EventClosed the account will not recover from.
	LoggedOut bool
	Reason    string

	Message *InboundMessage
	Call    *IncomingCall
}

// InboundMessage is the transport-neutral part of a received message. Raw carries the
// transport's own envelope for the dispatcher.
type InboundMessage struct {
	ID        string
	Chat      string
	Sender    string
	FromOwner bool
	Text      string
	Raw       interface{}
}

// IncomingCall is a call offer.
type IncomingCall struct {
	ID   string
	From string
	Raw  interface{}
}

// ConnectRequest describes the session a transport should connect.
type ConnectRequest struct {
	Key            string
	Identity       string
	CredentialsDir string
}

// Sink receives the events of one handle. It must not block.
type Sink func(Event)

// Transport creates connections. ctx bounds connection setup only; the handle lives until
// Close.
type Transport interface {
	Connect(ctx context.Context, req ConnectRequest, sink Sink) (Handle, error)
}

// Handle is one live connection.
type Handle interface {
	SendText(ctx context.Context, to, text string) error
	PairPhone(ctx context.Context, phone string) (string, error)
	SetPresence(ctx context.Context, available bool) error
	Close()
}

// Session is a point-in-time view of one session handed to collaborators.
type Session struct {
	Key          string         `json:"key"`
	Identity     string         `json:"identity"`
	DisplayName  string         `json:"displayName"`
	Owner        string         `json:"owner,omitempty"`
	State        State          `json:"state"`
	RetryPending bool           `json:"retryPending"`
	Config       session.Config `json:"config"`
}

// Dispatcher handles what a session does once connected. HandleOpen runs on the session lane
// and must return promptly; HandleMessage and HandleCall run on their own goroutines with a
// bounded context.
type Dispatcher interface {
	HandleOpen(ctx context.Context, s Session, h Handle)
	HandleMessage(ctx context.Context, s Session, h Handle, msg *InboundMessage)
	HandleCall(ctx context.Context, s Session, h Handle, call *IncomingCall)
}

// Notifier pushes lifecycle events to external listeners. An empty identity addresses
// every listener.
type Notifier interface {
	Publish(identity, event string, data map[string]interface{})
}

type nopDispatcher struct{}

func (nopDispatcher) HandleOpen(context.Context, Session, Handle)                     {}
func (nopDispatcher) HandleMessage(context.Context, Session, Handle, *InboundMessage) {}
func (nopDispatcher) HandleCall(context.Context, Session, Handle, *IncomingCall)      {}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, map[string]interface{}) {}
