package gateway

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster pushes events to connected clients. It implements lifecycle.Notifier.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Publish sends a session event to the subscribers of identity and to administrators.
// An empty identity reaches every client.
func (b *EventBroadcaster) Publish(identity, event string, data map[string]interface{}) {
	stream := StreamTypeSession
	if identity == "" {
		stream = StreamTypeServer
	}
	b.BroadcastTyped(EventMessage{
		Event:    event,
		Stream:   stream,
		Data:     data,
		Identity: identity,
	})
}

// Broadcast sends an event to every client.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Stream: StreamTypeServer, Data: data})
}

// BroadcastTyped fills sequence metadata and delivers msg to its recipients.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	b.broadcastMessage(msg, b.clients.Recipients(msg.Identity))
}

// SendTo delivers msg to a single client.
func (b *EventBroadcaster) SendTo(client *Client, msg EventMessage) error {
	msg.Type = "event"
	msg.Seq = b.nextSeq()
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return client.WriteJSON(msg)
}

func (b *EventBroadcaster) broadcastMessage(msg EventMessage, clients []*Client) {
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No clients to broadcast to")
		return
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	// QR refreshes are frequent, keep them out of debug noise.
	if strings.HasPrefix(msg.Event, "qr_") {
		return
	}
	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
