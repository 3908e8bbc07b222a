package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

var _ Messenger = (*Conn)(nil)

// Conn is one live whatsmeow client. It implements lifecycle.Handle and Messenger.
type Conn struct {
	key       string
	client    *whatsmeow.Client
	container *sqlstore.Container
	sink      lifecycle.Sink
	logger    zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(key string, client *whatsmeow.Client, container *sqlstore.Container, sink lifecycle.Sink, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		key:       key,
		client:    client,
		container: container,
		sink:      sink,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Conn) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.sink(lifecycle.Event{Type: lifecycle.EventPairing, PairingCode: item.Code})
		case "success":
			c.logger.Info().Msg("QR pairing succeeded")
		case "timeout":
			c.logger.Warn().Msg("QR pairing timed out")
			c.sink(lifecycle.Event{Type: lifecycle.EventClosed, Reason: "pairing timed out"})
		default:
			c.logger.Warn().Err(item.Error).Str("event", item.Event).Msg("QR pairing failed")
		}
	}
}

func (c *Conn) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.sink(lifecycle.Event{Type: lifecycle.EventOpen, Owner: c.owner()})

	case *events.PairSuccess:
		c.logger.Info().Str("jid", v.ID.String()).Str("platform", v.Platform).Msg("Device paired")

	case *events.LoggedOut:
		c.sink(lifecycle.Event{Type: lifecycle.EventClosed, LoggedOut: true, Reason: fmt.Sprint(v.Reason)})

	case *events.ConnectFailure:
		c.sink(lifecycle.Event{
			Type:      lifecycle.EventClosed,
			LoggedOut: v.Reason.IsLoggedOut(),
			Reason:    fmt.Sprintf("connect failure %v: %s", v.Reason, v.Message),
		})

	case *events.StreamReplaced:
		c.sink(lifecycle.Event{Type: lifecycle.EventClosed, Reason: "stream replaced"})

	case *events.TemporaryBan:
		c.sink(lifecycle.Event{Type: lifecycle.EventClosed, Reason: fmt.Sprintf("temporary ban: %v", v)})

	case *events.Disconnected:
		c.sink(lifecycle.Event{Type: lifecycle.EventClosed, Reason: "disconnected"})

	case *events.Message:
		c.sink(lifecycle.Event{Type: lifecycle.EventMessage, Message: inboundFromEvent(v)})

	case *events.GroupInfo:
		if len(v.Join) > 0 || len(v.Leave) > 0 {
			c.sink(lifecycle.Event{Type: lifecycle.EventMessage, Message: membershipChange(v)})
		}

	case *events.CallOffer:
		c.sink(lifecycle.Event{Type: lifecycle.EventCall, Call: &lifecycle.IncomingCall{
			ID:   v.CallID,
			From: v.CallCreator.String(),
			Raw:  v,
		}})
	}
}

func inboundFromEvent(v *events.Message) *lifecycle.InboundMessage {
	return &lifecycle.InboundMessage{
		ID:        v.Info.ID,
		Chat:      v.Info.Chat.String(),
		Sender:    v.Info.Sender.String(),
		FromOwner: v.Info.IsFromMe,
		Text:      messageText(v.Message),
		Raw:       v,
	}
}

// membershipChange wraps a join or leave notification. The participant version makes a
// redelivered notification recognizable.
func membershipChange(v *events.GroupInfo) *lifecycle.InboundMessage {
	msg := &lifecycle.InboundMessage{Chat: v.JID.String(), Raw: v}
	if v.ParticipantVersionID != "" {
		msg.ID = "group-" + v.ParticipantVersionID
	}
	if v.Sender != nil {
		msg.Sender = v.Sender.String()
	}
	return msg
}

// messageText returns the user-visible text of msg, caption included.
func messageText(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	default:
		return ""
	}
}

func (c *Conn) owner() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

// SendText sends a plain text message to a JID string.
func (c *Conn) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return c.Send(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
}

// Send sends any message.
func (c *Conn) Send(ctx context.Context, to types.JID, msg *waE2E.Message) error {
	if _, err := c.client.SendMessage(ctx, to, msg); err != nil {
		return fmt.Errorf("failed to send to %s: %w", to, err)
	}
	return nil
}

// PairPhone requests a phone pairing code.
func (c *Conn) PairPhone(ctx context.Context, phone string) (string, error) {
	return c.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
}

// SetPresence marks the account online or offline.
func (c *Conn) SetPresence(ctx context.Context, available bool) error {
	presence := types.PresenceUnavailable
	if available {
		presence = types.PresenceAvailable
	}
	return c.client.SendPresence(ctx, presence)
}

// React reacts to a message.
func (c *Conn) React(ctx context.Context, chat, sender types.JID, id types.MessageID, emoji string) error {
	return c.Send(ctx, chat, c.client.BuildReaction(chat, sender, id, emoji))
}

// MarkRead sends a read receipt.
func (c *Conn) MarkRead(ctx context.Context, chat, sender types.JID, id types.MessageID) error {
	return c.client.MarkRead(ctx, []types.MessageID{id}, time.Now(), chat, sender)
}

// RejectCall declines a call offer.
func (c *Conn) RejectCall(ctx context.Context, from types.JID, callID string) error {
	return c.client.RejectCall(ctx, from, callID)
}

// JoinedGroups lists the groups the account participates in.
func (c *Conn) JoinedGroups(ctx context.Context) ([]types.JID, error) {
	groups, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	jids := make([]types.JID, 0, len(groups))
	for _, g := range groups {
		jids = append(jids, g.JID)
	}
	return jids, nil
}

// Upload uploads media for a later message.
func (c *Conn) Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return c.client.Upload(ctx, data, kind)
}

// GroupInfo returns the group's metadata and participants.
func (c *Conn) GroupInfo(ctx context.Context, group types.JID) (*types.GroupInfo, error) {
	return c.client.GetGroupInfo(ctx, group)
}

// UpdateParticipants adds, removes, promotes or demotes group members.
func (c *Conn) UpdateParticipants(ctx context.Context, group types.JID, users []types.JID, action whatsmeow.ParticipantChange) error {
	_, err := c.client.UpdateGroupParticipants(ctx, group, users, action)
	return err
}

// SetAnnounce restricts sending to admins, or lifts the restriction.
func (c *Conn) SetAnnounce(ctx context.Context, group types.JID, announce bool) error {
	return c.client.SetGroupAnnounce(ctx, group, announce)
}

// Revoke deletes a message for everyone. Deleting another member's message needs admin rights.
func (c *Conn) Revoke(ctx context.Context, chat, sender types.JID, id types.MessageID) error {
	return c.Send(ctx, chat, c.client.BuildRevoke(chat, sender, id))
}

// Download fetches and decrypts the media of msg.
func (c *Conn) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return c.client.Download(ctx, msg)
}

// Close disconnects and releases the device store. Credentials stay on disk.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.client.Disconnect()
		if err := c.container.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close device store")
		}
		c.logger.Debug().Msg("Client closed")
	})
}
