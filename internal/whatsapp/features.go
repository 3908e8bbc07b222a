package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harun/wafleet/internal/assistant"
	"github.com/harun/wafleet/internal/media"
	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/moderation"
	"github.com/harun/wafleet/pkg/session"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

const (
	DefaultBroadcastInterval = 500 * time.Millisecond

	voiceNoteMime = "audio/ogg; codecs=opus"
	songMime      = "audio/mp4"
)

var (
	ErrUnsupportedHandle = errors.New("connection does not support bot features")
	ErrNoOwner           = errors.New("session has no owner chat yet")

	whoAreYou = regexp.MustCompile(`(?i)\bwho\s+are\s+you\b`)
)

// Messenger is what the bot features need from a connection.
type Messenger interface {
	lifecycle.Handle
	Send(ctx context.Context, to types.JID, msg *waE2E.Message) error
	React(ctx context.Context, chat, sender types.JID, id types.MessageID, emoji string) error
	MarkRead(ctx context.Context, chat, sender types.JID, id types.MessageID) error
	RejectCall(ctx context.Context, from types.JID, callID string) error
	JoinedGroups(ctx context.Context) ([]types.JID, error)
	Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)

	GroupInfo(ctx context.Context, group types.JID) (*types.GroupInfo, error)
	UpdateParticipants(ctx context.Context, group types.JID, users []types.JID, action whatsmeow.ParticipantChange) error
	SetAnnounce(ctx context.Context, group types.JID, announce bool) error
	Revoke(ctx context.Context, chat, sender types.JID, id types.MessageID) error
}

// SettingsApplier changes a session setting. The lifecycle manager implements it.
type SettingsApplier interface {
	ApplySetting(ctx context.Context, key, name string, value interface{}) (session.Config, error)
}

// Assistant answers chats automatically.
type Assistant interface {
	Reply(ctx context.Context, req assistant.Request) (string, error)
}

// SongSource resolves a query to audio.
type SongSource interface {
	Fetch(ctx context.Context, query string) (*media.Song, error)
}

// FeaturesOptions configures Features. Every collaborator is optional.
type FeaturesOptions struct {
	Assistant Assistant
	Songs     SongSource
	// Groups and Filter enable group moderation. Both are required for it.
	Groups *moderation.Store
	Filter *moderation.ContentFilter
	// VoiceNotePath is the audio sent to callers before their call is rejected.
	VoiceNotePath     string
	BroadcastInterval time.Duration
	// StatusDelay returns the pause before viewing a status. Defaults to 1-9 s.
	StatusDelay func() time.Duration
	Logger      zerolog.Logger
}

// Features runs the bot behavior of every session. It implements lifecycle.Dispatcher.
type Features struct {
	assistant         Assistant
	songs             SongSource
	groups            *moderation.Store
	filter            *moderation.ContentFilter
	voiceNotePath     string
	broadcastInterval time.Duration
	statusDelay       func() time.Duration
	logger            zerolog.Logger

	mu       sync.RWMutex
	settings SettingsApplier
}

// NewFeatures creates the feature dispatcher.
func NewFeatures(opts FeaturesOptions) *Features {
	f := &Features{
		assistant:         opts.Assistant,
		songs:             opts.Songs,
		groups:            opts.Groups,
		filter:            opts.Filter,
		voiceNotePath:     opts.VoiceNotePath,
		broadcastInterval: opts.BroadcastInterval,
		statusDelay:       opts.StatusDelay,
		logger:            opts.Logger.With().Str("component", "features").Logger(),
	}
	if f.broadcastInterval <= 0 {
		f.broadcastInterval = DefaultBroadcastInterval
	}
	if f.statusDelay == nil {
		f.statusDelay = randomStatusDelay
	}
	return f
}

func randomStatusDelay() time.Duration {
	return time.Duration(1000+rand.Intn(8001)) * time.Millisecond
}

// BindSettings sets the component that persists setting changes.
func (f *Features) BindSettings(s SettingsApplier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
}

func (f *Features) settingsApplier() SettingsApplier {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings
}

// HandleOpen applies ghost mode to the fresh connection.
func (f *Features) HandleOpen(ctx context.Context, s lifecycle.Session, h lifecycle.Handle) {
	if err := h.SetPresence(ctx, !s.Config.GhostMode); err != nil {
		f.logger.Warn().Err(err).Str("session_key", s.Key).Msg("Failed to set presence")
	}
	f.logger.Info().Str("session_key", s.Key).Str("bot_name", s.Config.BotName).Bool("ghost", s.Config.GhostMode).Msg("Bot ready")
}

// HandleMessage runs the message features in order: status view, anti-delete, view-once
// capture, group moderation, owner commands, automatic reply. Group membership changes
// arrive here too.
func (f *Features) HandleMessage(ctx context.Context, s lifecycle.Session, h lifecycle.Handle, msg *lifecycle.InboundMessage) {
	m, ok := h.(Messenger)
	if !ok {
		return
	}
	if change, ok := msg.Raw.(*events.GroupInfo); ok {
		f.handleMembership(ctx, m, s, change)
		return
	}
	evt, ok := msg.Raw.(*events.Message)
	if !ok || evt.Message == nil {
		return
	}
	cfg := s.Config
	info := evt.Info
	logger := f.logger.With().Str("session_key", s.Key).Str("message_id", info.ID).Logger()

	if info.Chat == types.StatusBroadcastJID {
		if cfg.StatusView && !info.IsFromMe {
			f.viewStatus(ctx, m, evt, cfg.Emoji(), logger)
		}
		return
	}

	if pm := evt.Message.GetProtocolMessage(); pm != nil {
		if pm.GetType() == waE2E.ProtocolMessage_REVOKE && cfg.AntiDelete && !info.IsFromMe {
			f.noticeDeleted(ctx, m, s, evt, logger)
		}
		return
	}

	if cfg.OneTimeViewCapture && !info.IsFromMe && isViewOnce(evt) {
		f.captureViewOnce(ctx, m, s, evt, logger)
	}

	if info.IsGroup && f.handleGroup(ctx, m, s, evt, msg.Text, logger) {
		return
	}

	if info.IsFromMe && strings.HasPrefix(msg.Text, ".") {
		f.runCommand(ctx, m, s, info.Chat, msg.Text, logger)
		return
	}

	if cfg.AIEnabled && !info.IsFromMe && msg.Text != "" {
		f.autoReply(ctx, m, s, info.Chat, info.Sender, msg.Text, logger)
	}
}

// HandleCall rejects the call when anti-call is on, after sending the voice note.
func (f *Features) HandleCall(ctx context.Context, s lifecycle.Session, h lifecycle.Handle, call *lifecycle.IncomingCall) {
	if !s.Config.AntiCall {
		return
	}
	m, ok := h.(Messenger)
	if !ok {
		return
	}
	offer, ok := call.Raw.(*events.CallOffer)
	if !ok {
		return
	}
	logger := f.logger.With().Str("session_key", s.Key).Str("call_id", offer.CallID).Logger()

	if f.voiceNotePath != "" {
		if err := f.sendVoiceNote(ctx, m, offer.CallCreator, s.Config.AudioReplyMode == session.AudioReplyVoice); err != nil {
			logger.Warn().Err(err).Msg("Failed to send call reply audio")
		}
	}

	err := m.RejectCall(ctx, offer.CallCreator, offer.CallID)
	observability.RecordFeature("anti_call", err == nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reject call")
		return
	}
	logger.Info().Str("from", offer.CallCreator.String()).Msg("Call rejected")
}

func (f *Features) viewStatus(ctx context.Context, m Messenger, evt *events.Message, emoji string, logger zerolog.Logger) {
	select {
	case <-time.After(f.statusDelay()):
	case <-ctx.Done():
		return
	}

	info := evt.Info
	err := m.MarkRead(ctx, info.Chat, info.Sender, info.ID)
	if err == nil {
		err = m.React(ctx, info.Chat, info.Sender, info.ID, emoji)
	}
	observability.RecordFeature("status_view", err == nil)
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to view status")
	}
}

func (f *Features) noticeDeleted(ctx context.Context, m Messenger, s lifecycle.Session, evt *events.Message, logger zerolog.Logger) {
	owner, err := ownerJID(s)
	if err != nil {
		return
	}
	text := fmt.Sprintf("🗑️ %s deleted a message in %s", evt.Info.Sender.User, evt.Info.Chat.String())
	err = m.Send(ctx, owner, &waE2E.Message{Conversation: proto.String(text)})
	observability.RecordFeature("anti_delete", err == nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to send delete notice")
	}
}

func isViewOnce(evt *events.Message) bool {
	if evt.IsViewOnce || evt.IsViewOnceV2 || evt.IsViewOnceV2Extension {
		return true
	}
	return evt.Message.GetImageMessage().GetViewOnce() || evt.Message.GetVideoMessage().GetViewOnce()
}

func (f *Features) captureViewOnce(ctx context.Context, m Messenger, s lifecycle.Session, evt *events.Message, logger zerolog.Logger) {
	owner, err := ownerJID(s)
	if err != nil {
		return
	}
	caption := fmt.Sprintf("👁️ View-once from %s", evt.Info.Sender.User)

	var out *waE2E.Message
	switch {
	case evt.Message.GetImageMessage() != nil:
		img := evt.Message.GetImageMessage()
		data, err := m.Download(ctx, img)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to download view-once image")
			observability.RecordFeature("view_once", false)
			return
		}
		up, err := m.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upload view-once image")
			observability.RecordFeature("view_once", false)
			return
		}
		out = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(img.GetMimetype()),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(data))),
		}}
	case evt.Message.GetVideoMessage() != nil:
		vid := evt.Message.GetVideoMessage()
		data, err := m.Download(ctx, vid)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to download view-once video")
			observability.RecordFeature("view_once", false)
			return
		}
		up, err := m.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upload view-once video")
			observability.RecordFeature("view_once", false)
			return
		}
		out = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(vid.GetMimetype()),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(data))),
		}}
	default:
		return
	}

	err = m.Send(ctx, owner, out)
	observability.RecordFeature("view_once", err == nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to forward view-once media")
	}
}

func (f *Features) autoReply(ctx context.Context, m Messenger, s lifecycle.Session, chat, sender types.JID, text string, logger zerolog.Logger) {
	var reply string
	if whoAreYou.MatchString(text) {
		reply = fmt.Sprintf("I am %s, an automated assistant. My owner will get back to you soon.", s.Config.BotName)
	} else {
		if f.assistant == nil {
			return
		}
		var err error
		reply, err = f.assistant.Reply(ctx, assistant.Request{
			SessionKey: s.Key,
			Sender:     sender.String(),
			BotName:    s.Config.BotName,
			Text:       text,
			Memory:     s.Config.AIMemory,
		})
		if err != nil {
			if errors.Is(err, assistant.ErrRateLimited) {
				logger.Debug().Str("sender", sender.String()).Msg("Assistant rate limit reached")
			} else {
				logger.Warn().Err(err).Msg("Assistant reply failed")
			}
			observability.RecordFeature("ai_reply", false)
			return
		}
	}

	err := m.Send(ctx, chat, &waE2E.Message{Conversation: proto.String(reply)})
	observability.RecordFeature("ai_reply", err == nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to send reply")
	}
}

func (f *Features) sendVoiceNote(ctx context.Context, m Messenger, to types.JID, ptt bool) error {
	data, err := os.ReadFile(f.voiceNotePath)
	if err != nil {
		return fmt.Errorf("failed to read voice note: %w", err)
	}
	mime := songMime
	if ptt || strings.EqualFold(filepath.Ext(f.voiceNotePath), ".ogg") || strings.EqualFold(filepath.Ext(f.voiceNotePath), ".opus") {
		mime = voiceNoteMime
	}
	return sendAudio(ctx, m, to, data, mime, ptt)
}

func sendAudio(ctx context.Context, m Messenger, to types.JID, data []byte, mime string, ptt bool) error {
	up, err := m.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("failed to upload audio: %w", err)
	}
	return m.Send(ctx, to, &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mime),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(uint64(len(data))),
		PTT:           proto.Bool(ptt),
	}})
}

// SendSong fetches query and sends it as audio to the session owner. The returned error
// text is meant for the requesting user.
func (f *Features) SendSong(ctx context.Context, s lifecycle.Session, h lifecycle.Handle, query string) error {
	if f.songs == nil {
		return media.ErrNotConfigured
	}
	m, ok := h.(Messenger)
	if !ok {
		return ErrUnsupportedHandle
	}
	owner, err := ownerJID(s)
	if err != nil {
		return err
	}

	_ = m.Send(ctx, owner, &waE2E.Message{Conversation: proto.String(fmt.Sprintf("🎵 *%s* searching: %s...", s.Config.BotName, query))})

	song, err := f.songs.Fetch(ctx, query)
	if err != nil {
		observability.RecordFeature("song", false)
		_ = m.Send(ctx, owner, &waE2E.Message{Conversation: proto.String("❌ Song download failed")})
		return err
	}

	err = sendAudio(ctx, m, owner, song.Data, song.MimeType, false)
	observability.RecordFeature("song", err == nil)
	if err != nil {
		return err
	}
	f.logger.Info().Str("session_key", s.Key).Str("track", song.ID).Bool("cached", song.Cached).Msg("Song sent")
	return nil
}

func ownerJID(s lifecycle.Session) (types.JID, error) {
	if s.Owner == "" {
		return types.EmptyJID, ErrNoOwner
	}
	jid, err := types.ParseJID(s.Owner)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid owner %q: %w", s.Owner, err)
	}
	return jid, nil
}
