package whatsapp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/wafleet/internal/assistant"
	"github.com/harun/wafleet/internal/media"
	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

type sentMessage struct {
	to  types.JID
	msg *waE2E.Message
}

type reaction struct {
	id    types.MessageID
	emoji string
}

type fakeMessenger struct {
	mu        sync.Mutex
	sent      []sentMessage
	reactions []reaction
	read      []types.MessageID
	rejected  []string
	uploads   []whatsmeow.MediaType
	presence  []bool
	groups    []types.JID
	groupsErr error

	roster    *types.GroupInfo
	rosterErr error
	changes   []participantChange
	announce  []bool
	revoked   []types.MessageID
}

type participantChange struct {
	users  []types.JID
	action whatsmeow.ParticipantChange
}

func (m *fakeMessenger) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return err
	}
	return m.Send(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
}

func (m *fakeMessenger) PairPhone(context.Context, string) (string, error) { return "", nil }

func (m *fakeMessenger) SetPresence(_ context.Context, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = append(m.presence, available)
	return nil
}

func (m *fakeMessenger) Close() {}

func (m *fakeMessenger) Send(_ context.Context, to types.JID, msg *waE2E.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{to: to, msg: msg})
	return nil
}

func (m *fakeMessenger) React(_ context.Context, _, _ types.JID, id types.MessageID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, reaction{id: id, emoji: emoji})
	return nil
}

func (m *fakeMessenger) MarkRead(_ context.Context, _, _ types.JID, id types.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = append(m.read, id)
	return nil
}

func (m *fakeMessenger) RejectCall(_ context.Context, _ types.JID, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, callID)
	return nil
}

func (m *fakeMessenger) JoinedGroups(context.Context) ([]types.JID, error) {
	return m.groups, m.groupsErr
}

func (m *fakeMessenger) Upload(_ context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, kind)
	return whatsmeow.UploadResponse{URL: "https://media.example/x", DirectPath: "/x", FileLength: uint64(len(data))}, nil
}

func (m *fakeMessenger) Download(context.Context, whatsmeow.DownloadableMessage) ([]byte, error) {
	return []byte("media"), nil
}

func (m *fakeMessenger) GroupInfo(context.Context, types.JID) (*types.GroupInfo, error) {
	if m.rosterErr != nil {
		return nil, m.rosterErr
	}
	return m.roster, nil
}

func (m *fakeMessenger) UpdateParticipants(_ context.Context, _ types.JID, users []types.JID, action whatsmeow.ParticipantChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, participantChange{users: users, action: action})
	return nil
}

func (m *fakeMessenger) SetAnnounce(_ context.Context, _ types.JID, announce bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announce = append(m.announce, announce)
	return nil
}

func (m *fakeMessenger) Revoke(_ context.Context, _, _ types.JID, id types.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, id)
	return nil
}

func (m *fakeMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.msg.Conversation != nil {
			out = append(out, s.msg.GetConversation())
		}
	}
	return out
}

func (m *fakeMessenger) sentTo(jid types.JID) []*waE2E.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*waE2E.Message
	for _, s := range m.sent {
		if s.to == jid {
			out = append(out, s.msg)
		}
	}
	return out
}

type fakeApplier struct {
	name  string
	value interface{}
	err   error
}

func (a *fakeApplier) ApplySetting(_ context.Context, _, name string, value interface{}) (session.Config, error) {
	a.name, a.value = name, value
	return session.Config{}, a.err
}

type fakeAssistant struct {
	reply string
	err   error
	got   []assistant.Request
}

func (a *fakeAssistant) Reply(_ context.Context, req assistant.Request) (string, error) {
	a.got = append(a.got, req)
	return a.reply, a.err
}

type fakeSongs struct {
	song *media.Song
	err  error
}

func (s *fakeSongs) Fetch(context.Context, string) (*media.Song, error) {
	return s.song, s.err
}

var (
	ownerJIDValue = types.NewJID("6281234567", types.DefaultUserServer)
	contactJID    = types.NewJID("6289999999", types.DefaultUserServer)
)

func testSession(mutate func(*session.Config)) lifecycle.Session {
	cfg := session.DefaultConfig(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg.BotName = "Nova"
	if mutate != nil {
		mutate(&cfg)
	}
	return lifecycle.Session{Key: "USER_6281234567", Owner: ownerJIDValue.String(), Config: cfg}
}

func textEvent(chat, sender types.JID, fromMe bool, id, text string) (*lifecycle.InboundMessage, *events.Message) {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: sender, IsFromMe: fromMe},
			ID:            id,
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
	return inboundFromEvent(evt), evt
}

func newTestFeatures(opts FeaturesOptions) *Features {
	opts.Logger = zerolog.Nop()
	if opts.BroadcastInterval == 0 {
		opts.BroadcastInterval = time.Millisecond
	}
	if opts.StatusDelay == nil {
		opts.StatusDelay = func() time.Duration { return 0 }
	}
	return NewFeatures(opts)
}

func TestParseCommand(t *testing.T) {
	name, arg := parseCommand("  .GCast hello   world ")
	assert.Equal(t, "gcast", name)
	assert.Equal(t, "hello   world", arg)

	name, arg = parseCommand(".help")
	assert.Equal(t, "help", name)
	assert.Empty(t, arg)
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "", messageText(nil))
	assert.Equal(t, "a", messageText(&waE2E.Message{Conversation: proto.String("a")}))
	assert.Equal(t, "b", messageText(&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("b")}}))
	assert.Equal(t, "c", messageText(&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("c")}}))
	assert.Equal(t, "", messageText(&waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}))
}

func TestFeatures_HandleOpenAppliesGhostMode(t *testing.T) {
	f := newTestFeatures(FeaturesOptions{})
	m := &fakeMessenger{}

	f.HandleOpen(context.Background(), testSession(func(c *session.Config) { c.GhostMode = true }), m)
	f.HandleOpen(context.Background(), testSession(nil), m)

	assert.Equal(t, []bool{false, true}, m.presence)
}

func TestFeatures_OwnerCommands(t *testing.T) {
	applier := &fakeApplier{}
	f := newTestFeatures(FeaturesOptions{})
	f.BindSettings(applier)
	m := &fakeMessenger{}
	s := testSession(nil)
	ctx := context.Background()

	msg, _ := textEvent(ownerJIDValue, ownerJIDValue, true, "1", ".help")
	f.HandleMessage(ctx, s, m, msg)

	msg, _ = textEvent(ownerJIDValue, ownerJIDValue, true, "2", ".setemoji 🔥")
	f.HandleMessage(ctx, s, m, msg)

	msg, _ = textEvent(ownerJIDValue, ownerJIDValue, true, "3", ".clear")
	f.HandleMessage(ctx, s, m, msg)

	msg, _ = textEvent(ownerJIDValue, ownerJIDValue, true, "4", ".status")
	f.HandleMessage(ctx, s, m, msg)

	texts := m.texts()
	require.Len(t, texts, 4)
	assert.Equal(t, lifecycle.HelpText, texts[0])
	assert.Equal(t, "✅ Emoji set: 🔥", texts[1])
	assert.Contains(t, texts[2], "not supported")
	assert.Contains(t, texts[3], "Nova")
	assert.Equal(t, "statusEmoji", applier.name)
	assert.Equal(t, "🔥", applier.value)
}

func TestFeatures_CommandsIgnoredFromOthers(t *testing.T) {
	f := newTestFeatures(FeaturesOptions{})
	m := &fakeMessenger{}

	msg, _ := textEvent(contactJID, contactJID, false, "1", ".help")
	f.HandleMessage(context.Background(), testSession(nil), m, msg)

	assert.Empty(t, m.texts())
}

func TestFeatures_SetEmojiRejected(t *testing.T) {
	f := newTestFeatures(FeaturesOptions{})
	f.BindSettings(&fakeApplier{err: errors.New("invalid setting")})
	m := &fakeMessenger{}

	msg, _ := textEvent(ownerJIDValue, ownerJIDValue, true, "1", ".setemoji x")
	f.HandleMessage(context.Background(), testSession(nil), m, msg)

	require.Len(t, m.texts(), 1)
	assert.Equal(t, "❌ invalid setting", m.texts()[0])
}

func TestFeatures_Broadcast(t *testing.T) {
	g1 := types.NewJID("111", types.GroupServer)
	g2 := types.NewJID("222", types.GroupServer)
	f := newTestFeatures(FeaturesOptions{})
	m := &fakeMessenger{groups: []types.JID{g1, g2}}

	msg, _ := textEvent(ownerJIDValue, ownerJIDValue, true, "1", ".gcast meeting at 5")
	f.HandleMessage(context.Background(), testSession(nil), m, msg)

	assert.Equal(t, "📢 Broadcasting to 2 groups...", m.sentTo(ownerJIDValue)[0].GetConversation())
	require.Len(t, m.sentTo(g1), 1)
	require.Len(t, m.sentTo(g2), 1)
	assert.Equal(t, "meeting at 5", m.sentTo(g2)[0].GetConversation())
}

func TestFeatures_WhoAreYou(t *testing.T) {
	a := &fakeAssistant{reply: "should not be used"}
	f := newTestFeatures(FeaturesOptions{Assistant: a})
	m := &fakeMessenger{}

	msg, _ := textEvent(contactJID, contactJID, false, "1", "hey, WHO are you?")
	f.HandleMessage(context.Background(), testSession(func(c *session.Config) { c.AIEnabled = true }), m, msg)

	require.Len(t, m.sentTo(contactJID), 1)
	assert.Contains(t, m.sentTo(contactJID)[0].GetConversation(), "I am Nova")
	assert.Empty(t, a.got)
}

func TestFeatures_AssistantReply(t *testing.T) {
	a := &fakeAssistant{reply: "Sure, tomorrow works."}
	f := newTestFeatures(FeaturesOptions{Assistant: a})
	m := &fakeMessenger{}
	s := testSession(func(c *session.Config) { c.AIEnabled = true; c.AIMemory = true })

	msg, _ := textEvent(contactJID, contactJID, false, "1", "can we meet?")
	f.HandleMessage(context.Background(), s, m, msg)

	require.Len(t, a.got, 1)
	assert.True(t, a.got[0].Memory)
	assert.Equal(t, "Nova", a.got[0].BotName)
	assert.Equal(t, "Sure, tomorrow works.", m.sentTo(contactJID)[0].GetConversation())

	// Disabled sessions and failed replies send nothing.
	a.err = assistant.ErrRateLimited
	f.HandleMessage(context.Background(), s, m, msg)
	f.HandleMessage(context.Background(), testSession(nil), m, msg)
	assert.Len(t, m.sentTo(contactJID), 1)
}

func TestFeatures_StatusView(t *testing.T) {
	f := newTestFeatures(FeaturesOptions{})
	m := &fakeMessenger{}
	s := testSession(func(c *session.Config) { c.StatusView = true; c.StatusEmoji = "😍" })

	msg, _ := textEvent(types.StatusBroadcastJID, contactJID, false, "st1", "my status")
	f.HandleMessage(context.Background(), s, m, msg)

	assert.Equal(t, []types.MessageID{"st1"}, m.read)
	assert.Equal(t, []reaction{{id: "st1", emoji: "😍"}}, m.reactions)
	assert.Empty(t, m.sent)
}

func TestFeatures_AntiDelete(t *testing.T) {
	f := newTestFeatures(FeaturesOptions{})
	m := &fakeMessenger{}
	s := testSession(func(c *session.Config) { c.AntiDelete = true })

	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: contactJID, Sender: contactJID},
			ID:            "rev1",
		},
		Message: &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
			Type: waE2E.ProtocolMessage_REVOKE.Enum(),
		}},
	}
	f.HandleMessage(context.Background(), s, m, inboundFromEvent(evt))

	notices := m.sentTo(ownerJIDValue)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].GetConversation(), "deleted a message")
}

func TestFeatures_ViewOnceCapture(t *testing.T) {
	f := newTestFeatures(FeaturesOptions{})
	m := &fakeMessenger{}
	s := testSession(func(c *session.Config) { c.OneTimeViewCapture = true })

	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: contactJID, Sender: contactJID},
			ID:            "vo1",
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Mimetype: proto.String("image/jpeg"),
			ViewOnce: proto.Bool(true),
		}},
	}
	f.HandleMessage(context.Background(), s, m, inboundFromEvent(evt))

	forwarded := m.sentTo(ownerJIDValue)
	require.Len(t, forwarded, 1)
	assert.Equal(t, "image/jpeg", forwarded[0].GetImageMessage().GetMimetype())
	assert.Equal(t, []whatsmeow.MediaType{whatsmeow.MediaImage}, m.uploads)
}

func TestFeatures_HandleCall(t *testing.T) {
	voice := filepath.Join(t.TempDir(), "reply.ogg")
	require.NoError(t, os.WriteFile(voice, []byte("opus"), 0600))
	f := newTestFeatures(FeaturesOptions{VoiceNotePath: voice})
	offer := &events.CallOffer{BasicCallMeta: types.BasicCallMeta{CallCreator: contactJID, CallID: "call-1"}}
	call := &lifecycle.IncomingCall{ID: offer.CallID, From: contactJID.String(), Raw: offer}

	m := &fakeMessenger{}
	f.HandleCall(context.Background(), testSession(nil), m, call)
	assert.Empty(t, m.rejected)

	s := testSession(func(c *session.Config) { c.AntiCall = true; c.AudioReplyMode = session.AudioReplyVoice })
	f.HandleCall(context.Background(), s, m, call)

	assert.Equal(t, []string{"call-1"}, m.rejected)
	audio := m.sentTo(contactJID)
	require.Len(t, audio, 1)
	assert.True(t, audio[0].GetAudioMessage().GetPTT())
	assert.Equal(t, voiceNoteMime, audio[0].GetAudioMessage().GetMimetype())
}

func TestFeatures_SendSong(t *testing.T) {
	songs := &fakeSongs{song: &media.Song{Track: media.Track{ID: "t1", Title: "Song"}, Data: []byte("aac"), MimeType: "audio/mp4"}}
	f := newTestFeatures(FeaturesOptions{Songs: songs})
	m := &fakeMessenger{}

	require.NoError(t, f.SendSong(context.Background(), testSession(nil), m, "some song"))

	out := m.sentTo(ownerJIDValue)
	require.Len(t, out, 2)
	assert.Contains(t, out[0].GetConversation(), "some song")
	assert.Equal(t, "audio/mp4", out[1].GetAudioMessage().GetMimetype())
	assert.False(t, out[1].GetAudioMessage().GetPTT())

	songs.err, songs.song = media.ErrNotFound, nil
	err := f.SendSong(context.Background(), testSession(nil), m, "missing")
	assert.ErrorIs(t, err, media.ErrNotFound)

	err = newTestFeatures(FeaturesOptions{}).SendSong(context.Background(), testSession(nil), m, "x")
	assert.ErrorIs(t, err, media.ErrNotConfigured)

	noOwner := testSession(nil)
	noOwner.Owner = ""
	assert.ErrorIs(t, f.SendSong(context.Background(), noOwner, m, "x"), ErrNoOwner)
}
