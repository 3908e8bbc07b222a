package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/moderation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

var (
	groupJID  = types.NewJID("120363000000000001", types.GroupServer)
	memberJID = types.NewJID("94770000001", types.DefaultUserServer)
	adminJID  = types.NewJID("94770000002", types.DefaultUserServer)
	fakeJID   = types.NewJID("212600000001", types.DefaultUserServer)
)

func testRoster(botAdmin bool) *types.GroupInfo {
	return &types.GroupInfo{
		JID:       groupJID,
		GroupName: types.GroupName{Name: "Readers"},
		Participants: []types.GroupParticipant{
			{JID: ownerJIDValue, IsAdmin: botAdmin},
			{JID: adminJID, IsAdmin: true},
			{JID: memberJID},
			{JID: fakeJID},
		},
	}
}

func newGroupFeatures(t *testing.T) (*Features, *moderation.Store) {
	t.Helper()
	store, err := moderation.NewStore(moderation.StoreOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	filter, err := moderation.New(moderation.FilterConfig{
		BlockedKeywords:  []string{"scam"},
		AllowedLinkHosts: []string{"youtube.com"},
		FakePrefixes:     []string{"212"},
		MaxMentions:      5,
	})
	require.NoError(t, err)
	return newTestFeatures(FeaturesOptions{Groups: store, Filter: filter}), store
}

func enableRules(t *testing.T, store *moderation.Store, rules ...string) {
	t.Helper()
	on := true
	_, err := store.Update(testSession(nil).Key, groupJID.String(), func(g *moderation.Group) error {
		for _, r := range rules {
			if _, err := g.Settings.SetRule(r, &on); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func groupMessage(sender types.JID, fromMe bool, id, text string, mentions ...types.JID) *lifecycle.InboundMessage {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: groupJID, Sender: sender, IsFromMe: fromMe, IsGroup: true},
			ID:            id,
		},
		Message: mentionMessage(text, mentions...),
	}
	return inboundFromEvent(evt)
}

// groupTexts returns the text of every message sent to the group, mention messages included.
func groupTexts(m *fakeMessenger) []string {
	var out []string
	for _, msg := range m.sentTo(groupJID) {
		out = append(out, bodyText(msg))
	}
	return out
}

func bodyText(msg *waE2E.Message) string {
	if msg.GetConversation() != "" {
		return msg.GetConversation()
	}
	return msg.GetExtendedTextMessage().GetText()
}

func TestFeatures_GroupAntiLinkRevokes(t *testing.T) {
	f, store := newGroupFeatures(t)
	enableRules(t, store, "antilink")
	m := &fakeMessenger{roster: testRoster(true)}
	s := testSession(nil)
	ctx := context.Background()

	f.HandleMessage(ctx, s, m, groupMessage(memberJID, false, "g1", "great deals https://spam.example/x"))
	f.HandleMessage(ctx, s, m, groupMessage(memberJID, false, "g2", "see https://youtube.com/watch?v=1"))
	f.HandleMessage(ctx, s, m, groupMessage(adminJID, false, "g3", "admins may https://spam.example/y"))

	assert.Equal(t, []types.MessageID{"g1"}, m.revoked)
	texts := groupTexts(m)
	require.Len(t, texts, 1)
	assert.Equal(t, "⚠️ *Link removed!* @94770000001", texts[0])
	assert.Equal(t, []string{memberJID.String()}, m.sentTo(groupJID)[0].GetExtendedTextMessage().GetContextInfo().GetMentionedJID())
}

func TestFeatures_GroupAntiLinkWithoutAdminRights(t *testing.T) {
	f, store := newGroupFeatures(t)
	enableRules(t, store, "antilink")
	m := &fakeMessenger{roster: testRoster(false)}

	f.HandleMessage(context.Background(), testSession(nil), m, groupMessage(memberJID, false, "g1", "join https://chat.whatsapp.com/AbC"))

	assert.Empty(t, m.revoked)
	assert.Equal(t, []string{"⚠️ *Links are not allowed here!*"}, groupTexts(m))
}

func TestFeatures_GroupAntiFakeRemovesSender(t *testing.T) {
	f, store := newGroupFeatures(t)
	enableRules(t, store, "antifake")
	m := &fakeMessenger{roster: testRoster(true)}

	f.HandleMessage(context.Background(), testSession(nil), m, groupMessage(fakeJID, false, "g1", "hello"))
	f.HandleMessage(context.Background(), testSession(nil), m, groupMessage(memberJID, false, "g2", "hello"))

	require.Len(t, m.changes, 1)
	assert.Equal(t, []types.JID{fakeJID}, m.changes[0].users)
	assert.Equal(t, whatsmeow.ParticipantChangeRemove, m.changes[0].action)
}

func TestFeatures_GroupBadWordAndMentionSpam(t *testing.T) {
	f, store := newGroupFeatures(t)
	enableRules(t, store, "antibadword", "antispam")
	m := &fakeMessenger{roster: testRoster(true)}
	s := testSession(nil)
	ctx := context.Background()

	f.HandleMessage(ctx, s, m, groupMessage(memberJID, false, "g1", "total SCAM"))

	mentions := make([]types.JID, 6)
	for i := range mentions {
		mentions[i] = types.NewJID(fmt.Sprintf("9477000010%d", i), types.DefaultUserServer)
	}
	f.HandleMessage(ctx, s, m, groupMessage(memberJID, false, "g2", "look", mentions...))
	f.HandleMessage(ctx, s, m, groupMessage(memberJID, false, "g3", "look", mentions[:5]...))

	assert.Equal(t, []types.MessageID{"g1", "g2"}, m.revoked)
	assert.Equal(t, []string{
		"⚠️ *Language warning!*",
		"🚫 *Anti-spam:* excessive tagging is not allowed.",
	}, groupTexts(m))
}

func TestFeatures_GroupToggleCommand(t *testing.T) {
	f, store := newGroupFeatures(t)
	m := &fakeMessenger{roster: testRoster(false)}
	s := testSession(nil)
	ctx := context.Background()

	f.HandleMessage(ctx, s, m, groupMessage(memberJID, false, "g1", ".antilink on"))
	assert.False(t, store.Load(s.Key, groupJID.String()).Settings.AntiLink, "members cannot change rules")
	assert.Empty(t, groupTexts(m))

	f.HandleMessage(ctx, s, m, groupMessage(adminJID, false, "g2", ".alink on"))
	f.HandleMessage(ctx, s, m, groupMessage(ownerJIDValue, true, "g3", ".welcome"))
	f.HandleMessage(ctx, s, m, groupMessage(adminJID, false, "g4", ".antifake maybe"))

	settings := store.Load(s.Key, groupJID.String()).Settings
	assert.True(t, settings.AntiLink)
	assert.True(t, settings.Welcome)
	assert.False(t, settings.AntiFake)

	texts := groupTexts(m)
	require.Len(t, texts, 3)
	assert.Equal(t, "Anti-link protection: ✅ ENABLED", texts[0])
	assert.Equal(t, "Welcome messages: ✅ ENABLED", texts[1])
	assert.Contains(t, texts[2], "use on or off")
}

func TestFeatures_GroupParticipantCommands(t *testing.T) {
	f, _ := newGroupFeatures(t)
	m := &fakeMessenger{roster: testRoster(true)}
	s := testSession(nil)
	ctx := context.Background()

	f.HandleMessage(ctx, s, m, groupMessage(ownerJIDValue, true, "g1", ".kick", memberJID))
	f.HandleMessage(ctx, s, m, groupMessage(adminJID, false, "g2", ".add +94 77 000 0009"))
	f.HandleMessage(ctx, s, m, groupMessage(adminJID, false, "g3", ".add 94770000009"))
	f.HandleMessage(ctx, s, m, groupMessage(adminJID, false, "g4", ".p", memberJID))
	f.HandleMessage(ctx, s, m, groupMessage(adminJID, false, "g5", ".mute"))
	f.HandleMessage(ctx, s, m, groupMessage(adminJID, false, "g6", ".demote"))

	require.Len(t, m.changes, 3)
	assert.Equal(t, participantChange{users: []types.JID{memberJID}, action: whatsmeow.ParticipantChangeRemove}, m.changes[0])
	assert.Equal(t, participantChange{
		users:  []types.JID{types.NewJID("94770000009", types.DefaultUserServer)},
		action: whatsmeow.ParticipantChangeAdd,
	}, m.changes[1])
	assert.Equal(t, whatsmeow.ParticipantChangePromote, m.changes[2].action)
	assert.Equal(t, []bool{true}, m.announce)

	texts := groupTexts(m)
	assert.Contains(t, texts, replyNeedTarget)
	assert.Contains(t, texts, "🔒 *Group muted* (admins only)")

	noRights := &fakeMessenger{roster: testRoster(false)}
	f.HandleMessage(ctx, s, noRights, groupMessage(adminJID, false, "g7", ".kick", memberJID))
	assert.Empty(t, noRights.changes)
	assert.Equal(t, []string{replyNeedAdmin}, groupTexts(noRights))
}

func TestFeatures_GroupWarnRemovesAtLimit(t *testing.T) {
	f, store := newGroupFeatures(t)
	m := &fakeMessenger{roster: testRoster(true)}
	s := testSession(nil)

	for i := 1; i <= moderation.MaxWarnings; i++ {
		f.HandleMessage(context.Background(), s, m, groupMessage(adminJID, false, fmt.Sprintf("w%d", i), ".warn", memberJID))
	}

	texts := groupTexts(m)
	assert.Contains(t, texts, "⚠️ @94770000001 warned (1/3)")
	assert.Contains(t, texts, "⚠️ @94770000001 warned (3/3)")
	assert.Equal(t, "🚫 Removed 1 member(s) after 3 warnings.", texts[len(texts)-1])

	require.Len(t, m.changes, 1)
	assert.Equal(t, []types.JID{memberJID}, m.changes[0].users)
	assert.Zero(t, store.Load(s.Key, groupJID.String()).Warnings[memberJID.String()])
}

func TestFeatures_GroupAddBadWord(t *testing.T) {
	f, store := newGroupFeatures(t)
	m := &fakeMessenger{roster: testRoster(false)}
	s := testSession(nil)

	f.HandleMessage(context.Background(), s, m, groupMessage(adminJID, false, "g1", ".addbadword Spoiler"))
	f.HandleMessage(context.Background(), s, m, groupMessage(adminJID, false, "g2", ".addbadword spoiler"))

	words, err := store.LoadKeywords()
	require.NoError(t, err)
	assert.Equal(t, []string{"scam", "spoiler"}, words)
	texts := groupTexts(m)
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "already blocked")
}

func TestFeatures_GroupMembershipGreetings(t *testing.T) {
	f, store := newGroupFeatures(t)
	m := &fakeMessenger{roster: testRoster(false)}
	s := testSession(nil)
	change := membershipChange(&events.GroupInfo{
		JID:                  groupJID,
		ParticipantVersionID: "v2",
		Join:                 []types.JID{memberJID},
		Leave:                []types.JID{fakeJID},
	})
	assert.Equal(t, "group-v2", change.ID)

	f.HandleMessage(context.Background(), s, m, change)
	assert.Empty(t, m.sent, "greetings are off by default")

	enableRules(t, store, "welcome")
	f.HandleMessage(context.Background(), s, m, change)

	texts := groupTexts(m)
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "WELCOME* @94770000001")
	assert.Contains(t, texts[0], "Readers")
	assert.Contains(t, texts[1], "GOODBYE* @212600000001")
}

func TestFeatures_GroupRosterFailureKeepsOwnerCommands(t *testing.T) {
	f, _ := newGroupFeatures(t)
	m := &fakeMessenger{rosterErr: errors.New("offline")}
	s := testSession(nil)

	f.HandleMessage(context.Background(), s, m, groupMessage(memberJID, false, "g1", "https://spam.example"))
	assert.Empty(t, m.sent)

	f.HandleMessage(context.Background(), s, m, groupMessage(ownerJIDValue, true, "g2", ".help"))
	assert.Equal(t, []string{lifecycle.HelpText}, groupTexts(m))
}
