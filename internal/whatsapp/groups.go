package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/moderation"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// groupCommands maps every accepted group command name and alias to its canonical name.
var groupCommands = map[string]string{
	"panel": "panel", "admin": "panel",
	"kick": "kick", "k": "kick", "remove": "kick",
	"add": "add", "a": "add",
	"promote": "promote", "p": "promote",
	"demote": "demote", "d": "demote",
	"warn": "warn", "w": "warn",
	"mute": "mute", "mt": "mute",
	"unmute": "unmute", "umt": "unmute",
	"hidetag": "hidetag", "h": "hidetag",
	"tagall": "tagall", "delete": "delete", "del": "delete",
	"antilink": "antilink", "alink": "antilink",
	"antibadword": "antibadword", "abw": "antibadword",
	"antifake": "antifake", "afake": "antifake",
	"antispam": "antispam", "antighost": "antispam", "aghost": "antispam",
	"welcome": "welcome", "wel": "welcome",
	"setwelcome": "setwelcome", "setbye": "setbye",
	"addbadword": "addbadword", "resetgroup": "resetgroup",
}

var participantActions = map[string]whatsmeow.ParticipantChange{
	"kick":    whatsmeow.ParticipantChangeRemove,
	"add":     whatsmeow.ParticipantChangeAdd,
	"promote": whatsmeow.ParticipantChangePromote,
	"demote":  whatsmeow.ParticipantChangeDemote,
}

const (
	replyNeedAdmin  = "❌ The bot needs admin rights in this group."
	replyNeedTarget = "⚠️ Tag a user first."
)

// groupContext is what one group message is judged with.
type groupContext struct {
	chat        types.JID
	group       moderation.Group
	roster      *types.GroupInfo
	senderAdmin bool
	botAdmin    bool
}

// handleGroup moderates a group message and runs group admin commands. It reports whether
// the message was consumed.
func (f *Features) handleGroup(ctx context.Context, m Messenger, s lifecycle.Session, evt *events.Message, text string, logger zerolog.Logger) bool {
	if f.groups == nil || f.filter == nil {
		return false
	}
	info := evt.Info
	chat := info.Chat

	var name, arg string
	if strings.HasPrefix(strings.TrimSpace(text), ".") {
		raw, rest := parseCommand(text)
		name, arg = groupCommands[raw], rest
	}

	group := f.groups.Load(s.Key, chat.String())
	if name == "" && !group.Settings.Any() {
		return false
	}

	roster, err := m.GroupInfo(ctx, chat)
	if err != nil {
		logger.Warn().Err(err).Str("group", chat.String()).Msg("Failed to fetch group info")
		return false
	}
	gc := &groupContext{
		chat:        chat,
		group:       group,
		roster:      roster,
		senderAdmin: info.IsFromMe || isGroupAdmin(roster, info.Sender, info.SenderAlt),
	}
	if owner, err := ownerJID(s); err == nil {
		gc.botAdmin = isGroupAdmin(roster, owner)
	}

	if !gc.senderAdmin {
		violation := f.filter.Check(group.Settings, moderation.Message{
			Text:         text,
			SenderNumber: senderNumber(info),
			Mentions:     len(mentionedJIDs(evt.Message)),
		})
		if violation != moderation.ViolationNone {
			f.enforce(ctx, m, gc, evt, violation, logger)
			return true
		}
	}

	if name == "" {
		return false
	}
	if !gc.senderAdmin {
		logger.Debug().Str("command", name).Str("sender", info.Sender.String()).Msg("Group command from non-admin ignored")
		return true
	}
	f.runGroupCommand(ctx, m, s, gc, evt, name, arg, logger)
	return true
}

// enforce answers a rule violation. Without admin rights the bot can only warn.
func (f *Features) enforce(ctx context.Context, m Messenger, gc *groupContext, evt *events.Message, v moderation.Violation, logger zerolog.Logger) {
	info := evt.Info
	logger = logger.With().Str("group", gc.chat.String()).Str("violation", string(v)).Logger()

	var err error
	switch v {
	case moderation.ViolationFakeNumber:
		if !gc.botAdmin {
			break
		}
		err = m.Send(ctx, gc.chat, textMessage("🚫 *Security alert:* foreign number detected and removed."))
		if err == nil {
			err = m.UpdateParticipants(ctx, gc.chat, []types.JID{info.Sender}, whatsmeow.ParticipantChangeRemove)
		}

	case moderation.ViolationLink:
		if gc.botAdmin {
			err = m.Revoke(ctx, gc.chat, info.Sender, info.ID)
			if err == nil {
				err = m.Send(ctx, gc.chat, mentionMessage(fmt.Sprintf("⚠️ *Link removed!* @%s", info.Sender.User), info.Sender))
			}
		} else {
			err = m.Send(ctx, gc.chat, textMessage("⚠️ *Links are not allowed here!*"))
		}

	case moderation.ViolationMentionSpam:
		if gc.botAdmin {
			err = m.Revoke(ctx, gc.chat, info.Sender, info.ID)
		}
		if err == nil {
			err = m.Send(ctx, gc.chat, textMessage("🚫 *Anti-spam:* excessive tagging is not allowed."))
		}

	case moderation.ViolationBadWord:
		if gc.botAdmin {
			err = m.Revoke(ctx, gc.chat, info.Sender, info.ID)
		}
		if err == nil {
			err = m.Send(ctx, gc.chat, textMessage("⚠️ *Language warning!*"))
		}
	}

	observability.RecordFeature("moderation_"+string(v), err == nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to enforce group rule")
		return
	}
	logger.Info().Str("sender", info.Sender.String()).Bool("bot_admin", gc.botAdmin).Msg("Group rule enforced")
}

func (f *Features) runGroupCommand(ctx context.Context, m Messenger, s lifecycle.Session, gc *groupContext, evt *events.Message, name, arg string, logger zerolog.Logger) {
	logger = logger.With().Str("group", gc.chat.String()).Str("command", name).Logger()

	reply, err := f.groupCommand(ctx, m, s, gc, evt, name, arg)
	if err != nil {
		logger.Warn().Err(err).Msg("Group command failed")
		reply = "❌ " + err.Error()
	}
	if reply != "" {
		if sendErr := m.Send(ctx, gc.chat, textMessage(reply)); sendErr != nil {
			logger.Warn().Err(sendErr).Msg("Failed to answer group command")
		}
	}
	observability.RecordFeature("group_"+name, err == nil)
}

// groupCommand runs one admin command and returns the text to answer with.
func (f *Features) groupCommand(ctx context.Context, m Messenger, s lifecycle.Session, gc *groupContext, evt *events.Message, name, arg string) (string, error) {
	switch name {
	case "panel":
		return panelText(gc.group.Settings), nil

	case "antilink", "antibadword", "antifake", "antispam", "welcome":
		value, err := parseSwitch(arg)
		if err != nil {
			return "", err
		}
		var on bool
		_, err = f.groups.Update(s.Key, gc.chat.String(), func(g *moderation.Group) error {
			on, err = g.Settings.SetRule(name, value)
			return err
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s", ruleLabels[name], enabledText(on)), nil

	case "kick", "add", "promote", "demote":
		if !gc.botAdmin {
			return replyNeedAdmin, nil
		}
		targets := commandTargets(evt.Message, arg, name == "add")
		if len(targets) == 0 {
			return replyNeedTarget, nil
		}
		if err := m.UpdateParticipants(ctx, gc.chat, targets, participantActions[name]); err != nil {
			return "", fmt.Errorf("failed to %s: %w", name, err)
		}
		return fmt.Sprintf("✅ Done for %d user(s).", len(targets)), nil

	case "warn":
		return f.warn(ctx, m, s, gc, commandTargets(evt.Message, "", false))

	case "mute", "unmute":
		if !gc.botAdmin {
			return replyNeedAdmin, nil
		}
		if err := m.SetAnnounce(ctx, gc.chat, name == "mute"); err != nil {
			return "", err
		}
		if name == "mute" {
			return "🔒 *Group muted* (admins only)", nil
		}
		return "🔓 *Group unmuted*", nil

	case "hidetag":
		text := arg
		if text == "" {
			text = "📢 *Attention!*"
		}
		return "", m.Send(ctx, gc.chat, mentionMessage(text, participantJIDs(gc.roster)...))

	case "tagall":
		var b strings.Builder
		fmt.Fprintf(&b, "📢 *GROUP ANNOUNCEMENT*\n%s\n\n", arg)
		members := participantJIDs(gc.roster)
		for _, p := range members {
			fmt.Fprintf(&b, "➥ @%s\n", p.User)
		}
		return "", m.Send(ctx, gc.chat, mentionMessage(strings.TrimRight(b.String(), "\n"), members...))

	case "delete":
		quoted := evt.Message.GetExtendedTextMessage().GetContextInfo()
		if quoted.GetStanzaID() == "" {
			return "⚠️ Reply to the message to delete.", nil
		}
		sender, _ := types.ParseJID(quoted.GetParticipant())
		return "", m.Revoke(ctx, gc.chat, sender, quoted.GetStanzaID())

	case "setwelcome", "setbye":
		if arg == "" {
			return fmt.Sprintf("⚠️ Usage: .%s [text]", name), nil
		}
		_, err := f.groups.Update(s.Key, gc.chat.String(), func(g *moderation.Group) error {
			if name == "setwelcome" {
				g.Settings.WelcomeMsg = arg
			} else {
				g.Settings.ByeMsg = arg
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		if name == "setwelcome" {
			return "✅ Welcome message updated", nil
		}
		return "✅ Goodbye message updated", nil

	case "addbadword":
		word, _, _ := strings.Cut(arg, " ")
		if word == "" {
			return "⚠️ Usage: .addbadword [word]", nil
		}
		if !f.filter.AddKeyword(word) {
			return fmt.Sprintf("ℹ️ \"%s\" is already blocked.", word), nil
		}
		if err := f.groups.SaveKeywords(f.filter.Keywords()); err != nil {
			return "", err
		}
		return fmt.Sprintf("✅ Word \"%s\" added to the blocklist.", word), nil

	case "resetgroup":
		if err := f.groups.Reset(s.Key, gc.chat.String()); err != nil {
			return "", err
		}
		return "⚠️ Group settings reset.", nil
	}
	return "", nil
}

// warn counts a warning for each target and removes members who reach MaxWarnings.
func (f *Features) warn(ctx context.Context, m Messenger, s lifecycle.Session, gc *groupContext, targets []types.JID) (string, error) {
	if len(targets) == 0 {
		return replyNeedTarget, nil
	}

	var out []types.JID
	counts := make(map[types.JID]int, len(targets))
	_, err := f.groups.Update(s.Key, gc.chat.String(), func(g *moderation.Group) error {
		for _, t := range targets {
			id := t.ToNonAD().String()
			g.Warnings[id]++
			counts[t] = g.Warnings[id]
			if g.Warnings[id] >= moderation.MaxWarnings && gc.botAdmin {
				delete(g.Warnings, id)
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, t := range targets {
		fmt.Fprintf(&b, "⚠️ @%s warned (%d/%d)\n", t.User, counts[t], moderation.MaxWarnings)
	}
	if err := m.Send(ctx, gc.chat, mentionMessage(strings.TrimRight(b.String(), "\n"), targets...)); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", nil
	}
	if err := m.UpdateParticipants(ctx, gc.chat, out, whatsmeow.ParticipantChangeRemove); err != nil {
		return "", fmt.Errorf("failed to remove warned members: %w", err)
	}
	return fmt.Sprintf("🚫 Removed %d member(s) after %d warnings.", len(out), moderation.MaxWarnings), nil
}

// handleMembership greets members who join and says goodbye to those who leave.
func (f *Features) handleMembership(ctx context.Context, m Messenger, s lifecycle.Session, change *events.GroupInfo) {
	if f.groups == nil || (len(change.Join) == 0 && len(change.Leave) == 0) {
		return
	}
	group := f.groups.Load(s.Key, change.JID.String())
	if !group.Settings.Welcome {
		return
	}
	logger := f.logger.With().Str("session_key", s.Key).Str("group", change.JID.String()).Logger()

	subject, count := "the group", 0
	if roster, err := m.GroupInfo(ctx, change.JID); err == nil {
		if roster.Name != "" {
			subject = roster.Name
		}
		count = len(roster.Participants)
	}

	for _, user := range change.Join {
		text := fmt.Sprintf("✨ *WELCOME* @%s\n🏠 *Group:* %s\n🔢 *Member:* #%d\n\n❝ _%s_ ❞",
			user.User, subject, count, group.Settings.WelcomeMsg)
		if err := m.Send(ctx, change.JID, mentionMessage(text, user)); err != nil {
			logger.Warn().Err(err).Msg("Failed to send welcome")
		}
	}
	for _, user := range change.Leave {
		text := fmt.Sprintf("🥀 *GOODBYE* @%s\n🏠 *From:* %s\n\n%s", user.User, subject, group.Settings.ByeMsg)
		if err := m.Send(ctx, change.JID, mentionMessage(text, user)); err != nil {
			logger.Warn().Err(err).Msg("Failed to send goodbye")
		}
	}
	observability.RecordFeature("group_welcome", true)
}

var ruleLabels = map[string]string{
	"antilink":    "Anti-link protection",
	"antibadword": "Profanity filter",
	"antifake":    "Fake number blocker",
	"antispam":    "Anti-spam tagging",
	"welcome":     "Welcome messages",
}

func enabledText(on bool) string {
	if on {
		return "✅ ENABLED"
	}
	return "🔴 DISABLED"
}

// parseSwitch reads "on"/"off". An empty argument means flip.
func parseSwitch(arg string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "":
		return nil, nil
	case "on":
		v := true
		return &v, nil
	case "off":
		v := false
		return &v, nil
	default:
		return nil, fmt.Errorf("use on or off, not %q", arg)
	}
}

func panelText(s moderation.Settings) string {
	dot := func(v bool) string {
		if v {
			return "🟢"
		}
		return "🔴"
	}
	var b strings.Builder
	b.WriteString("🛡️ *GROUP CONSOLE*\n")
	fmt.Fprintf(&b, "%s Anti-link\n", dot(s.AntiLink))
	fmt.Fprintf(&b, "%s Bad-word filter\n", dot(s.AntiBadWord))
	fmt.Fprintf(&b, "%s Anti-fake\n", dot(s.AntiFake))
	fmt.Fprintf(&b, "%s Anti-spam\n", dot(s.AntiSpam))
	fmt.Fprintf(&b, "%s Welcome\n", dot(s.Welcome))
	b.WriteString("\n.kick .add .promote .demote .warn\n.mute .unmute .hidetag .tagall .del")
	return b.String()
}

// isGroupAdmin reports whether any of ids is an admin of the group.
func isGroupAdmin(roster *types.GroupInfo, ids ...types.JID) bool {
	for _, p := range roster.Participants {
		if !p.IsAdmin && !p.IsSuperAdmin {
			continue
		}
		for _, id := range ids {
			if id.User == "" {
				continue
			}
			if p.JID.User == id.User || p.PhoneNumber.User == id.User || p.LID.User == id.User {
				return true
			}
		}
	}
	return false
}

// senderNumber returns the phone number of the sender, looking past LID addressing.
func senderNumber(info types.MessageInfo) string {
	if info.Sender.Server == types.HiddenUserServer && info.SenderAlt.Server == types.DefaultUserServer {
		return info.SenderAlt.User
	}
	if info.Sender.Server == types.HiddenUserServer {
		return ""
	}
	return info.Sender.User
}

func mentionedJIDs(msg *waE2E.Message) []string {
	if ctx := msg.GetExtendedTextMessage().GetContextInfo(); ctx != nil {
		return ctx.GetMentionedJID()
	}
	if ctx := msg.GetImageMessage().GetContextInfo(); ctx != nil {
		return ctx.GetMentionedJID()
	}
	return msg.GetVideoMessage().GetContextInfo().GetMentionedJID()
}

// commandTargets collects the mentioned users, plus bare phone numbers in arg when numbers is set.
func commandTargets(msg *waE2E.Message, arg string, numbers bool) []types.JID {
	seen := make(map[string]bool)
	var out []types.JID
	add := func(jid types.JID) {
		if jid.User == "" || seen[jid.String()] {
			return
		}
		seen[jid.String()] = true
		out = append(out, jid)
	}

	for _, raw := range mentionedJIDs(msg) {
		if jid, err := types.ParseJID(raw); err == nil {
			add(jid)
		}
	}
	if numbers {
		for _, field := range strings.Fields(arg) {
			digits := strings.Map(func(r rune) rune {
				if unicode.IsDigit(r) {
					return r
				}
				return -1
			}, field)
			if len(digits) >= 8 {
				add(types.NewJID(digits, types.DefaultUserServer))
			}
		}
	}
	return out
}

func participantJIDs(roster *types.GroupInfo) []types.JID {
	out := make([]types.JID, 0, len(roster.Participants))
	for _, p := range roster.Participants {
		out = append(out, p.JID)
	}
	return out
}

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

func mentionMessage(text string, mentions ...types.JID) *waE2E.Message {
	ids := make([]string, 0, len(mentions))
	for _, j := range mentions {
		ids = append(ids, j.String())
	}
	return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String(text),
		ContextInfo: &waE2E.ContextInfo{MentionedJID: ids},
	}}
}
