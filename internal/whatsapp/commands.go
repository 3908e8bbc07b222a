package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/session"
	"github.com/rs/zerolog"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// parseCommand splits ".name rest" into a lowercase name and the trimmed rest.
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "."))
	name, rest, _ := strings.Cut(text, " ")
	return strings.ToLower(name), strings.TrimSpace(rest)
}

// runCommand executes an owner dot-command and answers in the chat it came from.
func (f *Features) runCommand(ctx context.Context, m Messenger, s lifecycle.Session, chat types.JID, text string, logger zerolog.Logger) {
	name, arg := parseCommand(text)

	var reply string
	switch name {
	case "help", "menu":
		reply = lifecycle.HelpText

	case "status":
		reply = statusText(s.Config)

	case "setemoji":
		reply = f.setEmoji(ctx, s.Key, arg)

	case "gcast":
		if arg == "" {
			reply = "⚠️ Usage: .gcast [text]"
			break
		}
		f.broadcast(ctx, m, chat, arg, logger)
		return

	case "clear":
		reply = "⚠️ Clearing chats is not supported by this bot."

	default:
		logger.Debug().Str("command", name).Msg("Unknown command")
		return
	}

	if err := m.Send(ctx, chat, &waE2E.Message{Conversation: proto.String(reply)}); err != nil {
		logger.Warn().Err(err).Str("command", name).Msg("Failed to answer command")
	}
	observability.RecordFeature("command_"+name, true)
}

func (f *Features) setEmoji(ctx context.Context, key, emoji string) string {
	if emoji == "" {
		return "⚠️ Usage: .setemoji [emoji]"
	}
	applier := f.settingsApplier()
	if applier == nil {
		return "❌ Settings are unavailable right now."
	}
	if _, err := applier.ApplySetting(ctx, key, "statusEmoji", emoji); err != nil {
		return "❌ " + err.Error()
	}
	return "✅ Emoji set: " + emoji
}

// broadcast sends text to every joined group, pausing between sends.
func (f *Features) broadcast(ctx context.Context, m Messenger, chat types.JID, text string, logger zerolog.Logger) {
	groups, err := m.JoinedGroups(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list groups for broadcast")
		_ = m.Send(ctx, chat, &waE2E.Message{Conversation: proto.String("❌ Could not list groups")})
		observability.RecordFeature("command_gcast", false)
		return
	}

	_ = m.Send(ctx, chat, &waE2E.Message{Conversation: proto.String(fmt.Sprintf("📢 Broadcasting to %d groups...", len(groups)))})

	sent := 0
	for i, g := range groups {
		if i > 0 {
			select {
			case <-time.After(f.broadcastInterval):
			case <-ctx.Done():
				logger.Warn().Int("sent", sent).Msg("Broadcast interrupted")
				return
			}
		}
		if err := m.Send(ctx, g, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
			logger.Debug().Err(err).Str("group", g.String()).Msg("Broadcast send failed")
			continue
		}
		sent++
	}

	logger.Info().Int("groups", len(groups)).Int("sent", sent).Msg("Broadcast finished")
	observability.RecordFeature("command_gcast", true)
}

func statusText(cfg session.Config) string {
	onOff := func(v bool) string {
		if v {
			return "ON"
		}
		return "OFF"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 *%s*\n", cfg.BotName)
	fmt.Fprintf(&b, "Ghost mode: %s\n", onOff(cfg.GhostMode))
	fmt.Fprintf(&b, "Anti-delete: %s\n", onOff(cfg.AntiDelete))
	fmt.Fprintf(&b, "Anti-call: %s\n", onOff(cfg.AntiCall))
	fmt.Fprintf(&b, "View-once capture: %s\n", onOff(cfg.OneTimeViewCapture))
	fmt.Fprintf(&b, "Status view: %s (%s)\n", onOff(cfg.StatusView), cfg.Emoji())
	fmt.Fprintf(&b, "Audio reply: %s\n", cfg.AudioReplyMode)
	fmt.Fprintf(&b, "AI: %s (memory %s)", onOff(cfg.AIEnabled), onOff(cfg.AIMemory))
	return b.String()
}
