package lifecycle

import (
	"fmt"

	"github.com/harun/wafleet/pkg/session"
)

// HelpText lists the owner dot-commands.
const HelpText = "ℹ️ Commands:\n" +
	".setemoji [emoji] - status reaction emoji\n" +
	".gcast [text] - broadcast to every group\n" +
	".clear - clear this chat\n" +
	".status - show current settings\n" +
	".help - this list"

// welcomeMessages is sent once to the owner after the access code is generated.
func welcomeMessages(cfg session.Config) []string {
	return []string{
		fmt.Sprintf("👋 *Welcome %s!*\nSystem online.", cfg.BotName),
		fmt.Sprintf("🔐 *ACCESS CODE:* %s\nUse it with your bot name to log in to the dashboard.", cfg.AccessKey),
		HelpText,
	}
}
