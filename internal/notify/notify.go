// Package notify prepares chat lines for Discord webhook delivery: allowlisting webhook URLs supplied by
// browsers and sanitizing message text before it leaves the proxy.
package notify

import (
	"strings"

	"github.com/mudgate/mudgate/internal/ansi"
)

// maxMessageLen keeps messages under Discord's 2000-char limit with margin for the relay's framing.
const maxMessageLen = 1997

// webhookPrefixes are the only URL shapes a browser-supplied webhook may take.
var webhookPrefixes = []string{
	"https://discord.com/api/webhooks/",
	"https://discordapp.com/api/webhooks/",
}

// ValidWebhook reports whether url is an acceptable Discord webhook target.
func ValidWebhook(url string) bool {
	for _, prefix := range webhookPrefixes {
		if strings.HasPrefix(url, prefix) && len(url) > len(prefix) {
			return true
		}
	}
	return false
}

// Sanitize strips ANSI color, defangs mass-mention keywords with a zero-width space, and truncates to the
// delivery limit.
func Sanitize(message string) string {
	message = ansi.Strip(message)
	message = strings.ReplaceAll(message, "@everyone", "@​everyone")
	message = strings.ReplaceAll(message, "@here", "@​here")
	if runes := []rune(message); len(runes) > maxMessageLen {
		message = string(runes[:maxMessageLen])
	}
	return message
}
