package mip

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mudgate/mudgate/internal/ansi"
)

// Chat is one parsed sideband chat message.
type Chat struct {
	// Message is the sanitized HTML rendering, with color markup converted to styled spans.
	Message string `json:"message"`
	// ChatType is "tell" or "channel".
	ChatType string `json:"chatType"`
	// Channel is the channel name, or "tell".
	Channel string `json:"channel"`
	// RawText is the plain text with all markup removed, for triggers and notification fan-out.
	RawText string `json:"rawText"`
}

// ParseChat interprets a chat-kind frame (BAB tells, CAA channel traffic). Other frame types return false.
func ParseChat(fr Frame) (Chat, bool) {
	switch fr.Type {
	case "BAB":
		msg := fr.Payload
		// Two subcases: a leading empty field is a plain tell, a leading "x"
		// field is an emoted tell. Both render the same way.
		if strings.HasPrefix(msg, "x~") {
			msg = msg[2:]
		} else if strings.HasPrefix(msg, "~") {
			msg = msg[1:]
		}
		return Chat{
			Message:  Colorize(msg),
			ChatType: "tell",
			Channel:  "tell",
			RawText:  PlainText(msg),
		}, true
	case "CAA":
		channel, msg, found := strings.Cut(fr.Payload, "~")
		if !found {
			msg = fr.Payload
			channel = "unknown"
		}
		return Chat{
			Message:  Colorize(msg),
			ChatType: "channel",
			Channel:  channel,
			RawText:  PlainText(msg),
		}, true
	}
	return Chat{}, false
}

// palette maps the single-letter color markup codes to CSS colors. Uppercase is the bright variant.
var palette = map[byte]string{
	'k': "#000000", 'K': "#555555",
	'r': "#aa0000", 'R': "#ff5555",
	'g': "#00aa00", 'G': "#55ff55",
	'y': "#aa5500", 'Y': "#ffff55",
	'b': "#0000aa", 'B': "#5555ff",
	'm': "#aa00aa", 'M': "#ff55ff",
	'c': "#00aaaa", 'C': "#55ffff",
	'w': "#aaaaaa", 'W': "#ffffff",
}

// chatPolicy keeps only the spans Colorize itself produces.
var chatPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("span")
	p.AllowAttrs("style").OnElements("span")
	p.AllowStyles("color").OnElements("span")
	return p
}()

// Colorize converts the chat color markup ("<r" opens red, "r>" closes it) into styled spans, HTML-escaping
// everything else. The result is passed through a sanitizer so nothing but those spans survives.
func Colorize(text string) string {
	var b strings.Builder
	var open []byte

	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '<' && i+1 < len(text) {
			if _, ok := palette[text[i+1]]; ok {
				open = append(open, text[i+1])
				b.WriteString(`<span style="color: ` + palette[text[i+1]] + `">`)
				i++
				continue
			}
		}
		if len(open) > 0 && c == open[len(open)-1] && i+1 < len(text) && text[i+1] == '>' {
			open = open[:len(open)-1]
			b.WriteString("</span>")
			i++
			continue
		}
		b.WriteString(html.EscapeString(string(c)))
	}
	for range open {
		b.WriteString("</span>")
	}

	return chatPolicy.Sanitize(b.String())
}

// PlainText removes color markup and ANSI sequences, leaving the bare message text.
func PlainText(text string) string {
	var b strings.Builder
	var open []byte

	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '<' && i+1 < len(text) {
			if _, ok := palette[text[i+1]]; ok {
				open = append(open, text[i+1])
				i++
				continue
			}
		}
		if len(open) > 0 && c == open[len(open)-1] && i+1 < len(text) && text[i+1] == '>' {
			open = open[:len(open)-1]
			i++
			continue
		}
		b.WriteByte(c)
	}

	return ansi.Strip(b.String())
}

// stripColorTags is the internal variant used when mining guild lines for variables.
func stripColorTags(text string) string {
	return PlainText(text)
}
