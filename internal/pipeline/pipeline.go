// Package pipeline frames the upstream byte stream into lines. Chunks arrive already telnet-stripped; the framer
// joins them with any pending partial, splits on newlines, honors the go-ahead flush, and threads ANSI color
// state across line boundaries. The 500ms packet-patch timer that flushes a stuck partial is owned by the
// session, which calls FlushPartial when it fires.
package pipeline

import (
	"strings"

	"github.com/mudgate/mudgate/internal/ansi"
)

// Framer holds one session's line-framing state. It is not internally locked; the owning session serializes
// access.
type Framer struct {
	partial string
	carry   string
}

// Feed consumes one cleaned chunk and returns the completed lines, in order. When hadGA is set the trailing
// partial is flushed too, since a go-ahead marks end-of-prompt.
func (f *Framer) Feed(chunk string, hadGA bool) []string {
	data := f.partial + chunk
	f.partial = ""
	if data == "" {
		return nil
	}

	pieces := strings.Split(data, "\n")
	last := len(pieces) - 1

	var lines []string
	for i, piece := range pieces {
		if i < last {
			lines = append(lines, f.finish(piece))
			continue
		}
		// The final piece had no newline: keep it as the partial unless a GA
		// says the server is done talking.
		if piece == "" {
			continue
		}
		if hadGA {
			lines = append(lines, f.finish(piece))
		} else {
			f.partial = piece
		}
	}
	return lines
}

// FlushPartial emits the pending partial as a standalone line. The session calls this from the packet-patch
// timer when a prompt arrives without newline or GA.
func (f *Framer) FlushPartial() (string, bool) {
	if f.partial == "" {
		return "", false
	}
	line := f.finish(f.partial)
	f.partial = ""
	return line, true
}

// HasPartial reports whether a partial line is pending, which is when the packet-patch timer should be armed.
func (f *Framer) HasPartial() bool {
	return f.partial != ""
}

// Reset drops all framing state, for upstream reconnects.
func (f *Framer) Reset() {
	f.partial = ""
	f.carry = ""
}

func (f *Framer) finish(line string) string {
	line = strings.ReplaceAll(line, "\r", "")
	line, f.carry = ansi.Apply(line, f.carry)
	return line
}
