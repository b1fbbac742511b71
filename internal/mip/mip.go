// Package mip implements the in-band sideband protocol some MUDs embed in their text stream: structured status
// frames introduced by a percent marker carrying a 5-digit correlation id, a 3-digit payload length and a 3-letter
// frame type. The payload rides inline with normal game text, so frames must be cut out of a line before the line
// reaches the trigger engine.
package mip

import (
	"fmt"
	"regexp"
	"strconv"
)

// markerRe matches a sideband marker, including the #K-prefixed form servers emit during early negotiation.
var markerRe = regexp.MustCompile(`(#K)?%(\d{5})(\d{3})([A-Z]{3})`)

// Frame is one extracted sideband frame.
type Frame struct {
	ID      string
	Type    string
	Payload string
	// Registered is true when the frame's correlation id matches the id the
	// session negotiated; unregistered frames are stripped but not dispatched.
	Registered bool
}

// Extract finds the first sideband frame in line. It returns the text before the marker, the frame, the text
// after the payload, and whether a frame was found. The payload is exactly the advertised length, clamped to the
// end of the line; anything beyond it is new input.
func Extract(line, wantID string) (before string, fr Frame, after string, found bool) {
	loc := markerRe.FindStringSubmatchIndex(line)
	if loc == nil {
		return line, Frame{}, "", false
	}

	id := line[loc[4]:loc[5]]
	length, _ := strconv.Atoi(line[loc[6]:loc[7]])
	frameType := line[loc[8]:loc[9]]

	payloadStart := loc[1]
	payloadEnd := payloadStart + length
	if payloadEnd > len(line) {
		payloadEnd = len(line)
	}

	fr = Frame{
		ID:         id,
		Type:       frameType,
		Payload:    line[payloadStart:payloadEnd],
		Registered: id == wantID,
	}
	return line[:loc[0]], fr, line[payloadEnd:], true
}

// ContainsMarker reports whether line holds at least one sideband marker.
func ContainsMarker(line string) bool {
	return markerRe.MatchString(line)
}

// InitCommands returns the commands a session sends upstream to negotiate the sideband channel: register the
// correlation id with the client tag, then switch the server to newline-terminated output and disable the
// alternate prompt protocol.
func InitCommands(id string) []string {
	return []string{
		fmt.Sprintf("3klient %s~~mudgate", id),
		"3klient LINEFEED on",
		"3klient HAA off",
	}
}

// ValidID reports whether id is a well-formed 5-digit correlation id.
func ValidID(id string) bool {
	if len(id) != 5 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}
