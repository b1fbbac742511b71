// Package ansi handles the ANSI SGR (Select Graphic Rendition) escape sequences that MUD servers embed in their
// output: stripping them for pattern matching, and tracking the trailing color state so that a color started on one
// line carries over to the next.
package ansi

import (
	"regexp"
	"strings"
)

// sgrPattern matches a single SGR escape sequence such as "\x1b[1;33m" or the bare reset "\x1b[m".
const sgrPattern = `\x1b\[[0-9;]*m`

var (
	sgrRe     = regexp.MustCompile(sgrPattern)
	leadingRe = regexp.MustCompile(`^` + sgrPattern)
	resetRe   = regexp.MustCompile(`^\x1b\[0*m$`)
)

// Strip removes every SGR sequence from s.
func Strip(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return sgrRe.ReplaceAllString(s, "")
}

// Pattern returns the SGR regex source, for callers that embed it in larger expressions.
func Pattern() string {
	return sgrPattern
}

// IsReset reports whether seq is an SGR reset ("\x1b[0m" or "\x1b[m").
func IsReset(seq string) bool {
	return resetRe.MatchString(seq)
}

// StartsWithSGR reports whether s begins with an SGR sequence.
func StartsWithSGR(s string) bool {
	return leadingRe.MatchString(s)
}

// Carry scans line for SGR sequences and returns the color state left open at the end of the line: the last
// non-reset sequence seen, or "" if the line ends with a reset (or contains none and prev was empty). prev is the
// carry from the previous line and survives a line with no sequences at all.
func Carry(line, prev string) string {
	seqs := sgrRe.FindAllString(line, -1)
	if len(seqs) == 0 {
		return prev
	}
	carry := prev
	for _, seq := range seqs {
		if IsReset(seq) {
			carry = ""
		} else {
			carry = seq
		}
	}
	return carry
}

// Apply prepends the carried color state to a line that does not open with its own SGR sequence, and returns the
// decorated line together with the carry left open after it.
func Apply(line, prev string) (string, string) {
	next := Carry(line, prev)
	if prev != "" && !StartsWithSGR(line) {
		line = prev + line
	}
	return line, next
}
