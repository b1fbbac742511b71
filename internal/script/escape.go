package script

import (
	"strconv"
	"strings"

	"github.com/mudgate/mudgate/internal/ansi"
)

// EscapeCapture neutralizes captured game text before it is placed into a command body: the text is
// ANSI-stripped, then backslash, dollar, semicolon and at are escaped so the capture cannot split the command,
// trigger variable substitution, or invoke speedwalk shorthand. Backslash must be first or the escapes it
// introduces would be doubled.
func EscapeCapture(s string) string {
	s = ansi.Strip(s)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `$`, `$$`)
	s = strings.ReplaceAll(s, `;`, `\;`)
	s = strings.ReplaceAll(s, `@`, `\@`)
	return s
}

// Unescape is the output-time pass applied to browser-origin command text just before it is written upstream:
// backslash escapes become their byte values. Unknown escapes are left untouched.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case ';':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte(0x07)
		case 'b':
			b.WriteByte(0x08)
		case 'e':
			b.WriteByte(0x1b)
		case 'x':
			if i+2 < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					b.WriteByte(byte(v))
					i += 2
					break
				}
			}
			b.WriteByte('\\')
			b.WriteByte('x')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Captures carries the capture context for substituting %N placeholders into a template.
type Captures struct {
	// Groups holds the full match at index 0 and regex groups after it.
	Groups []string
	// Args are trailing words from a prefix-anchored alias match; they continue
	// the %N numbering after Groups.
	Args []string
	// Star is the $* value for aliases: the full trailing argument text.
	Star string
	// AllowStar enables $* substitution.
	AllowStar bool
	// DollarGroups enables $1..$N as synonyms for %1..%N (regex alias mode).
	DollarGroups bool
	// Escape runs EscapeCapture over every substituted capture. Trigger bodies
	// set this; alias arguments come from the user's own keyboard and do not.
	Escape bool
}

// Apply substitutes %0..%99 (and optionally $N / $*) in template. "%%" survives as a literal percent.
func (c Captures) Apply(template string) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		ch := template[i]
		switch {
		case ch == '%' && i+1 < len(template) && template[i+1] == '%':
			b.WriteByte('%')
			i++
		case ch == '%' && i+1 < len(template) && isDigit(template[i+1]):
			n, consumed := readIndex(template[i+1:])
			b.WriteString(c.value(n))
			i += consumed
		case ch == '$' && c.AllowStar && i+1 < len(template) && template[i+1] == '*':
			b.WriteString(c.escaped(c.Star))
			i++
		case ch == '$' && c.DollarGroups && i+1 < len(template) && isDigit(template[i+1]):
			n, consumed := readIndex(template[i+1:])
			b.WriteString(c.value(n))
			i += consumed
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// HasPlaceholders reports whether template references any capture (%N, $N, $*). The exact-alias auto-append rule
// keys off this.
func (c Captures) HasPlaceholders(template string) bool {
	for i := 0; i < len(template); i++ {
		ch := template[i]
		if ch == '%' && i+1 < len(template) {
			if template[i+1] == '%' {
				i++
				continue
			}
			if isDigit(template[i+1]) {
				return true
			}
		}
		if ch == '$' && i+1 < len(template) && (template[i+1] == '*' || isDigit(template[i+1])) {
			return true
		}
	}
	return false
}

func (c Captures) value(n int) string {
	if n < len(c.Groups) {
		return c.escaped(c.Groups[n])
	}
	if i := n - len(c.Groups); i < len(c.Args) {
		return c.escaped(c.Args[i])
	}
	return ""
}

func (c Captures) escaped(s string) string {
	if c.Escape {
		return EscapeCapture(s)
	}
	return s
}

// readIndex reads one or two digits and returns the value plus bytes consumed.
func readIndex(s string) (n, consumed int) {
	n = int(s[0] - '0')
	consumed = 1
	if len(s) > 1 && isDigit(s[1]) {
		n = n*10 + int(s[1]-'0')
		consumed = 2
	}
	return n, consumed
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// SplitCommands splits a command string on unescaped semicolons and newlines, respecting brace depth. Empty
// segments survive; an empty command means a bare newline to the game.
func SplitCommands(s string) []string {
	var parts []string
	var cur strings.Builder
	depth := 0

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			cur.WriteByte(c)
			i++
			cur.WriteByte(s[i])
		case c == '{':
			depth++
			cur.WriteByte(c)
		case c == '}':
			if depth > 0 {
				depth--
			}
			cur.WriteByte(c)
		case (c == ';' || c == '\n') && depth == 0:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		case c == '\r':
			// stripped
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, strings.TrimSpace(cur.String()))
	return parts
}

// SplitArgs splits directive arguments on whitespace, keeping {...} groups together with their braces removed.
func SplitArgs(s string) []string {
	var args []string
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		if s[i] == '{' {
			depth := 0
			j := i
			for ; j < len(s); j++ {
				if s[j] == '\\' {
					j++
					continue
				}
				if s[j] == '{' {
					depth++
				} else if s[j] == '}' {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			if j < len(s) {
				args = append(args, s[i+1:j])
				i = j + 1
				continue
			}
			// unclosed brace: take the rest verbatim
			args = append(args, s[i+1:])
			return args
		}
		j := i
		for j < len(s) && s[j] != ' ' && s[j] != '\t' {
			j++
		}
		args = append(args, s[i:j])
		i = j
	}
	return args
}

// StripBraces removes one level of surrounding braces, which directive values may carry.
func StripBraces(s string) string {
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		return s[1 : len(s)-1]
	}
	return s
}
