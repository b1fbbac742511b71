// Package pattern compiles the MUD wildcard language used by triggers and aliases into regular expressions, and
// matches input lines against them. Wildcards are %-prefixed (%* any run, %d digit run, and so on), {…} embeds raw
// regex, and %! makes the following group non-capturing. Patterns without any wildcard syntax are matched as plain
// case-sensitive substrings.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mudgate/mudgate/internal/ansi"
)

// Mode selects how a translated pattern is anchored.
type Mode int

const (
	// ModeFull anchors the pattern at both ends; trigger patterns use this.
	ModeFull Mode = iota
	// ModePrefix anchors at the start only; alias patterns use this so trailing
	// input text becomes arguments.
	ModePrefix
)

// ErrBadPattern is returned when a pattern cannot be translated or compiled.
var ErrBadPattern = errors.New("pattern: invalid pattern")

type elemKind int

const (
	elemLiteral elemKind = iota
	elemWildcard
	elemRegex
	elemCaretAnchor
	elemDollarAnchor
)

// quantifier kinds for wildcard elements.
type quantKind int

const (
	quantNone quantKind = iota // single occurrence, no quantifier
	quantStar
	quantPlus
	quantOpt
	quantRange
)

type element struct {
	kind      elemKind
	text      string // literal text (already escaped) or embedded regex source
	class     string // regex character class for wildcards
	quant     quantKind
	min, max  int  // quantRange bounds; max < 0 means open-ended
	capturing bool // wildcard and regex groups capture unless prefixed with %!
	ansiRun   bool // %c never captures and is always greedy
}

// Translate converts a wildcard pattern into regex source. The result is anchored at both ends (ModeFull) or at
// the start only (ModePrefix). A wildcard is rendered lazy when any element follows it; only the final wildcard of
// the pattern is greedy.
func Translate(pat string, mode Mode) (string, error) {
	elems, err := parse(pat)
	if err != nil {
		return "", err
	}

	// Find the last quantified wildcard; everything before it renders lazy.
	lastQuant := -1
	for i, e := range elems {
		if e.kind == elemWildcard && e.quant != quantNone && !e.ansiRun {
			lastQuant = i
		}
	}
	hasTail := false
	for i := lastQuant + 1; i < len(elems); i++ {
		if elems[i].kind != elemDollarAnchor {
			hasTail = true
			break
		}
	}

	var b strings.Builder
	b.WriteString("^(?:")
	for i, e := range elems {
		switch e.kind {
		case elemLiteral:
			b.WriteString(e.text)
		case elemCaretAnchor:
			b.WriteString("^")
		case elemDollarAnchor:
			b.WriteString("$")
		case elemRegex:
			if e.capturing {
				b.WriteString("(" + e.text + ")")
			} else {
				b.WriteString("(?:" + e.text + ")")
			}
		case elemWildcard:
			lazy := e.quant != quantNone && !e.ansiRun && (i != lastQuant || hasTail)
			b.WriteString(renderWildcard(e, lazy))
		}
	}
	b.WriteString(")")
	src := b.String()
	if mode == ModeFull {
		src += "$"
	}
	return src, nil
}

func renderWildcard(e element, lazy bool) string {
	var q string
	switch e.quant {
	case quantNone:
		q = ""
	case quantStar:
		q = "*"
	case quantPlus:
		q = "+"
	case quantOpt:
		q = "?"
	case quantRange:
		if e.max < 0 {
			q = fmt.Sprintf("{%d,}", e.min)
		} else {
			q = fmt.Sprintf("{%d,%d}", e.min, e.max)
		}
	}
	if lazy && q != "" {
		q += "?"
	}
	if e.ansiRun {
		return "(?:" + e.class + ")" + q
	}
	if e.capturing {
		return "(" + e.class + q + ")"
	}
	return e.class + q
}

func parse(pat string) ([]element, error) {
	var elems []element
	var lit strings.Builder

	flushLit := func() {
		if lit.Len() > 0 {
			elems = append(elems, element{kind: elemLiteral, text: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(pat) {
		c := pat[i]
		switch {
		case c == '\\' && i+1 < len(pat):
			lit.WriteString(regexp.QuoteMeta(string(pat[i+1])))
			i += 2
		case c == '^' && i == 0:
			flushLit()
			elems = append(elems, element{kind: elemCaretAnchor})
			i++
		case c == '$' && i == len(pat)-1:
			flushLit()
			elems = append(elems, element{kind: elemDollarAnchor})
			i++
		case c == '{':
			end, err := matchBrace(pat, i)
			if err != nil {
				return nil, err
			}
			flushLit()
			elems = append(elems, element{kind: elemRegex, text: pat[i+1 : end], capturing: true})
			i = end + 1
		case c == '%':
			e, n, ok := parseWildcard(pat[i:])
			if !ok {
				lit.WriteString(regexp.QuoteMeta("%"))
				i++
				break
			}
			if n == -1 {
				// Case toggle such as %i: consumed, no output.
				i += 2
				break
			}
			flushLit()
			if e.kind == elemRegex {
				// %!{…} embedded regex
				end, err := matchBrace(pat, i+2)
				if err != nil {
					return nil, err
				}
				elems = append(elems, element{kind: elemRegex, text: pat[i+3 : end], capturing: false})
				i = end + 1
				break
			}
			elems = append(elems, e)
			i += n
		default:
			lit.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	flushLit()
	return elems, nil
}

// matchBrace returns the index of the brace closing the one at open, honoring nesting and backslash escapes.
func matchBrace(pat string, open int) (int, error) {
	depth := 0
	for i := open; i < len(pat); i++ {
		switch pat[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unclosed brace at offset %d", ErrBadPattern, open)
}

// classes keyed by wildcard letter. Each value is the character class and whether the wildcard is a run (gets a +
// quantifier) or a single character.
var classes = map[byte]struct {
	class string
	run   bool
}{
	'd': {`\d`, true},
	'D': {`\D`, true},
	'w': {`\w`, true},
	'W': {`\W`, true},
	's': {`.`, true}, // any run; see the greediness rule for why this works
	'S': {`\S`, true},
	'a': {`[a-zA-Z]`, true},
	'A': {`[^a-zA-Z]`, true},
	'p': {`[\x20-\x7e]`, true},
	'P': {`[^\x20-\x7e]`, true},
}

// parseWildcard parses a %-token at the start of s. It returns the element, the number of bytes consumed, and
// whether a token was recognized at all. n == -1 flags a consumed-and-ignored case toggle.
func parseWildcard(s string) (element, int, bool) {
	if len(s) < 2 {
		return element{}, 0, false
	}
	capturing := true
	j := 1
	if s[j] == '!' {
		capturing = false
		j++
		if j >= len(s) {
			return element{}, 0, false
		}
	}

	c := s[j]
	switch {
	case c == '{':
		if !capturing {
			return element{kind: elemRegex}, 0, true
		}
		return element{}, 0, false // plain {…} handled by the main loop
	case c == '*':
		return element{kind: elemWildcard, class: ".", quant: quantStar, capturing: capturing}, j + 1, true
	case c == '?':
		return element{kind: elemWildcard, class: ".", quant: quantOpt, capturing: capturing}, j + 1, true
	case c == '.':
		return element{kind: elemWildcard, class: ".", quant: quantNone, capturing: capturing}, j + 1, true
	case c == '+':
		return parseRange(s, j, capturing)
	case c == 'c':
		return element{kind: elemWildcard, class: ansi.Pattern(), quant: quantStar, ansiRun: true}, j + 1, true
	case c == 'u' || c == 'U' || c == 'i' || c == 'I':
		return element{}, -1, true
	case c >= '0' && c <= '9':
		n := j + 1
		if n < len(s) && s[n] >= '0' && s[n] <= '9' {
			n++
		}
		return element{kind: elemWildcard, class: ".", quant: quantStar, capturing: capturing}, n, true
	default:
		cl, ok := classes[c]
		if !ok {
			return element{}, 0, false
		}
		q := quantPlus
		if !cl.run {
			q = quantNone
		}
		return element{kind: elemWildcard, class: cl.class, quant: q, capturing: capturing}, j + 1, true
	}
}

// parseRange parses %+min..max<type> and %+min<type> forms; a bare %+ is a one-plus any run.
func parseRange(s string, j int, capturing bool) (element, int, bool) {
	k := j + 1
	start := k
	for k < len(s) && s[k] >= '0' && s[k] <= '9' {
		k++
	}
	if k == start {
		return element{kind: elemWildcard, class: ".", quant: quantPlus, capturing: capturing}, k, true
	}
	min, _ := strconv.Atoi(s[start:k])
	max := -1
	if strings.HasPrefix(s[k:], "..") {
		k += 2
		start = k
		for k < len(s) && s[k] >= '0' && s[k] <= '9' {
			k++
		}
		if k == start {
			return element{}, 0, false
		}
		max, _ = strconv.Atoi(s[start:k])
	}

	class := "."
	if k < len(s) {
		if cl, ok := classes[s[k]]; ok {
			class = cl.class
			k++
		} else if s[k] == '*' || s[k] == '.' || s[k] == '?' {
			k++
		}
	}
	return element{kind: elemWildcard, class: class, quant: quantRange, min: min, max: max, capturing: capturing}, k, true
}

// wildcardToken matches a % followed by anything that parses as a wildcard.
func hasWildcardToken(pat string) bool {
	for i := 0; i < len(pat); i++ {
		switch pat[i] {
		case '\\':
			i++
		case '%':
			if _, _, ok := parseWildcard(pat[i:]); ok {
				return true
			}
		}
	}
	return false
}

// IsWildcard reports whether pat should be compiled as a MUD wildcard pattern rather than matched as a literal
// substring: it contains a % wildcard token, a leading ^, a trailing $, or an unescaped brace.
func IsWildcard(pat string) bool {
	if strings.HasPrefix(pat, "^") || strings.HasSuffix(pat, "$") {
		return true
	}
	for i := 0; i < len(pat); i++ {
		switch pat[i] {
		case '\\':
			i++
		case '{', '}':
			return true
		}
	}
	return hasWildcardToken(pat)
}
