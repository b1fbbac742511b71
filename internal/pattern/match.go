package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

type matchKind int

const (
	kindSubstring matchKind = iota
	kindRegex
)

// Matcher is a compiled trigger or alias pattern.
type Matcher struct {
	kind       matchKind
	literal    string
	re         *regexp.Regexp
	prefixOnly bool
}

// Match describes one successful match.
type Match struct {
	// Text is the exact substring of the input that the pattern matched.
	Text string
	// Captures holds the full match at index 0 followed by each capture group in source order.
	Captures []string
	// Remainder is the input text after the match, for prefix-anchored patterns. Empty otherwise.
	Remainder string
}

// CompileTrigger compiles a trigger pattern. matchType may force a strategy ("regex", "wildcard", "substring");
// when empty the pattern is auto-detected per IsWildcard.
func CompileTrigger(pat, matchType string) (*Matcher, error) {
	switch strings.ToLower(matchType) {
	case "regex", "regexp":
		return compileRaw(pat)
	case "wildcard", "mud", "tintin":
		return compileWildcard(pat, ModeFull)
	case "substring", "contains", "literal":
		return &Matcher{kind: kindSubstring, literal: pat}, nil
	}
	if IsWildcard(pat) {
		return compileWildcard(pat, ModeFull)
	}
	return &Matcher{kind: kindSubstring, literal: pat}, nil
}

// CompileAlias compiles an alias pattern for the tintin match type: wildcard syntax anchored at the start only,
// with text after the match becoming the remainder.
func CompileAlias(pat string) (*Matcher, error) {
	m, err := compileWildcard(pat, ModePrefix)
	if err != nil {
		return nil, err
	}
	m.prefixOnly = true
	return m, nil
}

// CompileRegex compiles a raw user-supplied regex (alias matchType "regex").
func CompileRegex(pat string) (*Matcher, error) {
	return compileRaw(pat)
}

func compileRaw(pat string) (*Matcher, error) {
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	return &Matcher{kind: kindRegex, re: re}, nil
}

func compileWildcard(pat string, mode Mode) (*Matcher, error) {
	src, err := Translate(pat, mode)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	return &Matcher{kind: kindRegex, re: re}, nil
}

// Match tests input against the pattern. For substring patterns the matched text is the literal itself; for regex
// patterns the captures are the regex groups.
func (m *Matcher) Match(input string) (Match, bool) {
	switch m.kind {
	case kindSubstring:
		if m.literal == "" || !strings.Contains(input, m.literal) {
			return Match{}, false
		}
		return Match{Text: m.literal, Captures: []string{m.literal}}, true
	default:
		loc := m.re.FindStringSubmatchIndex(input)
		if loc == nil {
			return Match{}, false
		}
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = input[loc[2*i]:loc[2*i+1]]
			}
		}
		res := Match{Text: groups[0], Captures: groups}
		if m.prefixOnly {
			res.Remainder = input[loc[1]:]
		}
		return res, true
	}
}
