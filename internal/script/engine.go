package script

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/ansi"
	"github.com/mudgate/mudgate/internal/calc"
	"github.com/mudgate/mudgate/internal/pattern"
)

const (
	// maxExpandDepth caps recursive alias expansion.
	maxExpandDepth = 10
	// maxRepeat caps the #N shorthand.
	maxRepeat = 100
	// runawayFires within runawayWindow disables a trigger.
	runawayFires  = 50
	runawayWindow = 2 * time.Second
)

// Origin tells the engine where a command came from, which decides how non-inline # directives are handled:
// browser-origin directives are forwarded back for the browser to execute, server-origin ones are evaluated here
// because no browser may be attached.
type Origin int

const (
	OriginBrowser Origin = iota
	OriginTrigger
	OriginTicker
)

// Engine holds one session's compiled scripting state. It is not internally locked; the owning session
// serializes access.
type Engine struct {
	vars      *Vars
	functions map[string]string

	triggers []Trigger
	aliases  []Alias
	tickers  []Ticker

	triggerMatchers map[string]*pattern.Matcher
	aliasMatchers   map[string]*pattern.Matcher

	loops    map[string]*loopState
	disabled map[string]bool

	log zerolog.Logger
	now func() time.Time
}

type loopState struct {
	count int
	first time.Time
	last  time.Time
}

// NewEngine returns an engine bound to the given variable store.
func NewEngine(vars *Vars, logger zerolog.Logger) *Engine {
	return &Engine{
		vars:            vars,
		functions:       make(map[string]string),
		triggerMatchers: make(map[string]*pattern.Matcher),
		aliasMatchers:   make(map[string]*pattern.Matcher),
		loops:           make(map[string]*loopState),
		disabled:        make(map[string]bool),
		log:             logger,
		now:             time.Now,
	}
}

// Vars exposes the engine's variable store.
func (e *Engine) Vars() *Vars {
	return e.vars
}

// SetTriggers replaces the trigger table. Patterns that fail to compile are logged and skipped; a fresh table
// resets the runaway tracker and any server-side disables.
func (e *Engine) SetTriggers(triggers []Trigger) {
	e.triggers = make([]Trigger, len(triggers))
	copy(e.triggers, triggers)
	sort.SliceStable(e.triggers, func(i, j int) bool { return e.triggers[i].Priority < e.triggers[j].Priority })

	e.triggerMatchers = make(map[string]*pattern.Matcher, len(e.triggers))
	e.loops = make(map[string]*loopState)
	e.disabled = make(map[string]bool)

	for _, tr := range e.triggers {
		m, err := pattern.CompileTrigger(tr.Pattern, tr.MatchType)
		if err != nil {
			e.log.Warn().Err(err).Str("trigger_id", tr.ID).Str("pattern", tr.Pattern).Msg("trigger pattern failed to compile, skipping")
			continue
		}
		e.triggerMatchers[tr.ID] = m
	}
}

// SetAliases replaces the alias table, compiling regex and tintin patterns up front.
func (e *Engine) SetAliases(aliases []Alias) {
	e.aliases = make([]Alias, len(aliases))
	copy(e.aliases, aliases)
	sort.SliceStable(e.aliases, func(i, j int) bool { return e.aliases[i].Priority < e.aliases[j].Priority })

	e.aliasMatchers = make(map[string]*pattern.Matcher, len(e.aliases))
	for _, al := range e.aliases {
		var (
			m   *pattern.Matcher
			err error
		)
		switch al.MatchType {
		case "regex":
			m, err = pattern.CompileRegex(al.Pattern)
		case "tintin":
			m, err = pattern.CompileAlias(al.Pattern)
		default:
			continue
		}
		if err != nil {
			e.log.Warn().Err(err).Str("alias_id", al.ID).Str("pattern", al.Pattern).Msg("alias pattern failed to compile, skipping")
			continue
		}
		e.aliasMatchers[al.ID] = m
	}
}

// SetTickers replaces the ticker definitions. Scheduling is the session's job.
func (e *Engine) SetTickers(tickers []Ticker) {
	e.tickers = make([]Ticker, len(tickers))
	copy(e.tickers, tickers)
}

// Tickers returns the current ticker definitions.
func (e *Engine) Tickers() []Ticker {
	return e.tickers
}

// SetFunctions replaces the user function table. Functions are executed browser-side; the server holds them so
// they survive reattach.
func (e *Engine) SetFunctions(functions map[string]string) {
	e.functions = make(map[string]string, len(functions))
	for k, v := range functions {
		e.functions[k] = v
	}
}

// Note is a queued discord or chatmon fan-out produced by a trigger action. Variable substitution is deferred to
// the session so that inline directives run by the same line are visible first.
type Note struct {
	WebhookURL string
	Message    string
	Channel    string
}

// LineResult is the outcome of running one line through the trigger engine.
type LineResult struct {
	// Line is the colored line after substitute and highlight actions.
	Line string
	// Gag suppresses the line from browser output.
	Gag bool
	// Sound is the first sound action's name.
	Sound string
	// Highlight reports whether any highlight action marked the line.
	Highlight bool
	// Commands holds at most one command body to inject upstream.
	Commands []string
	// Discord and Chatmon are queued fan-outs.
	Discord []Note
	Chatmon []Note
	// Disabled lists triggers the runaway guard shut off while processing this line.
	Disabled []string
}

// ProcessLine runs a colored line through the trigger table. Matching happens against the ANSI-stripped text;
// substitutions and highlights are applied to the colored copy.
func (e *Engine) ProcessLine(line string) LineResult {
	res := LineResult{Line: line}
	stripped := ansi.Strip(line)
	commandFired := false

	for _, tr := range e.triggers {
		if !tr.Enabled || e.disabled[tr.ID] {
			continue
		}
		m := e.triggerMatchers[tr.ID]
		if m == nil {
			continue
		}
		match, ok := m.Match(stripped)
		if !ok {
			continue
		}

		if e.recordFire(tr.ID) {
			res.Disabled = append(res.Disabled, tr.ID)
			continue
		}

		bodyCaps := Captures{Groups: match.Captures, Escape: true}
		textCaps := Captures{Groups: match.Captures}

		for _, act := range tr.Actions {
			switch act.Type {
			case "gag":
				res.Gag = true
			case "command":
				if commandFired {
					continue
				}
				commandFired = true
				res.Commands = append(res.Commands, bodyCaps.Apply(act.CommandText()))
			case "substitute":
				repl := e.vars.Substitute(bodyCaps.Apply(act.Replacement))
				if match.Text != "" {
					res.Line = strings.ReplaceAll(res.Line, match.Text, repl)
				}
			case "highlight":
				if match.Text != "" {
					res.Line = strings.ReplaceAll(res.Line, match.Text, highlightSpan(act, match.Text))
					res.Highlight = true
				}
			case "sound":
				if res.Sound == "" {
					res.Sound = act.Name
				}
			case "discord":
				res.Discord = append(res.Discord, Note{WebhookURL: act.WebhookURL, Message: textCaps.Apply(act.Message)})
			case "chatmon":
				res.Chatmon = append(res.Chatmon, Note{Message: textCaps.Apply(act.Message), Channel: act.Channel})
			}
		}
	}
	return res
}

// highlightSpan wraps matched text in an inline-style marker the browser renders directly.
func highlightSpan(act Action, text string) string {
	var styles []string
	if act.FgColor != "" {
		styles = append(styles, "color: "+act.FgColor)
	}
	if act.BgColor != "" {
		styles = append(styles, "background-color: "+act.BgColor)
	}
	var deco []string
	if act.Underline {
		deco = append(deco, "underline")
	}
	if act.Blink {
		deco = append(deco, "blink")
	}
	if len(deco) > 0 {
		styles = append(styles, "text-decoration: "+strings.Join(deco, " "))
	}
	return `<span style="` + strings.Join(styles, "; ") + `">` + text + `</span>`
}

// recordFire updates the runaway tracker and reports whether the trigger just crossed the disable threshold.
func (e *Engine) recordFire(id string) bool {
	now := e.now()
	st := e.loops[id]
	if st == nil {
		st = &loopState{}
		e.loops[id] = st
	}
	if st.count > 0 && now.Sub(st.last) > runawayWindow {
		st.count = 0
	}
	if st.count == 0 {
		st.first = now
	} else if now.Sub(st.first) > runawayWindow {
		// The burst is slower than the guard cares about; rebase the window.
		st.first = now
		st.count = 0
	}
	st.count++
	st.last = now

	if st.count >= runawayFires && now.Sub(st.first) <= runawayWindow {
		e.disabled[id] = true
		delete(e.loops, id)
		return true
	}
	return false
}

// TriggerDisabled reports whether the runaway guard disabled the trigger.
func (e *Engine) TriggerDisabled(id string) bool {
	return e.disabled[id]
}

// Delayed is a #delay request surfaced to the session for scheduling.
type Delayed struct {
	After   time.Duration
	Command string
}

// ExpandResult is everything one command expansion produced, in order.
type ExpandResult struct {
	// Upstream lines are written to the game in order. They have not been
	// through the output escape pass; the session applies it per origin.
	Upstream []string
	// ClientCommands are # directives forwarded (or mirrored) to the browser.
	ClientCommands []string
	// Echo lines are #showme output evaluated server-side.
	Echo []string
	// Delayed holds #delay requests evaluated server-side.
	Delayed []Delayed
}

// Expand splits a command on unescaped separators and recursively expands each piece through the alias table and
// inline directives.
func (e *Engine) Expand(input string, origin Origin) *ExpandResult {
	res := &ExpandResult{}
	e.expandList(res, input, origin, 0)
	return res
}

func (e *Engine) expandList(res *ExpandResult, input string, origin Origin, depth int) {
	if depth > maxExpandDepth {
		res.Upstream = append(res.Upstream, input)
		return
	}
	for _, sub := range SplitCommands(input) {
		e.expandOne(res, sub, origin, depth)
	}
}

func (e *Engine) expandOne(res *ExpandResult, cmd string, origin Origin, depth int) {
	if strings.HasPrefix(cmd, "#") {
		e.directive(res, cmd, origin, depth)
		return
	}

	cmd = e.vars.Substitute(cmd)

	if replacement, ok := e.matchAlias(cmd); ok {
		e.expandList(res, replacement, origin, depth+1)
		return
	}
	res.Upstream = append(res.Upstream, cmd)
}

// matchAlias tries the alias table in priority order and returns the substituted replacement of the first match.
func (e *Engine) matchAlias(cmd string) (string, bool) {
	for _, al := range e.aliases {
		if !al.Enabled || al.Pattern == "" {
			continue
		}
		switch al.MatchType {
		case "startsWith":
			if !strings.HasPrefix(cmd, al.Pattern) {
				continue
			}
			remainder := cmd[len(al.Pattern):]
			caps := Captures{
				Groups:    []string{cmd},
				Args:      strings.Fields(remainder),
				Star:      strings.TrimSpace(remainder),
				AllowStar: true,
			}
			return caps.Apply(al.Replacement), true
		case "regex":
			m := e.aliasMatchers[al.ID]
			if m == nil {
				continue
			}
			match, ok := m.Match(cmd)
			if !ok {
				continue
			}
			caps := Captures{Groups: match.Captures, DollarGroups: true, AllowStar: true}
			return caps.Apply(al.Replacement), true
		case "tintin":
			m := e.aliasMatchers[al.ID]
			if m == nil {
				continue
			}
			match, ok := m.Match(cmd)
			if !ok {
				continue
			}
			caps := Captures{
				Groups:    match.Captures,
				Args:      strings.Fields(match.Remainder),
				Star:      strings.TrimSpace(match.Remainder),
				AllowStar: true,
			}
			return caps.Apply(al.Replacement), true
		default: // exact
			first, rest, _ := strings.Cut(cmd, " ")
			if first != al.Pattern {
				continue
			}
			args := strings.Fields(rest)
			caps := Captures{
				Groups:    []string{cmd},
				Args:      args,
				Star:      strings.TrimSpace(rest),
				AllowStar: true,
			}
			replacement := caps.Apply(al.Replacement)
			// Exact aliases with no placeholders get trailing args appended, so
			// "alias info -> priest" called as "info general" sends "priest general".
			if !caps.HasPlaceholders(al.Replacement) && len(args) > 0 {
				replacement += " " + strings.Join(args, " ")
			}
			return replacement, true
		}
	}
	return "", false
}

// directive handles a #-command. The six inline side-effect directives run here for every origin and are
// mirrored to the browser; everything else is forwarded when the browser sent it and evaluated (or dropped)
// when the server did.
func (e *Engine) directive(res *ExpandResult, cmd string, origin Origin, depth int) {
	name, rest, _ := strings.Cut(strings.TrimPrefix(cmd, "#"), " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)

	switch name {
	case "math":
		e.doMath(rest)
		res.ClientCommands = append(res.ClientCommands, cmd)
		return
	case "var", "variable":
		e.doVar(rest)
		res.ClientCommands = append(res.ClientCommands, cmd)
		return
	case "unvar":
		e.vars.DeleteServer(strings.TrimSpace(StripBraces(rest)))
		res.ClientCommands = append(res.ClientCommands, cmd)
		return
	case "format":
		e.doFormat(rest)
		res.ClientCommands = append(res.ClientCommands, cmd)
		return
	case "cat":
		e.doCat(rest)
		res.ClientCommands = append(res.ClientCommands, cmd)
		return
	case "replace":
		e.doReplace(rest)
		res.ClientCommands = append(res.ClientCommands, cmd)
		return
	}

	if origin == OriginBrowser {
		res.ClientCommands = append(res.ClientCommands, cmd)
		return
	}

	// Server-origin: there may be no browser to execute these, so evaluate the
	// ones that matter for unattended scripting and drop the rest.
	if n, err := strconv.Atoi(name); err == nil && n > 0 && rest != "" {
		if n > maxRepeat {
			n = maxRepeat
		}
		body := StripBraces(rest)
		for i := 0; i < n; i++ {
			e.expandList(res, body, origin, depth+1)
		}
		return
	}

	switch name {
	case "if":
		e.doIf(res, rest, origin, depth)
	case "showme":
		res.Echo = append(res.Echo, e.vars.Substitute(StripBraces(rest)))
	case "delay":
		e.doDelay(res, rest)
	default:
		e.log.Debug().Str("directive", name).Msg("unsupported server-side directive dropped")
	}
}

func (e *Engine) doMath(rest string) {
	name, expr, _ := strings.Cut(rest, " ")
	if name == "" {
		return
	}
	expr = e.vars.Substitute(StripBraces(strings.TrimSpace(expr)))
	v, err := calc.Eval(expr)
	if err != nil {
		// Bad expressions leave the target untouched.
		e.log.Debug().Err(err).Str("var", name).Str("expr", expr).Msg("math expression rejected")
		return
	}
	e.vars.SetServer(name, strconv.FormatInt(v, 10))
}

func (e *Engine) doVar(rest string) {
	name, value, _ := strings.Cut(rest, " ")
	if name == "" {
		return
	}
	e.vars.SetServer(name, e.vars.Substitute(StripBraces(strings.TrimSpace(value))))
}

func (e *Engine) doFormat(rest string) {
	args := SplitArgs(rest)
	if len(args) < 2 {
		return
	}
	target, format := args[0], args[1]
	fmtArgs := make([]string, 0, len(args)-2)
	for _, a := range args[2:] {
		fmtArgs = append(fmtArgs, e.vars.Substitute(a))
	}
	e.vars.SetServer(target, Format(format, fmtArgs, e.now))
}

func (e *Engine) doCat(rest string) {
	args := SplitArgs(rest)
	if len(args) < 2 {
		return
	}
	target := args[0]
	current, _ := e.vars.Get(target)
	var b strings.Builder
	b.WriteString(current)
	for _, a := range args[1:] {
		b.WriteString(e.vars.Substitute(a))
	}
	e.vars.SetServer(target, b.String())
}

func (e *Engine) doReplace(rest string) {
	args := SplitArgs(rest)
	if len(args) < 3 {
		return
	}
	target := args[0]
	current, ok := e.vars.Get(target)
	if !ok {
		return
	}
	e.vars.SetServer(target, strings.ReplaceAll(current, args[1], args[2]))
}

func (e *Engine) doIf(res *ExpandResult, rest string, origin Origin, depth int) {
	args := SplitArgs(rest)
	if len(args) < 2 {
		return
	}
	cond := e.vars.Substitute(args[0])
	ok, err := calc.Condition(cond)
	if err != nil {
		e.log.Debug().Err(err).Str("condition", cond).Msg("if condition rejected")
		return
	}
	if ok {
		e.expandList(res, args[1], origin, depth+1)
	} else if len(args) >= 3 {
		e.expandList(res, args[2], origin, depth+1)
	}
}

func (e *Engine) doDelay(res *ExpandResult, rest string) {
	secsText, cmd, _ := strings.Cut(rest, " ")
	secs, err := strconv.ParseFloat(secsText, 64)
	if err != nil || secs < 0 || strings.TrimSpace(cmd) == "" {
		return
	}
	res.Delayed = append(res.Delayed, Delayed{
		After:   time.Duration(secs * float64(time.Second)),
		Command: strings.TrimSpace(StripBraces(cmd)),
	})
}
