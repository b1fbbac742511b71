// Package script implements the session scripting engine: triggers matched against game output, aliases expanded
// from browser commands, tickers, inline # directives, and the variable store they all share.
package script

import "encoding/json"

// Action is one entry of a trigger's action list, a tagged union keyed by Type: "gag", "highlight", "command",
// "sound", "substitute", "discord" or "chatmon".
type Action struct {
	Type string `json:"type"`

	// highlight
	FgColor   string `json:"fgColor,omitempty"`
	BgColor   string `json:"bgColor,omitempty"`
	Blink     bool   `json:"blink,omitempty"`
	Underline bool   `json:"underline,omitempty"`

	// command; older clients send "text", newer ones "command"
	Text    string `json:"text,omitempty"`
	Command string `json:"command,omitempty"`

	// sound
	Name string `json:"name,omitempty"`

	// substitute
	Replacement string `json:"replacement,omitempty"`

	// discord
	WebhookURL string `json:"webhookUrl,omitempty"`

	// discord and chatmon share the message field
	Message string `json:"message,omitempty"`

	// chatmon
	Channel string `json:"channel,omitempty"`
}

// CommandText returns the command body regardless of which field the client used.
func (a Action) CommandText() string {
	if a.Command != "" {
		return a.Command
	}
	return a.Text
}

// Trigger matches lines of game output and runs actions.
type Trigger struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Pattern   string   `json:"pattern"`
	MatchType string   `json:"matchType,omitempty"`
	Enabled   bool     `json:"enabled"`
	Priority  int      `json:"priority"`
	Actions   []Action `json:"actions"`
}

// UnmarshalJSON applies the default priority of 5 when the field is absent.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	type alias Trigger
	aux := struct {
		Priority *int `json:"priority"`
		*alias
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Priority == nil {
		t.Priority = 5
	} else {
		t.Priority = *aux.Priority
	}
	return nil
}

// Alias rewrites a browser command into a replacement, which is then re-expanded.
type Alias struct {
	ID          string `json:"id"`
	Pattern     string `json:"pattern"`
	MatchType   string `json:"matchType,omitempty"` // exact, startsWith, regex, tintin
	Replacement string `json:"replacement"`
	Enabled     bool   `json:"enabled"`
	Priority    int    `json:"priority"`
}

// UnmarshalJSON applies the default priority of 5 when the field is absent.
func (a *Alias) UnmarshalJSON(data []byte) error {
	type alias Alias
	aux := struct {
		Priority *int `json:"priority"`
		*alias
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Priority == nil {
		a.Priority = 5
	} else {
		a.Priority = *aux.Priority
	}
	return nil
}

// Ticker runs a command at a fixed interval while the upstream connection is live.
type Ticker struct {
	ID       string  `json:"id"`
	Command  string  `json:"command"`
	Interval float64 `json:"interval"` // seconds, clamped to >= 0.1
	Enabled  bool    `json:"enabled"`
}
