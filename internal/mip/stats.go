package mip

import (
	"regexp"
	"strconv"
	"strings"
)

// Stats is the parsed sideband state for one session, shipped to the browser as a whole snapshot after every
// update frame.
type Stats struct {
	HP    int `json:"hp"`
	HPMax int `json:"hpMax"`
	SP    int `json:"sp"`
	SPMax int `json:"spMax"`

	Gauge1    int `json:"gauge1"`
	Gauge1Max int `json:"gauge1Max"`
	Gauge2    int `json:"gauge2"`
	Gauge2Max int `json:"gauge2Max"`

	HPLabel     string `json:"hpLabel,omitempty"`
	SPLabel     string `json:"spLabel,omitempty"`
	Gauge1Label string `json:"gauge1Label,omitempty"`
	Gauge2Label string `json:"gauge2Label,omitempty"`

	Enemy    string `json:"enemy,omitempty"`
	EnemyPct int    `json:"enemyPct,omitempty"`
	Round    int    `json:"round,omitempty"`

	Room  string `json:"room,omitempty"`
	Exits string `json:"exits,omitempty"`

	GuildLine1 string `json:"guildLine1,omitempty"`
	GuildLine2 string `json:"guildLine2,omitempty"`

	GuildVars map[string]float64 `json:"guildVars,omitempty"`

	UptimeDays float64 `json:"uptimeDays,omitempty"`
	RebootDays float64 `json:"rebootDays,omitempty"`
}

// Apply folds one frame into the stats and reports whether anything changed. Unknown frame types leave the stats
// untouched.
func (s *Stats) Apply(fr Frame) bool {
	switch fr.Type {
	case "FFF":
		s.applyStatus(fr.Payload)
		return true
	case "BAD":
		s.Room = fr.Payload
		return true
	case "DDD":
		s.Exits = strings.ReplaceAll(fr.Payload, "~", ",")
		return true
	case "BBA":
		s.HPLabel = fr.Payload
		return true
	case "BBB":
		s.SPLabel = fr.Payload
		return true
	case "BBC":
		s.Gauge1Label = fr.Payload
		return true
	case "BBD":
		s.Gauge2Label = fr.Payload
		return true
	case "AAC":
		if v, err := strconv.ParseFloat(strings.TrimSpace(fr.Payload), 64); err == nil {
			s.RebootDays = v
		}
		return true
	case "AAF":
		if v, err := strconv.ParseFloat(strings.TrimSpace(fr.Payload), 64); err == nil {
			s.UptimeDays = v
		}
		return true
	}
	return false
}

// applyStatus parses an FFF status frame: tilde-delimited fields, each a single-letter tag followed by its value.
func (s *Stats) applyStatus(payload string) {
	for _, field := range strings.Split(payload, "~") {
		if field == "" {
			continue
		}
		tag, val := field[0], field[1:]
		switch tag {
		case 'A':
			s.HP = atoi(val, s.HP)
		case 'B':
			s.HPMax = atoi(val, s.HPMax)
		case 'C':
			s.SP = atoi(val, s.SP)
		case 'D':
			s.SPMax = atoi(val, s.SPMax)
		case 'E':
			s.Gauge1 = atoi(val, s.Gauge1)
		case 'F':
			s.Gauge1Max = atoi(val, s.Gauge1Max)
		case 'G':
			s.Gauge2 = atoi(val, s.Gauge2)
		case 'H':
			s.Gauge2Max = atoi(val, s.Gauge2Max)
		case 'K':
			s.Enemy = val
		case 'L':
			s.EnemyPct = atoi(val, 0)
		case 'N':
			s.Round = atoi(val, 0)
		case 'I':
			s.GuildLine1 = Colorize(val)
			s.mergeGuildVars(val)
		case 'J':
			s.GuildLine2 = Colorize(val)
			s.mergeGuildVars(val)
		}
	}
}

func atoi(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

// Guild line variable forms: "name: [n/m]", "name: [n%]", "name: n%", "name: [n]".
var (
	guildPairRe    = regexp.MustCompile(`([A-Za-z][A-Za-z ]*?):\s*\[(\d+)/(\d+)\]`)
	guildPctBoxRe  = regexp.MustCompile(`([A-Za-z][A-Za-z ]*?):\s*\[(\d+)%\]`)
	guildPctBareRe = regexp.MustCompile(`([A-Za-z][A-Za-z ]*?):\s*(\d+)%`)
	guildBoxRe     = regexp.MustCompile(`([A-Za-z][A-Za-z ]*?):\s*\[(\d+)\]`)
)

// mergeGuildVars pulls numeric variables out of a raw guild line. A "[n/m]" pair yields both the value and a
// "_max" companion.
func (s *Stats) mergeGuildVars(line string) {
	line = stripColorTags(line)
	if s.GuildVars == nil {
		s.GuildVars = make(map[string]float64)
	}

	for _, m := range guildPairRe.FindAllStringSubmatch(line, -1) {
		name := normalizeGuildName(m[1])
		s.GuildVars[name] = parseFloat(m[2])
		s.GuildVars[name+"_max"] = parseFloat(m[3])
	}
	for _, m := range guildPctBoxRe.FindAllStringSubmatch(line, -1) {
		s.GuildVars[normalizeGuildName(m[1])] = parseFloat(m[2])
	}
	for _, m := range guildPctBareRe.FindAllStringSubmatch(line, -1) {
		name := normalizeGuildName(m[1])
		if _, ok := s.GuildVars[name]; !ok {
			s.GuildVars[name] = parseFloat(m[2])
		}
	}
	for _, m := range guildBoxRe.FindAllStringSubmatch(line, -1) {
		name := normalizeGuildName(m[1])
		if _, ok := s.GuildVars[name]; !ok {
			s.GuildVars[name] = parseFloat(m[2])
		}
	}
}

func normalizeGuildName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
