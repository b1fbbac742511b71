package script

import (
	"hash/fnv"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/mudgate/mudgate/internal/ansi"
	"github.com/mudgate/mudgate/internal/calc"
)

// Format renders a #format template against its arguments. Specifiers are %-introduced with optional
// ±width.maxlen padding: %s string, %d integer, %f float, %g grouped thousands, %u/%l upper/lower, %n capitalize,
// %p title case, %r reverse, %L length, %T/%M/%U epoch seconds/millis/micros, %t strftime of the current time,
// %x/%X hex, %D hex to decimal, %a code to char, %A char to code, %c ANSI strip, %m arithmetic, %h headline,
// %H string hash. Each specifier consumes the next argument except the clock specifiers, which consume one only
// when a format argument is meaningful (%t).
func Format(format string, args []string, now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	argi := 0
	nextArg := func() string {
		if argi < len(args) {
			v := args[argi]
			argi++
			return v
		}
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(format) && format[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}

		spec, ok := parseSpec(format[i:])
		if !ok {
			b.WriteByte('%')
			continue
		}
		i += spec.consumed - 1
		b.WriteString(spec.render(nextArg, now))
	}
	return b.String()
}

type formatSpec struct {
	verb     byte
	width    int // minimum field width; 0 means none
	left     bool
	maxlen   int // -1 means none; truncates strings, sets float precision
	consumed int
}

func parseSpec(s string) (formatSpec, bool) {
	spec := formatSpec{maxlen: -1}
	i := 1
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		spec.left = s[i] == '-'
		i++
	}
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		spec.width = spec.width*10 + int(s[i]-'0')
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		n := 0
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			n = n*10 + int(s[i]-'0')
			i++
		}
		if i == start {
			return formatSpec{}, false
		}
		spec.maxlen = n
	}
	if i >= len(s) || !strings.ContainsRune("sdfgulnprLMTUHDxXaAcmth", rune(s[i])) {
		return formatSpec{}, false
	}
	spec.verb = s[i]
	spec.consumed = i + 1
	return spec, true
}

func (f formatSpec) render(nextArg func() string, now func() time.Time) string {
	var out string
	switch f.verb {
	case 's':
		out = nextArg()
	case 'd':
		out = strconv.FormatInt(parseInt(nextArg()), 10)
	case 'f':
		v, _ := strconv.ParseFloat(strings.TrimSpace(nextArg()), 64)
		prec := f.maxlen
		if prec < 0 {
			prec = 2
		}
		return f.pad(strconv.FormatFloat(v, 'f', prec, 64))
	case 'g':
		out = groupThousands(parseInt(nextArg()))
	case 'u':
		out = strings.ToUpper(nextArg())
	case 'l':
		out = strings.ToLower(nextArg())
	case 'n':
		out = capitalize(nextArg())
	case 'p':
		out = titleCase(nextArg())
	case 'r':
		out = reverse(nextArg())
	case 'L':
		out = strconv.Itoa(len(nextArg()))
	case 'T':
		out = strconv.FormatInt(now().Unix(), 10)
	case 'M':
		out = strconv.FormatInt(now().UnixMilli(), 10)
	case 'U':
		out = strconv.FormatInt(now().UnixMicro(), 10)
	case 't':
		out = strftime(nextArg(), now())
	case 'x':
		out = strconv.FormatInt(parseInt(nextArg()), 16)
	case 'X':
		out = strings.ToUpper(strconv.FormatInt(parseInt(nextArg()), 16))
	case 'D':
		v, _ := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(nextArg()), "0x"), 16, 64)
		out = strconv.FormatInt(v, 10)
	case 'a':
		out = string(rune(parseInt(nextArg())))
	case 'A':
		arg := nextArg()
		if arg == "" {
			out = "0"
		} else {
			out = strconv.Itoa(int([]rune(arg)[0]))
		}
	case 'c':
		out = ansi.Strip(nextArg())
	case 'm':
		if v, err := calc.Eval(nextArg()); err == nil {
			out = strconv.FormatInt(v, 10)
		}
	case 'h':
		out = headline(nextArg())
	case 'H':
		h := fnv.New64a()
		h.Write([]byte(nextArg()))
		out = strconv.FormatUint(h.Sum64(), 10)
	}

	if f.maxlen >= 0 && len(out) > f.maxlen {
		out = out[:f.maxlen]
	}
	return f.pad(out)
}

func (f formatSpec) pad(s string) string {
	if len(s) >= f.width {
		return s
	}
	fill := strings.Repeat(" ", f.width-len(s))
	if f.left {
		return s + fill
	}
	return fill + s
}

func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(v)
	}
	return 0
}

func groupThousands(v int64) string {
	s := strconv.FormatInt(v, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, ",")
	if neg {
		out = "-" + out
	}
	return out
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = capitalize(strings.ToLower(w))
	}
	return strings.Join(words, " ")
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// headline centers the text in a 78-column rule of dashes, the way MUD clients draw section banners.
func headline(s string) string {
	const width = 78
	text := " " + strings.TrimSpace(s) + " "
	if len(text) >= width {
		return text
	}
	left := (width - len(text)) / 2
	right := width - len(text) - left
	return strings.Repeat("-", left) + text + strings.Repeat("-", right)
}

// strftime renders the common C-style time directives; unknown directives pass through.
func strftime(layout string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(layout); i++ {
		c := layout[i]
		if c != '%' || i+1 >= len(layout) {
			b.WriteByte(c)
			continue
		}
		i++
		switch layout[i] {
		case 'Y':
			b.WriteString(t.Format("2006"))
		case 'y':
			b.WriteString(t.Format("06"))
		case 'm':
			b.WriteString(t.Format("01"))
		case 'd':
			b.WriteString(t.Format("02"))
		case 'e':
			b.WriteString(t.Format("_2"))
		case 'H':
			b.WriteString(t.Format("15"))
		case 'I':
			b.WriteString(t.Format("03"))
		case 'M':
			b.WriteString(t.Format("04"))
		case 'S':
			b.WriteString(t.Format("05"))
		case 'p':
			b.WriteString(t.Format("PM"))
		case 'a':
			b.WriteString(t.Format("Mon"))
		case 'A':
			b.WriteString(t.Format("Monday"))
		case 'b':
			b.WriteString(t.Format("Jan"))
		case 'B':
			b.WriteString(t.Format("January"))
		case 'Z':
			b.WriteString(t.Format("MST"))
		case 'T':
			b.WriteString(t.Format("15:04:05"))
		case 'D':
			b.WriteString(t.Format("01/02/06"))
		case 's':
			b.WriteString(strconv.FormatInt(t.Unix(), 10))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(layout[i])
		}
	}
	return b.String()
}
