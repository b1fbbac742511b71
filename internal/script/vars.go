package script

import (
	"strings"
	"time"
)

// Vars is the session variable store. Values are always strings; #math stores the decimal rendering of its
// result. Server-side writes stamp the variable so a stale browser snapshot arriving just after cannot clobber it
// (the race rule). Vars is not internally locked; the owning session serializes access.
type Vars struct {
	values map[string]string
	stamps map[string]time.Time
	now    func() time.Time
}

// NewVars returns an empty store.
func NewVars() *Vars {
	return &Vars{
		values: make(map[string]string),
		stamps: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Get returns the value for name.
func (v *Vars) Get(name string) (string, bool) {
	val, ok := v.values[name]
	return val, ok
}

// SetServer writes a value on behalf of a server-side directive and stamps it.
func (v *Vars) SetServer(name, value string) {
	v.values[name] = value
	v.stamps[name] = v.now()
}

// DeleteServer removes a variable on behalf of #unvar. The stamp survives so the race rule protects the deletion
// just like it protects a write.
func (v *Vars) DeleteServer(name string) {
	delete(v.values, name)
	v.stamps[name] = v.now()
}

// Snapshot returns a copy of all variables.
func (v *Vars) Snapshot() map[string]string {
	out := make(map[string]string, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// Len returns the number of variables held.
func (v *Vars) Len() int {
	return len(v.values)
}

// MergeSnapshot folds a full browser-sent snapshot into the store. Any key whose server stamp is within window
// keeps its current state (value or deletion); other keys take the incoming value, and keys absent from the
// snapshot are deleted.
func (v *Vars) MergeSnapshot(incoming map[string]string, window time.Duration) {
	now := v.now()
	recent := func(name string) bool {
		ts, ok := v.stamps[name]
		return ok && now.Sub(ts) < window
	}

	for name, val := range incoming {
		if recent(name) {
			continue
		}
		v.values[name] = val
	}
	for name := range v.values {
		if _, ok := incoming[name]; ok {
			continue
		}
		if recent(name) {
			continue
		}
		delete(v.values, name)
	}
}

// Substitute replaces $name, ${name} and $name[key][sub] references with variable values. "$$" yields a literal
// dollar. Unresolved references are left untouched so game commands containing dollars pass through.
func (v *Vars) Substitute(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '$' {
			b.WriteByte('$')
			i += 2
			continue
		}

		ref, n := parseVarRef(s[i:])
		if n == 0 {
			b.WriteByte('$')
			i++
			continue
		}
		if val, ok := v.resolve(ref); ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[i : i+n])
		}
		i += n
	}
	return b.String()
}

// parseVarRef reads a variable reference starting at the leading $. It returns the reference text without the
// dollar and the number of bytes consumed including it; n == 0 means no reference starts here.
func parseVarRef(s string) (ref string, n int) {
	if len(s) < 2 {
		return "", 0
	}
	if s[1] == '{' {
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return "", 0
		}
		return s[2:end], end + 1
	}

	j := 1
	if !isNameStart(s[j]) {
		return "", 0
	}
	for j < len(s) && isNameChar(s[j]) {
		j++
	}
	// bracket path segments
	for j < len(s) && s[j] == '[' {
		close := strings.IndexByte(s[j:], ']')
		if close < 0 {
			break
		}
		j += close + 1
	}
	return s[1:j], j
}

// resolve looks a reference up, treating bracket paths as dotted keys: $a[b][c] resolves "a[b][c]" literally
// first, then "a.b.c".
func (v *Vars) resolve(ref string) (string, bool) {
	if val, ok := v.values[ref]; ok {
		return val, true
	}
	if strings.ContainsRune(ref, '[') {
		dotted := strings.NewReplacer("[", ".", "]", "").Replace(ref)
		if val, ok := v.values[dotted]; ok {
			return val, true
		}
	}
	return "", false
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
