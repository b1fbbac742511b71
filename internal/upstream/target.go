// Package upstream owns connectivity to the game servers: the target allowlist, the direct TCP path, and the
// bridge-relay path used across proxy restarts. Both paths deliver bytes to the session through the same Events
// callbacks.
package upstream

import "strconv"

// Target is one allowlisted game server.
type Target struct {
	Host string
	Port int
	// Code is the short name used in persistence records.
	Code string
}

var targets = []Target{
	{Host: "3k.org", Port: 3000, Code: "3k"},
	{Host: "3scapes.org", Port: 3200, Code: "3s"},
}

// Lookup returns the allowlisted target matching host and port.
func Lookup(host string, port int) (Target, bool) {
	for _, t := range targets {
		if t.Host == host && t.Port == port {
			return t, true
		}
	}
	return Target{}, false
}

// ByCode returns the target for a persistence short code.
func ByCode(code string) (Target, bool) {
	for _, t := range targets {
		if t.Code == code {
			return t, true
		}
	}
	return Target{}, false
}

// Addr returns the dialable host:port string.
func (t Target) Addr() string {
	return t.Host + ":" + strconv.Itoa(t.Port)
}
