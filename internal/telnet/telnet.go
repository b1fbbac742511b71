// Package telnet strips telnet protocol negotiation from a raw upstream byte stream. The proxy never negotiates
// options; it answers nothing and simply removes IAC sequences so the remaining bytes are clean game text. The one
// thing it does surface is Go-Ahead, which MUD servers send after prompt text that has no trailing newline.
package telnet

// Telnet command bytes.
const (
	SE   = 240 // end of subnegotiation
	GA   = 249 // go ahead
	SB   = 250 // start of subnegotiation
	WILL = 251
	WONT = 252
	DO   = 253
	DONT = 254
	IAC  = 255 // interpret as command
)

// Strip removes telnet IAC sequences from data and reports whether a Go-Ahead was seen. An escaped IAC (IAC IAC)
// decodes to a single 255 byte. Option negotiation (WILL/WONT/DO/DONT plus option byte) and subnegotiation blocks
// (SB ... IAC SE) are dropped whole. A sequence cut off by the end of the chunk is dropped.
func Strip(data []byte) ([]byte, bool) {
	clean := make([]byte, 0, len(data))
	ga := false
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != IAC {
			clean = append(clean, b)
			continue
		}
		if i+1 >= len(data) {
			break
		}
		i++
		switch data[i] {
		case IAC:
			clean = append(clean, IAC)
		case GA:
			ga = true
		case WILL, WONT, DO, DONT:
			i++ // option byte
		case SB:
			// Consume through IAC SE.
			for i++; i < len(data); i++ {
				if data[i] == IAC && i+1 < len(data) {
					i++
					if data[i] == SE {
						break
					}
				}
			}
		default:
			// Two-byte command with no payload.
		}
	}
	return clean, ga
}
