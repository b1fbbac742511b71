package gateway

// WebSocket close codes sent when the proxy hangs up on a browser. Standard codes (1000, 1001) are defined by
// RFC 6455; the 4000 range is reserved for application use.
const (
	CloseUnknownError     = 4000
	CloseDecodeError      = 4002
	CloseNotAuthenticated = 4003
	CloseAuthFailed       = 4004
)
