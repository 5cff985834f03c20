package internal

import "strings"

const bearerPrefix = "Bearer "

// BearerToken extracts the credential from an Authorization header value.
// Returns "" when the header is absent or not a bearer credential.
func BearerToken(header string) string {
	if len(header) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// SubprotocolToken extracts a credential smuggled through the websocket
// subprotocol list, e.g. "realtime.v1, jwt.<token>". Clients that cannot set
// an Authorization header on the handshake use this channel.
func SubprotocolToken(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if t, ok := strings.CutPrefix(part, "jwt."); ok && t != "" {
			return t
		}
	}
	return ""
}
