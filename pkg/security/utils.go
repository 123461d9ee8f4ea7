// Package security holds the admission checks of the messaging server: client IP
// extraction, connection limits and validation of user-supplied file URLs.
package security

import (
	"net"
	"net/http"
)

// ClientIP extracts the client IP from the request.
// We only use RemoteAddr to avoid header spoofing.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may be a bare IP
		return r.RemoteAddr
	}
	return ip
}
