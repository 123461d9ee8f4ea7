package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// MaxFileURLLength bounds the stored length of a file reference.
const MaxFileURLLength = 2048

var (
	// ErrInvalidFileURL is returned for file references that are not http(s) URLs or site paths.
	ErrInvalidFileURL = errors.New("invalid file URL")

	// ErrInternalIP is returned when a file URL names an internal address literally.
	ErrInternalIP = errors.New("URL cannot point to internal addresses")
)

// ValidateFileURL checks a file reference attached to a message. It accepts absolute
// http(s) URLs and site-relative paths ("/uploads/x.png"). With allowInternal unset,
// hosts that are loopback, private or link-local literals (or "localhost") are refused.
// No DNS lookup is made; clients only ever follow these URLs, the server never fetches them.
func ValidateFileURL(raw string, allowInternal bool) error {
	if raw == "" || len(raw) > MaxFileURLLength {
		return fmt.Errorf("%w: length %d", ErrInvalidFileURL, len(raw))
	}
	if strings.ContainsAny(raw, " \t\r\n\\") {
		return fmt.Errorf("%w: contains whitespace or backslash", ErrInvalidFileURL)
	}
	if strings.HasPrefix(raw, "/") {
		if strings.HasPrefix(raw, "//") {
			return fmt.Errorf("%w: scheme-relative URL", ErrInvalidFileURL)
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFileURL, err)
		}
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFileURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidFileURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrInvalidFileURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidFileURL)
	}
	if allowInternal {
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: localhost not allowed", ErrInternalIP)
	}
	if ip := net.ParseIP(host); ip != nil && internalIP(ip) {
		return fmt.Errorf("%w: %s", ErrInternalIP, ip)
	}
	return nil
}

func internalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsLinkLocalMulticast() {
		return true
	}
	// cloud metadata endpoints
	switch ip.String() {
	case "169.254.169.254", "169.254.170.2", "fd00:ec2::254":
		return true
	}
	return false
}
