// Package auth admits or rejects connections based on the login system's session cookie.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/codeGROOVE-dev/parlor/pkg/jwe"
)

var (
	// ErrNoSessionCookie means none of the known session cookies was presented.
	ErrNoSessionCookie = errors.New("no session cookie")
	// ErrSecretNotConfigured means the server cannot verify tokens at all.
	ErrSecretNotConfigured = errors.New("session secret not configured")
)

// CookieNames are the session cookie names set by the login system, in precedence order.
// The __Secure- variants are issued over HTTPS and win over the plain ones.
var CookieNames = []string{
	"__Secure-authjs.session-token",
	"__Secure-next-auth.session-token",
	"authjs.session-token",
	"next-auth.session-token",
}

// maxCookieChunks bounds how many "name.N" chunks are reassembled.
const maxCookieChunks = 16

// Identity is the authenticated principal attached to a connection.
// It is set once at handshake time and never modified.
type Identity struct {
	UserID   string
	Email    string
	Name     string
	Image    string
	TenantID string
	Role     string
}

// Authenticator verifies session cookies.
type Authenticator struct {
	verifier *jwe.Verifier
	names    []string
}

// New creates an Authenticator. An empty secret yields an Authenticator that
// rejects every connection with ErrSecretNotConfigured.
func New(secret string, opts ...jwe.Option) (*Authenticator, error) {
	a := &Authenticator{names: CookieNames}
	if secret == "" {
		return a, nil
	}
	v, err := jwe.NewVerifier(secret, opts...)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	a.verifier = v
	return a, nil
}

// Configured reports whether a secret is available.
func (a *Authenticator) Configured() bool {
	return a.verifier != nil
}

// Authenticate extracts and verifies the session cookie on r.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	return a.AuthenticateCookieHeader(strings.Join(r.Header.Values("Cookie"), "; "))
}

// AuthenticateCookieHeader verifies a raw Cookie header value.
func (a *Authenticator) AuthenticateCookieHeader(header string) (Identity, error) {
	token, _, ok := SessionToken(ParseCookies(header), a.names)
	if !ok {
		return Identity{}, ErrNoSessionCookie
	}
	if a.verifier == nil {
		return Identity{}, ErrSecretNotConfigured
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:   userID,
		Email:    claims.Email,
		Name:     claims.Name,
		Image:    claims.Picture,
		TenantID: claims.TenantID,
		Role:     claims.Role,
	}, nil
}

// ParseCookies splits a Cookie header into name/value pairs.
// Pairs without "=" are kept with an empty value; the first occurrence of a name wins.
func ParseCookies(header string) map[string]string {
	out := make(map[string]string)
	for pair := range strings.SplitSeq(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, seen := out[name]; seen {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		out[name] = value
	}
	return out
}

// SessionToken returns the URL-decoded token of the first cookie name present,
// reassembling chunked cookies ("name.0", "name.1", ...) when the plain name is absent.
func SessionToken(cookies map[string]string, names []string) (token, name string, ok bool) {
	for _, n := range names {
		if v := cookies[n]; v != "" {
			return unescape(v), n, true
		}
		if v := chunked(cookies, n); v != "" {
			return unescape(v), n, true
		}
	}
	return "", "", false
}

func chunked(cookies map[string]string, name string) string {
	prefix := name + "."
	var idx []int
	parts := make(map[int]string)
	for k, v := range cookies {
		rest, found := strings.CutPrefix(k, prefix)
		if !found {
			continue
		}
		i, err := strconv.Atoi(rest)
		if err != nil || i < 0 || i >= maxCookieChunks {
			continue
		}
		idx = append(idx, i)
		parts[i] = v
	}
	sort.Ints(idx)
	var b strings.Builder
	for want, i := range idx {
		if i != want {
			// gap in the chunk sequence
			return ""
		}
		b.WriteString(parts[i])
	}
	return b.String()
}

func unescape(v string) string {
	if s, err := url.PathUnescape(v); err == nil {
		return s
	}
	return v
}
