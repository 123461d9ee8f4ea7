// Package jwe verifies compact JWE session tokens issued by the login system.
//
// Only one combination is accepted: "dir" key management with A256CBC-HS512
// content encryption. A single shared secret is stretched with HKDF-SHA256 into
// a 32-byte MAC key and a 32-byte AES key. Verification is pure and never panics
// on hostile input; every failure is reported as one of the sentinel errors below.
package jwe

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// Algorithm is the only accepted "alg" header value.
	Algorithm = "dir"
	// Encryption is the only accepted "enc" header value.
	Encryption = "A256CBC-HS512"
	// DefaultInfo is the HKDF info string used by the issuer.
	DefaultInfo = "NextAuth.js Generated Encryption Key"

	keySize = 64
	macSize = 32
	tagSize = 32
	ivSize  = aes.BlockSize
)

var (
	// ErrMalformedToken means the token is not a five-segment compact JWE.
	ErrMalformedToken = errors.New("malformed token")
	// ErrUnsupportedAlgorithm means the header declares a different alg/enc pair.
	ErrUnsupportedAlgorithm = errors.New("unsupported token algorithm")
	// ErrTagMismatch means the authentication tag did not verify.
	ErrTagMismatch = errors.New("token authentication tag mismatch")
	// ErrInvalidPayload means the decrypted content is not a JSON object.
	ErrInvalidPayload = errors.New("invalid token payload")
	// ErrMissingSubject means the claims carry no subject identifier.
	ErrMissingSubject = errors.New("token has no subject")
	// ErrTokenExpired means the claims carry an exp in the past.
	ErrTokenExpired = errors.New("token expired")
)

// Header is the protected JOSE header.
type Header struct {
	Algorithm  string `json:"alg"`
	Encryption string `json:"enc"`
}

// Claims is the decrypted session payload.
type Claims struct {
	Raw      map[string]any `json:"-"`
	Subject  string         `json:"sub,omitempty"`
	ID       string         `json:"id,omitempty"`
	Email    string         `json:"email,omitempty"`
	Name     string         `json:"name,omitempty"`
	Picture  string         `json:"picture,omitempty"`
	TenantID string         `json:"tenantId,omitempty"`
	Role     string         `json:"role,omitempty"`
	Expiry   float64        `json:"exp,omitempty"`
	IssuedAt float64        `json:"iat,omitempty"`
}

// UserID returns the subject identifier, preferring "sub" over "id".
func (c *Claims) UserID() (string, error) {
	if c.Subject != "" {
		return c.Subject, nil
	}
	if c.ID != "" {
		return c.ID, nil
	}
	return "", ErrMissingSubject
}

// Keys is the derived key pair for one secret.
type Keys struct {
	mac []byte
	enc []byte
}

// DeriveKeys stretches secret into the MAC and AES keys using HKDF-SHA256
// with an empty salt and the given info string.
func DeriveKeys(secret, info string) (Keys, error) {
	material := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), material); err != nil {
		return Keys{}, fmt.Errorf("derive keys: %w", err)
	}
	return Keys{mac: material[:macSize], enc: material[macSize:]}, nil
}

// Verifier verifies tokens against one pre-derived key pair.
type Verifier struct {
	now  func() time.Time
	keys Keys
}

// Option configures a Verifier.
type Option func(*verifierOptions)

type verifierOptions struct {
	now  func() time.Time
	info string
}

// WithInfo overrides the HKDF info string.
func WithInfo(info string) Option {
	return func(o *verifierOptions) { o.info = info }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *verifierOptions) { o.now = now }
}

// NewVerifier derives keys for secret once so each verification skips HKDF.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	o := verifierOptions{info: DefaultInfo, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	keys, err := DeriveKeys(secret, o.info)
	if err != nil {
		return nil, err
	}
	return &Verifier{keys: keys, now: o.now}, nil
}

// Verify decrypts token with secret using the default info string.
func Verify(token, secret string) (*Claims, error) {
	v, err := NewVerifier(secret)
	if err != nil {
		return nil, err
	}
	return v.Verify(token)
}

// Verify authenticates and decrypts token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: want 5 segments, got %d", ErrMalformedToken, len(parts))
	}
	rawHeader, encryptedKey, rawIV, rawCiphertext, rawTag := parts[0], parts[1], parts[2], parts[3], parts[4]

	headerJSON, err := decodeSegment(rawHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformedToken, err)
	}
	var h Header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, fmt.Errorf("%w: header json: %w", ErrMalformedToken, err)
	}
	if h.Algorithm != Algorithm || h.Encryption != Encryption {
		return nil, fmt.Errorf("%w: alg=%q enc=%q", ErrUnsupportedAlgorithm, h.Algorithm, h.Encryption)
	}
	if encryptedKey != "" {
		return nil, fmt.Errorf("%w: direct encryption requires an empty key segment", ErrMalformedToken)
	}

	iv, err := decodeSegment(rawIV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %w", ErrMalformedToken, err)
	}
	ciphertext, err := decodeSegment(rawCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %w", ErrMalformedToken, err)
	}
	tag, err := decodeSegment(rawTag)
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %w", ErrMalformedToken, err)
	}

	expected := v.tag([]byte(rawHeader), iv, ciphertext)
	if !hmac.Equal(expected, tag) {
		return nil, ErrTagMismatch
	}

	plaintext, err := v.decrypt(iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	claims, err := parseClaims(plaintext)
	if err != nil {
		return nil, err
	}
	if claims.Expiry > 0 && v.now().After(time.Unix(int64(claims.Expiry), 0)) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// tag computes the truncated HMAC-SHA-512 over AAD || IV || ciphertext || AL,
// where AL is the AAD length in bits as a 64-bit big-endian integer.
func (v *Verifier) tag(aad, iv, ciphertext []byte) []byte {
	var al [8]byte
	binary.BigEndian.PutUint64(al[:], uint64(len(aad))*8)

	mac := hmac.New(sha512.New, v.keys.mac)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(al[:])
	return mac.Sum(nil)[:tagSize]
}

func (v *Verifier) decrypt(iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != ivSize {
		return nil, fmt.Errorf("iv length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d", len(ciphertext))
	}
	block, err := aes.NewCipher(v.keys.enc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("bad padding")
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errors.New("bad padding")
	}
	return b[:len(b)-n], nil
}

func parseClaims(plaintext []byte) (*Claims, error) {
	var raw map[string]any
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrInvalidPayload)
	}
	var c Claims
	if err := json.Unmarshal(plaintext, &c); err != nil {
		// Known claim with an unexpected type, e.g. a numeric "sub".
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	c.Raw = raw
	return &c, nil
}

func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
