// Package jwetest mints session tokens in the issuer's format for tests.
// Production code never issues tokens; only the login system does.
package jwetest

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"golang.org/x/crypto/hkdf"

	"github.com/codeGROOVE-dev/parlor/pkg/jwe"
)

// Header is the protected header used by Seal.
var Header = map[string]string{"alg": jwe.Algorithm, "enc": jwe.Encryption}

// Seal encrypts claims with secret and returns a compact token.
func Seal(t testing.TB, claims any, secret string) string {
	t.Helper()
	return SealWithHeader(t, claims, secret, Header)
}

// SealWithHeader is Seal with a caller-controlled protected header.
func SealWithHeader(t testing.TB, claims any, secret string, header map[string]string) string {
	t.Helper()

	material := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(jwe.DefaultInfo)), material); err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	macKey, encKey := material[:32], material[32:]

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var plaintext []byte
	if raw, ok := claims.([]byte); ok {
		plaintext = raw
	} else if plaintext, err = json.Marshal(claims); err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("iv: %v", err)
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		t.Fatalf("aes: %v", err)
	}
	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	enc := base64.RawURLEncoding
	protected := enc.EncodeToString(headerJSON)

	var al [8]byte
	binary.BigEndian.PutUint64(al[:], uint64(len(protected))*8)
	mac := hmac.New(sha512.New, macKey)
	mac.Write([]byte(protected))
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(al[:])
	tag := mac.Sum(nil)[:32]

	return strings.Join([]string{
		protected,
		"",
		enc.EncodeToString(iv),
		enc.EncodeToString(ciphertext),
		enc.EncodeToString(tag),
	}, ".")
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}
