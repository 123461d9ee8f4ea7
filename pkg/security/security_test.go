package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestConnectionLimiterLimits(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	if !cl.Add("10.0.0.1") || !cl.Add("10.0.0.1") {
		t.Fatal("first two connections should be allowed")
	}
	if cl.Add("10.0.0.1") {
		t.Error("third connection from one IP should be denied")
	}

	cl.Add("10.0.0.2")
	cl.Add("10.0.0.2")
	cl.Add("10.0.0.3")
	if cl.Add("10.0.0.4") {
		t.Error("total limit should deny a sixth connection")
	}
	if got := cl.Active(); got != 5 {
		t.Errorf("Active() = %d, want 5", got)
	}

	cl.Remove("10.0.0.1")
	if !cl.Add("10.0.0.4") {
		t.Error("removal should free a slot")
	}
}

func TestConnectionLimiterRemoveNeverNegative(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	cl.Remove("10.0.0.9")
	cl.Add("10.0.0.1")
	cl.Remove("10.0.0.1")
	cl.Remove("10.0.0.1")

	cl.mu.Lock()
	total := cl.total
	cl.mu.Unlock()
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if !cl.Add("10.0.0.1") {
		t.Error("should add after repeated removes")
	}
}

func TestConnectionLimiterReservations(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	ip := "10.0.0.1"
	t1, t2 := cl.Reserve(ip), cl.Reserve(ip)
	if t1 == "" || t2 == "" || t1 == t2 {
		t.Fatalf("reservations = %q, %q", t1, t2)
	}
	if cl.Reserve(ip) != "" {
		t.Error("pending reservations count toward the per-IP limit")
	}
	if !cl.CommitReservation(t1) {
		t.Error("first commit should succeed")
	}
	if cl.CommitReservation(t1) {
		t.Error("double commit should fail")
	}
	cl.CancelReservation(t2)
	cl.CancelReservation(t2)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.total != 1 || cl.totalReserve != 0 {
		t.Errorf("total = %d, totalReserve = %d; want 1, 0", cl.total, cl.totalReserve)
	}
}

func TestConnectionLimiterUnknownTokens(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	for _, token := range []string{"", "no-such-token"} {
		cl.CancelReservation(token)
		if cl.CommitReservation(token) {
			t.Errorf("CommitReservation(%q) succeeded", token)
		}
	}
}

func TestConnectionLimiterExpiredReservation(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	token := cl.Reserve("10.0.0.1")
	cl.mu.Lock()
	cl.reservations[token].createdAt = time.Now().Add(-2 * reservationTTL)
	cl.mu.Unlock()

	if cl.CommitReservation(token) {
		t.Error("expired reservation committed")
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.reservations[token] != nil || cl.totalReserve != 0 {
		t.Error("expired reservation not released")
	}
}

func TestConnectionLimiterCommitAfterEntryDropped(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	token := cl.Reserve("10.0.0.1")
	cl.mu.Lock()
	delete(cl.perIP, "10.0.0.1")
	cl.mu.Unlock()

	if cl.CommitReservation(token) {
		t.Error("commit should fail without an IP entry")
	}
}

func TestConnectionLimiterCleanup(t *testing.T) {
	cl := NewConnectionLimiter(10, 100)
	defer cl.Stop()

	live := cl.Reserve("10.0.0.1")
	stale := cl.Reserve("10.0.0.2")
	cl.Add("10.0.0.3")
	cl.Remove("10.0.0.3")

	cl.mu.Lock()
	cl.reservations[stale].createdAt = time.Now().Add(-2 * reservationTTL)
	cl.perIP["10.0.0.3"].lastActive = time.Now().Add(-2 * inactiveTTL)
	cl.totalReserve = -5
	cl.mu.Unlock()

	cl.cleanup()

	cl.mu.Lock()
	if cl.reservations[stale] != nil {
		t.Error("stale reservation kept")
	}
	if _, ok := cl.perIP["10.0.0.3"]; ok {
		t.Error("idle entry kept")
	}
	if cl.totalReserve < 0 {
		t.Error("negative totalReserve not repaired")
	}
	cl.mu.Unlock()

	if !cl.CommitReservation(live) {
		t.Error("live reservation removed by cleanup")
	}
}

func TestConnectionLimiterEviction(t *testing.T) {
	cl := NewConnectionLimiter(5, maxIPEntries*2)
	defer cl.Stop()

	for i := range maxIPEntries + 5 {
		ip := fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff)
		if token := cl.Reserve(ip); token != "" {
			cl.CancelReservation(token)
		}
	}
	if token := cl.Reserve("192.0.2.1"); token == "" {
		t.Error("reservation should succeed once idle entries are evicted")
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.perIP) > maxIPEntries {
		t.Errorf("perIP has %d entries, cap is %d", len(cl.perIP), maxIPEntries)
	}
}

func TestConnectionLimiterEvictKeepsActive(t *testing.T) {
	cl := NewConnectionLimiter(10, 100)
	defer cl.Stop()

	cl.Add("10.0.0.1")
	cl.Add("10.0.0.2")

	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.evictOldestInactive()
	if len(cl.perIP) != 2 {
		t.Errorf("active entries evicted: %d left", len(cl.perIP))
	}
}

func TestConnectionLimiterConcurrent(t *testing.T) {
	cl := NewConnectionLimiter(1000, 50)
	defer cl.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for range 200 {
		wg.Go(func() {
			if token := cl.Reserve("10.0.0.1"); token != "" && cl.CommitReservation(token) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if admitted != 50 {
		t.Errorf("admitted %d, want exactly 50", admitted)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{name: "direct connection", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "ignores X-Forwarded-For", headers: map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "ignores X-Real-IP", headers: map[string]string{"X-Real-IP": "10.0.0.1"}, remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "ipv6", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "no port", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateFileURL(t *testing.T) {
	tests := []struct {
		name          string
		url           string
		allowInternal bool
		wantErr       error
	}{
		{name: "https", url: "https://cdn.example.com/f/report.pdf"},
		{name: "http", url: "http://files.example.com/a.png?sig=abc"},
		{name: "site path", url: "/uploads/2026/a.png"},
		{name: "empty", url: "", wantErr: ErrInvalidFileURL},
		{name: "too long", url: "https://x.example/" + string(make([]byte, MaxFileURLLength)), wantErr: ErrInvalidFileURL},
		{name: "javascript", url: "javascript:alert(1)", wantErr: ErrInvalidFileURL},
		{name: "data", url: "data:text/html;base64,PGgxPg==", wantErr: ErrInvalidFileURL},
		{name: "scheme relative", url: "//evil.example/x", wantErr: ErrInvalidFileURL},
		{name: "no host", url: "https:///x", wantErr: ErrInvalidFileURL},
		{name: "credentials", url: "https://user:pw@example.com/x", wantErr: ErrInvalidFileURL},
		{name: "whitespace", url: "https://example.com/a b", wantErr: ErrInvalidFileURL},
		{name: "localhost", url: "http://localhost:3000/uploads/a.png", wantErr: ErrInternalIP},
		{name: "localhost allowed in dev", url: "http://localhost:3000/uploads/a.png", allowInternal: true},
		{name: "private literal", url: "https://10.1.2.3/x", wantErr: ErrInternalIP},
		{name: "metadata", url: "http://169.254.169.254/latest", wantErr: ErrInternalIP},
		{name: "loopback v6", url: "http://[::1]/x", wantErr: ErrInternalIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFileURL(tt.url, tt.allowInternal)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("ValidateFileURL(%q) = %v", tt.url, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateFileURL(%q) = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
