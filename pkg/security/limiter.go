package security

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

const (
	// maxIPEntries bounds the per-IP table so address churn cannot grow it without limit.
	maxIPEntries = 10000
	// reservationTTL is how long a pre-upgrade reservation may wait for its handshake.
	reservationTTL = 30 * time.Second
	// inactiveTTL is how long an idle IP entry is kept before cleanup drops it.
	inactiveTTL = 10 * time.Minute
	// cleanupInterval is how often expired reservations and idle entries are swept.
	cleanupInterval = time.Minute
)

type ipInfo struct {
	lastActive   time.Time
	active       int
	reservations int
}

type reservation struct {
	createdAt time.Time
	ip        string
}

// ConnectionLimiter caps concurrent connections per IP and in total.
//
// Admission is two-phase: Reserve claims a slot before the WebSocket upgrade so the
// HTTP layer can still answer 429, and CommitReservation turns it into an active
// connection once the handshake completes. Reservations that are never committed
// expire after reservationTTL.
type ConnectionLimiter struct {
	perIP        map[string]*ipInfo
	reservations map[string]*reservation
	stop         chan struct{}
	mu           sync.Mutex
	stopOnce     sync.Once
	maxPerIP     int
	maxTotal     int
	total        int
	totalReserve int
}

// NewConnectionLimiter creates a limiter and starts its background sweeper.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:        make(map[string]*ipInfo),
		reservations: make(map[string]*reservation),
		stop:         make(chan struct{}),
		maxPerIP:     maxPerIP,
		maxTotal:     maxTotal,
	}
	go cl.sweep()
	return cl
}

func (cl *ConnectionLimiter) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.cleanup()
		}
	}
}

// Stop ends the background sweeper. Safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// entry returns the info for ip, creating it if there is room. Caller holds mu.
func (cl *ConnectionLimiter) entry(ip string) *ipInfo {
	if info, ok := cl.perIP[ip]; ok {
		return info
	}
	if len(cl.perIP) >= maxIPEntries {
		cl.evictOldestInactive()
		if len(cl.perIP) >= maxIPEntries {
			return nil
		}
	}
	info := &ipInfo{lastActive: time.Now()}
	cl.perIP[ip] = info
	return info
}

// admit reports whether one more connection from ip fits. Caller holds mu.
func (cl *ConnectionLimiter) admit(ip string) *ipInfo {
	if cl.total+cl.totalReserve >= cl.maxTotal {
		return nil
	}
	info := cl.entry(ip)
	if info == nil || info.active+info.reservations >= cl.maxPerIP {
		return nil
	}
	return info
}

// Add registers an active connection without a reservation.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.admit(ip)
	if info == nil {
		return false
	}
	info.active++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// Remove releases an active connection.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info, ok := cl.perIP[ip]
	if !ok || info.active <= 0 {
		return
	}
	info.active--
	info.lastActive = time.Now()
	if cl.total > 0 {
		cl.total--
	}
}

// Reserve claims a slot for ip and returns a token, or "" if a limit is reached.
func (cl *ConnectionLimiter) Reserve(ip string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	token := hex.EncodeToString(b)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.admit(ip)
	if info == nil {
		return ""
	}
	info.reservations++
	info.lastActive = time.Now()
	cl.totalReserve++
	cl.reservations[token] = &reservation{ip: ip, createdAt: time.Now()}
	return token
}

// CommitReservation converts a live reservation into an active connection.
func (cl *ConnectionLimiter) CommitReservation(token string) bool {
	if token == "" {
		return false
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res, ok := cl.reservations[token]
	if !ok {
		return false
	}
	delete(cl.reservations, token)
	cl.releaseReservation(res.ip)

	if time.Since(res.createdAt) > reservationTTL {
		return false
	}
	info, ok := cl.perIP[res.ip]
	if !ok {
		return false
	}
	info.active++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// CancelReservation gives back a slot that was never committed.
func (cl *ConnectionLimiter) CancelReservation(token string) {
	if token == "" {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res, ok := cl.reservations[token]
	if !ok {
		return
	}
	delete(cl.reservations, token)
	cl.releaseReservation(res.ip)
}

// releaseReservation decrements reservation counters without going negative. Caller holds mu.
func (cl *ConnectionLimiter) releaseReservation(ip string) {
	if cl.totalReserve > 0 {
		cl.totalReserve--
	}
	if info, ok := cl.perIP[ip]; ok && info.reservations > 0 {
		info.reservations--
		info.lastActive = time.Now()
	}
}

// Active returns the number of committed connections.
func (cl *ConnectionLimiter) Active() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// cleanup expires stale reservations, repairs counters and drops idle entries.
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	for token, res := range cl.reservations {
		if now.Sub(res.createdAt) > reservationTTL {
			delete(cl.reservations, token)
			cl.releaseReservation(res.ip)
		}
	}

	if cl.totalReserve < 0 {
		cl.totalReserve = 0
	}
	if cl.total < 0 {
		cl.total = 0
	}
	for ip, info := range cl.perIP {
		if info.reservations < 0 {
			info.reservations = 0
		}
		if info.active < 0 {
			info.active = 0
		}
		if info.active == 0 && info.reservations == 0 && now.Sub(info.lastActive) > inactiveTTL {
			delete(cl.perIP, ip)
		}
	}
}

// evictOldestInactive drops the oldest tenth of idle entries. Caller holds mu.
func (cl *ConnectionLimiter) evictOldestInactive() {
	type idle struct {
		at time.Time
		ip string
	}
	var candidates []idle
	for ip, info := range cl.perIP {
		if info.active == 0 && info.reservations == 0 {
			candidates = append(candidates, idle{ip: ip, at: info.lastActive})
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	n := max(1, maxIPEntries/10)
	for i := 0; i < n && i < len(candidates); i++ {
		delete(cl.perIP, candidates[i].ip)
	}
}
