package srv

import (
	"context"
	"hash/maphash"
	"slices"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/parlor/pkg/fanout"
	"github.com/codeGROOVE-dev/parlor/pkg/logger"
	"github.com/codeGROOVE-dev/parlor/pkg/store"
)

const (
	// DefaultHeartbeat is how often last-active timestamps are refreshed.
	DefaultHeartbeat = 60 * time.Second
	touchTimeout     = 5 * time.Second
	counterTimeout   = 2 * time.Second
	presenceStripes  = 64
)

// Presence tracks which identities have open connections.
//
// Locking:
//   - mu guards conns only and is never held across I/O
//   - a per-user lock (one of a fixed set of stripes) serializes an identity's
//     transitions, so its online and offline broadcasts go out in the order its
//     connections came and went, while other identities proceed
//
// When the hub's fan-out adapter is a fanout.Counter and is available, the
// cluster-wide count decides transitions; otherwise the local count does.
type Presence struct {
	hub     *Hub
	store   store.Store
	conns   map[string]map[string]bool // user id -> client id -> counted cluster-wide
	now     func() time.Time
	seed    maphash.Seed
	stripes [presenceStripes]sync.Mutex
	mu      sync.Mutex
}

// NewPresence creates a presence tracker.
func NewPresence(hub *Hub, st store.Store) *Presence {
	return &Presence{
		hub:   hub,
		store: st,
		conns: make(map[string]map[string]bool),
		now:   time.Now,
		seed:  maphash.MakeSeed(),
	}
}

func (p *Presence) userLock(userID string) *sync.Mutex {
	return &p.stripes[maphash.String(p.seed, userID)%presenceStripes]
}

// counter returns the cluster-wide counter when one is usable.
func (p *Presence) counter() (fanout.Counter, bool) {
	c, ok := p.hub.fanout.(fanout.Counter)
	if !ok || !p.hub.fanout.Available() {
		return nil, false
	}
	return c, true
}

// Connect records a new connection, joins it to its personal channel and
// announces the identity online if this is its first connection.
func (p *Presence) Connect(ctx context.Context, c *Client) bool {
	userID := c.UserID()
	p.hub.Join(c, UserChannel(userID))

	lock := p.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	set, ok := p.conns[userID]
	if !ok {
		set = make(map[string]bool)
		p.conns[userID] = set
	}
	set[c.ID] = false
	first := len(set) == 1
	p.mu.Unlock()

	if counter, ok := p.counter(); ok {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), counterTimeout)
		n, err := counter.Incr(cctx, userID)
		cancel()
		if err == nil {
			first = n == 1
			p.mu.Lock()
			if set, ok := p.conns[userID]; ok {
				if _, ok := set[c.ID]; ok {
					set[c.ID] = true
				}
			}
			p.mu.Unlock()
		} else {
			logger.Warn(ctx, "presence count unavailable, using local connections", logger.Fields{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}

	if first {
		p.hub.Broadcast(ctx, BroadcastAll, Frame{
			Event: EventUserStatus,
			Data:  UserStatus{UserID: userID, IsOnline: true},
		}, "")
		logger.Info(ctx, "user online", logger.Fields{"user_id": userID, "client_id": c.ID})
	}
	p.touch(ctx, userID)
	return first
}

// Disconnect removes a connection and announces the identity offline if it
// was the last one. Unknown connections are ignored.
func (p *Presence) Disconnect(ctx context.Context, c *Client) bool {
	userID := c.UserID()

	lock := p.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	set, ok := p.conns[userID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	counted, ok := set[c.ID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(set, c.ID)
	last := len(set) == 0
	if last {
		delete(p.conns, userID)
	}
	p.mu.Unlock()

	if counter, ok := p.counter(); ok && counted {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), counterTimeout)
		n, err := counter.Decr(cctx, userID)
		cancel()
		if err == nil {
			last = n == 0
		} else {
			logger.Warn(ctx, "presence count unavailable, using local connections", logger.Fields{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}

	if last {
		p.hub.Broadcast(ctx, BroadcastAll, Frame{
			Event: EventUserStatus,
			Data:  UserStatus{UserID: userID, IsOnline: false},
		}, c.ID)
		logger.Info(ctx, "user offline", logger.Fields{"user_id": userID, "client_id": c.ID})
	}
	p.touch(ctx, userID)
	return last
}

// IsOnline reports whether userID has at least one connection on this process.
func (p *Presence) IsOnline(userID string) bool {
	return p.Connections(userID) > 0
}

// Connections returns the number of open connections for userID.
func (p *Presence) Connections(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[userID])
}

// Online returns the identities with open connections, sorted.
func (p *Presence) Online() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Run refreshes last-active timestamps for every connected identity until ctx is done.
func (p *Presence) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Heartbeat(ctx)
		}
	}
}

// Heartbeat updates last-active for all connected identities. Failures are logged.
func (p *Presence) Heartbeat(ctx context.Context) {
	ids := p.Online()
	if len(ids) == 0 {
		return
	}
	p.touch(ctx, ids...)
	if counter, ok := p.counter(); ok {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), counterTimeout)
		defer cancel()
		if err := counter.Refresh(cctx, ids...); err != nil {
			logger.Warn(ctx, "failed to refresh presence counts", logger.Fields{"users": len(ids), "error": err.Error()})
		}
	}
}

func (p *Presence) touch(ctx context.Context, ids ...string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := p.store.TouchLastActive(tctx, p.now(), ids...); err != nil {
		logger.Warn(ctx, "failed to update last active", logger.Fields{
			"users": len(ids),
			"error": err.Error(),
		})
	}
}
