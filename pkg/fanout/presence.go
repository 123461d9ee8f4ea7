package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceTTL bounds how long a count survives without Refresh. A process that
// dies without decrementing stops refreshing, so its connections age out.
const PresenceTTL = 15 * time.Minute

// Counter keeps per-user connection counts shared by every process, so presence
// transitions are decided once for the whole cluster. Adapters that can count
// implement it alongside Adapter.
type Counter interface {
	// Incr records one more connection for userID and returns the cluster-wide count.
	Incr(ctx context.Context, userID string) (int64, error)
	// Decr records one fewer connection for userID and returns the cluster-wide
	// count. The count never goes below zero.
	Decr(ctx context.Context, userID string) (int64, error)
	// Refresh extends the lifetime of the counts of userIDs.
	Refresh(ctx context.Context, userIDs ...string) error
}

var (
	_ Counter = (*Redis)(nil)
	_ Counter = (*Member)(nil)
)

var (
	incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[1])
return n`)

	decrScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
redis.call('EXPIRE', KEYS[1], ARGV[1])
return n`)
)

func (r *Redis) presenceKey(userID string) string {
	return r.topic + ":presence:" + userID
}

// Incr implements Counter.
func (r *Redis) Incr(ctx context.Context, userID string) (int64, error) {
	if !r.available.Load() {
		return 0, ErrUnavailable
	}
	n, err := incrScript.Run(ctx, r.client, []string{r.presenceKey(userID)}, int(PresenceTTL.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence incr: %w", err)
	}
	return n, nil
}

// Decr implements Counter.
func (r *Redis) Decr(ctx context.Context, userID string) (int64, error) {
	if !r.available.Load() {
		return 0, ErrUnavailable
	}
	n, err := decrScript.Run(ctx, r.client, []string{r.presenceKey(userID)}, int(PresenceTTL.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence decr: %w", err)
	}
	return n, nil
}

// Refresh implements Counter.
func (r *Redis) Refresh(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if !r.available.Load() {
		return ErrUnavailable
	}
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range userIDs {
			p.Expire(ctx, r.presenceKey(id), PresenceTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence refresh: %w", err)
	}
	return nil
}

// Incr implements Counter.
func (m *Member) Incr(_ context.Context, userID string) (int64, error) {
	if m.bus.down.Load() {
		return 0, ErrUnavailable
	}
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	m.bus.counts[userID]++
	return m.bus.counts[userID], nil
}

// Decr implements Counter.
func (m *Member) Decr(_ context.Context, userID string) (int64, error) {
	if m.bus.down.Load() {
		return 0, ErrUnavailable
	}
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	n := m.bus.counts[userID] - 1
	if n <= 0 {
		delete(m.bus.counts, userID)
		return 0, nil
	}
	m.bus.counts[userID] = n
	return n, nil
}

// Refresh implements Counter. Bus counts do not expire.
func (m *Member) Refresh(context.Context, ...string) error {
	if m.bus.down.Load() {
		return ErrUnavailable
	}
	return nil
}
