package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"

	"github.com/codeGROOVE-dev/parlor/pkg/logger"
)

const (
	// DefaultTopic is the Redis pub/sub channel shared by all processes.
	DefaultTopic = "parlor:fanout"

	defaultMaxBackoff   = 30 * time.Second
	defaultInitialDelay = 500 * time.Millisecond
	publishTimeout      = 2 * time.Second
	healthInterval      = 5 * time.Second
)

// Redis is an Adapter over Redis pub/sub. It connects in the background with
// jittered exponential backoff so server startup never waits on the broker.
type Redis struct {
	client     *redis.Client
	out        chan Envelope
	done       chan struct{}
	cancel     context.CancelFunc
	origin     string
	topic      string
	maxBackoff time.Duration
	closeOnce  sync.Once
	available  atomic.Bool
}

// RedisOption configures a Redis adapter.
type RedisOption func(*Redis)

// WithTopic overrides the pub/sub channel name.
func WithTopic(topic string) RedisOption {
	return func(r *Redis) { r.topic = topic }
}

// WithMaxBackoff caps the reconnect delay.
func WithMaxBackoff(d time.Duration) RedisOption {
	return func(r *Redis) { r.maxBackoff = d }
}

// NewRedis parses url and starts connecting in the background. Only a malformed
// URL is an error; an unreachable broker leaves the adapter unavailable.
func NewRedis(ctx context.Context, url, origin string, opts ...RedisOption) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	r := &Redis{
		client:     redis.NewClient(opt),
		out:        make(chan Envelope, messageBuffer),
		done:       make(chan struct{}),
		origin:     origin,
		topic:      DefaultTopic,
		maxBackoff: defaultMaxBackoff,
	}
	for _, o := range opts {
		o(r)
	}

	// Detached from the caller's cancellation; Close stops the loop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	go r.run(runCtx)
	return r, nil
}

// Origin implements Adapter.
func (r *Redis) Origin() string { return r.origin }

// Available implements Adapter.
func (r *Redis) Available() bool { return r.available.Load() }

// Messages implements Adapter.
func (r *Redis) Messages() <-chan Envelope { return r.out }

// Publish implements Adapter.
func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	if !r.available.Load() {
		return ErrUnavailable
	}
	if env.Origin == "" {
		env.Origin = r.origin
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.topic, b).Err(); err != nil {
		r.setAvailable(ctx, false, err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close stops the subscriber and closes the client. Messages is closed on return.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		r.available.Store(false)
		err = r.client.Close()
	})
	return err
}

func (r *Redis) setAvailable(ctx context.Context, up bool, cause error) {
	if r.available.Swap(up) == up {
		return
	}
	if up {
		logger.Info(ctx, "fan-out adapter connected", logger.Fields{"topic": r.topic, "origin": r.origin})
		return
	}
	logger.Error(ctx, "fan-out adapter unavailable, delivering to local connections only", cause, logger.Fields{
		"topic": r.topic,
	})
}

func (r *Redis) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.out)

	for ctx.Err() == nil {
		ps, err := r.subscribe(ctx)
		if err != nil {
			return
		}
		r.setAvailable(ctx, true, nil)
		r.consume(ctx, ps)
		_ = ps.Close() //nolint:errcheck // reconnecting or shutting down
	}
}

// subscribe retries until a subscription is confirmed or ctx ends.
func (r *Redis) subscribe(ctx context.Context) (*redis.PubSub, error) {
	var ps *redis.PubSub
	err := retry.Do(func() error {
		if err := r.client.Ping(ctx).Err(); err != nil {
			return err
		}
		sub := r.client.Subscribe(ctx, r.topic)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close() //nolint:errcheck // retrying
			return err
		}
		ps = sub
		return nil
	},
		retry.Context(ctx),
		retry.Delay(defaultInitialDelay),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(r.maxBackoff),
		retry.UntilSucceeded(),
		retry.OnRetry(func(n uint, err error) {
			r.setAvailable(ctx, false, err)
			logger.Warn(ctx, "fan-out connect failed, retrying", logger.Fields{
				"attempt": n + 1,
				"error":   err.Error(),
			})
		}),
	)
	return ps, err
}

// consume forwards remote envelopes until ctx ends or the subscription closes.
// go-redis re-establishes the subscription itself; a periodic ping tracks availability.
func (r *Redis) consume(ctx context.Context, ps *redis.PubSub) {
	ch := ps.Channel(redis.WithChannelHealthCheckInterval(healthInterval))
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := r.client.Ping(pctx).Err()
			cancel()
			if ctx.Err() != nil {
				return
			}
			r.setAvailable(ctx, err == nil, err)
		case msg, ok := <-ch:
			if !ok {
				r.setAvailable(ctx, false, errors.New("subscription closed"))
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn(ctx, "dropping malformed fan-out envelope", logger.Fields{"error": err.Error()})
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			select {
			case r.out <- env:
			default:
				logger.Warn(ctx, "fan-out receive buffer full, dropping envelope", logger.Fields{"channel": env.Channel})
			}
		}
	}
}
