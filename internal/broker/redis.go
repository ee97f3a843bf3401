package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// connectTimeout bounds the initial reachability check in New.
	connectTimeout = 5 * time.Second

	// subscribeBuffer is the per-subscription delivery buffer. When a
	// consumer falls this far behind, go-redis drops messages, which matches
	// the best-effort contract.
	subscribeBuffer = 256
)

// Option configures a Redis broker.
type Option func(*Redis)

// WithLogger sets the logger used for non-fatal publish/receive failures.
func WithLogger(log *slog.Logger) Option {
	return func(r *Redis) {
		r.log = log
	}
}

// Redis implements Broker on a Redis server using go-redis. Pub/sub
// connections reconnect internally with the client's exponential backoff;
// messages published during a reconnect gap are lost, which the pipeline
// tolerates by design of its short-lived conversations.
type Redis struct {
	client *redis.Client
	log    *slog.Logger
}

var _ Broker = (*Redis)(nil)

// New connects to the Redis server at addr and verifies reachability with a
// bounded PING. password may be empty; db selects the logical database.
func New(addr, password string, db int, opts ...Option) (*Redis, error) {
	r := &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:            addr,
			Password:        password,
			DB:              db,
			MaxRetries:      3,
			MinRetryBackoff: 100 * time.Millisecond,
			MaxRetryBackoff: 30 * time.Second,
		}),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("broker: connect to redis at %s: %w", addr, err)
	}
	return r, nil
}

// Publish implements Broker.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("broker: subscribe requires at least one channel")
	}

	ps := r.client.Subscribe(ctx, channels...)
	// Force the subscription handshake so missing-server errors surface here
	// rather than as a silent empty stream.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("broker: subscribe %v: %w", channels, err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan Message, subscribeBuffer),
	}
	go sub.forward(ctx, ps.Channel(redis.WithChannelSize(subscribeBuffer)), r.log)
	return sub, nil
}

// Set implements Broker.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("broker: set %s: %w", key, err)
	}
	return nil
}

// Get implements Broker.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("broker: get %s: %w", key, err)
	}
	return val, nil
}

// Exists implements Broker.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("broker: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete implements Broker.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("broker: delete %s: %w", key, err)
	}
	return nil
}

// Refresh implements Broker.
func (r *Redis) Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("broker: refresh %s: %w", key, err)
	}
	return ok, nil
}

// Ping implements Broker.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Broker.
func (r *Redis) Close() error {
	return r.client.Close()
}

// ---- subscription ----

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

// forward copies go-redis deliveries into the broker-typed channel until the
// pub/sub connection closes or ctx is cancelled.
func (s *redisSubscription) forward(ctx context.Context, in <-chan *redis.Message, log *slog.Logger) {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			m := Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
			select {
			case s.out <- m:
			default:
				// Consumer is stalled: drop rather than block the pub/sub
				// reader for every other channel.
				log.Warn("broker: dropping message for slow subscriber", "channel", msg.Channel)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
