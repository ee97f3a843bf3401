// Package broker defines the pub/sub and TTL key/value contract that connects
// the gateway and the three pipeline workers, together with its Redis
// implementation.
//
// Semantics are deliberately weak: publishes are fire-and-forget,
// subscriptions receive only messages published while subscribed, and there
// are no durable queues. Conversation scratch state (history, config, the
// TTS-active flag) lives in short-TTL keys. Both halves are binary-safe; TTS
// audio frames travel as raw bytes.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key does not exist or has
// expired.
var ErrKeyNotFound = errors.New("broker: key not found")

// Message is a single pub/sub delivery.
type Message struct {
	// Channel is the wire channel the message arrived on.
	Channel string

	// Payload is the raw message body. JSON for control channels, raw PCM for
	// audio frames.
	Payload []byte
}

// Subscription is an active subscription to one or more channels.
//
// The Messages channel is closed when the subscription is closed or the
// context passed to Subscribe is cancelled. Slow consumers lose messages
// rather than blocking the broker.
type Subscription interface {
	// Messages returns the delivery channel. It is closed on Close.
	Messages() <-chan Message

	// Close terminates the subscription. Safe to call more than once.
	Close() error
}

// Broker is the shared pub/sub + key/value surface. Implementations must be
// safe for concurrent use; a single Broker handle is shared by all
// goroutines of a worker process.
type Broker interface {
	// Publish sends payload on channel. Failures are returned but callers on
	// hot paths treat them as non-fatal and log.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to the given channels. Delivery begins
	// with messages published after the subscription is established.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Set stores value under key with the given TTL. A zero TTL stores the
	// key without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Refresh resets the TTL of key. Returns false when the key is absent.
	Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ping verifies connectivity, for readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
