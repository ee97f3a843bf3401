// Package mock provides an in-process test double for the broker.Broker
// interface.
//
// It reproduces the contract the workers rely on: subscribers receive only
// messages published while subscribed, slow subscribers drop, and keys honor
// TTLs against an injectable clock. Use one Broker instance per test and wire
// it into several workers to exercise cross-component flows without Redis.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/broker"
)

// subscriberBuffer matches the Redis implementation's per-subscription
// buffer so drop behavior is comparable in tests.
const subscriberBuffer = 256

// Broker is an in-memory implementation of broker.Broker.
// The zero value is not usable; create instances with New.
type Broker struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
	keys map[string]entry

	// now returns the current time; replaceable for TTL tests.
	now func() time.Time

	// Published records every publish in order, for assertions.
	Published []broker.Message

	closed bool
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		subs: make(map[*subscription]struct{}),
		keys: make(map[string]entry),
		now:  time.Now,
	}
}

// SetClock replaces the time source used for key expiry.
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Publish implements broker.Broker. Delivery is synchronous into each
// subscriber's buffer; full buffers drop.
func (b *Broker) Publish(_ context.Context, channel string, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	msg := broker.Message{Channel: channel, Payload: p}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.Published = append(b.Published, msg)
	for sub := range b.subs {
		if !sub.wants(channel) {
			continue
		}
		select {
		case sub.out <- msg:
		default:
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions, so tests can
// wait for a worker's Subscribe before publishing.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// PublishedOn returns all recorded publishes for one channel.
func (b *Broker) PublishedOn(channel string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.Message
	for _, m := range b.Published {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) (broker.Subscription, error) {
	sub := &subscription{
		broker:   b,
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan broker.Message, subscriberBuffer),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	// Mirror the Redis subscription's lifetime coupling to ctx.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub, nil
}

// Set implements broker.Broker.
func (b *Broker) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	b.mu.Lock()
	defer b.mu.Unlock()
	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	b.keys[key] = e
	return nil
}

// Get implements broker.Broker.
func (b *Broker) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.liveEntry(key)
	if !ok {
		return nil, broker.ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Exists implements broker.Broker.
func (b *Broker) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.liveEntry(key)
	return ok, nil
}

// Delete implements broker.Broker.
func (b *Broker) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
	return nil
}

// Refresh implements broker.Broker.
func (b *Broker) Refresh(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.liveEntry(key)
	if !ok {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	b.keys[key] = e
	return true, nil
}

// Ping implements broker.Broker.
func (b *Broker) Ping(context.Context) error { return nil }

// Close implements broker.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// liveEntry returns the entry for key, expiring it lazily. Caller holds mu.
func (b *Broker) liveEntry(key string) (entry, bool) {
	e, ok := b.keys[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		delete(b.keys, key)
		return entry{}, false
	}
	return e, true
}

// ---- subscription ----

type subscription struct {
	broker   *Broker
	channels map[string]struct{}
	out      chan broker.Message
	once     sync.Once
}

func (s *subscription) wants(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *subscription) Messages() <-chan broker.Message { return s.out }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		close(s.out)
	})
	return nil
}
