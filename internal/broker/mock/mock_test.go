package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/broker/mock"
)

func TestSubscribeReceivesOnlyWhileSubscribed(t *testing.T) {
	t.Parallel()

	b := mock.New()
	ctx := context.Background()

	// Published before subscribing: must not be delivered.
	if err := b.Publish(ctx, "ch", []byte("early")); err != nil {
		t.Fatal(err)
	}

	sub, err := b.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "ch", []byte("late")); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "other", []byte("wrong channel")); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Payload) != "late" {
			t.Errorf("payload = %q, want %q", msg.Payload, "late")
		}
		if msg.Channel != "ch" {
			t.Errorf("channel = %q, want ch", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected extra message on %q", msg.Channel)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	t.Parallel()

	b := mock.New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	// Closing twice is safe.
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(ctx, "ch", []byte("after close")); err != nil {
		t.Fatal(err)
	}
	if _, open := <-sub.Messages(); open {
		t.Error("messages channel should be closed")
	}
}

func TestKeyTTL(t *testing.T) {
	t.Parallel()

	b := mock.New()
	ctx := context.Background()

	now := time.Unix(1000, 0)
	b.SetClock(func() time.Time { return now })

	if err := b.Set(ctx, "flag", []byte("1"), 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Exists(ctx, "flag"); !ok {
		t.Fatal("key should exist before expiry")
	}

	// Refresh pushes the deadline out.
	now = now.Add(25 * time.Second)
	if ok, err := b.Refresh(ctx, "flag", 30*time.Second); err != nil || !ok {
		t.Fatalf("refresh = (%v, %v), want (true, nil)", ok, err)
	}

	now = now.Add(29 * time.Second)
	if ok, _ := b.Exists(ctx, "flag"); !ok {
		t.Fatal("key should survive after refresh")
	}

	now = now.Add(2 * time.Second)
	if ok, _ := b.Exists(ctx, "flag"); ok {
		t.Fatal("key should have expired")
	}
	if _, err := b.Get(ctx, "flag"); !errors.Is(err, broker.ErrKeyNotFound) {
		t.Errorf("Get after expiry = %v, want ErrKeyNotFound", err)
	}
	if ok, _ := b.Refresh(ctx, "flag", time.Second); ok {
		t.Error("refresh of expired key should report false")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	b := mock.New()
	ctx := context.Background()

	if err := b.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Exists(ctx, "k"); ok {
		t.Error("key should be gone")
	}
}

func TestPublishedOn(t *testing.T) {
	t.Parallel()

	b := mock.New()
	ctx := context.Background()

	_ = b.Publish(ctx, "a", []byte("1"))
	_ = b.Publish(ctx, "b", []byte("2"))
	_ = b.Publish(ctx, "a", []byte("3"))

	got := b.PublishedOn("a")
	if len(got) != 2 || string(got[0].Payload) != "1" || string(got[1].Payload) != "3" {
		t.Errorf("PublishedOn returned %v", got)
	}
}
