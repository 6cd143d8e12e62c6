package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/rpc/client"
)

// BrokerFactory starts a fresh broker for a single test
type BrokerFactory func(t testing.TB) *Broker

// RunExchangeTests runs the conformance suite of the exchange protocol
// against brokers created by factory.
func RunExchangeTests(t *testing.T, name string, factory BrokerFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("KeyValue", func(t *testing.T) {
			testKeyValue(t, factory(t))
		})

		t.Run("KeyExpiry", func(t *testing.T) {
			testKeyExpiry(t, factory(t))
		})

		t.Run("PublishOrder", func(t *testing.T) {
			testPublishOrder(t, factory(t))
		})

		t.Run("LocalSubscriptions", func(t *testing.T) {
			testLocalSubscriptions(t, factory(t))
		})

		t.Run("RoundTripInCallback", func(t *testing.T) {
			testRoundTripInCallback(t, factory(t))
		})

		t.Run("LockTimeout", func(t *testing.T) {
			testLockTimeout(t, factory(t))
		})

		t.Run("LockWait", func(t *testing.T) {
			testLockWait(t, factory(t))
		})

		t.Run("LockReleasedOnClose", func(t *testing.T) {
			testLockReleasedOnClose(t, factory(t))
		})

		t.Run("EntityEvents", func(t *testing.T) {
			testEntityEvents(t, factory(t))
		})

		t.Run("EntityFields", func(t *testing.T) {
			testEntityFields(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Test Cases
// --------------------------------------------------------------------------

func testKeyValue(t *testing.T, b *Broker) {
	ex := b.Connect(t)
	ctx := context.Background()

	if _, found, err := ex.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get(missing) = found %v, err %v; want not found, no error", found, err)
	}

	if err := ex.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, found, err := ex.Get(ctx, "k")
	if err != nil || !found || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("Get(k) = %q, %v, %v; want v1", v, found, err)
	}

	if err := ex.Set(ctx, "empty", nil, 0); err != nil {
		t.Fatalf("Set(empty) failed: %v", err)
	}
	if _, found, _ := ex.Get(ctx, "empty"); !found {
		t.Fatalf("empty value should be found")
	}

	if err := ex.Del(ctx, "k"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if _, found, _ := ex.Get(ctx, "k"); found {
		t.Fatalf("key still present after Del")
	}
}

func testKeyExpiry(t *testing.T, b *Broker) {
	ex := b.Connect(t)
	ctx := context.Background()

	if err := ex.Set(ctx, "ttl", []byte("x"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, found, err := ex.Get(ctx, "ttl")
		return err == nil && !found
	}, "key did not expire")
}

func testPublishOrder(t *testing.T, b *Broker) {
	sub := b.Connect(t)
	pub := b.Connect(t)
	ctx := context.Background()

	const n = 200
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_, err := sub.Subscribe(ctx, "order", func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(payload))
		if len(got) == n {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < n; i++ {
		if err := pub.Publish(ctx, "order", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("received only %d of %d messages", len(got), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, p := range got {
		if p != fmt.Sprintf("%d", i) {
			t.Fatalf("message %d out of order: %s", i, p)
		}
	}
}

func testLocalSubscriptions(t *testing.T, b *Broker) {
	sub := b.Connect(t)
	pub := b.Connect(t)
	ctx := context.Background()

	first := make(chan []byte, 10)
	second := make(chan []byte, 10)

	s1, err := sub.Subscribe(ctx, "multi", func(p []byte) { first <- p })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	s2, err := sub.Subscribe(ctx, "multi", func(p []byte) { second <- p })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if n := sub.Subscriptions("multi"); n != 2 {
		t.Fatalf("Subscriptions = %d, want 2", n)
	}

	if err := pub.Publish(ctx, "multi", []byte("a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	expectPayload(t, first, "a")
	expectPayload(t, second, "a")

	if err := s1.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := s1.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe should be a no-op: %v", err)
	}

	if err := pub.Publish(ctx, "multi", []byte("b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	expectPayload(t, second, "b")
	expectNothing(t, first)

	if err := s2.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if n := sub.Subscriptions("multi"); n != 0 {
		t.Fatalf("Subscriptions = %d, want 0", n)
	}
	waitFor(t, time.Second, func() bool {
		return b.Server.Subscribers("multi") == 0
	}, "broker still lists a subscriber")
}

func testRoundTripInCallback(t *testing.T, b *Broker) {
	ex := b.Connect(t)
	ctx := context.Background()

	result := make(chan error, 1)
	_, err := ex.Subscribe(ctx, "ping", func(p []byte) {
		result <- ex.Set(ctx, "from-callback", p, 0)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := ex.Publish(ctx, "ping", []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("round trip in callback failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("round trip in callback blocked")
	}
}

func testLockTimeout(t *testing.T, b *Broker) {
	a := b.Connect(t)
	c := b.Connect(t)
	ctx := context.Background()

	l, err := a.Lock(ctx, "file:a.txt", time.Second)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if locked, err := c.IsLocked(ctx, "file:a.txt"); err != nil || !locked {
		t.Fatalf("IsLocked = %v, %v; want true", locked, err)
	}

	start := time.Now()
	_, err = c.Lock(ctx, "file:a.txt", 0)
	if !errors.Is(err, client.ErrLockTimeout) {
		t.Fatalf("second Lock error = %v, want ErrLockTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Lock with timeout 0 waited %v", time.Since(start))
	}

	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("second Unlock should be a no-op: %v", err)
	}

	l2, err := c.Lock(ctx, "file:a.txt", 0)
	if err != nil {
		t.Fatalf("Lock after unlock failed: %v", err)
	}
	_ = l2.Unlock()
}

func testLockWait(t *testing.T, b *Broker) {
	a := b.Connect(t)
	c := b.Connect(t)
	ctx := context.Background()

	l, err := a.Lock(ctx, "wait", -1)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = l.Unlock()
	}()

	l2, err := c.Lock(ctx, "wait", 3*time.Second)
	if err != nil {
		t.Fatalf("waiting Lock failed: %v", err)
	}
	_ = l2.Unlock()
}

func testLockReleasedOnClose(t *testing.T, b *Broker) {
	a := b.Connect(t)
	c := b.Connect(t)
	ctx := context.Background()

	if _, err := a.Lock(ctx, "crash", 0); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	_ = a.Close()

	l, err := c.Lock(ctx, "crash", 3*time.Second)
	if err != nil {
		t.Fatalf("lock of a closed connection was not released: %v", err)
	}
	_ = l.Unlock()
}

func testEntityEvents(t *testing.T, b *Broker) {
	sub := b.Connect(t)
	pub := b.Connect(t)
	ctx := context.Background()

	events := make(chan *entity.Event, 10)
	s, err := sub.SubscribeEntity(ctx, "todo", func(e *entity.Event) { events <- e })
	if err != nil {
		t.Fatalf("SubscribeEntity failed: %v", err)
	}
	defer s.Unsubscribe()

	// garbage on the channel is dropped, not delivered
	if err := pub.Publish(ctx, entity.ChannelName("todo"), []byte("garbage")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	want := &entity.Event{Type: entity.EventRemoveMany, IDs: []string{"a", "b"}}
	if err := pub.PublishEntity(ctx, "todo", want); err != nil {
		t.Fatalf("PublishEntity failed: %v", err)
	}

	select {
	case got := <-events:
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got event %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("entity event not delivered")
	}
}

func testEntityFields(t *testing.T, b *Broker) {
	a := b.Connect(t)
	c := b.Connect(t)
	ctx := context.Background()

	fs, err := a.SubscribeEntityFields(ctx, "todo", []string{"done", "title"})
	if err != nil {
		t.Fatalf("SubscribeEntityFields failed: %v", err)
	}
	fields, err := c.GetSubscribedEntityFields(ctx, "todo")
	if err != nil {
		t.Fatalf("GetSubscribedEntityFields failed: %v", err)
	}
	if !reflect.DeepEqual(fields, []string{"done", "title"}) {
		t.Fatalf("fields = %v", fields)
	}

	if err := fs.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	fields, err = c.GetSubscribedEntityFields(ctx, "todo")
	if err != nil {
		t.Fatalf("GetSubscribedEntityFields failed: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("fields after release = %v, want none", fields)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectPayload(t *testing.T, ch <-chan []byte, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if string(got) != want {
			t.Fatalf("got payload %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("payload %q not delivered", want)
	}
}

func expectNothing(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected payload %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}
