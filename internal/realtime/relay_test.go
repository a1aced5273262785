package realtime

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestRedisRelay_FansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	logger, _ := test.NewNullLogger()

	newClient := func() *redis.Client {
		rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rc.Close() })
		return rc
	}

	loader := newFakeLoader(activeAuction("a1"))
	hubA := newTestHub(loader, 16)
	hubB := newTestHub(loader, 16)

	relayA := NewRedisRelay(hubA, newClient(), "auction-events", logger)
	relayB := NewRedisRelay(hubB, newClient(), "auction-events", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relayA.Run(ctx)
	go relayB.Run(ctx)

	probe := newClient()
	require.Eventually(t, func() bool {
		counts, err := probe.PubSubNumSub(ctx, "auction-events").Result()
		return err == nil && counts["auction-events"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	onA := hubA.NewSubscriber("u1")
	onB := hubB.NewSubscriber("u2")
	require.NoError(t, hubA.Join(ctx, "a1", onA))
	require.NoError(t, hubB.Join(ctx, "a1", onB))
	drain(t, onA, 2)
	drain(t, onB, 2)

	relayA.Publish(ctx, "a1", applyBid(loader, "a1", "u1", 150))

	evA := drain(t, onA, 1)[0]
	evB := drain(t, onB, 1)[0]
	require.Equal(t, EventNewBid, evA.Type)
	require.Equal(t, evA.Seq, evB.Seq)
	require.Equal(t, int64(150), decode[NewBidPayload](t, evB).CurrentBid)

	// the origin instance must not deliver its own event twice
	select {
	case ev := <-onA.Events():
		t.Fatalf("duplicate delivery of %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisRelay_PublishFailureStillDeliversLocally(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	logger, hook := test.NewNullLogger()

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })

	loader := newFakeLoader(activeAuction("a1"))
	hub := newTestHub(loader, 8)
	relay := NewRedisRelay(hub, rc, "auction-events", logger)

	sub := hub.NewSubscriber("u1")
	require.NoError(t, hub.Join(context.Background(), "a1", sub))
	drain(t, sub, 2)

	mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	relay.Publish(context.Background(), "a1", applyBid(loader, "a1", "u1", 120))

	require.Equal(t, EventNewBid, drain(t, sub, 1)[0].Type)
	require.Eventually(t, func() bool {
		return hasEntry(hook, "relay publish failed")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRedisRelay_UnresponsiveRedisDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	// accepts connections and never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	logger, _ := test.NewNullLogger()
	rc := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })

	loader := newFakeLoader(activeAuction("a1"))
	hub := newTestHub(loader, 8)
	relay := NewRedisRelay(hub, rc, "auction-events", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	sub := hub.NewSubscriber("u1")
	require.NoError(t, hub.Join(ctx, "a1", sub))
	drain(t, sub, 2)

	for i, amount := range []int64{110, 120, 130} {
		start := time.Now()
		relay.Publish(ctx, "a1", applyBid(loader, "a1", "u1", amount))
		require.Less(t, time.Since(start), 100*time.Millisecond, "publish %d blocked", i)

		ev := drain(t, sub, 1)[0]
		require.Equal(t, amount, decode[NewBidPayload](t, ev).CurrentBid)
	}
}

func TestRedisRelay_DropsWhenOutboxFull(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = rc.Close() })

	loader := newFakeLoader(activeAuction("a1"))
	hub := newTestHub(loader, 8)
	relay := NewRedisRelay(hub, rc, "auction-events", logger)
	relay.outbox = make(chan relayEnvelope, 1)

	sub := hub.NewSubscriber("u1")
	require.NoError(t, hub.Join(context.Background(), "a1", sub))
	drain(t, sub, 2)

	relay.Publish(context.Background(), "a1", applyBid(loader, "a1", "u1", 110))
	relay.Publish(context.Background(), "a1", applyBid(loader, "a1", "u1", 120))

	require.Len(t, drain(t, sub, 2), 2)
	require.True(t, hasEntry(hook, "relay outbox full, dropping event"))
	require.Len(t, relay.outbox, 1)
}

func hasEntry(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}
