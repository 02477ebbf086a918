package redisbroker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb), mr
}

func TestKV_SetIfAbsent(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	ok, err := b.SetIfAbsent(ctx, "coordinator:leader:lock", "a", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent = %v, %v", ok, err)
	}
	ok, err = b.SetIfAbsent(ctx, "coordinator:leader:lock", "b", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second SetIfAbsent must fail while held")
	}
}

func TestKV_RenewIfOwned(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.SetIfAbsent(ctx, "lock", "a", time.Second); err != nil {
		t.Fatal(err)
	}

	ok, err := b.RenewIfOwned(ctx, "lock", "a", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("owner renew = %v, %v", ok, err)
	}
	ok, err = b.RenewIfOwned(ctx, "lock", "b", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("non-owner renew must fail")
	}

	// After expiry the key is gone and renew fails for everyone.
	mr.FastForward(time.Minute)
	ok, err = b.RenewIfOwned(ctx, "lock", "a", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("renew after expiry must fail")
	}
}

func TestKV_ReleaseIfOwned(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.SetIfAbsent(ctx, "lock", "a", 30*time.Second); err != nil {
		t.Fatal(err)
	}

	ok, err := b.ReleaseIfOwned(ctx, "lock", "b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("non-owner release must fail")
	}
	ok, err = b.ReleaseIfOwned(ctx, "lock", "a")
	if err != nil || !ok {
		t.Fatalf("owner release = %v, %v", ok, err)
	}

	// Releasing an already-released lock is a false, never an error.
	ok, err = b.ReleaseIfOwned(ctx, "lock", "a")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("double release must report false")
	}
}

func TestCreateGroup_Idempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.CreateGroup(ctx, "stream:health", "coordinator", "0"); err != nil {
		t.Fatal(err)
	}
	// BUSYGROUP from the second creation is swallowed.
	if err := b.CreateGroup(ctx, "stream:health", "coordinator", "0"); err != nil {
		t.Fatalf("second CreateGroup: %v", err)
	}
}

func TestStream_AppendReadAck(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.CreateGroup(ctx, "stream:opportunities", "coordinator", "0"); err != nil {
		t.Fatal(err)
	}
	id, err := b.Append(ctx, "stream:opportunities", map[string]any{"id": "opp-1", "confidence": "0.9"})
	if err != nil || id == "" {
		t.Fatalf("Append = %q, %v", id, err)
	}

	msgs, err := b.ReadGroup(ctx, "stream:opportunities", "coordinator", "c1", 10*time.Millisecond, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("ReadGroup = %v", msgs)
	}
	if msgs[0].Values["id"] != "opp-1" {
		t.Fatalf("values = %v", msgs[0].Values)
	}

	summary, err := b.PendingSummary(ctx, "stream:opportunities", "coordinator")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 1 || summary.Consumers["c1"] != 1 {
		t.Fatalf("pending summary = %+v", summary)
	}

	if err := b.Ack(ctx, "stream:opportunities", "coordinator", id); err != nil {
		t.Fatal(err)
	}
	summary, err = b.PendingSummary(ctx, "stream:opportunities", "coordinator")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 0 {
		t.Fatalf("pending after ack = %d", summary.Total)
	}
}

func TestStream_ReadGroupEmptyIsNil(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.CreateGroup(ctx, "stream:empty", "coordinator", "0"); err != nil {
		t.Fatal(err)
	}
	msgs, err := b.ReadGroup(ctx, "stream:empty", "coordinator", "c1", 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("empty read must not error: %v", err)
	}
	if msgs != nil {
		t.Fatalf("empty read = %v, want nil", msgs)
	}
}

func TestStream_PendingRangeAndClaim(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.CreateGroup(ctx, "s", "g", "0"); err != nil {
		t.Fatal(err)
	}
	id, err := b.Append(ctx, "s", map[string]any{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ReadGroup(ctx, "s", "g", "dead", 10*time.Millisecond, 10); err != nil {
		t.Fatal(err)
	}

	entries, err := b.PendingRange(ctx, "s", "g", "-", "+", 10, "dead")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].Consumer != "dead" {
		t.Fatalf("pending range = %+v", entries)
	}

	claimed, err := b.Claim(ctx, "s", "g", "alive", 0, []string{id})
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("claimed = %+v", claimed)
	}

	entries, err = b.PendingRange(ctx, "s", "g", "-", "+", 10, "alive")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("pending for new consumer = %+v", entries)
	}
}

func TestStream_ClaimEmptyIDs(t *testing.T) {
	b, _ := newTestBroker(t)
	claimed, err := b.Claim(context.Background(), "s", "g", "c", 0, nil)
	if err != nil || claimed != nil {
		t.Fatalf("Claim with no ids = %v, %v", claimed, err)
	}
}

func TestClassify_ClosedClientIsUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewFromClient(rdb)
	_ = rdb.Close()
	mr.Close()

	if err := b.Ping(context.Background()); err == nil {
		t.Fatal("expected error from closed client")
	} else if !errors.Is(err, domain.ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want ErrBrokerUnavailable", err)
	}
}
