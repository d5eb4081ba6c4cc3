package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestConcurrencyScriptCompiles(t *testing.T) {
	if concurrencyAcquireScript == nil {
		t.Fatalf("expected script to be initialized")
	}
}

func TestAcquireConcurrencyCap_ValidatesArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireConcurrencyCap(ctx, nil, "k", "t", 1, time.Second, time.Now()); err == nil {
		t.Fatalf("expected nil client error")
	}
	if err := ReleaseConcurrencyCap(ctx, nil, "k", "t"); err == nil {
		t.Fatalf("expected nil client error")
	}
	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	if _, err := AcquireConcurrencyCap(ctx, rdb, "k", "", 1, time.Second, time.Now()); err == nil {
		t.Fatalf("expected token error")
	}
}

func TestConcurrencyCap_HeldSlotsSurviveOlderExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	const key, limit, ttl = "dialer:slots:test", 3, 10 * time.Minute

	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	advance := func(d time.Duration) {
		now = now.Add(d)
		mr.FastForward(d)
	}
	take := func(token string) bool {
		t.Helper()
		ok, err := AcquireConcurrencyCap(ctx, rdb, key, token, limit, ttl, now)
		if err != nil {
			t.Fatalf("acquire %s: %v", token, err)
		}
		return ok
	}

	if !take("a") {
		t.Fatalf("first slot refused")
	}
	advance(4 * time.Minute)
	if !take("b") || !take("c") {
		t.Fatalf("slots under the cap refused")
	}
	if take("x") {
		t.Fatalf("fourth slot must be refused")
	}
	if err := ReleaseConcurrencyCap(ctx, rdb, key, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// b and c are still live 11 minutes after the first acquire
	advance(7 * time.Minute)
	if !take("d") {
		t.Fatalf("freed slot refused")
	}
	if take("e") {
		t.Fatalf("cap exceeded while b, c and d are held")
	}

	// b and c lapse 10 minutes after they were taken
	advance(4 * time.Minute)
	if !take("e") || !take("f") {
		t.Fatalf("expired slots were not reclaimed")
	}
	if take("g") {
		t.Fatalf("cap exceeded after reclaim")
	}
}

func TestRedisKey(t *testing.T) {
	if got := RedisKey("slots", "global"); got != "dialer:slots:global" {
		t.Fatalf("unexpected key %q", got)
	}
}
