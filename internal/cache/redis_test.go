package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"marketpipe/internal/model"
)

func newRedisTier(t *testing.T) (*RedisTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTier(client, time.Minute), mr
}

func TestRedisTier_SetGetRoundTrip(t *testing.T) {
	tier, _ := newRedisTier(t)
	ctx := context.Background()

	in := model.Tick{
		Symbol:    "AAPL",
		Price:     decimal.RequireFromString("190.25"),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := tier.Set(ctx, "AAPL", in); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := tier.Get(ctx, "AAPL")
	if err != nil || !ok {
		t.Fatalf("Get = %v,%v", ok, err)
	}
	if !got.Price.Equal(in.Price) {
		t.Errorf("price = %s, want %s", got.Price, in.Price)
	}
}

func TestRedisTier_MissingIsNotAnError(t *testing.T) {
	tier, _ := newRedisTier(t)

	_, ok, err := tier.Get(context.Background(), "GHOST")
	if err != nil {
		t.Fatalf("missing key returned error: %v", err)
	}
	if ok {
		t.Error("missing key reported present")
	}
}

func TestRedisTier_EntriesCarryTTL(t *testing.T) {
	tier, mr := newRedisTier(t)
	ctx := context.Background()

	tier.Set(ctx, "AAPL", model.Tick{Symbol: "AAPL", Price: decimal.New(1, 0)})

	if ttl := mr.TTL("tick:latest:AAPL"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %s, want (0, 1m]", ttl)
	}

	// After expiry the entry is gone on its own.
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := tier.Get(ctx, "AAPL"); ok {
		t.Error("entry survived TTL expiry")
	}
}

func TestRedisTier_GetManyOmitsMissingAndCorrupt(t *testing.T) {
	tier, mr := newRedisTier(t)
	ctx := context.Background()

	tier.Set(ctx, "AAPL", model.Tick{Symbol: "AAPL", Price: decimal.New(190, 0)})
	tier.Set(ctx, "MSFT", model.Tick{Symbol: "MSFT", Price: decimal.New(420, 0)})
	mr.Set("tick:latest:BAD", "{not json")

	got, err := tier.GetMany(ctx, []string{"AAPL", "MSFT", "BAD", "GHOST"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetMany returned %d entries, want 2", len(got))
	}
	if _, ok := got["BAD"]; ok {
		t.Error("corrupt entry included in batch result")
	}
}
