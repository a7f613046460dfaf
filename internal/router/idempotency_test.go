package router

import (
	"context"
	"testing"
	"time"
)

func TestIdemKeyFormat(t *testing.T) {
	got := IdemKey("BTCUSDT", "5m", 1700000000000, "BUY", ActionOpen)
	want := "BTCUSDT:5m:1700000000000:BUY:OPEN"
	if got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestIdemKeyDistinguishesSideAndAction(t *testing.T) {
	open := IdemKey("BTCUSDT", "5m", 1700000000000, "BUY", ActionOpen)
	reduce := IdemKey("BTCUSDT", "5m", 1700000000000, "SELL", ActionReduce)
	if open == reduce {
		t.Errorf("entry and reduce on the same bar share key %q", open)
	}
}

func TestMemoryIdemReserveOnce(t *testing.T) {
	m := NewMemoryIdem()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := m.Reserve(ctx, "k1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	ok, _ = m.Reserve(ctx, "k1", time.Minute)
	if ok {
		t.Error("second reserve of the same key should fail")
	}

	// After the TTL the key is free again
	now = now.Add(2 * time.Minute)
	ok, _ = m.Reserve(ctx, "k1", time.Minute)
	if !ok {
		t.Error("expired key should be reservable")
	}
}
