package storage

import (
	"context"
	"testing"
	"time"
)

func TestRedisDeduperAddRemove(t *testing.T) {
	mr, client := setupRedis(t)
	d := NewRedisDeduper(client, time.Hour)
	ctx := context.Background()

	added, err := d.Add(ctx, "0x1", "k1")
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = d.Add(ctx, "0x1", "k1")
	if err != nil || added {
		t.Fatalf("second add: added=%v err=%v", added, err)
	}
	if added, _ := d.Add(ctx, "0x2", "k1"); !added {
		t.Fatalf("keys must be scoped per account")
	}
	if ttl := mr.TTL("idem:0x1:k1"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	if err := d.Remove(ctx, "0x1", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if added, _ := d.Add(ctx, "0x1", "k1"); !added {
		t.Fatalf("expected key to be addable after removal")
	}
}

func TestRedisDeduperResolveLookup(t *testing.T) {
	mr, client := setupRedis(t)
	d := NewRedisDeduper(client, time.Hour)
	ctx := context.Background()

	if _, done, err := d.Lookup(ctx, "0x1", "k1"); err != nil || done {
		t.Fatalf("unknown key: done=%v err=%v", done, err)
	}
	if _, err := d.Add(ctx, "0x1", "k1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, done, err := d.Lookup(ctx, "0x1", "k1"); err != nil || done {
		t.Fatalf("in-flight key: done=%v err=%v", done, err)
	}

	if err := d.Resolve(ctx, "0x1", "k1", 42); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	id, done, err := d.Lookup(ctx, "0x1", "k1")
	if err != nil || !done || id != 42 {
		t.Fatalf("resolved key: id=%d done=%v err=%v", id, done, err)
	}
	if ttl := mr.TTL("idem:0x1:k1"); ttl <= 0 {
		t.Fatalf("resolve dropped the expiry: %v", ttl)
	}

	// resolving a removed key must not resurrect it
	if err := d.Remove(ctx, "0x1", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_ = d.Resolve(ctx, "0x1", "k1", 43)
	if mr.Exists("idem:0x1:k1") {
		t.Fatal("resolve recreated a removed key")
	}
}
