package storage

import (
	"context"
	"testing"
	"time"
)

func TestUpdateFeedPublishSubscribe(t *testing.T) {
	mr, client := setupRedis(t)
	feed := NewUpdateFeed(client, "ledger-updates", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 1)
	go feed.Subscribe(ctx, func(_ context.Context, address string) { got <- address })

	deadline := time.Now().Add(time.Second)
	for mr.PubSubNumSub("ledger-updates")["ledger-updates"] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := feed.Publish(ctx, "0x1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case addr := <-got:
		if addr != "0x1" {
			t.Fatalf("unexpected address: %s", addr)
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}
