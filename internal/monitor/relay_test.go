package monitor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return client
}

func TestRelay_PublishSubscribe(t *testing.T) {
	client := testRedis(t)
	relay := NewRelay(client, "test-instance", nil)
	ctx := context.Background()

	got := make(chan []byte, 4)
	cancel, err := relay.Subscribe(ctx, "CA-relay-test", func(b []byte) { got <- b })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	b := NewBroadcaster("CA-relay-test", nil)
	b.Subscribe(relay.Sink("CA-relay-test"), nil)
	b.Publish(Error("CA-relay-test", "hello"))
	b.Close()

	select {
	case data := <-got:
		if len(data) == 0 {
			t.Error("empty payload")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relayed event not received")
	}
}

func TestRelay_ActiveIndex(t *testing.T) {
	client := testRedis(t)
	relay := NewRelay(client, "test-instance", nil)
	ctx := context.Background()

	entry := IndexEntry{CallSid: "CA-index-test", CallerNumber: "+1", StartTime: time.Now().UTC()}
	if err := relay.PutActive(ctx, entry); err != nil {
		t.Fatalf("PutActive: %v", err)
	}
	defer relay.RemoveActive(ctx, entry.CallSid)

	got, ok, err := relay.GetActive(ctx, entry.CallSid)
	if err != nil || !ok {
		t.Fatalf("GetActive ok=%v err=%v", ok, err)
	}
	if got.Instance != "test-instance" || got.CallerNumber != "+1" {
		t.Errorf("entry = %+v", got)
	}

	if err := relay.RemoveActive(ctx, entry.CallSid); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := relay.GetActive(ctx, entry.CallSid); ok {
		t.Error("entry still present after RemoveActive")
	}
}

func TestRelay_PruneActive(t *testing.T) {
	client := testRedis(t)
	relay := NewRelay(client, "test-instance", nil)
	ctx := context.Background()

	old := IndexEntry{CallSid: "CA-prune-old", StartTime: time.Now().Add(-3 * time.Hour)}
	fresh := IndexEntry{CallSid: "CA-prune-fresh", StartTime: time.Now()}
	for _, e := range []IndexEntry{old, fresh} {
		if err := relay.PutActive(ctx, e); err != nil {
			t.Fatalf("PutActive: %v", err)
		}
	}
	t.Cleanup(func() {
		_ = relay.RemoveActive(ctx, old.CallSid)
		_ = relay.RemoveActive(ctx, fresh.CallSid)
	})

	n, err := relay.PruneActive(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneActive: %v", err)
	}
	if n < 1 {
		t.Errorf("pruned %d entries, want at least 1", n)
	}
	if _, ok, _ := relay.GetActive(ctx, old.CallSid); ok {
		t.Error("stale entry still indexed")
	}
	if _, ok, _ := relay.GetActive(ctx, fresh.CallSid); !ok {
		t.Error("fresh entry pruned")
	}
}
