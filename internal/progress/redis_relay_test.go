package progress_test

import (
	"context"
	"os"
	"testing"
	"time"

	"zipline/internal/config"
	"zipline/internal/progress"
)

func TestRedisRelayChannelNaming(t *testing.T) {
	relay := progress.NewRedisRelay(nil, ":downloads:", nil)
	if got := relay.Channel("alice"); got != "downloads:events:alice" {
		t.Fatalf("unexpected channel %q", got)
	}
	if got := progress.NewRedisRelay(nil, "", nil).Channel("bob"); got != "zipline:events:bob" {
		t.Fatalf("unexpected default channel %q", got)
	}
}

// Set ZIPLINE_TEST_REDIS_ADDR to exercise the relay against a live server.
func TestRedisRelayRoundTrip(t *testing.T) {
	addr := os.Getenv("ZIPLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ZIPLINE_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, err := progress.DialRedisRelay(ctx, config.Broadcast{RedisAddr: addr, RedisPrefix: "zipline-test"}, nil)
	if err != nil {
		t.Fatalf("DialRedisRelay: %v", err)
	}
	defer relay.Close()

	got := make(chan progress.Event, 1)
	listening := make(chan error, 1)
	go func() {
		listening <- relay.Listen(ctx, "alice", func(evt progress.Event) bool {
			got <- evt
			return false
		})
	}()

	b := progress.New(progress.Options{})
	b.AddSink(relay)
	defer b.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, _ = b.Publish(fp, progress.Event{Type: progress.EventQueued, JobID: "relay-job", Requesters: []string{"alice"}})
		select {
		case evt := <-got:
			if evt.JobID != "relay-job" || evt.Type != progress.EventQueued {
				t.Fatalf("unexpected relayed event %+v", evt)
			}
			if err := <-listening; err != nil {
				t.Fatalf("Listen: %v", err)
			}
			return
		case <-time.After(100 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("relayed event never arrived")
			}
		}
	}
}
