package channel

import (
	"context"
	"testing"
	"time"

	"whaleflow/internal/models"
)

func TestSendRawDelivers(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	msg := models.RawFeedMessage{Exchange: "binance", Data: []byte("{}"), Received: time.Now()}
	if !c.SendRaw(context.Background(), msg) {
		t.Fatal("send into empty buffer should succeed")
	}
	got := <-c.Raw
	if got.Exchange != "binance" {
		t.Fatalf("exchange = %q", got.Exchange)
	}
	if s := c.GetStats(); s.RawSent != 1 || s.RawDropped != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	ctx := context.Background()
	msg := models.RawFeedMessage{Exchange: "binance"}
	if !c.SendRaw(ctx, msg) {
		t.Fatal("first send should succeed")
	}
	if c.SendRaw(ctx, msg) {
		t.Fatal("send into full buffer must drop, not block")
	}
	if s := c.GetStats(); s.RawDropped != 1 {
		t.Fatalf("dropped = %d, want 1", s.RawDropped)
	}
}

func TestSendRawCancelledContext(t *testing.T) {
	c := NewChannels(0)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.SendRaw(ctx, models.RawFeedMessage{}) {
		t.Fatal("send with cancelled context should fail")
	}
}
