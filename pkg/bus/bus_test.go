package bus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dotsetgreg/dotrecall/pkg/metrics"
)

func TestMessageBus_PublishInboundWaitsForRoom(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		if !mb.PublishInbound(context.Background(), InboundMessage{Kind: KindMessage, Channel: "test", ChatID: "c", Content: "msg"}) {
			t.Fatalf("publish %d should succeed", i)
		}
	}

	done := make(chan bool, 1)
	go func() {
		done <- mb.PublishInbound(context.Background(), InboundMessage{Kind: KindEdit, Channel: "test", ChatID: "c"})
	}()

	select {
	case <-done:
		t.Fatalf("publish into a full buffer should block")
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := mb.ConsumeInbound(context.Background()); !ok {
		t.Fatalf("expected to consume a queued message")
	}
	if ok := <-done; !ok {
		t.Fatalf("blocked publish should complete once room frees up")
	}
	if mb.DroppedInbound() != 0 {
		t.Fatalf("expected no dropped inbound events, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishInboundCountsCancelledPublish(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(context.Background(), InboundMessage{Channel: "test", ChatID: "c"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if mb.PublishInbound(ctx, InboundMessage{Channel: "test", ChatID: "c", Content: "overflow"}) {
		t.Fatalf("expected cancelled publish to report false")
	}
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenContextEnds(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		if !mb.PublishOutbound(context.Background(), OutboundMessage{Channel: "test", ChatID: "c", Content: "msg"}) {
			t.Fatalf("publish %d should succeed", i)
		}
	}

	before := testutil.ToFloat64(metrics.BusDropped.WithLabelValues("outbound"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if mb.PublishOutbound(ctx, OutboundMessage{Channel: "test", ChatID: "c", Content: "overflow"}) {
		t.Fatal("publish into a full queue should fail once ctx ends")
	}
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
	if got := testutil.ToFloat64(metrics.BusDropped.WithLabelValues("outbound")); got != before+1 {
		t.Fatalf("expected bus_dropped_total{outbound} to grow by 1, got %v -> %v", before, got)
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
	if mb.PublishInbound(context.Background(), InboundMessage{}) {
		t.Fatalf("expected publish on closed bus to return false")
	}
}

func TestInboundMessage_ConversationID(t *testing.T) {
	msg := InboundMessage{Channel: "discord", ChatID: "42"}
	if got := msg.ConversationID(); got != "discord:42" {
		t.Fatalf("ConversationID() = %q", got)
	}
}

func TestMessageBus_CloseReleasesBlockedPublisher(t *testing.T) {
	mb := NewMessageBus()
	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(context.Background(), InboundMessage{Channel: "test", ChatID: "c"})
	}

	done := make(chan bool, 1)
	go func() {
		done <- mb.PublishInbound(context.Background(), InboundMessage{Channel: "test", ChatID: "c"})
	}()
	time.Sleep(20 * time.Millisecond)
	mb.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("publish released by Close should report false")
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not release the blocked publisher")
	}
}

func TestMessageBus_CloseDrainsQueued(t *testing.T) {
	mb := NewMessageBus()
	mb.PublishInbound(context.Background(), InboundMessage{Channel: "test", ChatID: "c", MessageID: "1"})
	mb.Close()
	mb.Close()

	msg, ok := mb.ConsumeInbound(context.Background())
	if !ok || msg.MessageID != "1" {
		t.Fatalf("expected queued message after close, got %+v ok=%v", msg, ok)
	}
	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected ok=false once drained")
	}
}
