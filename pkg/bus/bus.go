package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/metrics"
)

const queueSize = 100

// MessageBus decouples transports from the agent loop. Neither queue drops
// while the publisher waits.
//
// The queues are never closed. Closing the bus closes done instead, so a
// publisher blocked on a full queue is released instead of racing a close.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	once     sync.Once

	droppedIn  atomic.Uint64
	droppedOut atomic.Uint64
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueSize),
		outbound: make(chan OutboundMessage, queueSize),
		done:     make(chan struct{}),
	}
}

func (mb *MessageBus) isClosed() bool {
	select {
	case <-mb.done:
		return true
	default:
		return false
	}
}

// PublishInbound queues msg, blocking until there is room, ctx ends, or the
// bus is closed. The store must see every edit and reaction in arrival order.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	if mb.isClosed() {
		return false
	}
	select {
	case mb.inbound <- msg:
		return true
	case <-ctx.Done():
		mb.droppedIn.Add(1)
		metrics.BusDropped.WithLabelValues("inbound").Inc()
		return false
	case <-mb.done:
		return false
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return receive(ctx, mb.inbound, mb.done)
}

// PublishOutbound hands a reply to the channel dispatcher, blocking until
// there is room, ctx ends, or the bus is closed. A reply that cannot be
// queued is counted and logged, never dropped silently.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	if mb.isClosed() {
		mb.dropOutbound(msg, "bus closed")
		return false
	}
	select {
	case mb.outbound <- msg:
		return true
	case <-ctx.Done():
		mb.dropOutbound(msg, ctx.Err().Error())
		return false
	case <-mb.done:
		mb.dropOutbound(msg, "bus closed")
		return false
	}
}

func (mb *MessageBus) dropOutbound(msg OutboundMessage, reason string) {
	mb.droppedOut.Add(1)
	metrics.BusDropped.WithLabelValues("outbound").Inc()
	logger.WarnCF("bus", "Dropped outbound reply", map[string]interface{}{
		"channel":  msg.Channel,
		"chat_id":  msg.ChatID,
		"reply_to": msg.ReplyToID,
		"reason":   reason,
	})
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return receive(ctx, mb.outbound, mb.done)
}

// Close is idempotent. Consumers drain what is queued, then see ok=false.
func (mb *MessageBus) Close() {
	mb.once.Do(func() { close(mb.done) })
}

func (mb *MessageBus) DroppedInbound() uint64  { return mb.droppedIn.Load() }
func (mb *MessageBus) DroppedOutbound() uint64 { return mb.droppedOut.Load() }

func receive[T any](ctx context.Context, ch <-chan T, done <-chan struct{}) (T, bool) {
	var zero T
	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
		return zero, false
	case <-done:
		select {
		case v := <-ch:
			return v, true
		default:
			return zero, false
		}
	}
}
