package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotrecall/pkg/bus"
	"github.com/dotsetgreg/dotrecall/pkg/logger"
)

// Channel is a chat transport. It publishes every observed event to the bus
// and delivers replies routed back to it by the Manager.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries what every transport shares: its name, the bus, and
// the allowlist of users permitted to trigger replies.
type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	allowed map[string]struct{}
	running atomic.Bool
}

// NewBaseChannel builds a BaseChannel. Allowlist entries may be user IDs or
// usernames, with or without a leading "@". An empty list allows everyone.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	allowed := make(map[string]struct{}, len(allowList))
	for _, entry := range allowList {
		if entry = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(entry), "@")); entry != "" {
			allowed[entry] = struct{}{}
		}
	}
	return &BaseChannel{name: name, bus: msgBus, allowed: allowed}
}

func (c *BaseChannel) Name() string    { return c.name }
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(running bool) { c.running.Store(running) }

// IsAllowed reports whether senderID may trigger a reply. Compound IDs of the
// form "id|username" match on either half.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	candidates := []string{senderID}
	if id, user, ok := strings.Cut(senderID, "|"); ok && id != "" {
		candidates = append(candidates, id, user)
	}
	for _, candidate := range candidates {
		if _, ok := c.allowed[candidate]; ok && candidate != "" {
			return true
		}
	}
	return false
}

// HandleEvent stamps msg with this channel and publishes it. Every event is
// recorded; the allowlist only clears Trigger.
func (c *BaseChannel) HandleEvent(ctx context.Context, msg bus.InboundMessage) bool {
	msg.Channel = c.name
	if msg.SessionKey == "" {
		msg.SessionKey = msg.ConversationID()
	}
	if msg.Trigger && !c.IsAllowed(msg.SenderID) {
		logger.DebugCF(c.name, "Trigger rejected by allowlist", map[string]interface{}{
			"user_id": msg.SenderID,
		})
		msg.Trigger = false
	}

	if c.bus.PublishInbound(ctx, msg) {
		return true
	}
	logger.WarnCF(c.name, "Dropped inbound event", map[string]interface{}{
		"kind":       string(msg.Kind),
		"chat_id":    msg.ChatID,
		"message_id": msg.MessageID,
	})
	return false
}
