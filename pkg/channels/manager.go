package channels

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotrecall/pkg/bus"
	"github.com/dotsetgreg/dotrecall/pkg/config"
	"github.com/dotsetgreg/dotrecall/pkg/logger"
)

// Manager owns the configured transports and routes outbound replies from
// the bus to the channel that produced the trigger.
type Manager struct {
	bus *bus.MessageBus

	mu           sync.RWMutex
	channels     map[string]Channel
	stopDispatch context.CancelFunc
}

// NewManager builds the gateway transports. Discord is the only one, and its
// token is required.
func NewManager(cfg *config.Config, msgBus *bus.MessageBus) (*Manager, error) {
	if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return nil, errors.New("channels.discord.token is required")
	}
	discord, err := NewDiscordChannel(cfg.Channels.Discord, msgBus)
	if err != nil {
		return nil, fmt.Errorf("initialize discord channel: %w", err)
	}

	m := &Manager{bus: msgBus, channels: make(map[string]Channel)}
	m.RegisterChannel(discord.Name(), discord)
	return m, nil
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// GetEnabledChannels returns the registered channel names, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StartAll starts every channel and then the outbound dispatcher. If any
// channel fails, the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	var started []Channel
	var errs []error
	for _, name := range m.GetEnabledChannels() {
		ch := m.channel(name)
		if err := ch.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.InfoCF("channels", "Channel started", map[string]interface{}{"channel": name})
		started = append(started, ch)
	}

	if err := errors.Join(errs...); err != nil {
		for _, ch := range started {
			if stopErr := ch.Stop(ctx); stopErr != nil {
				logger.WarnCF("channels", "Failed to stop partially started channel", map[string]interface{}{
					"channel": ch.Name(),
					"error":   stopErr.Error(),
				})
			}
		}
		return fmt.Errorf("start channels: %w", err)
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stopDispatch != nil {
		m.stopDispatch()
	}
	m.stopDispatch = cancel
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)
	return nil
}

// StopAll stops the dispatcher and every channel. Channel errors are logged
// and joined into the result.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.stopDispatch != nil {
		m.stopDispatch()
		m.stopDispatch = nil
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range m.GetEnabledChannels() {
		if err := m.channel(name).Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) channel(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		ch := m.channel(msg.Channel)
		if ch == nil {
			// The CLI answers inline and has no channel here.
			logger.DebugCF("channels", "No channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Failed to deliver reply", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}
