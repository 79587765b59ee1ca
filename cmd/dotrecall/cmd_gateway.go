package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/agent"
	"github.com/dotsetgreg/dotrecall/pkg/channels"
	"github.com/dotsetgreg/dotrecall/pkg/health"
	"github.com/dotsetgreg/dotrecall/pkg/logger"
)

const shutdownGrace = 10 * time.Second

func gatewayCmd(out io.Writer, opts *globalOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if err := opts.validate(cfg, true); err != nil {
		return err
	}

	svc, err := newServices(cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	agentLoop, err := agent.NewAgentLoop(cfg, svc.bus, svc.provider, svc.memory)
	if err != nil {
		return err
	}
	defer agentLoop.Stop()
	logStartup(agentLoop)
	fmt.Fprintf(out, "Model: %s (decisions: %s)\n", cfg.Agent.Model, cfg.Agent.DecisionModel)

	manager, err := channels.NewManager(cfg, svc.bus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	agentLoop.SetChannelManager(manager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)
	srv.RegisterCheck("store", svc.memory.Ping)
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Stop(shutdownCtx)
	}()

	// Channels outlive the signal so replies still in flight get delivered.
	if err := manager.StartAll(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	fmt.Fprintf(out, "Channels: %s\n", strings.Join(manager.GetEnabledChannels(), ", "))
	fmt.Fprintf(out, "Health: http://%s:%d/health (also /ready, /metrics)\n", cfg.Gateway.Host, cfg.Gateway.Port)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := agentLoop.Run(ctx); err != nil {
			logger.ErrorCF("agent", "Agent loop stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	srv.SetReady(true)
	fmt.Fprintln(out, "Gateway running. Press Ctrl+C to stop")

	<-ctx.Done()
	srv.SetReady(false)
	fmt.Fprintln(out, "\nShutting down...")

	// The loop drains in-flight answers within its own grace period, then
	// the channels stop.
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*shutdownGrace)
	defer cancel()
	select {
	case <-loopDone:
	case <-stopCtx.Done():
		logger.WarnC("agent", "Agent loop did not stop within the grace period")
	}
	if err := manager.StopAll(stopCtx); err != nil {
		logger.WarnCF("channels", "Stopping channels failed", map[string]interface{}{"error": err.Error()})
	}
	fmt.Fprintln(out, "Gateway stopped")
	return nil
}
