package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/imisumi/webrtc-chat/internal/chat"
	"github.com/imisumi/webrtc-chat/internal/config"
	"github.com/imisumi/webrtc-chat/internal/console"
	"github.com/imisumi/webrtc-chat/internal/metrics"
	"github.com/imisumi/webrtc-chat/internal/negotiation"
	"github.com/imisumi/webrtc-chat/internal/peer"
	"github.com/imisumi/webrtc-chat/internal/signaling"
	"github.com/imisumi/webrtc-chat/internal/webrtcpeer"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("webrtc-chat exited", "err", err)
		os.Exit(1)
	}
}

type signalerFunc func(signaling.Message) error

func (f signalerFunc) Send(msg signaling.Message) error { return f(msg) }

func run(ctx context.Context, cfg config.Client, logger *slog.Logger, in io.Reader, out io.Writer) error {
	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg.WebRTC, logger)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	logger.Info("starting webrtc-chat",
		"id", cfg.ID,
		"signaling_url", cfg.SignalingURL,
		"mode", cfg.Mode,
		"auto_accept", cfg.AutoAccept,
		"negotiation_timeout", cfg.NegotiationTimeout,
		"ice_servers", len(cfg.WebRTC.ICEServers),
	)

	m := metrics.New()
	ui := console.New(cfg.ID, in, out, logger)

	// The orchestrator, the façade and the signaling client reference each
	// other; orch and sig are assigned before anything starts running.
	var (
		orch *negotiation.Orchestrator
		sig  *signaling.Client
	)
	messenger := chat.NewFacade(cfg.ID, chat.RunnerFunc(func(ctx context.Context, fn func(*peer.Registry)) error {
		return orch.Do(ctx, fn)
	}), chat.NewHistory(cfg.HistoryLimit), logger, m)
	orch, err = negotiation.New(negotiation.Config{
		LocalID:            cfg.ID,
		Engine:             webrtcpeer.NewEngine(api, cfg.WebRTC.ICEServers, logger),
		Signaler:           signalerFunc(func(msg signaling.Message) error { return sig.Send(msg) }),
		Observer:           messenger.Observe(ui),
		Logger:             logger,
		Metrics:            m,
		AutoAccept:         cfg.AutoAccept,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	if err != nil {
		return err
	}
	sig, err = signaling.NewClient(signaling.ClientConfig{
		URL:            cfg.SignalingURL,
		LocalID:        cfg.ID,
		Receiver:       orch,
		Logger:         logger,
		Metrics:        m,
		MinBackoff:     cfg.ReconnectMinBackoff,
		MaxBackoff:     cfg.ReconnectMaxBackoff,
		PingInterval:   cfg.SignalingPingInterval,
		SendQueueLimit: cfg.SignalingSendQueueLimit,
	})
	if err != nil {
		return err
	}
	ui.Bind(orch, messenger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { _ = orch.Run(ctx) }()
	sigDone := make(chan struct{})
	go func() {
		defer close(sigDone)
		_ = sig.Run(ctx)
	}()

	err = ui.Run(ctx)
	cancel()
	<-orch.Done()
	<-sigDone
	logger.Debug("final counters", "metrics", m.Snapshot())

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
