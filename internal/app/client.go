package app

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/media/capture"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

const statsInterval = 5 * time.Second

// ClientOptions selects how the client runs. With neither Target nor Answer
// set the client is driven by interactive prompts.
type ClientOptions struct {
	Target    string // call this identity and exit when the call ends
	Answer    bool   // accept every incoming call without asking
	AudioOnly bool
}

// RunClient orchestrates the full client lifecycle:
//  1. Open the capture devices and the peer transport factory
//  2. Connect to the signaling relay
//  3. Start the call coordinator and keep its ICE servers fresh
//  4. Drive calls from flags or prompts until shutdown
func RunClient(ctx context.Context, cfg *config.Config, opts ClientOptions) error {
	// ── 1. Media & transport ───────────────────────────────────────────
	src, err := capture.New()
	if err != nil {
		return fmt.Errorf("failed to set up media capture: %w", err)
	}
	peers := call.TransportFactory(transport.NewFactory(src))

	// ── 2. Signaling ───────────────────────────────────────────────────
	ch := signaling.NewChannel(signaling.Options{
		URL:             cfg.SignalingURL,
		Identity:        cfg.Identity,
		Tokens:          cfg.TokenSource,
		MaxAttempts:     cfg.Reconnect.MaxAttempts,
		InitialInterval: cfg.Reconnect.InitialInterval,
		MaxInterval:     cfg.Reconnect.MaxInterval,
	})
	util.LogInfo("connecting to %s as %s", cfg.SignalingURL, cfg.Identity)
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to signaling relay: %w", err)
	}
	defer ch.Close()
	util.LogSuccess("signaling connected")

	// ── 3. Coordinator ─────────────────────────────────────────────────
	coord, err := call.New(ch, src, peers, call.Options{
		Identity:             cfg.Identity,
		ICEServers:           config.WebRTCServers(cfg.ICEServers),
		MaxPendingCandidates: cfg.Call.MaxPendingCandidates,
		NegotiationTimeout:   cfg.Call.NegotiationTimeout,
	})
	if err != nil {
		return err
	}
	notes, unsubscribe := coord.Subscribe()
	defer unsubscribe()
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	if cfg.ICEConfigPath != "" {
		go func() {
			err := config.WatchICEServers(ctx, cfg.ICEConfigPath, func(servers []config.ICEServer) {
				coord.UpdateICEServers(config.WebRTCServers(servers))
			})
			if err != nil {
				util.LogWarning("ICE server file is no longer watched: %v", err)
			}
		}()
	}

	util.StartStatsReporter(ctx, statsInterval)

	// ── 4. Drive calls ─────────────────────────────────────────────────
	con := newConsole(coord, !opts.AudioOnly)
	go con.watch(notes)

	switch {
	case opts.Target != "":
		return con.dial(ctx, opts.Target)
	case opts.Answer:
		return con.answer(ctx)
	default:
		return con.interactive(ctx)
	}
}
