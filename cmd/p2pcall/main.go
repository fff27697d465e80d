// p2pcall: CLI entry point.
//
// This tool places peer-to-peer audio/video calls over WebRTC. A small
// WebSocket relay carries the signaling; media flows directly between peers.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--relay, --call, --answer).
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/p2pcall/internal/app"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	relayAddr := flag.String("relay", "", "Run the signaling relay on this address (e.g. :4545)")
	relayToken := flag.String("token", "", "Relay token clients must present (relay mode; random if empty)")
	identity := flag.StringP("identity", "i", "", "Identity to sign in as (overrides "+config.EnvIdentity+")")
	signalingURL := flag.StringP("url", "u", "", "Signaling relay URL (overrides "+config.EnvSignalingURL+")")
	target := flag.StringP("call", "c", "", "Call this identity and exit when the call ends")
	answer := flag.Bool("answer", false, "Answer every incoming call without asking")
	audioOnly := flag.Bool("audio-only", false, "Place calls without video")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	pterm.Info.Println("p2pcall v" + version)
	pterm.Println()

	if *relayAddr != "" {
		if *debugMode {
			util.EnableDebug()
		}
		if err := app.RunRelay(ctx, *relayAddr, *relayToken); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if *identity != "" {
		cfg.Identity = *identity
	}
	if *signalingURL != "" {
		cfg.SignalingURL = *signalingURL
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	if cfg.Identity == "" && *target == "" && !*answer {
		cfg.Identity = askIdentity()
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	opts := app.ClientOptions{Target: *target, Answer: *answer, AudioOnly: *audioOnly}
	if err := app.RunClient(ctx, cfg, opts); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("signed out")
}

// askIdentity prompts for an identity until a non-empty one is entered.
func askIdentity() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your identity").
			Show()
		pterm.Println()

		if id := strings.TrimSpace(raw); id != "" {
			return id
		}
		util.LogWarning("identity must not be empty")
	}
}
