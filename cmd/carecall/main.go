// Command carecall is the voice-call client for the CareCall service.
//
// It answers one call at a time: microphone audio streams to the remote
// voice service over a WebSocket, and synthesized utterances stream back and
// play through the configured output route. While a call is active, stdin
// accepts single-letter commands: m toggles mute, s toggles the loudspeaker,
// q hangs up.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sentivo/carecall/internal/app"
	"github.com/sentivo/carecall/internal/call"
	"github.com/sentivo/carecall/internal/config"
	"github.com/sentivo/carecall/internal/observe"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	patientID := flag.String("patient", "", "patient identifier for this call")
	conversationID := flag.String("conversation", "", "conversation identifier for this call")
	flag.Parse()

	if *patientID == "" || *conversationID == "" {
		fmt.Fprintln(os.Stderr, "carecall: -patient and -conversation are required")
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "carecall: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "carecall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("carecall starting",
		"version", version,
		"config", *configPath,
		"server", cfg.Server.BaseURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "carecall",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, *patientID, *conversationID)

	application := app.New(cfg)

	// ── Answer the call ───────────────────────────────────────────────────────
	session, err := application.Answer(ctx, *patientID, *conversationID)
	if err != nil {
		slog.Error("failed to answer call", "err", err)
		return 1
	}

	// Process supervision (metrics endpoint, cancellation hang-up) runs in the
	// background; it returns once ctx is cancelled and the session closed.
	runDone := make(chan error, 1)
	go func() { runDone <- application.Run(ctx) }()

	go commandLoop(session)

	slog.Info("call in progress — m: mute, s: speaker, q: hang up, Ctrl+C: quit")

	// ── Wait for the call to end ──────────────────────────────────────────────
	<-session.Done()
	stop()

	if err := <-runDone; err != nil {
		slog.Error("run error", "err", err)
	}

	if err := session.Err(); err != nil {
		slog.Error("call ended with error", "err", err)
		return 1
	}
	slog.Info("call ended", "duration", session.Snapshot().Elapsed.Round(time.Second))
	return 0
}

// commandLoop reads single-letter commands from stdin until the session
// closes or stdin is exhausted.
func commandLoop(session *call.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "m":
			session.ToggleMute()
			fmt.Printf("muted: %v\n", session.Snapshot().Muted)
		case "s":
			session.ToggleSpeaker()
			fmt.Printf("loudspeaker: %v\n", session.Snapshot().SpeakerOn)
		case "q":
			session.Hangup()
			return
		case "":
			// Ignore empty lines.
		default:
			fmt.Println("commands: m (mute), s (speaker), q (hang up)")
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, patientID, conversationID string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         CareCall — voice client       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Server", cfg.Server.BaseURL)
	printField("Patient", patientID)
	printField("Conversation", conversationID)
	printField("Capture", fmt.Sprintf("%d Hz s16le mono", cfg.Audio.SampleRate))
	printField("Route", string(cfg.Audio.Route))
	if cfg.Server.MetricsAddr != "" {
		printField("Metrics", cfg.Server.MetricsAddr)
	} else {
		printField("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-12s : %-22s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
