// Package app wires the CareCall subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates the factories for the
// per-call resources, Answer starts a call session, Run supervises the
// process until shutdown, and Shutdown converges every path on the session
// controller's teardown.
//
// For testing, inject mock implementations via functional options
// (WithCaptureFactory, WithTransportFactory, etc.). When an option is not
// provided, New uses the real device and network implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentivo/carecall/internal/audio"
	"github.com/sentivo/carecall/internal/call"
	"github.com/sentivo/carecall/internal/config"
	"github.com/sentivo/carecall/internal/observe"
	"github.com/sentivo/carecall/internal/transport"
)

// ErrCallActive is returned by Answer while a previous session has not yet
// reached Closed. Exactly one call runs at a time.
var ErrCallActive = errors.New("app: a call is already active")

// CaptureFactory builds a fresh capture source for one session.
type CaptureFactory func() audio.CaptureSource

// PlaybackFactory builds a fresh playback sink for one session.
type PlaybackFactory func() audio.PlaybackSink

// TransportFactory builds a fresh transport for one session. Transports are
// never reused across sessions.
type TransportFactory func(cfg transport.Config) transport.Transport

// SpoolFactory builds a fresh utterance spool for one session.
type SpoolFactory func() (*call.Spool, error)

// App owns the client lifecycle and hands out one call session at a time.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	newCapture   CaptureFactory
	newPlayback  PlaybackFactory
	newTransport TransportFactory
	newSpool     SpoolFactory
	checkMic     audio.PermissionChecker

	mu      sync.Mutex
	session *call.Controller
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCaptureFactory injects a capture source factory instead of the malgo
// device.
func WithCaptureFactory(f CaptureFactory) Option {
	return func(a *App) { a.newCapture = f }
}

// WithPlaybackFactory injects a playback sink factory instead of the malgo
// device.
func WithPlaybackFactory(f PlaybackFactory) Option {
	return func(a *App) { a.newPlayback = f }
}

// WithTransportFactory injects a transport factory instead of the WebSocket
// implementation.
func WithTransportFactory(f TransportFactory) Option {
	return func(a *App) { a.newTransport = f }
}

// WithSpoolFactory injects a spool factory instead of the OS temp directory.
func WithSpoolFactory(f SpoolFactory) Option {
	return func(a *App) { a.newSpool = f }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPermissionChecker injects a microphone permission check instead of the
// device probe.
func WithPermissionChecker(c audio.PermissionChecker) Option {
	return func(a *App) { a.checkMic = c }
}

// New creates an App from a validated config. Real audio and network
// implementations are used for anything not overridden by options.
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.checkMic == nil {
		a.checkMic = audio.CheckMicrophone
	}
	if a.newCapture == nil {
		a.newCapture = func() audio.CaptureSource {
			return audio.NewMalgoCapture(audio.CaptureConfig{
				SampleRate:   cfg.Audio.SampleRate,
				Channels:     cfg.Audio.Channels,
				PeriodFrames: cfg.Audio.PeriodFrames,
				DeviceName:   cfg.Audio.CaptureDevice,
			})
		}
	}
	if a.newPlayback == nil {
		a.newPlayback = func() audio.PlaybackSink {
			return audio.NewMalgoPlayback(audio.PlaybackConfig{
				SampleRate:   cfg.Audio.SampleRate,
				PeriodFrames: cfg.Audio.PeriodFrames,
			})
		}
	}
	if a.newTransport == nil {
		a.newTransport = func(tcfg transport.Config) transport.Transport {
			return transport.NewWS(tcfg)
		}
	}
	if a.newSpool == nil {
		a.newSpool = func() (*call.Spool, error) {
			return call.NewSpool(cfg.Call.SpoolDir)
		}
	}
	return a
}

// Answer starts a new call session for the given patient and conversation.
// Every session gets fresh capture, playback, transport, and spool
// instances. Returns [ErrCallActive] while a previous session is still open.
func (a *App) Answer(ctx context.Context, patientID, conversationID string) (*call.Controller, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		select {
		case <-a.session.Done():
			// Previous session closed; replace it.
		default:
			return nil, ErrCallActive
		}
	}

	spool, err := a.newSpool()
	if err != nil {
		return nil, fmt.Errorf("app: create spool: %w", err)
	}

	ctrl := call.NewController(call.Config{
		Capture:  a.newCapture(),
		Playback: a.newPlayback(),
		Transport: a.newTransport(transport.Config{
			BaseURL:        a.cfg.Server.BaseURL,
			PatientID:      patientID,
			ConversationID: conversationID,
		}),
		Spool:         spool,
		FrameBytes:    a.cfg.Call.FrameBytes,
		FrameInterval: a.cfg.Call.FrameInterval,
		Metrics:       a.metrics,
		CheckMic:      a.checkMic,
		SpeakerOn:     a.cfg.Audio.Route == config.RouteLoudspeaker,
	})

	if err := ctrl.Start(ctx); err != nil {
		return nil, err
	}
	a.session = ctrl
	slog.Info("app: call answered", "patient", patientID, "conversation", conversationID)
	return ctrl, nil
}

// Session returns the current call controller, or nil when no call was ever
// answered.
func (a *App) Session() *call.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Hangup requests teardown of the current session, if any. Idempotent.
func (a *App) Hangup() {
	if s := a.Session(); s != nil {
		s.Hangup()
	}
}

// Run blocks until ctx is cancelled, supervising the metrics endpoint when
// one is configured. Cancellation hangs up the active session and waits for
// it to close.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: observe.MetricsHandler()}
		g.Go(func() error {
			slog.Info("app: metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.Hangup()
		if s := a.Session(); s != nil {
			<-s.Done()
		}
		return nil
	})

	return g.Wait()
}

// Shutdown hangs up the active session and waits for its teardown, bounded
// by ctx. Safe to call multiple times.
func (a *App) Shutdown(ctx context.Context) error {
	s := a.Session()
	if s == nil {
		return nil
	}
	s.Hangup()
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: shutdown: %w", ctx.Err())
	}
}
