package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentivo/carecall/internal/app"
	"github.com/sentivo/carecall/internal/audio"
	amock "github.com/sentivo/carecall/internal/audio/mock"
	"github.com/sentivo/carecall/internal/call"
	"github.com/sentivo/carecall/internal/config"
	"github.com/sentivo/carecall/internal/observe"
	"github.com/sentivo/carecall/internal/transport"
	tmock "github.com/sentivo/carecall/internal/transport/mock"
)

// testApp wires an App onto mocks, recording the transport configs Answer
// builds.
type testApp struct {
	app        *app.App
	transports chan *tmock.Transport
	configs    chan transport.Config
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := config.Default()
	cfg.Server.BaseURL = "wss://voice.example.com"
	cfg.Call.SpoolDir = t.TempDir()

	ta := &testApp{
		transports: make(chan *tmock.Transport, 4),
		configs:    make(chan transport.Config, 4),
	}
	ta.app = app.New(&cfg,
		app.WithCaptureFactory(func() audio.CaptureSource { return amock.NewCapture() }),
		app.WithPlaybackFactory(func() audio.PlaybackSink { return amock.NewPlayback() }),
		app.WithTransportFactory(func(tcfg transport.Config) transport.Transport {
			tp := tmock.New()
			ta.transports <- tp
			ta.configs <- tcfg
			return tp
		}),
		app.WithPermissionChecker(func(context.Context) error { return nil }),
		app.WithMetrics(observe.Nop()),
	)
	return ta
}

func waitClosed(t *testing.T, c *call.Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to close")
	}
}

func TestAnswer_BuildsSessionWithCallIdentity(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	ctrl, err := ta.app.Answer(context.Background(), "patient-7", "conv-42")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	tcfg := <-ta.configs
	if tcfg.PatientID != "patient-7" {
		t.Errorf("PatientID = %q, want patient-7", tcfg.PatientID)
	}
	if tcfg.ConversationID != "conv-42" {
		t.Errorf("ConversationID = %q, want conv-42", tcfg.ConversationID)
	}
	if tcfg.BaseURL != "wss://voice.example.com" {
		t.Errorf("BaseURL = %q", tcfg.BaseURL)
	}

	ctrl.Hangup()
	waitClosed(t, ctrl)
}

func TestAnswer_SecondCallWhileActive(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	ctrl, err := ta.app.Answer(context.Background(), "p", "c1")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if _, err := ta.app.Answer(context.Background(), "p", "c2"); !errors.Is(err, app.ErrCallActive) {
		t.Errorf("second Answer = %v, want ErrCallActive", err)
	}

	// After the first session closes, a new call is allowed.
	ctrl.Hangup()
	waitClosed(t, ctrl)

	ctrl2, err := ta.app.Answer(context.Background(), "p", "c2")
	if err != nil {
		t.Fatalf("Answer after close: %v", err)
	}
	ctrl2.Hangup()
	waitClosed(t, ctrl2)

	// Each session got its own transport.
	if len(ta.transports) != 2 {
		t.Errorf("transport factory called %d times, want 2", len(ta.transports))
	}
}

func TestHangup_NoActiveSession(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	ta.app.Hangup() // must not panic
	if err := ta.app.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown with no session = %v, want nil", err)
	}
}

func TestRun_CancellationHangsUpSession(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	ctrl, err := ta.app.Answer(ctx, "p", "c")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- ta.app.Run(ctx) }()

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	waitClosed(t, ctrl)
	if got := ctrl.Snapshot().State; got != call.StateClosed {
		t.Errorf("state = %q, want closed", got)
	}
}

func TestShutdown_WaitsForTeardown(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t)
	ctrl, err := ta.app.Answer(context.Background(), "p", "c")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if err := ta.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-ctrl.Done():
	default:
		t.Error("Shutdown returned before the session closed")
	}
}
