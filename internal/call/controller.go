package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sentivo/carecall/internal/audio"
	"github.com/sentivo/carecall/internal/observe"
	"github.com/sentivo/carecall/internal/transport"
)

// flushCheckInterval is how often the event loop checks the accumulator's
// time threshold. Much smaller than the threshold itself so a due flush is
// never late by more than a tick.
const flushCheckInterval = 100 * time.Millisecond

// ErrAlreadyStarted is returned by Start when the session already ran.
var ErrAlreadyStarted = errors.New("call: session already started")

// Config wires a Controller's collaborators. Capture, Playback, Transport,
// and Spool are required; the rest default sensibly.
type Config struct {
	Capture   audio.CaptureSource
	Playback  audio.PlaybackSink
	Transport transport.Transport
	Spool     *Spool

	// FrameBytes is the accumulator size threshold.
	FrameBytes int

	// FrameInterval is the accumulator time threshold.
	FrameInterval time.Duration

	// Metrics defaults to [observe.Nop].
	Metrics *observe.Metrics

	// CheckMic verifies microphone availability before capture starts.
	// Defaults to [audio.CheckMicrophone]. A failure is fatal to the
	// session.
	CheckMic audio.PermissionChecker

	// Clock overrides the time source for the accumulator and the elapsed
	// timer. Defaults to [time.Now].
	Clock func() time.Time

	// SpeakerOn sets the initial playback route.
	SpeakerOn bool
}

// Controller owns one call session from Connecting through Closed. It is the
// only component that starts or stops capture and playback, which is how the
// half-duplex invariant is enforced: capture runs only in Streaming, playback
// only in Playing, and every transition between the two passes through this
// type's single event loop.
type Controller struct {
	capture  audio.CaptureSource
	playback audio.PlaybackSink
	tp       transport.Transport
	spool    *Spool
	acc      *Accumulator
	metrics  *observe.Metrics
	checkMic audio.PermissionChecker
	now      func() time.Time

	cmds   chan command
	hangup chan struct{}
	done   chan struct{}

	hangupOnce sync.Once
	startOnce  sync.Once

	mu        sync.Mutex
	snap      Snapshot
	fatalErr  error
	startedAt time.Time

	// Event-loop-owned fields, never touched from outside run.
	capturing   bool
	pendingFile string
	playStart   time.Time
	playSpan    trace.Span
}

type command int

const (
	cmdToggleMute command = iota
	cmdToggleSpeaker
)

// NewController creates a session controller in the Idle state.
func NewController(cfg Config) *Controller {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.Nop()
	}
	if cfg.CheckMic == nil {
		cfg.CheckMic = audio.CheckMicrophone
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Controller{
		capture:  cfg.Capture,
		playback: cfg.Playback,
		tp:       cfg.Transport,
		spool:    cfg.Spool,
		acc:      NewAccumulator(cfg.FrameBytes, cfg.FrameInterval, WithClock(cfg.Clock)),
		metrics:  cfg.Metrics,
		checkMic: cfg.CheckMic,
		now:      cfg.Clock,
		cmds:     make(chan command, 8),
		hangup:   make(chan struct{}),
		done:     make(chan struct{}),
		snap:     Snapshot{State: StateIdle, SpeakerOn: cfg.SpeakerOn},
	}
}

// Start launches the session event loop. It returns immediately; progress is
// observable through Snapshot and Done. Calling Start twice returns
// [ErrAlreadyStarted].
func (c *Controller) Start(ctx context.Context) error {
	var started bool
	c.startOnce.Do(func() {
		started = true
		go c.run(ctx)
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// Hangup requests teardown. Idempotent and non-blocking; safe from any
// state, including mid-Connecting and after Closed.
func (c *Controller) Hangup() {
	c.hangupOnce.Do(func() { close(c.hangup) })
}

// ToggleMute flips the mute flag. Muted sessions keep capturing so unmute is
// instantaneous; the frames are discarded before the accumulator.
func (c *Controller) ToggleMute() { c.enqueue(cmdToggleMute) }

// ToggleSpeaker flips the playback route between earpiece and loudspeaker.
func (c *Controller) ToggleSpeaker() { c.enqueue(cmdToggleSpeaker) }

// enqueue queues a command without blocking. Commands arriving after the
// loop exited are dropped, matching hang-up idempotency.
func (c *Controller) enqueue(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

// Snapshot returns the current display state. Elapsed runs from the moment
// the session entered Connecting and freezes once it is Closed.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snap
	if !c.startedAt.IsZero() && !snap.State.Terminal() {
		snap.Elapsed = c.now().Sub(c.startedAt)
	}
	return snap
}

// Done is closed once the session reaches Closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the fatal error that ended the session, or nil after a normal
// hang-up.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// run is the session event loop. Everything that mutates session state
// happens on this goroutine.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	ctx, span := observe.StartSpan(ctx, "call.session")
	defer func() {
		if err := c.Err(); err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	c.metrics.ActiveCalls.Add(ctx, 1)
	defer func() {
		c.metrics.ActiveCalls.Add(context.Background(), -1)
		c.mu.Lock()
		startedAt := c.startedAt
		c.mu.Unlock()
		c.metrics.CallDuration.Record(context.Background(), c.now().Sub(startedAt).Seconds())
	}()

	c.setState(StateConnecting)
	c.mu.Lock()
	c.startedAt = c.now()
	c.mu.Unlock()

	if !c.connect(ctx) {
		c.teardown()
		return
	}

	if err := c.capture.Start(ctx); err != nil {
		c.fail(err)
		c.teardown()
		return
	}
	c.capturing = true
	c.setState(StateStreaming)
	observe.Logger(ctx).Info("call: streaming")

	flushTick := time.NewTicker(flushCheckInterval)
	defer flushTick.Stop()

	for {
		select {
		case <-c.hangup:
			slog.Info("call: hang-up requested")
			c.teardown()
			return

		case <-ctx.Done():
			c.teardown()
			return

		case chunk := <-c.capture.Chunks():
			c.onChunk(ctx, chunk)

		case err := <-c.capture.Errors():
			slog.Warn("call: capture error", "error", err)

		case <-flushTick.C:
			c.onFlushTick(ctx)

		case cmd := <-c.cmds:
			c.onCommand(cmd)

		case evt, ok := <-c.tp.Events():
			if !ok {
				c.teardown()
				return
			}
			if !c.onTransportEvent(ctx, evt) {
				c.teardown()
				return
			}

		case err := <-c.playback.Done():
			if !c.onPlaybackDone(ctx, err) {
				c.teardown()
				return
			}
		}
	}
}

// connect runs the Connecting phase: microphone check, transport dial, and
// the wait for the Opened event. Returns false when the session must close.
func (c *Controller) connect(ctx context.Context) bool {
	select {
	case <-c.hangup:
		return false
	default:
	}

	if err := c.checkMic(ctx); err != nil {
		c.fail(err)
		return false
	}

	// The mic check can block on a permission prompt; honour a hang-up that
	// arrived meanwhile before dialing.
	select {
	case <-c.hangup:
		return false
	default:
	}

	if err := c.tp.Open(ctx); err != nil {
		c.fail(err)
		return false
	}

	for {
		select {
		case <-c.hangup:
			return false
		case <-ctx.Done():
			return false
		case evt, ok := <-c.tp.Events():
			if !ok {
				c.fail(errors.New("call: transport ended before opening"))
				return false
			}
			switch e := evt.(type) {
			case transport.Opened:
				return true
			case transport.Closed:
				err := e.Err
				if err == nil {
					err = errors.New("call: transport closed before opening")
				}
				c.fail(err)
				return false
			default:
				// Nothing else is meaningful before Opened.
			}
		}
	}
}

// onChunk routes one capture chunk. Chunks arriving while muted or playing
// are discarded here, before the accumulator, so capture itself never stops
// for mute and the pending buffer survives playback untouched.
func (c *Controller) onChunk(ctx context.Context, chunk audio.Chunk) {
	snap := c.Snapshot()
	if snap.State != StateStreaming {
		c.metrics.RecordFrameDropped(ctx, observe.DropPlaying)
		return
	}
	if snap.Muted {
		c.metrics.RecordFrameDropped(ctx, observe.DropMuted)
		return
	}
	for _, frame := range c.acc.Append(chunk.Data) {
		c.send(ctx, frame)
	}
}

// onFlushTick applies the accumulator's time threshold.
func (c *Controller) onFlushTick(ctx context.Context) {
	snap := c.Snapshot()
	if snap.State != StateStreaming || snap.Muted {
		return
	}
	if frame := c.acc.FlushDue(c.now()); frame != nil {
		c.send(ctx, frame)
	}
}

// send hands one frame to the transport. Send failures are logged and
// dropped; the transport's own Closed event is the authoritative signal that
// the connection is gone.
func (c *Controller) send(ctx context.Context, frame []byte) {
	if err := c.tp.Send(frame); err != nil {
		slog.Warn("call: frame send failed", "bytes", len(frame), "error", err)
		c.metrics.RecordFrameDropped(ctx, observe.DropNotOpen)
		return
	}
	c.metrics.RecordFrameSent(ctx, len(frame))
}

// onCommand applies a user command.
func (c *Controller) onCommand(cmd command) {
	switch cmd {
	case cmdToggleMute:
		c.mu.Lock()
		c.snap.Muted = !c.snap.Muted
		muted := c.snap.Muted
		c.mu.Unlock()
		slog.Info("call: mute toggled", "muted", muted)
	case cmdToggleSpeaker:
		c.mu.Lock()
		c.snap.SpeakerOn = !c.snap.SpeakerOn
		on := c.snap.SpeakerOn
		c.mu.Unlock()
		c.playback.Route(on)
		slog.Info("call: speaker toggled", "loudspeaker", on)
	}
}

// onTransportEvent handles one inbound event. Returns false when the session
// must close.
func (c *Controller) onTransportEvent(ctx context.Context, evt transport.Event) bool {
	switch e := evt.(type) {
	case transport.Utterance:
		c.metrics.UtterancesReceived.Add(ctx, 1)
		return c.onUtterance(ctx, e.Audio)

	case transport.Failure:
		// Recoverable: the connection stays up, the call continues.
		slog.Warn("call: transport failure", "error", e.Err)
		c.metrics.RecordUtteranceFailure(ctx, "transport")
		return true

	case transport.Closed:
		if e.Err != nil {
			c.fail(e.Err)
		} else {
			slog.Info("call: transport closed by remote")
		}
		return false

	default:
		return true
	}
}

// onUtterance runs the capture-to-playback handoff: stop capture, persist
// the payload, start the sink. Every failure on this path recovers back to
// Streaming; one lost utterance must never end or silence the call.
func (c *Controller) onUtterance(ctx context.Context, payload []byte) bool {
	snap := c.Snapshot()
	if snap.State != StateStreaming {
		slog.Warn("call: utterance arrived while busy, dropping", "state", snap.State, "bytes", len(payload))
		c.metrics.RecordUtteranceFailure(ctx, "busy")
		return true
	}

	c.setState(StatePlaying)
	c.stopCapture()

	// The handoff span covers spool write through playback completion.
	_, span := observe.StartSpan(ctx, "call.utterance")

	path, err := c.spool.Put(payload)
	if err != nil {
		slog.Warn("call: utterance spool failed, skipping", "error", err)
		c.metrics.RecordUtteranceFailure(ctx, "spool")
		span.RecordError(err)
		span.End()
		return c.resumeStreaming(ctx)
	}

	if err := c.playback.Play(ctx, path); err != nil {
		slog.Warn("call: playback start failed, skipping utterance", "error", err)
		c.metrics.RecordUtteranceFailure(ctx, "playback")
		span.RecordError(err)
		span.End()
		if rmErr := c.spool.Remove(path); rmErr != nil {
			slog.Warn("call: utterance cleanup failed", "error", rmErr)
		}
		return c.resumeStreaming(ctx)
	}

	c.pendingFile = path
	c.playStart = c.now()
	c.playSpan = span
	return true
}

// onPlaybackDone finishes the handoff after the sink reports. Returns false
// when the session must close.
func (c *Controller) onPlaybackDone(ctx context.Context, playErr error) bool {
	if c.pendingFile == "" {
		// Stale completion, e.g. from a Stop during teardown racing the
		// sink. Nothing to do.
		return true
	}

	if playErr != nil {
		slog.Warn("call: playback failed, skipping utterance", "error", playErr)
		c.metrics.RecordUtteranceFailure(ctx, "playback")
	} else {
		c.metrics.UtterancesPlayed.Add(ctx, 1)
		c.metrics.PlaybackDuration.Record(ctx, c.now().Sub(c.playStart).Seconds())
	}

	if err := c.spool.Remove(c.pendingFile); err != nil {
		slog.Warn("call: utterance cleanup failed", "error", err)
	}
	c.pendingFile = ""
	c.endPlaySpan(playErr)

	return c.resumeStreaming(ctx)
}

// endPlaySpan closes the in-flight utterance span, if any.
func (c *Controller) endPlaySpan(err error) {
	if c.playSpan == nil {
		return
	}
	if err != nil {
		c.playSpan.RecordError(err)
	}
	c.playSpan.End()
	c.playSpan = nil
}

// resumeStreaming restarts capture after playback, successful or not.
// Failure to reacquire the microphone is fatal: the session cannot hear the
// caller any more.
func (c *Controller) resumeStreaming(ctx context.Context) bool {
	if err := c.capture.Start(ctx); err != nil {
		c.fail(err)
		return false
	}
	c.capturing = true
	c.setState(StateStreaming)
	return true
}

// stopCapture stops the source, swallowing errors: a device that failed to
// stop cleanly must not block the state machine.
func (c *Controller) stopCapture() {
	if !c.capturing {
		return
	}
	c.capturing = false
	if err := c.capture.Stop(); err != nil {
		slog.Warn("call: capture stop failed", "error", err)
	}
}

// teardown is the single convergence point for every way a session ends:
// hang-up, fatal error, remote close, context cancellation. Each step is
// best-effort; teardown always reaches Closed.
func (c *Controller) teardown() {
	c.setState(StateClosing)

	c.stopCapture()

	if err := c.playback.Stop(); err != nil {
		slog.Warn("call: playback stop failed", "error", err)
	}
	if c.pendingFile != "" {
		if err := c.spool.Remove(c.pendingFile); err != nil {
			slog.Warn("call: utterance cleanup failed", "error", err)
		}
		c.pendingFile = ""
	}
	c.endPlaySpan(nil)

	if err := c.tp.Close(); err != nil {
		slog.Warn("call: transport close failed", "error", err)
	}
	// The transport guarantees the event channel terminates after Close.
	for range c.tp.Events() {
	}

	if err := c.spool.Close(); err != nil {
		slog.Warn("call: spool sweep failed", "error", err)
	}

	// Freeze the display timer at the final call length.
	c.mu.Lock()
	if !c.startedAt.IsZero() {
		c.snap.Elapsed = c.now().Sub(c.startedAt)
	}
	c.mu.Unlock()

	c.setState(StateClosed)
	slog.Info("call: closed", "error", c.Err())
}

// fail records the first fatal error.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	slog.Warn("call: fatal session error", "error", err)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.snap.State = s
	c.mu.Unlock()
}
