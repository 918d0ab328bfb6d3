// Package mock provides test doubles for the audio package interfaces.
//
// Use Capture to script microphone chunks into the session controller and
// Playback to observe Play/Stop calls and drive completion by hand.
//
// Example:
//
//	cap := mock.NewCapture()
//	cap.ChunksCh <- audio.Chunk{Data: pcm}
//	pb := mock.NewPlayback()
//	pb.Complete(nil) // finish the current utterance
package mock

import (
	"context"
	"sync"

	"github.com/sentivo/carecall/internal/audio"
)

// Capture is a mock implementation of audio.CaptureSource. Tests push chunks
// and errors on the exported channels.
type Capture struct {
	mu sync.Mutex

	// ChunksCh is the channel returned by Chunks(). Callers own this channel.
	ChunksCh chan audio.Chunk

	// ErrorsCh is the channel returned by Errors(). Callers own this channel.
	ErrorsCh chan error

	// StartErr, if non-nil, is returned by every Start call.
	StartErr error

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error

	// StartCallCount is the number of times Start was called.
	StartCallCount int

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	running bool
}

// NewCapture returns a Capture with buffered channels.
func NewCapture() *Capture {
	return &Capture{
		ChunksCh: make(chan audio.Chunk, 64),
		ErrorsCh: make(chan error, 8),
	}
}

// Start records the call and returns StartErr.
func (c *Capture) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCallCount++
	if c.StartErr != nil {
		return c.StartErr
	}
	c.running = true
	return nil
}

// Stop records the call and returns StopErr.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCallCount++
	c.running = false
	return c.StopErr
}

// Running reports whether the source is between Start and Stop. Thread-safe.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// StartCount returns the number of Start calls so far. Thread-safe.
func (c *Capture) StartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StartCallCount
}

// StopCount returns the number of Stop calls so far. Thread-safe.
func (c *Capture) StopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StopCallCount
}

// Chunks returns ChunksCh.
func (c *Capture) Chunks() <-chan audio.Chunk { return c.ChunksCh }

// Errors returns ErrorsCh.
func (c *Capture) Errors() <-chan error { return c.ErrorsCh }

// Ensure Capture implements audio.CaptureSource at compile time.
var _ audio.CaptureSource = (*Capture)(nil)

// PlayCall records a single invocation of Playback.Play.
type PlayCall struct {
	// Path is the utterance file path passed to Play.
	Path string
}

// Playback is a mock implementation of audio.PlaybackSink. Playback never
// completes on its own; tests call Complete to deliver the Done value.
type Playback struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call and no Done value
	// is produced, matching the real sink's setup-failure contract.
	PlayErr error

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error

	// PlayCalls records every call to Play in order.
	PlayCalls []PlayCall

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	// RouteCalls records the loudspeaker argument of every Route call.
	RouteCalls []bool

	done    chan error
	playing bool
}

// NewPlayback returns a Playback with a buffered Done channel.
func NewPlayback() *Playback {
	return &Playback{done: make(chan error, 1)}
}

// Play records the call and returns PlayErr.
func (p *Playback) Play(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayCalls = append(p.PlayCalls, PlayCall{Path: path})
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.playing = true
	return nil
}

// Done returns the completion channel fed by Complete.
func (p *Playback) Done() <-chan error { return p.done }

// Stop records the call. If a playback is in flight, it completes with nil,
// matching the real sink.
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StopCallCount++
	if p.playing {
		p.playing = false
		p.done <- nil
	}
	return p.StopErr
}

// Route records the call.
func (p *Playback) Route(loudspeaker bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RouteCalls = append(p.RouteCalls, loudspeaker)
}

// Complete finishes the current playback with err. It panics if nothing is
// playing, which catches test sequencing mistakes early.
func (p *Playback) Complete(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		panic("mock: Complete called with no playback in flight")
	}
	p.playing = false
	p.done <- err
}

// Playing reports whether a Play is awaiting completion. Thread-safe.
func (p *Playback) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Plays returns a snapshot of the recorded Play calls. Thread-safe.
func (p *Playback) Plays() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Routes returns a snapshot of the recorded Route calls. Thread-safe.
func (p *Playback) Routes() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.RouteCalls))
	copy(out, p.RouteCalls)
	return out
}

// Ensure Playback implements audio.PlaybackSink at compile time.
var _ audio.PlaybackSink = (*Playback)(nil)
