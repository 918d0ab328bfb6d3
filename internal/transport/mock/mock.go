// Package mock provides a test double for the transport package.
//
// Tests script inbound events with Emit and inspect outbound frames through
// SendCalls. Close delivers the terminal Closed event exactly like the real
// transport, so the session controller can be driven end to end without a
// server.
//
// Example:
//
//	tp := mock.New()
//	tp.Emit(transport.Utterance{Audio: mp3Bytes})
//	tp.Finish(nil) // Closed + channel close
package mock

import (
	"context"
	"sync"

	"github.com/sentivo/carecall/internal/transport"
)

// Transport is a mock implementation of transport.Transport.
type Transport struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open and no Opened event is
	// emitted.
	OpenErr error

	// SendErr, if non-nil, is returned by every Send call after the
	// transport is open.
	SendErr error

	// SendCalls records a copy of every frame passed to Send while open.
	SendCalls [][]byte

	// DroppedFrames counts frames passed to Send while not open.
	DroppedFrames int

	// OpenCallCount is the number of times Open was called.
	OpenCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events   chan transport.Event
	open     bool
	finished bool
}

// New returns a mock transport with a buffered event channel.
func New() *Transport {
	return &Transport{events: make(chan transport.Event, 64)}
}

// Open records the call, returns OpenErr, and on success emits Opened.
func (t *Transport) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.OpenCallCount++
	if t.OpenErr != nil {
		return t.OpenErr
	}
	t.open = true
	t.events <- transport.Opened{}
	return nil
}

// Send records the frame when open and returns SendErr. Frames sent while
// not open are counted in DroppedFrames and return nil, matching the real
// transport's fire-and-forget contract.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		t.DroppedFrames++
		return nil
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	t.SendCalls = append(t.SendCalls, cp)
	return t.SendErr
}

// Events returns the scripted event channel.
func (t *Transport) Events() <-chan transport.Event { return t.events }

// Close records the call and finishes the event stream with a clean Closed.
// Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCallCount++
	t.finishLocked(nil)
	return nil
}

// Emit queues an inbound event, as if the server had sent it.
func (t *Transport) Emit(evt transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.events <- evt
}

// Finish ends the event stream: it emits Closed{Err: err} and closes the
// channel, simulating a remote close (err nil) or a connection failure.
func (t *Transport) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(err)
}

func (t *Transport) finishLocked(err error) {
	if t.finished {
		return
	}
	t.finished = true
	t.open = false
	t.events <- transport.Closed{Err: err}
	close(t.events)
}

// Sent returns a snapshot of all recorded frames. Thread-safe.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.SendCalls))
	copy(out, t.SendCalls)
	return out
}

// Ensure Transport implements transport.Transport at compile time.
var _ transport.Transport = (*Transport)(nil)
