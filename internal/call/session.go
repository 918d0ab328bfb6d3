// Package call implements the half-duplex voice-call session: the frame
// accumulator that shapes outbound PCM, the spool that holds received
// utterance files, and the controller that owns the session state machine.
//
// The controller is the only component allowed to start or stop capture and
// playback. Every input it reacts to (capture chunks, transport events,
// playback completions, user commands) is serialised through one event loop
// goroutine, so state transitions never interleave.
package call

import "time"

// State is the session lifecycle state. Transitions are owned exclusively by
// the [Controller]; see its event loop for the full machine.
type State string

const (
	// StateIdle is the initial state before Start.
	StateIdle State = "idle"

	// StateConnecting covers permission check and transport dial.
	StateConnecting State = "connecting"

	// StateStreaming means capture is running and frames flow outbound.
	StateStreaming State = "streaming"

	// StatePlaying means an utterance is playing and capture is stopped.
	StatePlaying State = "playing"

	// StateClosing means teardown is in progress.
	StateClosing State = "closing"

	// StateClosed is terminal: all resources are released.
	StateClosed State = "closed"
)

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateConnecting, StateStreaming, StatePlaying, StateClosing, StateClosed:
		return true
	}
	return false
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool { return s == StateClosed }

// Snapshot is a point-in-time view of the session for display. It carries no
// references into the controller, so the UI may hold it as long as it likes.
type Snapshot struct {
	State State

	// Elapsed is the display timer, measured from the Connecting transition
	// and frozen once the session is Closed.
	Elapsed time.Duration

	// Muted means captured frames are being discarded before the transport.
	Muted bool

	// SpeakerOn means playback routes to the loudspeaker.
	SpeakerOn bool
}
