// Package audio provides microphone capture and utterance playback on top of
// the system audio devices, plus the PCM conversion helpers the playback path
// needs. Capture delivers raw little-endian 16-bit mono PCM chunks over a
// channel; playback decodes MP3 utterance files and drives the output device.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when an audio device cannot be opened,
// typically because the microphone permission is missing or no device exists.
// Callers treat it as fatal for the session.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Chunk is one capture period of raw PCM delivered by a [CaptureSource].
type Chunk struct {
	// Data is little-endian signed 16-bit mono PCM.
	Data []byte

	// Timestamp is when the device callback delivered the period.
	Timestamp time.Time
}

// CaptureConfig holds the fixed capture device parameters.
type CaptureConfig struct {
	// SampleRate in Hz, e.g. 16000.
	SampleRate int

	// Channels of the capture stream. The call pipeline is mono.
	Channels int

	// PeriodFrames is the device period size in frames.
	PeriodFrames int

	// DeviceName optionally selects a capture device by name substring.
	// Empty selects the system default.
	DeviceName string
}

// CaptureSource produces microphone audio. Implementations are restartable:
// Stop releases the device but keeps the channels open, so a later Start on
// the same source resumes delivery on the same channels.
type CaptureSource interface {
	// Start opens the device and begins delivering chunks. Returns
	// [ErrDeviceUnavailable] (wrapped) when the device cannot be opened.
	Start(ctx context.Context) error

	// Stop releases the device. Safe to call when not running.
	Stop() error

	// Chunks returns the capture delivery channel. Chunks arriving while the
	// receiver is slow are dropped, never queued unboundedly.
	Chunks() <-chan Chunk

	// Errors returns the channel for non-fatal capture errors (overflow).
	Errors() <-chan error
}

// PlaybackSink plays one utterance file at a time.
type PlaybackSink interface {
	// Play starts asynchronous playback of the MP3 file at path. A setup
	// failure (unreadable file, bad payload, no output device) is returned
	// immediately and nothing is sent on Done. On success exactly one value
	// is later delivered on Done.
	Play(ctx context.Context, path string) error

	// Done delivers the outcome of the playback started by the last
	// successful Play: nil on completion or stop, non-nil on a device
	// failure mid-playback.
	Done() <-chan error

	// Stop aborts the current playback, if any. Safe to call when idle.
	Stop() error

	// Route switches the output device used by subsequent Play calls.
	Route(loudspeaker bool)
}

// PermissionChecker reports whether microphone capture is possible at all.
// The production implementation probes the device list; tests substitute a
// function value.
type PermissionChecker func(ctx context.Context) error
