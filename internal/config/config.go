// Package config provides the configuration schema, loader, and validation
// for the CareCall voice client.
package config

import "time"

// LogLevel controls log verbosity for the client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SpeakerRoute selects the physical output device for playback.
type SpeakerRoute string

const (
	// RouteEarpiece plays through the default (quiet) output device.
	RouteEarpiece SpeakerRoute = "earpiece"

	// RouteLoudspeaker plays through the loudspeaker output device.
	RouteLoudspeaker SpeakerRoute = "loudspeaker"
)

// IsValid reports whether r is a recognised speaker route.
func (r SpeakerRoute) IsValid() bool {
	return r == RouteEarpiece || r == RouteLoudspeaker
}

// Config is the root configuration structure for the CareCall client.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
	Call   CallConfig   `yaml:"call"`
}

// ServerConfig holds the remote voice-service endpoint and logging settings.
type ServerConfig struct {
	// BaseURL is the WebSocket endpoint of the voice-synthesis service
	// (e.g., "wss://voice.example.com"). The call path and the patient /
	// conversation query parameters are appended per session.
	BaseURL string `yaml:"base_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the listen address for the Prometheus scrape endpoint
	// (e.g., "127.0.0.1:9097"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AudioConfig holds the fixed capture and playback device parameters.
// The wire convention is raw signed 16-bit little-endian mono PCM, so
// Channels and BitDepth only accept the values the remote service expects.
type AudioConfig struct {
	// SampleRate is the capture sample rate in Hz. The remote service
	// expects 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the capture channel count. Must be 1 (mono).
	Channels int `yaml:"channels"`

	// BitDepth is the bits per sample. Must be 16.
	BitDepth int `yaml:"bit_depth"`

	// PeriodFrames is the device period size in frames. Smaller values
	// lower latency at the cost of CPU.
	PeriodFrames int `yaml:"period_frames"`

	// CaptureDevice optionally selects a capture device by name substring.
	// Empty means the default device.
	CaptureDevice string `yaml:"capture_device"`

	// Route is the initial playback route. Defaults to earpiece.
	Route SpeakerRoute `yaml:"route"`
}

// CallConfig holds the streaming-session tuning knobs.
type CallConfig struct {
	// FrameBytes is the outbound frame size threshold. The accumulator
	// flushes as soon as this many bytes are pending. Sized to roughly one
	// second of audio at the configured sample rate.
	FrameBytes int `yaml:"frame_bytes"`

	// FrameInterval is the outbound frame time threshold. Pending bytes are
	// flushed after this long even if FrameBytes was never reached, so that
	// quiet audio still produces timely frames.
	FrameInterval time.Duration `yaml:"frame_interval"`

	// SpoolDir is the parent directory for the per-session spool of
	// received utterance files. Empty means the OS temp directory.
	SpoolDir string `yaml:"spool_dir"`
}

// Default returns the configuration used when a field is absent from the
// YAML file: 16 kHz mono s16le capture, one-second frame thresholds.
func Default() Config {
	return Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			Channels:     1,
			BitDepth:     16,
			PeriodFrames: 480, // 30ms at 16kHz
			Route:        RouteEarpiece,
		},
		Call: CallConfig{
			FrameBytes:    32000, // one second of 16kHz s16le mono
			FrameInterval: time.Second,
		},
	}
}
