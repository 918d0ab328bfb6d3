package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Fields absent from the YAML keep their [Default] values. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	} else if u, err := url.Parse(cfg.Server.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("server.base_url %q is not a valid URL: %w", cfg.Server.BaseURL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server.base_url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio. The wire convention is fixed, so reject anything the remote
	// service would not accept rather than silently converting.
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; the stream is mono (1)", cfg.Audio.Channels))
	}
	if cfg.Audio.BitDepth != 16 {
		errs = append(errs, fmt.Errorf("audio.bit_depth %d is invalid; the stream is 16-bit", cfg.Audio.BitDepth))
	}
	if cfg.Audio.PeriodFrames <= 0 {
		errs = append(errs, fmt.Errorf("audio.period_frames %d must be positive", cfg.Audio.PeriodFrames))
	}
	if cfg.Audio.Route != "" && !cfg.Audio.Route.IsValid() {
		errs = append(errs, fmt.Errorf("audio.route %q is invalid; valid values: earpiece, loudspeaker", cfg.Audio.Route))
	}

	// Call
	if cfg.Call.FrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("call.frame_bytes %d must be positive", cfg.Call.FrameBytes))
	} else if cfg.Audio.PeriodFrames > 0 && cfg.Call.FrameBytes < cfg.Audio.PeriodFrames*2 {
		// A frame smaller than one device period can never accumulate.
		errs = append(errs, fmt.Errorf("call.frame_bytes %d is smaller than one capture period (%d bytes)",
			cfg.Call.FrameBytes, cfg.Audio.PeriodFrames*2))
	}
	if cfg.Call.FrameInterval <= 0 {
		errs = append(errs, fmt.Errorf("call.frame_interval %s must be positive", cfg.Call.FrameInterval))
	}

	return errors.Join(errs...)
}
