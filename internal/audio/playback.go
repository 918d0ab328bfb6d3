package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gen2brain/malgo"
	mp3 "github.com/hajimehoshi/go-mp3"
)

// PlaybackConfig holds the fixed output device parameters. Decoded utterances
// are downmixed and resampled to this format before reaching the device, so
// the device is always opened the same way regardless of what the service
// encoded.
type PlaybackConfig struct {
	// SampleRate in Hz of the output device.
	SampleRate int

	// PeriodFrames is the device period size in frames.
	PeriodFrames int
}

// MalgoPlayback is a [PlaybackSink] backed by a malgo playback device. Each
// Play decodes the whole MP3 file up front (utterances are a few seconds
// long), converts it to the device format, and feeds the device callback from
// the in-memory buffer.
type MalgoPlayback struct {
	config PlaybackConfig
	done   chan error

	mu          sync.Mutex
	loudspeaker bool
	current     *playbackRun
}

var _ PlaybackSink = (*MalgoPlayback)(nil)

type playbackRun struct {
	device   *malgo.Device
	malgoCtx *malgo.AllocatedContext
	finished chan struct{} // closed by the data callback at end of buffer
	stopped  chan struct{} // closed by Stop
	stopOnce sync.Once
	once     sync.Once
}

// NewMalgoPlayback creates a playback sink. No device is opened until Play.
func NewMalgoPlayback(config PlaybackConfig) *MalgoPlayback {
	return &MalgoPlayback{
		config: config,
		done:   make(chan error, 1),
	}
}

// Play decodes the MP3 file at path and starts playing it. Decode and device
// errors are returned immediately; once Play returns nil, exactly one value
// arrives on [MalgoPlayback.Done].
func (p *MalgoPlayback) Play(ctx context.Context, path string) error {
	pcm, err := p.decodeFile(path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return errors.New("audio: playback already in progress")
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(p.config.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(p.config.PeriodFrames)

	if p.loudspeaker {
		id, err := findDeviceID(malgoCtx, malgo.Playback, "speaker")
		if err != nil {
			malgoCtx.Uninit()
			malgoCtx.Free()
			return err
		}
		deviceConfig.Playback.DeviceID = id.Pointer()
	}

	run := &playbackRun{
		malgoCtx: malgoCtx,
		finished: make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	var offset int
	var finishOnce sync.Once
	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			n := copy(output, pcm[offset:])
			offset += n
			for i := n; i < len(output); i++ {
				output[i] = 0
			}
			if offset >= len(pcm) {
				finishOnce.Do(func() { close(run.finished) })
			}
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		malgoCtx.Uninit()
		malgoCtx.Free()
		return fmt.Errorf("%w: init playback device: %v", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		malgoCtx.Uninit()
		malgoCtx.Free()
		return fmt.Errorf("%w: start playback device: %v", ErrDeviceUnavailable, err)
	}
	run.device = device
	p.current = run

	go p.supervise(ctx, run)
	return nil
}

// supervise waits for playback to finish, be stopped, or lose its context,
// then tears the device down and reports the outcome exactly once.
func (p *MalgoPlayback) supervise(ctx context.Context, run *playbackRun) {
	var result error
	select {
	case <-run.finished:
	case <-run.stopped:
	case <-ctx.Done():
		result = ctx.Err()
	}

	run.once.Do(func() {
		run.device.Uninit()
		run.malgoCtx.Uninit()
		run.malgoCtx.Free()
	})

	p.mu.Lock()
	if p.current == run {
		p.current = nil
	}
	p.mu.Unlock()

	p.done <- result
}

// Done delivers one outcome per successful Play.
func (p *MalgoPlayback) Done() <-chan error { return p.done }

// Stop aborts the current playback. The pending Done delivery still happens,
// with a nil result. Safe to call when nothing is playing.
func (p *MalgoPlayback) Stop() error {
	p.mu.Lock()
	run := p.current
	p.mu.Unlock()
	if run == nil {
		return nil
	}
	run.stopOnce.Do(func() { close(run.stopped) })
	return nil
}

// Route selects the loudspeaker or the default output for subsequent Play
// calls. Switching mid-playback takes effect on the next utterance.
func (p *MalgoPlayback) Route(loudspeaker bool) {
	p.mu.Lock()
	p.loudspeaker = loudspeaker
	p.mu.Unlock()
}

// decodeFile decodes the MP3 at path into device-format PCM: the decoder
// always emits 16-bit stereo at the source rate, so the result is downmixed
// to mono and resampled to the device rate.
func (p *MalgoPlayback) decodeFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open utterance: %w", err)
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("audio: decode utterance: %w", err)
	}
	stereo, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("audio: decode utterance: %w", err)
	}
	if len(stereo) == 0 {
		return nil, errors.New("audio: decode utterance: empty stream")
	}

	mono := StereoToMono(stereo)
	return ResampleMono16(mono, dec.SampleRate(), p.config.SampleRate), nil
}
