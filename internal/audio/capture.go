package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// MalgoCapture is a [CaptureSource] backed by a malgo capture device. The
// device callback copies each period into the chunk channel with a
// non-blocking send; a full channel drops the period and reports an overflow
// error instead of stalling the audio thread.
type MalgoCapture struct {
	config CaptureConfig

	chunks chan Chunk
	errs   chan error

	mu       sync.Mutex
	running  bool
	device   *malgo.Device
	malgoCtx *malgo.AllocatedContext
	stop     chan struct{}
}

var _ CaptureSource = (*MalgoCapture)(nil)

// NewMalgoCapture creates a capture source for the given device parameters.
// No device is opened until [MalgoCapture.Start].
func NewMalgoCapture(config CaptureConfig) *MalgoCapture {
	return &MalgoCapture{
		config: config,
		chunks: make(chan Chunk, 16),
		errs:   make(chan error, 4),
	}
}

// Start opens the capture device and begins delivery. Device and context
// init failures are wrapped in [ErrDeviceUnavailable].
func (m *MalgoCapture) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("audio: capture already running")
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.config.Channels)
	deviceConfig.SampleRate = uint32(m.config.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(m.config.PeriodFrames)

	if m.config.DeviceName != "" {
		id, err := findDeviceID(malgoCtx, malgo.Capture, m.config.DeviceName)
		if err != nil {
			malgoCtx.Uninit()
			malgoCtx.Free()
			return err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			data := make([]byte, len(input))
			copy(data, input)
			chunk := Chunk{Data: data, Timestamp: time.Now()}
			select {
			case m.chunks <- chunk:
			default:
				select {
				case m.errs <- fmt.Errorf("audio: capture buffer overflow, dropped %d bytes", len(data)):
				default:
				}
			}
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		malgoCtx.Uninit()
		malgoCtx.Free()
		return fmt.Errorf("%w: init capture device: %v", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		malgoCtx.Uninit()
		malgoCtx.Free()
		return fmt.Errorf("%w: start capture device: %v", ErrDeviceUnavailable, err)
	}

	m.malgoCtx = malgoCtx
	m.device = device
	m.running = true
	m.stop = make(chan struct{})

	// Release the device when ctx ends first. Stop closes the stop channel,
	// so this goroutine never outlives the run it belongs to.
	go func(stop chan struct{}) {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-stop:
		}
	}(m.stop)

	return nil
}

// Stop releases the device. The chunk and error channels stay open so the
// source can be started again, e.g. after playback finishes.
func (m *MalgoCapture) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	device, malgoCtx, stop := m.device, m.malgoCtx, m.stop
	m.device, m.malgoCtx, m.stop = nil, nil, nil
	m.mu.Unlock()

	close(stop)

	var errs []error
	if err := device.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("audio: stop capture device: %w", err))
	}
	device.Uninit()
	malgoCtx.Uninit()
	malgoCtx.Free()

	return errors.Join(errs...)
}

// Chunks returns the capture delivery channel.
func (m *MalgoCapture) Chunks() <-chan Chunk { return m.chunks }

// Errors returns the overflow error channel.
func (m *MalgoCapture) Errors() <-chan error { return m.errs }

// CheckMicrophone probes the device list and reports [ErrDeviceUnavailable]
// when no capture device can be enumerated. It is the default
// [PermissionChecker].
func CheckMicrophone(_ context.Context) error {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}
	defer func() {
		malgoCtx.Uninit()
		malgoCtx.Free()
	}()

	infos, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("%w: enumerate capture devices: %v", ErrDeviceUnavailable, err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("%w: no capture devices", ErrDeviceUnavailable)
	}
	return nil
}

// findDeviceID returns the ID of the first device of the given kind whose
// name contains substr, case-insensitively.
func findDeviceID(malgoCtx *malgo.AllocatedContext, kind malgo.DeviceType, substr string) (malgo.DeviceID, error) {
	infos, err := malgoCtx.Devices(kind)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("%w: enumerate devices: %v", ErrDeviceUnavailable, err)
	}
	needle := strings.ToLower(substr)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), needle) {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("%w: no device matching %q", ErrDeviceUnavailable, substr)
}
