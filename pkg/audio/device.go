package audio

import (
	"errors"
	"io"
	"math"
	"sync"
	"time"
)

// DeviceKind distinguishes capture and playback capabilities.
type DeviceKind int

const (
	DeviceCapture DeviceKind = iota
	DevicePlayback
)

// DeviceInfo describes an audio device capability.
type DeviceInfo struct {
	ID      string
	Name    string
	Kind    DeviceKind
	Default bool
}

var (
	// ErrDeviceBusy is returned when a capture device is already held
	// by a live stream.
	ErrDeviceBusy = errors.New("audio device busy")

	// ErrUnknownDevice is returned for an unrecognized device id.
	ErrUnknownDevice = errors.New("unknown audio device")
)

// CaptureDevice produces 20 ms PCM frames. ReadFrame blocks until the
// next frame is due and returns io.EOF after Close. Stop pauses frame
// production without releasing the device; Start resumes it.
type CaptureDevice interface {
	Info() DeviceInfo
	Start() error
	Stop() error
	ReadFrame(frame []int16) error
	Close() error
}

// PlaybackDevice consumes 20 ms PCM frames.
type PlaybackDevice interface {
	Info() DeviceInfo
	WriteFrame(frame []int16) error
	Close() error
}

// DeviceManager enumerates audio device capabilities and opens frame
// sources and sinks. Implementations wrapping real hardware live
// outside this module; the null manager below serves development,
// examples and tests.
type DeviceManager interface {
	Devices() []DeviceInfo
	OpenCapture(id string) (CaptureDevice, error)
	OpenPlayback(id string) (PlaybackDevice, error)
}

// Built-in virtual device ids.
const (
	SilenceDeviceID = "silence"
	ToneDeviceID    = "tone"
	NullPlaybackID  = "null-output"
)

// NullManager is a DeviceManager backed by virtual devices: a silent
// capture source, a 440 Hz tone source at -20 dBFS, and a discarding
// playback sink. A capture device can be held by one stream at a time;
// opening it again before Close returns ErrDeviceBusy.
type NullManager struct {
	mu        sync.Mutex
	realtime  bool
	open      map[string]bool
	openCount map[string]int
}

// NewNullManager creates a null device manager. With realtime set,
// capture reads pace themselves to the 20 ms frame interval; without
// it frames are produced as fast as they are read.
func NewNullManager(realtime bool) *NullManager {
	return &NullManager{
		realtime:  realtime,
		open:      make(map[string]bool),
		openCount: make(map[string]int),
	}
}

func (m *NullManager) Devices() []DeviceInfo {
	return []DeviceInfo{
		{ID: SilenceDeviceID, Name: "Silent capture", Kind: DeviceCapture, Default: true},
		{ID: ToneDeviceID, Name: "440 Hz tone capture", Kind: DeviceCapture},
		{ID: NullPlaybackID, Name: "Discarding playback", Kind: DevicePlayback, Default: true},
	}
}

func (m *NullManager) OpenCapture(id string) (CaptureDevice, error) {
	var freq, amplitude float64
	var info DeviceInfo

	switch id {
	case SilenceDeviceID:
		info = DeviceInfo{ID: id, Name: "Silent capture", Kind: DeviceCapture, Default: true}
	case ToneDeviceID:
		info = DeviceInfo{ID: id, Name: "440 Hz tone capture", Kind: DeviceCapture}
		freq = 440
		amplitude = math.Pow(10, -20.0/20) * math.Sqrt2 // -20 dBFS RMS
	default:
		return nil, ErrUnknownDevice
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open[id] {
		return nil, ErrDeviceBusy
	}
	m.open[id] = true
	m.openCount[id]++

	dev := &nullCapture{
		mgr:       m,
		info:      info,
		freq:      freq,
		amplitude: amplitude,
		running:   true,
	}
	return dev, nil
}

func (m *NullManager) OpenPlayback(id string) (PlaybackDevice, error) {
	if id != NullPlaybackID {
		return nil, ErrUnknownDevice
	}
	return &nullPlayback{info: DeviceInfo{ID: id, Name: "Discarding playback", Kind: DevicePlayback, Default: true}}, nil
}

// OpenCount reports how many times the capture device has been opened
// over the manager's lifetime.
func (m *NullManager) OpenCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount[id]
}

func (m *NullManager) release(id string) {
	m.mu.Lock()
	delete(m.open, id)
	m.mu.Unlock()
}

type nullCapture struct {
	mgr       *NullManager
	info      DeviceInfo
	freq      float64
	amplitude float64

	mu      sync.Mutex
	phase   float64
	running bool
	closed  bool
}

func (d *nullCapture) Info() DeviceInfo { return d.info }

func (d *nullCapture) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return io.EOF
	}
	d.running = true
	return nil
}

func (d *nullCapture) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return io.EOF
	}
	d.running = false
	return nil
}

func (d *nullCapture) ReadFrame(frame []int16) error {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return io.EOF
		}
		if d.running {
			d.fillLocked(frame)
			d.mu.Unlock()
			if d.mgr.realtime {
				time.Sleep(FrameDuration)
			}
			return nil
		}
		d.mu.Unlock()

		// Stopped: wait for Start or Close without producing frames.
		time.Sleep(time.Millisecond)
	}
}

func (d *nullCapture) fillLocked(frame []int16) {
	if d.freq == 0 {
		for i := range frame {
			frame[i] = 0
		}
		return
	}

	step := 2 * math.Pi * d.freq / SampleRate
	for i := range frame {
		frame[i] = int16(d.amplitude * math.Sin(d.phase) * math.MaxInt16)
		d.phase += step
	}
	if d.phase > 2*math.Pi {
		d.phase = math.Mod(d.phase, 2*math.Pi)
	}
}

func (d *nullCapture) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.mgr.release(d.info.ID)
	return nil
}

type nullPlayback struct {
	info   DeviceInfo
	mu     sync.Mutex
	closed bool
	frames int
}

func (d *nullPlayback) Info() DeviceInfo { return d.info }

func (d *nullPlayback) WriteFrame(frame []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return io.EOF
	}
	d.frames++
	return nil
}

// Frames reports how many frames were written, for tests.
func (d *nullPlayback) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *nullPlayback) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
