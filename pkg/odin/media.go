package odin

import (
	"fmt"
	"sync"
	"time"

	"github.com/4Players/odin-go/pkg/audio"
	"github.com/4Players/odin-go/pkg/signal"
)

// outputQueueFrames bounds the decoded frame queue of an OutputStream;
// the oldest frame is dropped on overflow to keep latency flat.
const outputQueueFrames = 8

// activityIdleTimeout is how long an output stream may go without a
// frame before it counts as inactive.
const activityIdleTimeout = 200 * time.Millisecond

// InputStream captures audio from a device, runs it through the
// processing pipeline and feeds it into a room once attached. The
// capture pump runs for the stream's whole lifetime; mute pauses the
// device without releasing it, detach just stops forwarding.
type InputStream struct {
	device   audio.CaptureDevice
	pipeline *audio.Pipeline
	encoder  audio.Encoder

	mu    sync.Mutex
	room  *Room
	id    uint16
	muted bool
	seq   uint16
	ts    uint32
}

// NewInputStream wraps an acquired capture device. The device is owned
// by the stream from here on and released by Close.
func NewInputStream(device audio.CaptureDevice, settings audio.Settings) (*InputStream, error) {
	pipeline, err := audio.NewPipeline(settings, nil)
	if err != nil {
		return nil, err
	}
	s := &InputStream{
		device:   device,
		pipeline: pipeline,
		encoder:  audio.NewPCM16Encoder(),
	}
	go s.pump()
	return s, nil
}

// OpenInputStream acquires the capture device by id and wraps it in an
// InputStream. Acquisition failures (busy or unknown device) surface as
// ResourceUnavailable; when the pipeline rejects the settings the
// device is released again before the error is returned.
func OpenInputStream(manager audio.DeviceManager, deviceID string, settings audio.Settings) (*InputStream, error) {
	device, err := manager.OpenCapture(deviceID)
	if err != nil {
		return nil, newResourceUnavailableError(fmt.Sprintf("capture device %q", deviceID), err)
	}
	s, err := NewInputStream(device, settings)
	if err != nil {
		device.Close()
		return nil, err
	}
	return s, nil
}

// ID returns the media id, zero until the first attach.
func (s *InputStream) ID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Pipeline exposes the processing pipeline for settings and effects.
func (s *InputStream) Pipeline() *audio.Pipeline {
	return s.pipeline
}

// SetSettings replaces the pipeline's processing settings. The swap is
// atomic with respect to the 20 ms frame tick.
func (s *InputStream) SetSettings(settings audio.Settings) error {
	return s.pipeline.SetSettings(settings)
}

// Device describes the underlying capture device.
func (s *InputStream) Device() audio.DeviceInfo {
	return s.device.Info()
}

// Active reports whether the stream is currently transmitting voice.
func (s *InputStream) Active() bool {
	return s.pipeline.Active()
}

// SetMuted pauses or resumes the capture device. The device stays
// acquired either way.
func (s *InputStream) SetMuted(muted bool) error {
	s.mu.Lock()
	if s.muted == muted {
		s.mu.Unlock()
		return nil
	}
	s.muted = muted
	s.mu.Unlock()

	if muted {
		return s.device.Stop()
	}
	return s.device.Start()
}

func (s *InputStream) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Close detaches the stream and releases the capture device.
func (s *InputStream) Close() error {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room != nil {
		room.RemoveMediaInput(s)
	}
	return s.device.Close()
}

func (s *InputStream) attachedRoom() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *InputStream) attach(room *Room, id uint16) {
	s.mu.Lock()
	s.room = room
	if s.id == 0 {
		s.id = id
	}
	s.mu.Unlock()
}

func (s *InputStream) detach() {
	s.mu.Lock()
	s.room = nil
	s.mu.Unlock()
}

func (s *InputStream) pump() {
	defer s.encoder.Close()

	frame := make([]int16, audio.FrameSamples)
	for {
		if err := s.device.ReadFrame(frame); err != nil {
			return
		}
		res := s.pipeline.Process(frame)

		s.mu.Lock()
		room, id := s.room, s.id
		s.mu.Unlock()
		if room == nil {
			continue
		}

		if res.ActiveChanged {
			room.inputActivityChanged(id, res.Active)
		}
		if !res.Transmit {
			continue
		}

		payload, err := s.encoder.Encode(res.Frame)
		if err != nil {
			continue
		}

		s.mu.Lock()
		seq, ts := s.seq, s.ts
		s.seq++
		s.ts += uint32(audio.FrameSamples)
		s.mu.Unlock()

		room.sendMediaFrame(&signal.MediaFrame{
			MediaID:   id,
			Seq:       seq,
			Timestamp: ts,
			Payload:   payload,
		})
	}
}

// OutputStream carries decoded audio of one remote media stream.
// Frames delivers the decoded frames; slow consumers lose the oldest
// frame, never the newest. Decode buffers come from the room's frame
// pool; dropped frames recycle through it, delivered frames belong to
// the consumer.
type OutputStream struct {
	id     uint16
	peerID uint64

	decoder audio.Decoder
	frames  chan []int16
	pool    *audio.FramePool

	mu        sync.Mutex
	room      *Room
	volume    float64
	active    bool
	closed    bool
	idleTimer *time.Timer
}

func newOutputStream(room *Room, peerID uint64, mediaID uint16) *OutputStream {
	return &OutputStream{
		id:      mediaID,
		peerID:  peerID,
		decoder: audio.NewPCM16Decoder(),
		frames:  make(chan []int16, outputQueueFrames),
		pool:    room.framePool,
		room:    room,
		volume:  1.0,
	}
}

func (s *OutputStream) ID() uint16 {
	return s.id
}

func (s *OutputStream) PeerID() uint64 {
	return s.peerID
}

// Frames is the decoded audio queue. It closes when the stream stops.
func (s *OutputStream) Frames() <-chan []int16 {
	return s.frames
}

// Active reports whether frames arrived recently.
func (s *OutputStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *OutputStream) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// SetVolume scales playback of this stream. Valid range is 0 through
// 2; 1 is unity gain.
func (s *OutputStream) SetVolume(volume float64) error {
	if volume < 0 || volume > 2 {
		return fmt.Errorf("volume %v out of range [0, 2]", volume)
	}
	s.setVolume(volume)
	return nil
}

func (s *OutputStream) setVolume(volume float64) {
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
}

// handleFrame decodes and enqueues one media frame.
func (s *OutputStream) handleFrame(f *signal.MediaFrame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	frame := s.pool.Get()
	n, err := s.decoder.Decode(f.Payload, frame)
	if err != nil {
		s.pool.Put(frame)
		s.mu.Unlock()
		return
	}
	frame = frame[:n]

	if s.volume != 1.0 {
		audio.ApplyGain(frame, s.volume)
	}
	becameActive := !s.active
	s.active = true
	if s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(activityIdleTimeout, s.idle)
	} else {
		s.idleTimer.Reset(activityIdleTimeout)
	}
	room := s.room

	// Enqueue while still holding the lock so stop cannot close the
	// channel mid-send. Both selects are non-blocking.
	for {
		select {
		case s.frames <- frame:
		default:
			// Queue full: drop the oldest frame, recycle its buffer
			// and retry. Dropped frames were never delivered, so the
			// buffer cannot alias one the consumer holds.
			select {
			case old := <-s.frames:
				s.pool.Put(old)
			default:
			}
			continue
		}
		break
	}
	s.mu.Unlock()

	if becameActive && room != nil {
		room.outputActivityChanged(s.peerID, s.id, true)
	}
}

func (s *OutputStream) idle() {
	s.mu.Lock()
	if s.closed || !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	room := s.room
	s.mu.Unlock()

	if room != nil {
		room.outputActivityChanged(s.peerID, s.id, false)
	}
}

// stop ends the stream: the frame queue closes and no further frames
// are accepted.
func (s *OutputStream) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.active = false
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.decoder.Close()
	s.mu.Unlock()

	close(s.frames)
}
