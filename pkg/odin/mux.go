package odin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/4Players/odin-go/pkg/signal"
)

// mediaMux owns the room's input stream table, the media id counter
// and the outbound frame buffer used while reconnecting.
type mediaMux struct {
	mu          sync.Mutex
	inputs      map[uint16]*InputStream
	nextMediaID uint16

	buffering bool
	buffer    []*signal.MediaFrame
	capacity  int
	dropped   int
}

func newMediaMux(bufferFrames int) *mediaMux {
	if bufferFrames < 0 {
		bufferFrames = 0
	}
	return &mediaMux{
		inputs:      make(map[uint16]*InputStream),
		nextMediaID: 1,
		capacity:    bufferFrames,
	}
}

// attachInput registers a stream and hands out its media id. Ids are
// assigned once, at first attach, and never reused afterwards. A
// stream that brings a foreign id colliding with a registered one is
// rejected; an adopted foreign id pushes the counter past itself so a
// later fresh assignment can never hand the same id out twice.
func (m *mediaMux) attachInput(s *InputStream) (id uint16, attached bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id = s.ID()
	if id != 0 {
		if current, exists := m.inputs[id]; exists {
			if current == s {
				return id, false, nil
			}
			return 0, false, fmt.Errorf("media id %d already in use", id)
		}
		if id >= m.nextMediaID {
			m.nextMediaID = id + 1
		}
	} else {
		for {
			id = m.nextMediaID
			m.nextMediaID++
			if _, taken := m.inputs[id]; id != 0 && !taken {
				break
			}
		}
	}
	m.inputs[id] = s
	return id, true, nil
}

func (m *mediaMux) detachInput(s *InputStream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := s.ID()
	if current, exists := m.inputs[id]; !exists || current != s {
		return false
	}
	delete(m.inputs, id)
	return true
}

// attachedInputs lists registered streams in ascending id order.
func (m *mediaMux) attachedInputs() []*InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*InputStream, 0, len(m.inputs))
	for _, s := range m.inputs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *mediaMux) inputCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// startBuffering switches outbound frames into the reconnect buffer.
func (m *mediaMux) startBuffering() {
	m.mu.Lock()
	m.buffering = true
	m.mu.Unlock()
}

// bufferFrame queues an outbound frame during a reconnect. The oldest
// frame is dropped once the buffer is full; a zero capacity drops
// everything.
func (m *mediaMux) bufferFrame(f *signal.MediaFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.buffering {
		return
	}
	if m.capacity == 0 {
		m.dropped++
		return
	}
	if len(m.buffer) >= m.capacity {
		m.buffer = m.buffer[1:]
		m.dropped++
	}
	m.buffer = append(m.buffer, f)
}

// flushBuffer ends buffering and returns the held frames together with
// the number of frames dropped along the way.
func (m *mediaMux) flushBuffer() (frames []*signal.MediaFrame, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frames = m.buffer
	dropped = m.dropped
	m.buffer = nil
	m.dropped = 0
	m.buffering = false
	return frames, dropped
}
