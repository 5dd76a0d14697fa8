package odin

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/4Players/odin-go/pkg/signal"
)

// LocalPeer is the client's own identity in a room. It exists from
// room creation on; the peer id stays zero until the join completes.
type LocalPeer struct {
	room *Room

	mu       sync.Mutex
	id       uint64
	userID   string
	userData []byte
	staged   []byte
	dirty    bool
}

func newLocalPeer(room *Room) *LocalPeer {
	return &LocalPeer{room: room}
}

func (p *LocalPeer) ID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *LocalPeer) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// UserData returns the last committed user data.
func (p *LocalPeer) UserData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.userData)
}

// SetUserData stages new user data locally. Nothing reaches the wire
// until Update; consecutive calls overwrite each other so only the
// latest value is ever sent.
func (p *LocalPeer) SetUserData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staged = bytes.Clone(data)
	p.dirty = true
}

// Update commits staged user data and pushes it to the room. Before
// the join it only commits; the committed value then travels with the
// join request.
func (p *LocalPeer) Update() error {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	data := p.staged
	p.userData = data
	p.staged = nil
	p.dirty = false
	p.mu.Unlock()

	return p.room.sendPeerData(data)
}

// SetMuted pauses or resumes every attached input stream. The capture
// devices stay acquired, so unmuting is instant.
func (p *LocalPeer) SetMuted(muted bool) {
	p.room.setInputsMuted(muted)
}

// SetVolume scales the capture signal across all input streams.
// Valid range is 0 through 2; 1 is unity gain.
func (p *LocalPeer) SetVolume(volume float64) error {
	if volume < 0 || volume > 2 {
		return fmt.Errorf("volume %v out of range [0, 2]", volume)
	}
	p.room.setInputGain(volume)
	return nil
}

func (p *LocalPeer) assign(id uint64, userID string) {
	p.mu.Lock()
	p.id = id
	p.userID = userID
	p.mu.Unlock()
}

// committedData returns the user data that should travel with a join.
func (p *LocalPeer) committedData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.userData)
}

// RemotePeer is another participant in the room. Instances stay valid
// after the peer leaves; their media streams end.
type RemotePeer struct {
	id uint64

	mu       sync.Mutex
	userID   string
	userData []byte
	volume   float64
	medias   map[uint16]*OutputStream
}

func newRemotePeer(snap signal.PeerSnapshot) *RemotePeer {
	return &RemotePeer{
		id:       snap.PeerID,
		userID:   snap.UserID,
		userData: bytes.Clone(snap.UserData),
		volume:   1.0,
		medias:   make(map[uint16]*OutputStream),
	}
}

func (p *RemotePeer) ID() uint64 {
	return p.id
}

func (p *RemotePeer) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

func (p *RemotePeer) UserData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.userData)
}

// Medias lists the peer's running media streams in ascending id order.
func (p *RemotePeer) Medias() []*OutputStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*OutputStream, 0, len(p.medias))
	for _, m := range p.medias {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Media looks up one media stream by id.
func (p *RemotePeer) Media(mediaID uint16) (*OutputStream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.medias[mediaID]
	return m, ok
}

// Volume returns the playback volume applied to this peer's streams.
func (p *RemotePeer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetVolume scales playback of all current and future streams of this
// peer. Valid range is 0 through 2; 1 is unity gain.
func (p *RemotePeer) SetVolume(volume float64) error {
	if volume < 0 || volume > 2 {
		return fmt.Errorf("volume %v out of range [0, 2]", volume)
	}
	p.mu.Lock()
	p.volume = volume
	medias := make([]*OutputStream, 0, len(p.medias))
	for _, m := range p.medias {
		medias = append(medias, m)
	}
	p.mu.Unlock()

	for _, m := range medias {
		m.setVolume(volume)
	}
	return nil
}

// updateData applies a user data update, last writer wins. It reports
// whether the value actually changed.
func (p *RemotePeer) updateData(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bytes.Equal(p.userData, data) {
		return false
	}
	p.userData = bytes.Clone(data)
	return true
}

func (p *RemotePeer) addMedia(m *OutputStream) {
	p.mu.Lock()
	m.setVolume(p.volume)
	p.medias[m.ID()] = m
	p.mu.Unlock()
}

func (p *RemotePeer) removeMedia(mediaID uint16) *OutputStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.medias[mediaID]
	if !ok {
		return nil
	}
	delete(p.medias, mediaID)
	return m
}

// snapshot captures the peer for reconciliation diffs.
func (p *RemotePeer) snapshot() signal.PeerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	medias := make([]uint16, 0, len(p.medias))
	for id := range p.medias {
		medias = append(medias, id)
	}
	sort.Slice(medias, func(i, j int) bool { return medias[i] < medias[j] })
	return signal.PeerSnapshot{
		PeerID:   p.id,
		UserID:   p.userID,
		UserData: bytes.Clone(p.userData),
		Medias:   medias,
	}
}
