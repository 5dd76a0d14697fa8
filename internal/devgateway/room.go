package devgateway

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/4Players/odin-go/pkg/signal"
)

var (
	errRoomFull    = errors.New("room full")
	errRoomDropped = errors.New("room dropped")
)

// peerState is the gateway's view of one connected peer.
type peerState struct {
	id       uint64
	userID   string
	data     []byte
	position *signal.Position
	medias   map[uint16]struct{}
	sess     *session
}

// room holds the peers of one voice room. All mutation happens under
// mu; fanout writes happen after unlock on the mutating session's
// goroutine, which preserves per-sender ordering.
type room struct {
	id string

	mu       sync.RWMutex
	data     []byte
	peers    map[uint64]*peerState
	nextPeer uint64
	dropped  bool
}

func newRoom(id string) *room {
	return &room{
		id:    id,
		peers: make(map[uint64]*peerState),
	}
}

// join registers a session as a new peer and writes the join-accept
// while still holding the lock, so no fanout aimed at this peer can
// overtake the accept on the wire. Returns the sessions to notify.
func (r *room) join(sess *session, userData []byte, pos *signal.Position, maxPeers int) (uint64, []*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dropped {
		return 0, nil, errRoomDropped
	}
	if maxPeers > 0 && len(r.peers) >= maxPeers {
		return 0, nil, errRoomFull
	}

	r.nextPeer++
	peerID := r.nextPeer

	accept := &signal.JoinAccept{
		RoomID:   r.id,
		PeerID:   peerID,
		RoomData: bytes.Clone(r.data),
		Peers:    r.snapshotLocked(),
	}

	r.peers[peerID] = &peerState{
		id:       peerID,
		userID:   sess.userID,
		data:     bytes.Clone(userData),
		position: pos,
		medias:   make(map[uint16]struct{}),
		sess:     sess,
	}
	sess.peerID = peerID

	if err := sess.sendControl(signal.TypeJoinAccept, accept); err != nil {
		delete(r.peers, peerID)
		return 0, nil, err
	}
	return peerID, r.othersLocked(peerID), nil
}

// leave removes a peer. The second result reports whether the room is
// now empty.
func (r *room) leave(peerID uint64) ([]*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peerID]; !exists {
		return nil, len(r.peers) == 0
	}
	delete(r.peers, peerID)
	return r.othersLocked(peerID), len(r.peers) == 0
}

// setPeerData applies a last-writer-wins user data update.
func (r *room) setPeerData(peerID uint64, data []byte) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, exists := r.peers[peerID]
	if !exists {
		return nil
	}
	peer.data = bytes.Clone(data)
	return r.othersLocked(peerID)
}

// setRoomData applies a last-writer-wins room data update.
func (r *room) setRoomData(peerID uint64, data []byte) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peerID]; !exists {
		return nil
	}
	r.data = bytes.Clone(data)
	return r.othersLocked(peerID)
}

func (r *room) setPosition(peerID uint64, pos signal.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, exists := r.peers[peerID]; exists {
		p := pos
		peer.position = &p
	}
}

// startMedia records a media id announced by a peer. Duplicate ids on
// the same peer are refused.
func (r *room) startMedia(peerID uint64, mediaID uint16) ([]*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, exists := r.peers[peerID]
	if !exists || mediaID == 0 {
		return nil, false
	}
	if _, dup := peer.medias[mediaID]; dup {
		return nil, false
	}
	peer.medias[mediaID] = struct{}{}
	return r.othersLocked(peerID), true
}

func (r *room) stopMedia(peerID uint64, mediaID uint16) ([]*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, exists := r.peers[peerID]
	if !exists {
		return nil, false
	}
	if _, known := peer.medias[mediaID]; !known {
		return nil, false
	}
	delete(peer.medias, mediaID)
	return r.othersLocked(peerID), true
}

// messageRecipients resolves a message's audience. Empty targets means
// everyone but the sender; explicit targets are honored verbatim, so a
// peer may address itself.
func (r *room) messageRecipients(senderID uint64, targets []uint64) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(targets) == 0 {
		return r.othersLocked(senderID)
	}
	recipients := make([]*session, 0, len(targets))
	seen := make(map[uint64]struct{}, len(targets))
	for _, id := range targets {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if peer, exists := r.peers[id]; exists {
			recipients = append(recipients, peer.sess)
		}
	}
	return recipients
}

// relayRecipients resolves the audience for a media frame, applying
// distance culling when a cutoff is configured. The bool result is
// false when the sender never announced the media id.
func (r *room) relayRecipients(senderID uint64, mediaID uint16, cutoff float64) ([]*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, exists := r.peers[senderID]
	if !exists {
		return nil, false
	}
	if _, known := sender.medias[mediaID]; !known {
		return nil, false
	}

	recipients := make([]*session, 0, len(r.peers)-1)
	for id, peer := range r.peers {
		if id == senderID {
			continue
		}
		if !audible(sender.position, peer.position, cutoff) {
			continue
		}
		recipients = append(recipients, peer.sess)
	}
	return recipients, true
}

// audible reports whether two peers are within earshot. Culling only
// applies when a cutoff is set and both peers have reported positions.
func audible(a, b *signal.Position, cutoff float64) bool {
	if cutoff <= 0 || a == nil || b == nil {
		return true
	}
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dz := float64(a.Z - b.Z)
	return dx*dx+dy*dy+dz*dz <= cutoff*cutoff
}

func (r *room) peerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// snapshotLocked lists current peers for a join-accept, ascending by
// peer id with media ids sorted.
func (r *room) snapshotLocked() []signal.PeerSnapshot {
	if len(r.peers) == 0 {
		return nil
	}
	snaps := make([]signal.PeerSnapshot, 0, len(r.peers))
	for _, peer := range r.peers {
		snap := signal.PeerSnapshot{
			PeerID:   peer.id,
			UserID:   peer.userID,
			UserData: bytes.Clone(peer.data),
		}
		for mediaID := range peer.medias {
			snap.Medias = append(snap.Medias, mediaID)
		}
		sort.Slice(snap.Medias, func(i, j int) bool { return snap.Medias[i] < snap.Medias[j] })
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].PeerID < snaps[j].PeerID })
	return snaps
}

func (r *room) othersLocked(excludeID uint64) []*session {
	if len(r.peers) == 0 {
		return nil
	}
	others := make([]*session, 0, len(r.peers))
	for id, peer := range r.peers {
		if id != excludeID {
			others = append(others, peer.sess)
		}
	}
	return others
}
