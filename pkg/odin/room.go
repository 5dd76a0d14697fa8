// Package odin is a client for voice gateways: it manages room
// sessions, peers, media streams and the connection lifecycle
// including automatic reconnects.
package odin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4Players/odin-go/pkg/audio"
	"github.com/4Players/odin-go/pkg/signal"
	"github.com/4Players/odin-go/pkg/token"
	"github.com/4Players/odin-go/pkg/tracing"
)

// Room is one client session in a voice room. A Room is single-use:
// once it reaches StatusLeft it stays there, and a new Room must be
// created for the next join.
//
// Lifecycle: Idle -> Joining -> Joined, with Joined <-> Reconnecting
// while the connection recovers, and every path ending in Left.
type Room struct {
	opts Options
	log  *zap.SugaredLogger

	events    *Events
	mux       *mediaMux
	monitor   *connectionMonitor
	framePool *audio.FramePool

	mu             sync.Mutex
	status         RoomStatus
	epoch          uint64
	conn           Connection
	self           *LocalPeer
	peers          map[uint64]*RemotePeer
	roomID         string
	roomData       []byte
	stagedRoomData []byte
	roomDataDirty  bool
	roomToken      string
	position       *signal.Position
	positionScale  float64
	serverStats    signal.Stats
	cancelAttempt  context.CancelFunc
}

// NewRoom creates an idle room from the given options.
func NewRoom(opts Options) (*Room, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	r := &Room{
		opts:          opts,
		log:           opts.Logger,
		status:        StatusIdle,
		peers:         make(map[uint64]*RemotePeer),
		position:      opts.Position,
		positionScale: 1.0,
	}
	r.self = newLocalPeer(r)
	r.events = newEvents(opts.DispatchTarget)
	r.mux = newMediaMux(opts.ReconnectBufferFrames)
	r.monitor = newConnectionMonitor(r, opts.MonitorInterval)
	r.framePool = audio.NewFramePool()
	return r, nil
}

// Events exposes the room's event dispatchers.
func (r *Room) Events() *Events {
	return r.events
}

// Status returns the current lifecycle state.
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ID returns the room id, empty until the join completes.
func (r *Room) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// Self is the client's own peer.
func (r *Room) Self() *LocalPeer {
	return r.self
}

// RemotePeers lists the known remote peers in ascending id order.
func (r *Room) RemotePeers() []*RemotePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RemotePeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RemotePeer looks up a peer by id.
func (r *Room) RemotePeer(peerID uint64) (*RemotePeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// UserData returns the room-level user data.
func (r *Room) UserData() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.roomData)
}

// ConnectionStats returns the monitor's latest snapshot.
func (r *Room) ConnectionStats() ConnectionStats {
	return r.monitor.latest()
}

// Join connects to the gateway and enters the room named by the
// token. It blocks until the room is established or the attempt dies.
// Subscribers registered before Join see one PeerJoined (followed by
// MediaStarted per stream) for every peer already present, in
// ascending peer id order, and the Joined event after all of them.
func (r *Room) Join(ctx context.Context, roomToken string) error {
	roomID := ""
	if claims, err := token.PeekClaims(roomToken); err == nil {
		roomID = claims.RoomID
	}
	ctx, span := tracing.TraceRoomOperation(ctx, "join", roomID)
	defer span.End()

	r.mu.Lock()
	if r.status != StatusIdle {
		status := r.status
		r.mu.Unlock()
		return newInvalidStateError(fmt.Sprintf("cannot join from status %q", status))
	}
	statusEv := r.setStatusLocked(StatusJoining)
	r.epoch++
	ep := r.epoch
	r.roomToken = roomToken
	dialCtx, cancel := context.WithCancel(ctx)
	r.cancelAttempt = cancel
	params := DialParams{
		URL:      r.opts.Gateway,
		Token:    roomToken,
		UserData: r.self.committedData(),
		Position: r.scaledPositionLocked(),
	}
	r.mu.Unlock()

	r.events.StatusChanged.Emit(statusEv)

	started := time.Now()
	conn, accept, err := r.opts.Dialer.Dial(dialCtx, params)
	cancel()
	if err != nil {
		tracing.RecordError(ctx, err)
		return r.joinFailed(ep, err)
	}
	return r.joinSucceeded(ep, conn, accept, started)
}

func (r *Room) joinFailed(ep uint64, cause error) error {
	err := classifyDialError(cause)

	r.mu.Lock()
	if r.epoch != ep || r.status != StatusJoining {
		// Leave won the race and already produced the Left event.
		r.mu.Unlock()
		return WrapError(cause, ErrCodeInvalidState, "join cancelled")
	}
	r.cancelAttempt = nil
	statusEv := r.setStatusLocked(StatusLeft)
	r.mu.Unlock()

	r.monitor.stop()
	r.opts.Collector.RecordJoin(string(err.Code), 0)
	r.log.Errorw("room join failed", "error", err)

	r.events.StatusChanged.Emit(statusEv)
	r.events.Left.Emit(LeftEvent{Reason: LeaveJoinFailed, Err: err})
	return err
}

func (r *Room) joinSucceeded(ep uint64, conn Connection, accept *signal.JoinAccept, started time.Time) error {
	userID := ""
	if claims, err := token.PeekClaims(r.currentToken()); err == nil {
		userID = claims.UserID
	}

	r.mu.Lock()
	if r.epoch != ep || r.status != StatusJoining {
		r.mu.Unlock()
		conn.Close()
		return newInvalidStateError("join cancelled")
	}
	r.cancelAttempt = nil
	r.conn = conn
	r.roomID = accept.RoomID
	r.roomData = bytes.Clone(accept.RoomData)
	r.self.assign(accept.PeerID, userID)

	type announce struct {
		peer   *RemotePeer
		medias []*OutputStream
	}
	announces := make([]announce, 0, len(accept.Peers))
	for _, snap := range sortedSnapshots(remoteSnapshots(accept.Peers, accept.PeerID)) {
		peer := newRemotePeer(snap)
		r.peers[peer.ID()] = peer
		a := announce{peer: peer}
		for _, mediaID := range sortedMedias(snap.Medias) {
			out := newOutputStream(r, peer.ID(), mediaID)
			peer.addMedia(out)
			a.medias = append(a.medias, out)
		}
		announces = append(announces, a)
	}
	peerCount := len(r.peers)
	statusEv := r.setStatusLocked(StatusJoined)
	roomID := r.roomID
	selfID := accept.PeerID
	roomData := bytes.Clone(r.roomData)
	r.mu.Unlock()

	r.monitor.start()
	r.opts.Collector.RecordJoin("ok", time.Since(started))
	r.opts.Collector.SetPeerCount(roomID, peerCount)
	r.log.Infow("room joined",
		"room_id", roomID,
		"peer_id", selfID,
		"peers", peerCount,
	)

	r.events.StatusChanged.Emit(statusEv)
	for _, a := range announces {
		r.events.PeerJoined.Emit(PeerJoinedEvent{Peer: a.peer})
		for _, out := range a.medias {
			r.events.MediaStarted.Emit(MediaStartedEvent{Peer: a.peer, Media: out})
		}
	}
	r.events.Joined.Emit(JoinedEvent{RoomID: roomID, PeerID: selfID, RoomData: roomData})

	go r.readLoop(ep, conn)
	return nil
}

func classifyDialError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newNetworkError("gateway dial failed", err)
}

// Leave ends the session. It is always honored regardless of state,
// cancels any in-flight join or reconnect, closes every attached input
// stream along with its capture device, and is idempotent: only the
// first call produces the Left event. Streams removed via
// RemoveMediaInput before the leave stay open.
func (r *Room) Leave() {
	r.mu.Lock()
	if r.status == StatusLeft {
		r.mu.Unlock()
		return
	}
	wasJoined := r.roomID != ""
	roomID := r.roomID
	conn := r.conn
	cancel := r.cancelAttempt
	r.conn = nil
	r.cancelAttempt = nil
	r.epoch++
	outputs := r.collectOutputsLocked()
	r.peers = make(map[uint64]*RemotePeer)
	statusEv := r.setStatusLocked(StatusLeft)
	r.mu.Unlock()

	_, span := tracing.TraceRoomOperation(context.Background(), "leave", roomID)
	defer span.End()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if msg, err := signal.NewMessage(signal.TypeLeave, nil); err == nil {
			_ = conn.Send(msg)
		}
		conn.Close()
	}
	for _, out := range outputs {
		out.stop()
	}
	r.closeAttachedInputs()
	r.mux.flushBuffer()
	r.monitor.stop()

	if wasJoined {
		r.opts.Collector.RecordRoomLeft(roomID)
	}
	r.log.Infow("room left", "room_id", roomID)

	r.events.StatusChanged.Emit(statusEv)
	r.events.Left.Emit(LeftEvent{Reason: LeaveRequested})
}

// Close leaves the room. It is equivalent to Leave.
func (r *Room) Close() {
	r.Leave()
}

// closeAttachedInputs detaches every attached input stream and closes
// it, releasing the capture devices. Runs on every path into
// StatusLeft.
func (r *Room) closeAttachedInputs() {
	for _, s := range r.mux.attachedInputs() {
		r.mux.detachInput(s)
		s.detach()
		if err := s.Close(); err != nil {
			r.log.Warnw("input stream close failed", "media_id", s.ID(), "error", err)
		}
	}
}

// AddMediaInput attaches an input stream to the room. The stream gets
// its media id at first attach and keeps it for life; ids are never
// reused within a room. Requires StatusJoined.
func (r *Room) AddMediaInput(s *InputStream) error {
	if owner := s.attachedRoom(); owner == r {
		return nil
	} else if owner != nil {
		return newInvalidStateError("input stream is attached to another room")
	}

	r.mu.Lock()
	if r.status != StatusJoined {
		status := r.status
		r.mu.Unlock()
		return newInvalidStateError(fmt.Sprintf("cannot add media input in status %q", status))
	}
	roomID := r.roomID
	r.mu.Unlock()

	id, attached, err := r.mux.attachInput(s)
	if err != nil {
		return newResourceUnavailableError("media id collision", err)
	}
	if !attached {
		return nil
	}
	s.attach(r, id)

	if err := r.sendControl(signal.TypeStartMedia, signal.MediaPayload{MediaID: id}); err != nil {
		r.log.Warnw("start media announce failed", "media_id", id, "error", err)
	}
	r.opts.Collector.SetMediaCount(roomID, "input", r.mux.inputCount())
	r.log.Debugw("media input attached", "media_id", id)
	return nil
}

// RemoveMediaInput detaches an input stream. Removing a stream that is
// not attached is a no-op.
func (r *Room) RemoveMediaInput(s *InputStream) error {
	if !r.mux.detachInput(s) {
		return nil
	}
	s.detach()

	id := s.ID()
	if err := r.sendControl(signal.TypeStopMedia, signal.MediaPayload{MediaID: id}); err != nil {
		r.log.Warnw("stop media announce failed", "media_id", id, "error", err)
	}
	r.opts.Collector.SetMediaCount(r.ID(), "input", r.mux.inputCount())
	r.log.Debugw("media input detached", "media_id", id)
	return nil
}

// SendMessage delivers opaque bytes to the listed peers, or to the
// whole room when no targets are given. Delivery is fire and forget:
// the returned error only covers handing the message to the current
// connection, there is no acknowledgment.
func (r *Room) SendMessage(data []byte, targets ...uint64) error {
	return r.sendControl(signal.TypeMessage, signal.MessagePayload{Targets: targets, Data: data})
}

// SetPosition updates the peer position used for interest culling.
// Updates are fire and forget and not rate limited here; callers
// should cap them at roughly ten per second.
func (r *Room) SetPosition(pos signal.Position) error {
	r.mu.Lock()
	r.position = &pos
	scaled := *r.scaledPositionLocked()
	r.mu.Unlock()

	return r.sendControl(signal.TypePosition, signal.PositionPayload{Position: scaled})
}

// SetPositionScale rescales the coordinate space applied to outgoing
// positions. The gateway culls media between peers further apart than
// its cutoff after scaling.
func (r *Room) SetPositionScale(scale float64) error {
	if scale <= 0 {
		return fmt.Errorf("position scale %v must be positive", scale)
	}
	r.mu.Lock()
	r.positionScale = scale
	r.mu.Unlock()
	return nil
}

// SetUserData stages new room-level user data. Nothing reaches the
// wire until FlushUserData; consecutive calls overwrite each other so
// only the latest value is ever sent. Room data is last writer wins
// across all peers.
func (r *Room) SetUserData(data []byte) {
	r.mu.Lock()
	r.stagedRoomData = bytes.Clone(data)
	r.roomDataDirty = true
	r.mu.Unlock()
}

// FlushUserData commits staged room data and pushes it to the gateway.
func (r *Room) FlushUserData() error {
	r.mu.Lock()
	if !r.roomDataDirty {
		r.mu.Unlock()
		return nil
	}
	data := r.stagedRoomData
	changed := !bytes.Equal(r.roomData, data)
	r.roomData = data
	r.stagedRoomData = nil
	r.roomDataDirty = false
	r.mu.Unlock()

	if changed {
		r.events.RoomUserData.Emit(RoomUserDataChangedEvent{RoomData: bytes.Clone(data)})
	}
	return r.sendControl(signal.TypeRoomData, signal.RoomDataPayload{RoomData: data})
}

func (r *Room) setStatusLocked(next RoomStatus) StatusChangedEvent {
	ev := StatusChangedEvent{Old: r.status, New: next}
	r.status = next
	return ev
}

func (r *Room) scaledPositionLocked() *signal.Position {
	if r.position == nil {
		return nil
	}
	scale := float32(r.positionScale)
	return &signal.Position{
		X: r.position.X * scale,
		Y: r.position.Y * scale,
		Z: r.position.Z * scale,
	}
}

func (r *Room) collectOutputsLocked() []*OutputStream {
	var outputs []*OutputStream
	for _, p := range r.peers {
		outputs = append(outputs, p.Medias()...)
	}
	return outputs
}

func (r *Room) currentToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomToken
}

// sendControl marshals and sends one control message over the current
// connection. Outside StatusJoined the message is dropped: position,
// peer data and media announcements travel with the next resume, and
// room data follows last writer wins against the server's copy.
func (r *Room) sendControl(msgType string, payload interface{}) error {
	r.mu.Lock()
	conn, status := r.conn, r.status
	r.mu.Unlock()

	if status != StatusJoined || conn == nil {
		if status == StatusJoining || status == StatusReconnecting || status == StatusIdle {
			return nil
		}
		return newInvalidStateError(fmt.Sprintf("cannot send in status %q", status))
	}

	msg, err := signal.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return conn.Send(msg)
}

// sendPeerData pushes committed local peer user data. Outside of
// StatusJoined it does nothing; the data travels with the next join
// or resume instead.
func (r *Room) sendPeerData(data []byte) error {
	r.mu.Lock()
	conn, status := r.conn, r.status
	r.mu.Unlock()

	if status != StatusJoined || conn == nil {
		return nil
	}
	msg, err := signal.NewMessage(signal.TypePeerData, signal.PeerDataPayload{UserData: data})
	if err != nil {
		return err
	}
	return conn.Send(msg)
}

// sendMediaFrame routes one outbound frame according to the room
// state: sent when joined, buffered while reconnecting, dropped
// otherwise.
func (r *Room) sendMediaFrame(f *signal.MediaFrame) {
	r.mu.Lock()
	status, conn := r.status, r.conn
	f.PeerID = r.self.ID()
	r.mu.Unlock()

	switch status {
	case StatusJoined:
		if conn != nil {
			_ = conn.SendMedia(f)
		}
	case StatusReconnecting:
		r.mux.bufferFrame(f)
	}
}

func (r *Room) setInputsMuted(muted bool) {
	for _, s := range r.mux.attachedInputs() {
		if err := s.SetMuted(muted); err != nil {
			r.log.Warnw("input mute toggle failed", "media_id", s.ID(), "error", err)
		}
	}
}

func (r *Room) setInputGain(gain float64) {
	for _, s := range r.mux.attachedInputs() {
		s.Pipeline().SetGain(gain)
	}
}

func (r *Room) inputActivityChanged(mediaID uint16, active bool) {
	r.events.MediaActivity.Emit(MediaActivityEvent{PeerID: r.self.ID(), MediaID: mediaID, Active: active})
}

func (r *Room) outputActivityChanged(peerID uint64, mediaID uint16, active bool) {
	r.events.MediaActivity.Emit(MediaActivityEvent{PeerID: peerID, MediaID: mediaID, Active: active})
}

// transportStats is the monitor's sampling hook. The bool result is
// false while no connection is reachable, which makes the monitor
// skip the tick.
func (r *Room) transportStats() (TransportStats, signal.Stats, bool) {
	r.mu.Lock()
	conn, status, server := r.conn, r.status, r.serverStats
	r.mu.Unlock()

	if status != StatusJoined || conn == nil {
		return TransportStats{}, signal.Stats{}, false
	}
	return conn.Stats(), server, true
}

func (r *Room) publishStats(snap ConnectionStats) {
	r.mu.Lock()
	roomID := r.roomID
	peerCount := len(r.peers)
	r.mu.Unlock()

	r.opts.Collector.ObserveRTT(snap.RTT)
	r.opts.Collector.AddPacketDeltas(snap.PacketsSentLastSecond, snap.PacketsReceivedLastSecond, snap.PacketsLostLastSecond)
	if snap.PacketsLostLastSecond > 0 {
		r.opts.Collector.RecordCongestionEvent()
	}
	r.opts.Collector.SetPeerCount(roomID, peerCount)

	r.events.Stats.Emit(ConnectionStatsEvent{Stats: snap})
}

// readLoop consumes one connection's event stream until it ends, then
// reports the loss. Stale loops (left or replaced sessions) die on the
// epoch check inside the handlers.
func (r *Room) readLoop(ep uint64, conn Connection) {
	var cause error
	for ev := range conn.Events() {
		switch {
		case ev.Err != nil:
			cause = ev.Err
		case ev.Frame != nil:
			r.handleMediaFrame(ep, ev.Frame)
		case ev.Msg != nil:
			r.handleControl(ep, ev.Msg)
		}
	}
	r.connectionLost(ep, cause)
}

func (r *Room) handleControl(ep uint64, msg *signal.Message) {
	switch msg.Type {
	case signal.TypePeerJoined:
		var payload signal.PeerJoinedPayload
		if err := msg.Decode(&payload); err != nil {
			r.log.Warnw("bad peer-joined payload", "error", err)
			return
		}
		r.applyPeerJoined(ep, payload.Peer)

	case signal.TypePeerLeft:
		var payload signal.PeerLeftPayload
		if err := msg.Decode(&payload); err != nil {
			r.log.Warnw("bad peer-left payload", "error", err)
			return
		}
		r.applyPeerLeft(ep, payload.PeerID)

	case signal.TypeMediaStarted:
		var payload signal.MediaPayload
		if err := msg.Decode(&payload); err != nil {
			r.log.Warnw("bad media-started payload", "error", err)
			return
		}
		r.applyMediaStarted(ep, payload.PeerID, payload.MediaID)

	case signal.TypeMediaStopped:
		var payload signal.MediaPayload
		if err := msg.Decode(&payload); err != nil {
			r.log.Warnw("bad media-stopped payload", "error", err)
			return
		}
		r.applyMediaStopped(ep, payload.PeerID, payload.MediaID)

	case signal.TypePeerData:
		var payload signal.PeerDataPayload
		if err := msg.Decode(&payload); err != nil {
			r.log.Warnw("bad peer-data payload", "error", err)
			return
		}
		r.applyPeerData(ep, payload.PeerID, payload.UserData)

	case signal.TypeRoomData:
		var payload signal.RoomDataPayload
		if err := msg.Decode(&payload); err != nil {
			r.log.Warnw("bad room-data payload", "error", err)
			return
		}
		r.applyRoomData(ep, payload.RoomData)

	case signal.TypeMessage:
		var payload signal.MessagePayload
		if err := msg.Decode(&payload); err != nil {
			r.log.Warnw("bad message payload", "error", err)
			return
		}
		r.applyMessage(ep, payload)

	case signal.TypeStats:
		var payload signal.Stats
		if err := msg.Decode(&payload); err != nil {
			r.log.Warnw("bad stats payload", "error", err)
			return
		}
		r.applyServerStats(ep, payload)

	default:
		r.log.Debugw("unhandled control message", "type", msg.Type)
	}
}

func (r *Room) guardLocked(ep uint64) bool {
	return r.epoch == ep && r.status == StatusJoined
}

func (r *Room) applyPeerJoined(ep uint64, snap signal.PeerSnapshot) {
	r.mu.Lock()
	if !r.guardLocked(ep) || snap.PeerID == r.self.ID() {
		r.mu.Unlock()
		return
	}
	if _, exists := r.peers[snap.PeerID]; exists {
		r.mu.Unlock()
		return
	}
	peer := newRemotePeer(snap)
	r.peers[peer.ID()] = peer
	var medias []*OutputStream
	for _, mediaID := range sortedMedias(snap.Medias) {
		out := newOutputStream(r, peer.ID(), mediaID)
		peer.addMedia(out)
		medias = append(medias, out)
	}
	roomID := r.roomID
	peerCount := len(r.peers)
	r.mu.Unlock()

	r.opts.Collector.SetPeerCount(roomID, peerCount)
	r.log.Debugw("peer joined", "peer_id", peer.ID())

	r.events.PeerJoined.Emit(PeerJoinedEvent{Peer: peer})
	for _, out := range medias {
		r.events.MediaStarted.Emit(MediaStartedEvent{Peer: peer, Media: out})
	}
}

func (r *Room) applyPeerLeft(ep uint64, peerID uint64) {
	r.mu.Lock()
	if !r.guardLocked(ep) {
		r.mu.Unlock()
		return
	}
	peer, exists := r.peers[peerID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)
	medias := peer.Medias()
	roomID := r.roomID
	peerCount := len(r.peers)
	r.mu.Unlock()

	r.opts.Collector.SetPeerCount(roomID, peerCount)
	r.log.Debugw("peer left", "peer_id", peerID)

	for _, out := range medias {
		peer.removeMedia(out.ID())
		out.stop()
		r.events.MediaStopped.Emit(MediaStoppedEvent{Peer: peer, MediaID: out.ID()})
	}
	r.events.PeerLeft.Emit(PeerLeftEvent{Peer: peer})
}

func (r *Room) applyMediaStarted(ep uint64, peerID uint64, mediaID uint16) {
	r.mu.Lock()
	if !r.guardLocked(ep) {
		r.mu.Unlock()
		return
	}
	peer, exists := r.peers[peerID]
	r.mu.Unlock()
	if !exists {
		r.log.Debugw("media started for unknown peer", "peer_id", peerID, "media_id", mediaID)
		return
	}
	if _, exists := peer.Media(mediaID); exists {
		return
	}
	out := newOutputStream(r, peerID, mediaID)
	peer.addMedia(out)

	r.events.MediaStarted.Emit(MediaStartedEvent{Peer: peer, Media: out})
}

func (r *Room) applyMediaStopped(ep uint64, peerID uint64, mediaID uint16) {
	r.mu.Lock()
	if !r.guardLocked(ep) {
		r.mu.Unlock()
		return
	}
	peer, exists := r.peers[peerID]
	r.mu.Unlock()
	if !exists {
		return
	}
	out := peer.removeMedia(mediaID)
	if out == nil {
		return
	}
	out.stop()

	r.events.MediaStopped.Emit(MediaStoppedEvent{Peer: peer, MediaID: mediaID})
}

func (r *Room) applyPeerData(ep uint64, peerID uint64, data []byte) {
	r.mu.Lock()
	if !r.guardLocked(ep) || peerID == r.self.ID() {
		r.mu.Unlock()
		return
	}
	peer, exists := r.peers[peerID]
	r.mu.Unlock()
	if !exists || !peer.updateData(data) {
		return
	}

	r.events.PeerUserData.Emit(PeerUserDataChangedEvent{Peer: peer, UserData: bytes.Clone(data)})
}

func (r *Room) applyRoomData(ep uint64, data []byte) {
	r.mu.Lock()
	if !r.guardLocked(ep) || bytes.Equal(r.roomData, data) {
		r.mu.Unlock()
		return
	}
	r.roomData = bytes.Clone(data)
	r.mu.Unlock()

	r.events.RoomUserData.Emit(RoomUserDataChangedEvent{RoomData: bytes.Clone(data)})
}

func (r *Room) applyMessage(ep uint64, payload signal.MessagePayload) {
	r.mu.Lock()
	ok := r.guardLocked(ep)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.events.Message.Emit(MessageReceivedEvent{SenderID: payload.SenderID, Data: payload.Data})
}

func (r *Room) applyServerStats(ep uint64, stats signal.Stats) {
	r.mu.Lock()
	if r.guardLocked(ep) {
		r.serverStats = stats
	}
	r.mu.Unlock()
}

func (r *Room) handleMediaFrame(ep uint64, f *signal.MediaFrame) {
	r.mu.Lock()
	if !r.guardLocked(ep) {
		r.mu.Unlock()
		return
	}
	peer, exists := r.peers[f.PeerID]
	r.mu.Unlock()
	if !exists {
		return
	}
	out, ok := peer.Media(f.MediaID)
	if !ok {
		return
	}
	out.handleFrame(f)
}

// connectionLost runs when a connection's event stream ends. It either
// starts the reconnect loop or, with reconnects disabled, ends the
// session.
func (r *Room) connectionLost(ep uint64, cause error) {
	r.mu.Lock()
	if r.epoch != ep || r.status != StatusJoined {
		r.mu.Unlock()
		return
	}
	r.conn = nil

	if !r.opts.Reconnect.Enabled {
		wasJoined := r.roomID != ""
		roomID := r.roomID
		outputs := r.collectOutputsLocked()
		r.peers = make(map[uint64]*RemotePeer)
		r.epoch++
		statusEv := r.setStatusLocked(StatusLeft)
		r.mu.Unlock()

		for _, out := range outputs {
			out.stop()
		}
		r.closeAttachedInputs()
		r.monitor.stop()
		if wasJoined {
			r.opts.Collector.RecordRoomLeft(roomID)
		}
		err := newConnectionLostError("gateway connection lost", cause)
		r.log.Errorw("connection lost, reconnect disabled", "room_id", roomID, "error", cause)

		r.events.StatusChanged.Emit(statusEv)
		r.events.Left.Emit(LeftEvent{Reason: LeaveConnectionLost, Err: err})
		return
	}

	statusEv := r.setStatusLocked(StatusReconnecting)
	rctx, cancel := context.WithCancel(context.Background())
	r.cancelAttempt = cancel
	roomID := r.roomID
	r.mux.startBuffering()
	r.mu.Unlock()

	r.log.Warnw("connection lost, reconnecting", "room_id", roomID, "error", cause)

	r.events.StatusChanged.Emit(statusEv)
	go r.reconnectLoop(ep, rctx, cause)
}

// reconnectLoop retries the gateway dial with the configured backoff
// until the session resumes, the attempts run out, or Leave cancels
// the context. MaxAttempts zero retries until cancelled.
func (r *Room) reconnectLoop(ep uint64, ctx context.Context, cause error) {
	cfg := r.opts.Reconnect
	lastErr := cause

	for attempt := 1; ; attempt++ {
		if cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts {
			r.reconnectExhausted(ep, lastErr)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Delay(attempt - 1)):
		}

		r.opts.Collector.RecordReconnectAttempt()

		roomToken, err := r.reconnectToken(ctx)
		if err != nil {
			lastErr = err
			r.log.Warnw("token refresh failed", "attempt", attempt, "error", err)
			continue
		}

		attemptCtx, span := tracing.TraceGatewayOperation(ctx, "reconnect", r.opts.Gateway)
		conn, accept, err := r.opts.Dialer.Dial(attemptCtx, DialParams{
			URL:      r.opts.Gateway,
			Token:    roomToken,
			UserData: r.self.committedData(),
			Position: r.scaledPosition(),
		})
		span.End()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return
			}
			if IsCode(err, ErrCodeAuthFailed) {
				r.reconnectExhausted(ep, err)
				return
			}
			r.log.Warnw("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		if r.resume(ep, conn, accept, attempt) {
			return
		}
		conn.Close()
		return
	}
}

func (r *Room) reconnectToken(ctx context.Context) (string, error) {
	if r.opts.TokenProvider == nil {
		return r.currentToken(), nil
	}
	roomToken, err := r.opts.TokenProvider(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.roomToken = roomToken
	r.mu.Unlock()
	return roomToken, nil
}

func (r *Room) scaledPosition() *signal.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scaledPositionLocked()
}

// resume installs a fresh connection after a reconnect and reconciles
// the peer list: peers and media that changed while away surface as
// synthesized events, identical state stays silent. Reports false when
// the session was left meanwhile.
func (r *Room) resume(ep uint64, conn Connection, accept *signal.JoinAccept, attempt int) bool {
	r.mu.Lock()
	if r.epoch != ep || r.status != StatusReconnecting {
		r.mu.Unlock()
		return false
	}
	r.cancelAttempt = nil
	r.conn = conn

	before := make([]signal.PeerSnapshot, 0, len(r.peers))
	for _, p := range r.peers {
		before = append(before, p.snapshot())
	}
	d := diffPeers(before, remoteSnapshots(accept.Peers, accept.PeerID))

	type change struct {
		removedPeers []*RemotePeer
		removedOuts  [][]*OutputStream
		addedPeers   []*RemotePeer
		addedOuts    [][]*OutputStream
		stoppedOuts  []mediaEvent
		startedOuts  []mediaEvent
		dataPeers    []*RemotePeer
		dataValues   [][]byte
	}
	var ch change

	for _, snap := range d.removed {
		peer := r.peers[snap.PeerID]
		delete(r.peers, snap.PeerID)
		ch.removedPeers = append(ch.removedPeers, peer)
		ch.removedOuts = append(ch.removedOuts, peer.Medias())
	}
	for _, ref := range d.mediaStopped {
		if peer, exists := r.peers[ref.peerID]; exists {
			if out := peer.removeMedia(ref.mediaID); out != nil {
				ch.stoppedOuts = append(ch.stoppedOuts, mediaEvent{peer: peer, out: out})
			}
		}
	}
	for _, snap := range d.dataChanged {
		if peer, exists := r.peers[snap.PeerID]; exists && peer.updateData(snap.UserData) {
			ch.dataPeers = append(ch.dataPeers, peer)
			ch.dataValues = append(ch.dataValues, bytes.Clone(snap.UserData))
		}
	}
	for _, ref := range d.mediaStarted {
		if peer, exists := r.peers[ref.peerID]; exists {
			out := newOutputStream(r, ref.peerID, ref.mediaID)
			peer.addMedia(out)
			ch.startedOuts = append(ch.startedOuts, mediaEvent{peer: peer, out: out})
		}
	}
	for _, snap := range d.added {
		peer := newRemotePeer(snap)
		r.peers[peer.ID()] = peer
		var outs []*OutputStream
		for _, mediaID := range sortedMedias(snap.Medias) {
			out := newOutputStream(r, peer.ID(), mediaID)
			peer.addMedia(out)
			outs = append(outs, out)
		}
		ch.addedPeers = append(ch.addedPeers, peer)
		ch.addedOuts = append(ch.addedOuts, outs)
	}

	r.self.assign(accept.PeerID, r.self.UserID())
	r.roomID = accept.RoomID
	roomDataChanged := !bytes.Equal(r.roomData, accept.RoomData)
	r.roomData = bytes.Clone(accept.RoomData)
	roomData := bytes.Clone(r.roomData)
	roomID := r.roomID
	selfID := accept.PeerID
	peerCount := len(r.peers)
	statusEv := r.setStatusLocked(StatusJoined)
	r.mu.Unlock()

	r.opts.Collector.RecordReconnected()
	r.opts.Collector.SetPeerCount(roomID, peerCount)

	r.events.StatusChanged.Emit(statusEv)
	for i, peer := range ch.removedPeers {
		for _, out := range ch.removedOuts[i] {
			peer.removeMedia(out.ID())
			out.stop()
			r.events.MediaStopped.Emit(MediaStoppedEvent{Peer: peer, MediaID: out.ID()})
		}
		r.events.PeerLeft.Emit(PeerLeftEvent{Peer: peer})
	}
	for _, me := range ch.stoppedOuts {
		me.out.stop()
		r.events.MediaStopped.Emit(MediaStoppedEvent{Peer: me.peer, MediaID: me.out.ID()})
	}
	for i, peer := range ch.dataPeers {
		r.events.PeerUserData.Emit(PeerUserDataChangedEvent{Peer: peer, UserData: ch.dataValues[i]})
	}
	for _, me := range ch.startedOuts {
		r.events.MediaStarted.Emit(MediaStartedEvent{Peer: me.peer, Media: me.out})
	}
	for i, peer := range ch.addedPeers {
		r.events.PeerJoined.Emit(PeerJoinedEvent{Peer: peer})
		for _, out := range ch.addedOuts[i] {
			r.events.MediaStarted.Emit(MediaStartedEvent{Peer: peer, Media: out})
		}
	}
	if roomDataChanged {
		r.events.RoomUserData.Emit(RoomUserDataChangedEvent{RoomData: roomData})
	}

	// Re-announce local state the new connection has never seen.
	for _, s := range r.mux.attachedInputs() {
		if err := r.sendControl(signal.TypeStartMedia, signal.MediaPayload{MediaID: s.ID()}); err != nil {
			r.log.Warnw("start media re-announce failed", "media_id", s.ID(), "error", err)
		}
	}
	frames, dropped := r.mux.flushBuffer()
	for _, f := range frames {
		f.PeerID = selfID
		_ = conn.SendMedia(f)
	}
	r.opts.Collector.RecordDroppedFrames(dropped)

	r.log.Infow("reconnected",
		"room_id", roomID,
		"peer_id", selfID,
		"attempt", attempt,
		"buffered_frames", len(frames),
		"dropped_frames", dropped,
	)

	go r.readLoop(ep, conn)
	return true
}

type mediaEvent struct {
	peer *RemotePeer
	out  *OutputStream
}

func (r *Room) reconnectExhausted(ep uint64, lastErr error) {
	r.mu.Lock()
	if r.epoch != ep || r.status != StatusReconnecting {
		r.mu.Unlock()
		return
	}
	r.cancelAttempt = nil
	roomID := r.roomID
	outputs := r.collectOutputsLocked()
	r.peers = make(map[uint64]*RemotePeer)
	r.epoch++
	statusEv := r.setStatusLocked(StatusLeft)
	r.mu.Unlock()

	for _, out := range outputs {
		out.stop()
	}
	r.closeAttachedInputs()
	r.mux.flushBuffer()
	r.monitor.stop()
	r.opts.Collector.RecordRoomLeft(roomID)

	err := newReconnectExhaustedError(lastErr)
	r.log.Errorw("reconnect exhausted", "room_id", roomID, "error", lastErr)

	r.events.StatusChanged.Emit(statusEv)
	r.events.Left.Emit(LeftEvent{Reason: LeaveReconnectExhausted, Err: err})
}
