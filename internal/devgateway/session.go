package devgateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4Players/odin-go/pkg/signal"
	"github.com/4Players/odin-go/pkg/validation"
)

// session is one connected peer. The serving goroutine owns the join
// handshake, the read loop and the leave cleanup; other sessions only
// touch it through sendControl/sendRaw.
type session struct {
	srv    *Server
	ws     *websocket.Conn
	log    *zap.SugaredLogger
	room   *room
	peerID uint64
	userID string
	joined time.Time

	// gorilla allows one concurrent writer; WriteControl is exempt.
	writeMu sync.Mutex

	rxPackets atomic.Uint64
	txPackets atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(srv *Server, ws *websocket.Conn, rm *room, userID string) *session {
	return &session{
		srv:    srv,
		ws:     ws,
		log:    srv.log,
		room:   rm,
		userID: userID,
		joined: time.Now(),
		closed: make(chan struct{}),
	}
}

func (s *session) sendControl(msgType string, payload interface{}) error {
	data, err := signal.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return s.sendRaw(websocket.TextMessage, data)
}

func (s *session) sendRaw(messageType int, data []byte) error {
	select {
	case <-s.closed:
		return websocket.ErrCloseSent
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(messageType, data)
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

type wsFrame struct {
	messageType int
	data        []byte
}

// run consumes the connection until the peer leaves, the link dies or
// the server shuts the session down.
func (s *session) run() {
	pingTicker := time.NewTicker(s.srv.pingInterval)
	defer pingTicker.Stop()
	statsTicker := time.NewTicker(s.srv.statsInterval)
	defer statsTicker.Stop()

	frames := make(chan wsFrame, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			messageType, data, err := s.ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			s.ws.SetReadDeadline(time.Now().Add(s.srv.pongWait))
			select {
			case frames <- wsFrame{messageType, data}:
			case <-s.closed:
				return
			}
		}
	}()

	for {
		select {
		case f := <-frames:
			switch f.messageType {
			case websocket.TextMessage:
				if leaving := s.handleControl(f.data); leaving {
					return
				}
			case websocket.BinaryMessage:
				s.handleMedia(f.data)
			}

		case <-pingTicker.C:
			deadline := time.Now().Add(writeWait)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debugw("ping failed", "peer_id", s.peerID, "error", err)
				return
			}

		case <-statsTicker.C:
			s.pushStats()

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("connection lost", "peer_id", s.peerID, "error", err)
			}
			return

		case <-s.closed:
			return
		}
	}
}

// handleControl dispatches one control message. The bool result is
// true when the peer asked to leave.
func (s *session) handleControl(data []byte) bool {
	msg, err := signal.DecodeMessage(data)
	if err != nil {
		s.log.Warnw("bad control message", "peer_id", s.peerID, "error", err)
		return false
	}

	switch msg.Type {
	case signal.TypeLeave:
		return true

	case signal.TypeStartMedia:
		var payload signal.MediaPayload
		if err := msg.Decode(&payload); err != nil {
			s.log.Warnw("bad start-media payload", "peer_id", s.peerID, "error", err)
			return false
		}
		recipients, ok := s.room.startMedia(s.peerID, payload.MediaID)
		if !ok {
			s.log.Warnw("start-media refused", "peer_id", s.peerID, "media_id", payload.MediaID)
			return false
		}
		s.fanout(recipients, signal.TypeMediaStarted, signal.MediaPayload{PeerID: s.peerID, MediaID: payload.MediaID})

	case signal.TypeStopMedia:
		var payload signal.MediaPayload
		if err := msg.Decode(&payload); err != nil {
			s.log.Warnw("bad stop-media payload", "peer_id", s.peerID, "error", err)
			return false
		}
		recipients, ok := s.room.stopMedia(s.peerID, payload.MediaID)
		if !ok {
			return false
		}
		s.fanout(recipients, signal.TypeMediaStopped, signal.MediaPayload{PeerID: s.peerID, MediaID: payload.MediaID})

	case signal.TypePeerData:
		var payload signal.PeerDataPayload
		if err := msg.Decode(&payload); err != nil {
			s.log.Warnw("bad peer-data payload", "peer_id", s.peerID, "error", err)
			return false
		}
		if err := validation.ValidateUserData(payload.UserData); err != nil {
			s.log.Warnw("peer data refused", "peer_id", s.peerID, "error", err)
			return false
		}
		recipients := s.room.setPeerData(s.peerID, payload.UserData)
		s.fanout(recipients, signal.TypePeerData, signal.PeerDataPayload{PeerID: s.peerID, UserData: payload.UserData})

	case signal.TypeRoomData:
		var payload signal.RoomDataPayload
		if err := msg.Decode(&payload); err != nil {
			s.log.Warnw("bad room-data payload", "peer_id", s.peerID, "error", err)
			return false
		}
		if err := validation.ValidateUserData(payload.RoomData); err != nil {
			s.log.Warnw("room data refused", "peer_id", s.peerID, "error", err)
			return false
		}
		recipients := s.room.setRoomData(s.peerID, payload.RoomData)
		s.fanout(recipients, signal.TypeRoomData, signal.RoomDataPayload{RoomData: payload.RoomData})

	case signal.TypePosition:
		var payload signal.PositionPayload
		if err := msg.Decode(&payload); err != nil {
			s.log.Warnw("bad position payload", "peer_id", s.peerID, "error", err)
			return false
		}
		s.room.setPosition(s.peerID, payload.Position)

	case signal.TypeMessage:
		var payload signal.MessagePayload
		if err := msg.Decode(&payload); err != nil {
			s.log.Warnw("bad message payload", "peer_id", s.peerID, "error", err)
			return false
		}
		recipients := s.room.messageRecipients(s.peerID, payload.Targets)
		s.fanout(recipients, signal.TypeMessage, signal.MessagePayload{SenderID: s.peerID, Data: payload.Data})
		s.srv.metrics.recordMessage()

	default:
		s.log.Debugw("unhandled control message", "peer_id", s.peerID, "type", msg.Type)
	}
	return false
}

// handleMedia relays one media frame to every audible peer. Frames for
// media ids the peer never announced are dropped.
func (s *session) handleMedia(data []byte) {
	frame, err := signal.UnmarshalMediaFrame(data)
	if err != nil {
		s.log.Debugw("bad media frame", "peer_id", s.peerID, "error", err)
		return
	}

	recipients, ok := s.room.relayRecipients(s.peerID, frame.MediaID, s.srv.opts.PositionCutoff)
	if !ok {
		s.log.Debugw("frame for unannounced media", "peer_id", s.peerID, "media_id", frame.MediaID)
		return
	}

	s.rxPackets.Add(1)
	s.srv.metrics.recordMediaRx(len(data))

	// Stamp the sender's real peer id before relaying.
	if frame.PeerID != s.peerID {
		frame.PeerID = s.peerID
		if data, err = frame.Marshal(); err != nil {
			return
		}
	}

	for _, recipient := range recipients {
		if err := recipient.sendRaw(websocket.BinaryMessage, data); err == nil {
			recipient.txPackets.Add(1)
		}
	}
	s.srv.metrics.recordMediaTx(len(data), len(recipients))
}

func (s *session) fanout(recipients []*session, msgType string, payload interface{}) {
	if len(recipients) == 0 {
		return
	}
	data, err := signal.Encode(msgType, payload)
	if err != nil {
		s.log.Errorw("encode fanout failed", "type", msgType, "error", err)
		return
	}
	for _, recipient := range recipients {
		if err := recipient.sendRaw(websocket.TextMessage, data); err != nil {
			s.log.Debugw("fanout send failed", "type", msgType, "peer_id", recipient.peerID, "error", err)
		}
	}
}

func (s *session) pushStats() {
	stats := signal.Stats{
		PeerCount:  s.room.peerCount(),
		RxPackets:  s.rxPackets.Load(),
		TxPackets:  s.txPackets.Load(),
		UptimeMsec: time.Since(s.joined).Milliseconds(),
	}
	if err := s.sendControl(signal.TypeStats, stats); err != nil {
		s.log.Debugw("stats push failed", "peer_id", s.peerID, "error", err)
	}
}
