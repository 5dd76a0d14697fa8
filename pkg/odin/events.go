package odin

import (
	"github.com/4Players/odin-go/pkg/event"
)

// RoomStatus is the connection lifecycle state of a Room.
type RoomStatus string

const (
	StatusIdle         RoomStatus = "idle"
	StatusJoining      RoomStatus = "joining"
	StatusJoined       RoomStatus = "joined"
	StatusReconnecting RoomStatus = "reconnecting"
	StatusLeft         RoomStatus = "left"
)

// LeaveReason reports why a room ended up in StatusLeft.
type LeaveReason string

const (
	LeaveRequested          LeaveReason = "requested"
	LeaveJoinFailed         LeaveReason = "join_failed"
	LeaveConnectionLost     LeaveReason = "connection_lost"
	LeaveReconnectExhausted LeaveReason = "reconnect_exhausted"
)

// JoinedEvent fires once the room is fully established. Every peer
// already present has been announced through PeerJoined (and its media
// through MediaStarted) before this event.
type JoinedEvent struct {
	RoomID   string
	PeerID   uint64
	RoomData []byte
}

// LeftEvent fires exactly once per room lifetime, when the room reaches
// StatusLeft. Err is nil for a requested leave.
type LeftEvent struct {
	Reason LeaveReason
	Err    error
}

// StatusChangedEvent reports every room status transition.
type StatusChangedEvent struct {
	Old RoomStatus
	New RoomStatus
}

// PeerJoinedEvent announces a remote peer, either live or synthesized
// from the room snapshot during join and reconnect.
type PeerJoinedEvent struct {
	Peer *RemotePeer
}

// PeerLeftEvent announces a departed remote peer. MediaStoppedEvents
// for all of its streams precede it.
type PeerLeftEvent struct {
	Peer *RemotePeer
}

// MediaStartedEvent announces a new remote media stream.
type MediaStartedEvent struct {
	Peer  *RemotePeer
	Media *OutputStream
}

// MediaStoppedEvent announces the end of a remote media stream.
type MediaStoppedEvent struct {
	Peer    *RemotePeer
	MediaID uint16
}

// PeerUserDataChangedEvent reports a remote peer's user data update.
type PeerUserDataChangedEvent struct {
	Peer     *RemotePeer
	UserData []byte
}

// RoomUserDataChangedEvent reports a room user data update.
type RoomUserDataChangedEvent struct {
	RoomData []byte
}

// MessageReceivedEvent carries opaque application bytes from a peer.
type MessageReceivedEvent struct {
	SenderID uint64
	Data     []byte
}

// MediaActivityEvent reports a talk state edge on a media stream.
// Local input streams report their pipeline's activity; output streams
// report whether frames are arriving.
type MediaActivityEvent struct {
	PeerID  uint64
	MediaID uint16
	Active  bool
}

// ConnectionStatsEvent delivers the monitor's periodic snapshot.
type ConnectionStatsEvent struct {
	Stats ConnectionStats
}

// Events exposes one dispatcher per room event. Subscribe before Join
// to observe the initial peer announcements. Emission order on join:
// StatusChanged, then PeerJoined and MediaStarted for the room
// snapshot in ascending peer id order, then Joined.
//
// Inbound events are emitted outside the room lock. An event that has
// already passed its state check when a concurrent Leave runs can
// therefore still arrive shortly after Left; handlers that tear down
// on Left must tolerate one such trailing event.
type Events struct {
	Joined        *event.Dispatcher[JoinedEvent]
	Left          *event.Dispatcher[LeftEvent]
	StatusChanged *event.Dispatcher[StatusChangedEvent]
	PeerJoined    *event.Dispatcher[PeerJoinedEvent]
	PeerLeft      *event.Dispatcher[PeerLeftEvent]
	MediaStarted  *event.Dispatcher[MediaStartedEvent]
	MediaStopped  *event.Dispatcher[MediaStoppedEvent]
	PeerUserData  *event.Dispatcher[PeerUserDataChangedEvent]
	RoomUserData  *event.Dispatcher[RoomUserDataChangedEvent]
	Message       *event.Dispatcher[MessageReceivedEvent]
	MediaActivity *event.Dispatcher[MediaActivityEvent]
	Stats         *event.Dispatcher[ConnectionStatsEvent]
}

func newEvents(target event.Target) *Events {
	return &Events{
		Joined:        event.NewDispatcher[JoinedEvent](target),
		Left:          event.NewDispatcher[LeftEvent](target),
		StatusChanged: event.NewDispatcher[StatusChangedEvent](target),
		PeerJoined:    event.NewDispatcher[PeerJoinedEvent](target),
		PeerLeft:      event.NewDispatcher[PeerLeftEvent](target),
		MediaStarted:  event.NewDispatcher[MediaStartedEvent](target),
		MediaStopped:  event.NewDispatcher[MediaStoppedEvent](target),
		PeerUserData:  event.NewDispatcher[PeerUserDataChangedEvent](target),
		RoomUserData:  event.NewDispatcher[RoomUserDataChangedEvent](target),
		Message:       event.NewDispatcher[MessageReceivedEvent](target),
		MediaActivity: event.NewDispatcher[MediaActivityEvent](target),
		Stats:         event.NewDispatcher[ConnectionStatsEvent](target),
	}
}
