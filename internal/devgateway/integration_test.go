package devgateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4Players/odin-go/pkg/audio"
	"github.com/4Players/odin-go/pkg/odin"
	"github.com/4Players/odin-go/pkg/token"
	"github.com/4Players/odin-go/pkg/transport/gateway"
)

// eventSink buffers room events so tests can assert on them without
// blocking the client's read loop.
type eventSink struct {
	joined       chan odin.JoinedEvent
	peerJoined   chan odin.PeerJoinedEvent
	peerLeft     chan odin.PeerLeftEvent
	mediaStarted chan odin.MediaStartedEvent
	mediaStopped chan odin.MediaStoppedEvent
	messages     chan odin.MessageReceivedEvent
	roomData     chan odin.RoomUserDataChangedEvent
}

func newEventSink(r *odin.Room) *eventSink {
	s := &eventSink{
		joined:       make(chan odin.JoinedEvent, 16),
		peerJoined:   make(chan odin.PeerJoinedEvent, 16),
		peerLeft:     make(chan odin.PeerLeftEvent, 16),
		mediaStarted: make(chan odin.MediaStartedEvent, 16),
		mediaStopped: make(chan odin.MediaStoppedEvent, 16),
		messages:     make(chan odin.MessageReceivedEvent, 16),
		roomData:     make(chan odin.RoomUserDataChangedEvent, 16),
	}
	r.Events().Joined.Subscribe(func(ev odin.JoinedEvent) { s.joined <- ev })
	r.Events().PeerJoined.Subscribe(func(ev odin.PeerJoinedEvent) { s.peerJoined <- ev })
	r.Events().PeerLeft.Subscribe(func(ev odin.PeerLeftEvent) { s.peerLeft <- ev })
	r.Events().MediaStarted.Subscribe(func(ev odin.MediaStartedEvent) { s.mediaStarted <- ev })
	r.Events().MediaStopped.Subscribe(func(ev odin.MediaStoppedEvent) { s.mediaStopped <- ev })
	r.Events().Message.Subscribe(func(ev odin.MessageReceivedEvent) { s.messages <- ev })
	r.Events().RoomUserData.Subscribe(func(ev odin.RoomUserDataChangedEvent) { s.roomData <- ev })
	return s
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// newClientRoom builds a real client room wired to the test gateway and
// subscribes its event sink. Join is left to the caller.
func newClientRoom(t *testing.T, g *testGateway) (*odin.Room, *eventSink) {
	t.Helper()

	opts := odin.DefaultOptions()
	opts.Gateway = g.wsURL()
	opts.Dialer = gateway.NewDialer(gateway.DialerOptions{
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     200 * time.Millisecond,
	})

	r, err := odin.NewRoom(opts)
	require.NoError(t, err)
	t.Cleanup(r.Leave)
	return r, newEventSink(r)
}

func joinRoom(t *testing.T, g *testGateway, r *odin.Room, roomID, userID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Join(ctx, g.roomToken(t, roomID, userID)))
}

func TestIntegration_JoinAndPeerEvents(t *testing.T) {
	g := newTestGateway(t, nil)

	alice, aliceEvents := newClientRoom(t, g)
	joinRoom(t, g, alice, "integration", "alice")

	joined := recv(t, aliceEvents.joined, "alice joined event")
	assert.Equal(t, "integration", joined.RoomID)
	assert.NotZero(t, joined.PeerID)
	assert.Equal(t, "integration", alice.ID())
	assert.Equal(t, odin.StatusJoined, alice.Status())

	bob, bobEvents := newClientRoom(t, g)
	joinRoom(t, g, bob, "integration", "bob")

	// Bob learns about alice from the snapshot, before his own joined
	// event; alice sees bob arrive live.
	peer := recv(t, bobEvents.peerJoined, "bob's view of alice")
	assert.Equal(t, joined.PeerID, peer.Peer.ID())
	assert.Equal(t, "alice", peer.Peer.UserID())
	bobJoined := recv(t, bobEvents.joined, "bob joined event")

	peer = recv(t, aliceEvents.peerJoined, "alice's view of bob")
	assert.Equal(t, bobJoined.PeerID, peer.Peer.ID())
	assert.Equal(t, "bob", peer.Peer.UserID())
}

func TestIntegration_MessageFanout(t *testing.T) {
	g := newTestGateway(t, nil)

	alice, aliceEvents := newClientRoom(t, g)
	joinRoom(t, g, alice, "integration", "alice")
	aliceJoined := recv(t, aliceEvents.joined, "alice joined event")

	bob, bobEvents := newClientRoom(t, g)
	joinRoom(t, g, bob, "integration", "bob")
	bobJoined := recv(t, bobEvents.joined, "bob joined event")
	recv(t, aliceEvents.peerJoined, "alice's view of bob")

	require.NoError(t, alice.SendMessage([]byte("hello")))
	msg := recv(t, bobEvents.messages, "broadcast at bob")
	assert.Equal(t, aliceJoined.PeerID, msg.SenderID)
	assert.Equal(t, []byte("hello"), msg.Data)

	// Targeted reply reaches only alice.
	require.NoError(t, bob.SendMessage([]byte("hi back"), aliceJoined.PeerID))
	msg = recv(t, aliceEvents.messages, "reply at alice")
	assert.Equal(t, bobJoined.PeerID, msg.SenderID)
	assert.Equal(t, []byte("hi back"), msg.Data)
}

func TestIntegration_MediaRelay(t *testing.T) {
	g := newTestGateway(t, nil)

	alice, _ := newClientRoom(t, g)
	joinRoom(t, g, alice, "integration", "alice")

	bob, bobEvents := newClientRoom(t, g)
	joinRoom(t, g, bob, "integration", "bob")

	devices := audio.NewNullManager(true)
	dev, err := devices.OpenCapture(audio.SilenceDeviceID)
	require.NoError(t, err)

	// All processing off, so silent frames pass the gate untouched.
	input, err := odin.NewInputStream(dev, audio.Settings{})
	require.NoError(t, err)
	defer input.Close()
	require.NoError(t, alice.AddMediaInput(input))

	started := recv(t, bobEvents.mediaStarted, "media announcement at bob")
	assert.Equal(t, "alice", started.Peer.UserID())
	assert.Equal(t, input.ID(), started.Media.ID())

	select {
	case frame := <-started.Media.Frames():
		assert.Len(t, frame, audio.FrameSamples)
	case <-time.After(5 * time.Second):
		t.Fatal("no media frame was relayed to bob")
	}

	require.NoError(t, alice.RemoveMediaInput(input))
	stopped := recv(t, bobEvents.mediaStopped, "media stop at bob")
	assert.Equal(t, started.Media.ID(), stopped.MediaID)
}

func TestIntegration_RoomDataUpdate(t *testing.T) {
	g := newTestGateway(t, nil)

	alice, _ := newClientRoom(t, g)
	joinRoom(t, g, alice, "integration", "alice")

	bob, bobEvents := newClientRoom(t, g)
	joinRoom(t, g, bob, "integration", "bob")
	recv(t, bobEvents.joined, "bob joined event")

	alice.SetUserData([]byte("motd"))
	require.NoError(t, alice.FlushUserData())

	update := recv(t, bobEvents.roomData, "room data at bob")
	assert.Equal(t, []byte("motd"), update.RoomData)

	// A third client sees the value in its join snapshot.
	carol, carolEvents := newClientRoom(t, g)
	joinRoom(t, g, carol, "integration", "carol")
	joined := recv(t, carolEvents.joined, "carol joined event")
	assert.Equal(t, []byte("motd"), joined.RoomData)
}

func TestIntegration_LeaveNotifiesPeers(t *testing.T) {
	g := newTestGateway(t, nil)

	alice, aliceEvents := newClientRoom(t, g)
	joinRoom(t, g, alice, "integration", "alice")

	bob, bobEvents := newClientRoom(t, g)
	joinRoom(t, g, bob, "integration", "bob")
	bobJoined := recv(t, bobEvents.joined, "bob joined event")
	recv(t, aliceEvents.peerJoined, "alice's view of bob")

	bob.Leave()

	left := recv(t, aliceEvents.peerLeft, "peer-left at alice")
	assert.Equal(t, bobJoined.PeerID, left.Peer.ID())
	assert.Equal(t, odin.StatusLeft, bob.Status())
}

func TestIntegration_RejectedTokenFailsJoin(t *testing.T) {
	g := newTestGateway(t, nil)

	foreignKey, err := token.GenerateAccessKey()
	require.NoError(t, err)
	foreignGen, err := token.NewGenerator(foreignKey, time.Minute)
	require.NoError(t, err)
	tok, err := foreignGen.RoomToken("integration", "mallory")
	require.NoError(t, err)

	r, _ := newClientRoom(t, g)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = r.Join(ctx, tok)
	require.Error(t, err)
	assert.True(t, odin.IsCode(err, odin.ErrCodeAuthFailed), "got %v", err)
	assert.Equal(t, odin.StatusLeft, r.Status())
}
