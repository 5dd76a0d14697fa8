package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/4Players/odin-go/pkg/odin"
	"github.com/4Players/odin-go/pkg/retry"
	"github.com/4Players/odin-go/pkg/signal"
)

// fakeGateway scripts the server half of the protocol.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	accept *signal.JoinAccept
	reject *signal.JoinReject

	// silent takes the join and never answers it, keeping the socket
	// open.
	silent bool

	// remainingFails makes the first N upgrade attempts fail at the
	// HTTP layer.
	remainingFails int32
	dials          int32

	mu      sync.Mutex
	ws      *websocket.Conn
	join    signal.JoinRequest
	control []signal.Message
	media   []*signal.MediaFrame
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) dialCount() int {
	return int(atomic.LoadInt32(&g.dials))
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&g.dials, 1)
	if atomic.AddInt32(&g.remainingFails, -1) >= 0 {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var join signal.Message
	if err := ws.ReadJSON(&join); err != nil || join.Type != signal.TypeJoin {
		ws.Close()
		return
	}

	g.mu.Lock()
	g.ws = ws
	_ = join.Decode(&g.join)
	reject := g.reject
	accept := g.accept
	silent := g.silent
	g.mu.Unlock()

	if silent {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}

	if reject != nil {
		msg, _ := signal.NewMessage(signal.TypeJoinReject, reject)
		_ = ws.WriteJSON(msg)
		ws.Close()
		return
	}

	msg, _ := signal.NewMessage(signal.TypeJoinAccept, accept)
	if err := ws.WriteJSON(msg); err != nil {
		ws.Close()
		return
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			if msg, err := signal.DecodeMessage(data); err == nil {
				g.mu.Lock()
				g.control = append(g.control, *msg)
				g.mu.Unlock()
			}
		case websocket.BinaryMessage:
			if frame, err := signal.UnmarshalMediaFrame(data); err == nil {
				g.mu.Lock()
				g.media = append(g.media, frame)
				g.mu.Unlock()
			}
		}
	}
}

func (g *fakeGateway) joinRequest() signal.JoinRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.join
}

func (g *fakeGateway) receivedControl(msgType string) []signal.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []signal.Message
	for _, m := range g.control {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (g *fakeGateway) receivedMedia() []*signal.MediaFrame {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*signal.MediaFrame, len(g.media))
	copy(out, g.media)
	return out
}

func (g *fakeGateway) pushControl(msgType string, payload interface{}) {
	msg, err := signal.NewMessage(msgType, payload)
	if err != nil {
		g.t.Fatal(err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ws.WriteJSON(msg); err != nil {
		g.t.Errorf("push control: %v", err)
	}
}

func (g *fakeGateway) pushMedia(f *signal.MediaFrame) {
	data, err := f.Marshal()
	if err != nil {
		g.t.Fatal(err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		g.t.Errorf("push media: %v", err)
	}
}

func (g *fakeGateway) closeConn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ws != nil {
		g.ws.Close()
	}
}

func testDialer() *Dialer {
	return NewDialer(DialerOptions{
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     20 * time.Millisecond,
		Retry:            &retry.Config{Enabled: true, MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0},
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDial_JoinExchange(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{
		RoomID: "lobby",
		PeerID: 7,
		Peers:  []signal.PeerSnapshot{{PeerID: 3, UserID: "bob"}},
	}

	conn, accept, err := testDialer().Dial(context.Background(), odin.DialParams{
		URL:      g.url(),
		Token:    "room-token",
		UserData: []byte("hello"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if accept.RoomID != "lobby" || accept.PeerID != 7 || len(accept.Peers) != 1 {
		t.Errorf("unexpected accept: %+v", accept)
	}

	join := g.joinRequest()
	if join.Token != "room-token" || string(join.UserData) != "hello" {
		t.Errorf("unexpected join request: %+v", join)
	}
}

func TestDial_RejectSurfacesAuthCode(t *testing.T) {
	g := newFakeGateway(t)
	g.reject = &signal.JoinReject{Code: signal.RejectAuthFailed, Message: "bad token"}

	_, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "junk"})
	if !odin.IsCode(err, odin.ErrCodeAuthFailed) {
		t.Fatalf("expected AUTH_FAILED, got %v", err)
	}
	// Rejections are final, no second dial.
	if got := g.dialCount(); got != 1 {
		t.Errorf("expected a single dial, got %d", got)
	}
}

func TestDial_RejectRoomFull(t *testing.T) {
	g := newFakeGateway(t)
	g.reject = &signal.JoinReject{Code: signal.RejectRoomFull, Message: "room full"}

	_, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if !odin.IsCode(err, odin.ErrCodeResourceUnavailable) {
		t.Fatalf("expected RESOURCE_UNAVAILABLE, got %v", err)
	}
}

func TestDial_RetriesTransientFailures(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{RoomID: "lobby", PeerID: 1}
	g.remainingFails = 1

	conn, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if got := g.dialCount(); got != 2 {
		t.Errorf("expected 2 dials, got %d", got)
	}
}

func TestDial_GivesUpAfterMaxAttempts(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{RoomID: "lobby", PeerID: 1}
	g.remainingFails = 10

	_, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if err == nil {
		t.Fatal("expected dial failure")
	}
	// Initial attempt plus MaxAttempts retries.
	if got := g.dialCount(); got != 3 {
		t.Errorf("expected 3 dials, got %d", got)
	}
}

func TestDial_CancelUnblocksJoinReplyWait(t *testing.T) {
	g := newFakeGateway(t)
	g.silent = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := testDialer().Dial(ctx, odin.DialParams{URL: g.url(), Token: "t"})
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in the chain, got %v", err)
	}
	// The cancel must cut the reply wait short instead of riding out
	// the handshake deadline.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dial took %v after cancel", elapsed)
	}
}

func TestConn_ControlRoundTrip(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{RoomID: "lobby", PeerID: 7}

	conn, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg, err := signal.NewMessage(signal.TypeStartMedia, signal.MediaPayload{MediaID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(g.receivedControl(signal.TypeStartMedia)) == 1 })

	g.pushControl(signal.TypePeerJoined, signal.PeerJoinedPayload{Peer: signal.PeerSnapshot{PeerID: 3}})

	select {
	case ev := <-conn.Events():
		if ev.Msg == nil || ev.Msg.Type != signal.TypePeerJoined {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no control event delivered")
	}
}

func TestConn_MediaRoundTripAndLossAccounting(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{RoomID: "lobby", PeerID: 7}

	conn, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	out := &signal.MediaFrame{PeerID: 7, MediaID: 1, Seq: 1, Timestamp: 960, Payload: []byte{1, 2, 3, 4}}
	if err := conn.SendMedia(out); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(g.receivedMedia()) == 1 })

	got := g.receivedMedia()[0]
	if got.PeerID != 7 || got.MediaID != 1 || got.Seq != 1 || got.Timestamp != 960 {
		t.Errorf("frame mangled in transit: %+v", got)
	}

	// Inbound frames with a sequence gap count as loss.
	g.pushMedia(&signal.MediaFrame{PeerID: 3, MediaID: 1, Seq: 10, Payload: []byte{1}})
	g.pushMedia(&signal.MediaFrame{PeerID: 3, MediaID: 1, Seq: 13, Payload: []byte{2}})

	received := 0
	for received < 2 {
		select {
		case ev := <-conn.Events():
			if ev.Frame != nil {
				received++
			}
		case <-time.After(2 * time.Second):
			t.Fatal("media events missing")
		}
	}

	stats := conn.Stats()
	if stats.PacketsSent != 1 {
		t.Errorf("expected 1 packet sent, got %d", stats.PacketsSent)
	}
	if stats.PacketsReceived != 2 {
		t.Errorf("expected 2 packets received, got %d", stats.PacketsReceived)
	}
	if stats.PacketsLost != 2 {
		t.Errorf("expected 2 packets lost, got %d", stats.PacketsLost)
	}
	if stats.BytesSent == 0 || stats.BytesReceived == 0 {
		t.Errorf("expected non-zero byte counters: %+v", stats)
	}
}

func TestConn_MeasuresRTT(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{RoomID: "lobby", PeerID: 7}

	conn, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool { return conn.Stats().RTT > 0 })
}

func TestConn_LocalCloseEndsEventsQuietly(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{RoomID: "lobby", PeerID: 7}

	conn, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if err != nil {
		t.Fatal(err)
	}

	conn.Close()
	conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				t.Fatalf("local close must not produce an error event, got %v", ev.Err)
			}
		case <-deadline:
			t.Fatal("event channel did not close")
		}
	}
}

func TestConn_RemoteCloseReportsError(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{RoomID: "lobby", PeerID: 7}

	conn, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	g.closeConn()

	sawErr := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				if !sawErr {
					t.Fatal("expected an error event before the close")
				}
				return
			}
			if ev.Err != nil {
				sawErr = true
			}
		case <-deadline:
			t.Fatal("event channel did not close")
		}
	}
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	g := newFakeGateway(t)
	g.accept = &signal.JoinAccept{RoomID: "lobby", PeerID: 7}

	conn, _, err := testDialer().Dial(context.Background(), odin.DialParams{URL: g.url(), Token: "t"})
	if err != nil {
		t.Fatal(err)
	}

	conn.Close()

	msg, _ := signal.NewMessage(signal.TypeLeave, nil)
	if err := conn.Send(msg); err == nil {
		t.Error("expected send on closed connection to fail")
	}
	if err := conn.SendMedia(&signal.MediaFrame{Payload: []byte{1}}); err == nil {
		t.Error("expected media send on closed connection to fail")
	}
}
