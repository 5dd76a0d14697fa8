package odin

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/4Players/odin-go/pkg/signal"
)

func TestMonitor_SkipsUnreachableTicks(t *testing.T) {
	dialer := &fakeDialer{script: []dialStep{{accept: acceptWith("lobby", 1)}}}
	r, err := NewRoom(testOptions(dialer))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Leave()

	// Not joined yet, the sample is skipped entirely.
	r.monitor.sample(time.Now())
	if got := r.ConnectionStats(); !got.Timestamp.IsZero() {
		t.Errorf("expected zero snapshot before join, got %+v", got)
	}

	mustJoin(t, r, "token")

	now := time.Now()
	r.monitor.sample(now)
	if got := r.ConnectionStats(); !got.Timestamp.Equal(now) {
		t.Errorf("expected snapshot at %v, got %v", now, got.Timestamp)
	}
}

func TestMonitor_LoopStartsOnJoin(t *testing.T) {
	dialer := &fakeDialer{script: []dialStep{{accept: acceptWith("lobby", 1)}}}
	r, err := NewRoom(testOptions(dialer))
	if err != nil {
		t.Fatal(err)
	}

	if r.monitor.running() {
		t.Fatal("expected no sampling loop before the first join")
	}

	mustJoin(t, r, "token")
	if !r.monitor.running() {
		t.Error("expected the sampling loop to run after join")
	}

	r.Leave()
	if r.monitor.running() {
		t.Error("expected the sampling loop stopped after leave")
	}
}

func TestMonitor_LeaveWithoutJoin(t *testing.T) {
	dialer := &fakeDialer{script: []dialStep{{accept: acceptWith("lobby", 1)}}}
	r, err := NewRoom(testOptions(dialer))
	if err != nil {
		t.Fatal(err)
	}

	// Leave on a never-joined room must not wait for a loop that was
	// never launched.
	r.Leave()
	if r.monitor.running() {
		t.Error("expected no sampling loop on an idle room")
	}
}

func TestMonitor_SnapshotDeltas(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []dialStep{{conn: conn, accept: acceptWith("lobby", 1)}}}
	r, err := NewRoom(testOptions(dialer))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Leave()

	mustJoin(t, r, "token")

	conn.setStats(TransportStats{
		RTT:             40 * time.Millisecond,
		PacketsSent:     100,
		PacketsReceived: 200,
		PacketsLost:     10,
		BytesSent:       4000,
		BytesReceived:   8000,
	})
	r.monitor.sample(time.Now())

	snap := r.ConnectionStats()
	if snap.RTT != 40*time.Millisecond {
		t.Errorf("expected 40ms RTT, got %v", snap.RTT)
	}
	if snap.PacketsSentLastSecond != 100 || snap.PacketsReceivedLastSecond != 200 || snap.PacketsLostLastSecond != 10 {
		t.Errorf("unexpected first deltas: %+v", snap)
	}
	if snap.TxBytesLastSecond != 4000 || snap.RxBytesLastSecond != 8000 {
		t.Errorf("unexpected first byte deltas: %+v", snap)
	}
	if want := 10.0 / 210.0 * 100; math.Abs(snap.LossPercent-want) > 1e-9 {
		t.Errorf("expected loss %.4f%%, got %.4f%%", want, snap.LossPercent)
	}
	if snap.CongestionEvents != 1 {
		t.Errorf("expected 1 congestion event after a lossy interval, got %d", snap.CongestionEvents)
	}

	conn.setStats(TransportStats{
		RTT:             42 * time.Millisecond,
		PacketsSent:     150,
		PacketsReceived: 290,
		PacketsLost:     10,
		BytesSent:       4600,
		BytesReceived:   9500,
	})
	r.monitor.sample(time.Now())

	snap = r.ConnectionStats()
	if snap.PacketsSentLastSecond != 50 || snap.PacketsReceivedLastSecond != 90 || snap.PacketsLostLastSecond != 0 {
		t.Errorf("unexpected second deltas: %+v", snap)
	}
	if snap.TxBytesLastSecond != 600 || snap.RxBytesLastSecond != 1500 {
		t.Errorf("unexpected second byte deltas: %+v", snap)
	}
	if snap.LossPercent != 0 {
		t.Errorf("expected zero loss, got %.4f%%", snap.LossPercent)
	}
	if snap.PacketsSent != 150 {
		t.Errorf("expected cumulative 150 sent, got %d", snap.PacketsSent)
	}
	if snap.CongestionEvents != 1 {
		t.Errorf("expected congestion count unchanged by a clean interval, got %d", snap.CongestionEvents)
	}
}

func TestMonitor_PublishesStatsEvents(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []dialStep{{conn: conn, accept: acceptWith("lobby", 1)}}}
	r, err := NewRoom(testOptions(dialer))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Leave()

	var mu sync.Mutex
	var got []ConnectionStats
	r.Events().Stats.Subscribe(func(e ConnectionStatsEvent) {
		mu.Lock()
		got = append(got, e.Stats)
		mu.Unlock()
	})

	mustJoin(t, r, "token")

	conn.setStats(TransportStats{PacketsSent: 7})
	r.monitor.sample(time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].PacketsSent != 7 {
		t.Errorf("expected one stats event with 7 sent, got %+v", got)
	}
}

func TestNextSnapshot_CounterResetAfterReconnect(t *testing.T) {
	prev := ConnectionStats{
		PacketsSent:      100,
		PacketsReceived:  200,
		PacketsLost:      10,
		BytesSent:        4000,
		BytesReceived:    8000,
		CongestionEvents: 3,
	}
	ts := TransportStats{PacketsSent: 5, PacketsReceived: 8, PacketsLost: 0, BytesSent: 300, BytesReceived: 700}

	snap := nextSnapshot(prev, time.Now(), ts, signal.Stats{})

	// A fresh connection restarts its counters; the delta is the new
	// counter itself, never a huge underflow.
	if snap.PacketsSentLastSecond != 5 || snap.PacketsReceivedLastSecond != 8 || snap.PacketsLostLastSecond != 0 {
		t.Errorf("unexpected deltas after reset: %+v", snap)
	}
	if snap.TxBytesLastSecond != 300 || snap.RxBytesLastSecond != 700 {
		t.Errorf("unexpected byte deltas after reset: %+v", snap)
	}
	if snap.CongestionEvents != 3 {
		t.Errorf("expected congestion count to survive the reconnect, got %d", snap.CongestionEvents)
	}
}

func TestNextSnapshot_CarriesServerFigures(t *testing.T) {
	server := signal.Stats{PeerCount: 12, RxPackets: 1000, TxPackets: 2000}

	snap := nextSnapshot(ConnectionStats{}, time.Now(), TransportStats{}, server)

	if snap.ServerPeerCount != 12 || snap.ServerRxPackets != 1000 || snap.ServerTxPackets != 2000 {
		t.Errorf("server figures lost: %+v", snap)
	}
}
