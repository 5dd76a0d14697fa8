package odin

import (
	"time"

	"github.com/4Players/odin-go/pkg/signal"
)

// ConnectionStats is an immutable snapshot taken by the connection
// monitor once per interval. Cumulative counters belong to the current
// connection and restart from zero after a reconnect; the *LastSecond
// fields are the only computed deltas, compared against the previous
// snapshot and reset-safe across reconnects.
type ConnectionStats struct {
	Timestamp time.Time
	RTT       time.Duration

	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	BytesSent       uint64
	BytesReceived   uint64

	// Deltas over the last monitor interval (one second by default).
	TxBytesLastSecond         uint64
	RxBytesLastSecond         uint64
	PacketsSentLastSecond     uint64
	PacketsReceivedLastSecond uint64
	PacketsLostLastSecond     uint64

	// LossPercent is the inbound loss over the last interval.
	LossPercent float64

	// CongestionEvents counts intervals that saw inbound loss. Unlike
	// the connection counters it survives reconnects.
	CongestionEvents uint64

	// Figures reported by the gateway in its latest stats push.
	ServerPeerCount int
	ServerRxPackets uint64
	ServerTxPackets uint64
}

func delta(current, previous uint64) uint64 {
	if current >= previous {
		return current - previous
	}
	// Counter reset after a reconnect.
	return current
}

func nextSnapshot(prev ConnectionStats, now time.Time, ts TransportStats, server signal.Stats) ConnectionStats {
	snap := ConnectionStats{
		Timestamp:                 now,
		RTT:                       ts.RTT,
		PacketsSent:               ts.PacketsSent,
		PacketsReceived:           ts.PacketsReceived,
		PacketsLost:               ts.PacketsLost,
		BytesSent:                 ts.BytesSent,
		BytesReceived:             ts.BytesReceived,
		TxBytesLastSecond:         delta(ts.BytesSent, prev.BytesSent),
		RxBytesLastSecond:         delta(ts.BytesReceived, prev.BytesReceived),
		PacketsSentLastSecond:     delta(ts.PacketsSent, prev.PacketsSent),
		PacketsReceivedLastSecond: delta(ts.PacketsReceived, prev.PacketsReceived),
		PacketsLostLastSecond:     delta(ts.PacketsLost, prev.PacketsLost),
		CongestionEvents:          prev.CongestionEvents,
		ServerPeerCount:           server.PeerCount,
		ServerRxPackets:           server.RxPackets,
		ServerTxPackets:           server.TxPackets,
	}
	if total := snap.PacketsReceivedLastSecond + snap.PacketsLostLastSecond; total > 0 {
		snap.LossPercent = float64(snap.PacketsLostLastSecond) / float64(total) * 100
	}
	if snap.PacketsLostLastSecond > 0 {
		snap.CongestionEvents++
	}
	return snap
}
