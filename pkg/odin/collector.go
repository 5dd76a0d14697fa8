package odin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports room metrics to Prometheus. A single Collector is
// shared by all rooms of a process; a nil *Collector is valid and
// records nothing.
type Collector struct {
	joinsTotal       *prometheus.CounterVec
	reconnectsTotal  prometheus.Counter
	reconnectedTotal prometheus.Counter
	roomsActive      prometheus.Gauge
	peerCount        *prometheus.GaugeVec
	mediaActive      *prometheus.GaugeVec
	packetsTotal     *prometheus.CounterVec
	congestionTotal  prometheus.Counter
	droppedFrames    prometheus.Counter
	rtt              prometheus.Histogram
	joinDuration     prometheus.Histogram
}

// NewCollector registers the room metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		joinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_room_joins_total",
			Help: "Room join attempts by outcome",
		}, []string{"outcome"}),

		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "odin_reconnect_attempts_total",
			Help: "Reconnect attempts after a connection loss",
		}),

		reconnectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "odin_reconnects_total",
			Help: "Successful reconnects",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "odin_rooms_active",
			Help: "Rooms currently joined",
		}),

		peerCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odin_room_peers",
			Help: "Remote peers per room",
		}, []string{"room_id"}),

		mediaActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odin_media_streams_active",
			Help: "Active media streams per room and direction",
		}, []string{"room_id", "direction"}),

		packetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_media_packets_total",
			Help: "Media packets by direction (sent, received, lost)",
		}, []string{"direction"}),

		congestionTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "odin_congestion_events_total",
			Help: "Monitor intervals that saw inbound packet loss",
		}),

		droppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "odin_reconnect_dropped_frames_total",
			Help: "Outbound frames dropped while reconnecting",
		}),

		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "odin_gateway_rtt_seconds",
			Help:    "Round trip time to the gateway",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		joinDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "odin_room_join_duration_seconds",
			Help:    "Time from join call to joined state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (c *Collector) RecordJoin(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.joinsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		c.roomsActive.Inc()
		c.joinDuration.Observe(duration.Seconds())
	}
}

func (c *Collector) RecordReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectsTotal.Inc()
}

func (c *Collector) RecordReconnected() {
	if c == nil {
		return
	}
	c.reconnectedTotal.Inc()
}

func (c *Collector) RecordRoomLeft(roomID string) {
	if c == nil {
		return
	}
	c.roomsActive.Dec()
	c.peerCount.DeleteLabelValues(roomID)
	c.mediaActive.DeleteLabelValues(roomID, "input")
	c.mediaActive.DeleteLabelValues(roomID, "output")
}

func (c *Collector) SetPeerCount(roomID string, count int) {
	if c == nil {
		return
	}
	c.peerCount.WithLabelValues(roomID).Set(float64(count))
}

func (c *Collector) SetMediaCount(roomID, direction string, count int) {
	if c == nil {
		return
	}
	c.mediaActive.WithLabelValues(roomID, direction).Set(float64(count))
}

func (c *Collector) AddPacketDeltas(sent, received, lost uint64) {
	if c == nil {
		return
	}
	c.packetsTotal.WithLabelValues("sent").Add(float64(sent))
	c.packetsTotal.WithLabelValues("received").Add(float64(received))
	c.packetsTotal.WithLabelValues("lost").Add(float64(lost))
}

func (c *Collector) RecordCongestionEvent() {
	if c == nil {
		return
	}
	c.congestionTotal.Inc()
}

func (c *Collector) RecordDroppedFrames(count int) {
	if c == nil || count <= 0 {
		return
	}
	c.droppedFrames.Add(float64(count))
}

func (c *Collector) ObserveRTT(rtt time.Duration) {
	if c == nil || rtt <= 0 {
		return
	}
	c.rtt.Observe(rtt.Seconds())
}
