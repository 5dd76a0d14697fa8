package devgateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// collector exports gateway-side metrics. Each Server registers its own
// instance on a private registry so several servers can coexist in one
// process.
type collector struct {
	roomsActive    prometheus.Gauge
	peersConnected prometheus.Gauge
	joinsTotal     prometheus.Counter
	rejectsTotal   *prometheus.CounterVec
	mediaPackets   *prometheus.CounterVec
	mediaBytes     *prometheus.CounterVec
	messagesTotal  prometheus.Counter
	sessionSeconds prometheus.Histogram
}

func newCollector(reg prometheus.Registerer) *collector {
	factory := promauto.With(reg)

	return &collector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "odin_server_rooms_active",
			Help: "Rooms currently holding at least one peer",
		}),

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "odin_server_peers_connected",
			Help: "Peers currently connected",
		}),

		joinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "odin_server_joins_total",
			Help: "Accepted joins",
		}),

		rejectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_server_join_rejects_total",
			Help: "Rejected joins by reason",
		}, []string{"reason"}),

		mediaPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_server_media_packets_total",
			Help: "Media packets relayed by direction",
		}, []string{"direction"}),

		mediaBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_server_media_bytes_total",
			Help: "Media bytes relayed by direction",
		}, []string{"direction"}),

		messagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "odin_server_messages_total",
			Help: "Application messages routed",
		}),

		sessionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "odin_server_session_duration_seconds",
			Help:    "Peer session lifetimes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

func (c *collector) recordJoin() {
	c.joinsTotal.Inc()
	c.peersConnected.Inc()
}

func (c *collector) recordReject(reason string) {
	c.rejectsTotal.WithLabelValues(reason).Inc()
}

func (c *collector) recordLeave(sessionAge time.Duration) {
	c.peersConnected.Dec()
	c.sessionSeconds.Observe(sessionAge.Seconds())
}

func (c *collector) recordRoomOpened() { c.roomsActive.Inc() }
func (c *collector) recordRoomClosed() { c.roomsActive.Dec() }

func (c *collector) recordMediaRx(bytes int) {
	c.mediaPackets.WithLabelValues("rx").Inc()
	c.mediaBytes.WithLabelValues("rx").Add(float64(bytes))
}

func (c *collector) recordMediaTx(bytes int, fanout int) {
	if fanout <= 0 {
		return
	}
	c.mediaPackets.WithLabelValues("tx").Add(float64(fanout))
	c.mediaBytes.WithLabelValues("tx").Add(float64(bytes * fanout))
}

func (c *collector) recordMessage() { c.messagesTotal.Inc() }
