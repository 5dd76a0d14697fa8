package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4Players/odin-go/pkg/odin"
	"github.com/4Players/odin-go/pkg/signal"
)

// Conn is one established gateway connection. Control messages travel
// as JSON text frames, media as RTP binary frames. It implements
// odin.Connection.
type Conn struct {
	ws  *websocket.Conn
	log *zap.SugaredLogger

	events chan odin.TransportEvent

	// gorilla allows one concurrent writer; WriteControl is exempt.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	packetsLost     atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	rttNanos        atomic.Int64

	seqMu   sync.Mutex
	lastSeq map[uint32]uint16
}

func newConn(ws *websocket.Conn, log *zap.SugaredLogger, pingInterval time.Duration) *Conn {
	c := &Conn{
		ws:      ws,
		log:     log,
		events:  make(chan odin.TransportEvent, 64),
		closed:  make(chan struct{}),
		lastSeq: make(map[uint32]uint16),
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if sent, err := strconv.ParseInt(appData, 10, 64); err == nil {
			c.rttNanos.Store(time.Since(time.Unix(0, sent)).Nanoseconds())
		}
		return nil
	})

	go c.readPump()
	go c.pingLoop(pingInterval)
	return c
}

// Events delivers inbound traffic. The channel closes when the
// connection dies; a final event with Err set precedes the close
// unless Close was called locally.
func (c *Conn) Events() <-chan odin.TransportEvent {
	return c.events
}

func (c *Conn) readPump() {
	defer close(c.events)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.events <- odin.TransportEvent{Err: fmt.Errorf("gateway read: %w", err)}
			}
			return
		}
		c.bytesReceived.Add(uint64(len(data)))

		switch msgType {
		case websocket.TextMessage:
			msg, err := signal.DecodeMessage(data)
			if err != nil {
				c.log.Warnw("undecodable control message", "error", err)
				continue
			}
			c.events <- odin.TransportEvent{Msg: msg}

		case websocket.BinaryMessage:
			frame, err := signal.UnmarshalMediaFrame(data)
			if err != nil {
				c.log.Debugw("undecodable media frame", "error", err)
				continue
			}
			c.packetsReceived.Add(1)
			c.accountLoss(frame)
			c.events <- odin.TransportEvent{Frame: frame}
		}
	}
}

// accountLoss tracks sequence gaps per media stream.
func (c *Conn) accountLoss(f *signal.MediaFrame) {
	key := signal.EncodeSSRC(f.PeerID, f.MediaID)

	c.seqMu.Lock()
	prev, seen := c.lastSeq[key]
	c.lastSeq[key] = f.Seq
	c.seqMu.Unlock()

	if seen {
		if lost := signal.SeqLoss(prev, f.Seq); lost > 0 {
			c.packetsLost.Add(uint64(lost))
		}
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			payload := strconv.FormatInt(time.Now().UnixNano(), 10)
			err := c.ws.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(writeWait))
			if err != nil {
				return
			}
		}
	}
}

// Send delivers one control message.
func (c *Conn) Send(msg *signal.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}

	select {
	case <-c.closed:
		return fmt.Errorf("gateway send: connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// SendMedia delivers one media frame on the binary channel.
func (c *Conn) SendMedia(f *signal.MediaFrame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return fmt.Errorf("gateway send: connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("gateway send media: %w", err)
	}
	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// Stats returns the connection's cumulative counters.
func (c *Conn) Stats() odin.TransportStats {
	return odin.TransportStats{
		RTT:             time.Duration(c.rttNanos.Load()),
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		PacketsLost:     c.packetsLost.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
	}
}

// Close shuts the connection down. The event channel closes once the
// read pump drains.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
	return nil
}
