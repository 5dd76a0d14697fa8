// Package gateway implements the websocket transport to a voice
// gateway: the dial handshake, the control and media channels, and the
// connection statistics the monitor samples.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4Players/odin-go/pkg/odin"
	"github.com/4Players/odin-go/pkg/retry"
	"github.com/4Players/odin-go/pkg/signal"
	"github.com/4Players/odin-go/pkg/tracing"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 5 * time.Second

	// writeWait bounds every websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent before the read
	// side gives up. Pings go out well inside this window.
	pongWait = 3 * defaultPingInterval

	maxMessageSize = 1 << 20
)

// errJoinRejected marks handshake failures that retrying cannot fix.
var errJoinRejected = errors.New("gateway rejected the join")

// DialerOptions tune the websocket dialer. The zero value works.
type DialerOptions struct {
	// HandshakeTimeout bounds the socket dial plus the join exchange.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive and RTT sampling period.
	PingInterval time.Duration

	// Retry is the policy for transient dial failures within one
	// Dial call. Nil selects retry.DefaultConfig. Join rejections
	// are never retried.
	Retry *retry.Config

	Logger *zap.SugaredLogger
}

// Dialer opens gateway connections. It implements odin.Dialer.
type Dialer struct {
	ws           websocket.Dialer
	retry        retry.Config
	pingInterval time.Duration
	log          *zap.SugaredLogger
}

// NewDialer creates a websocket dialer for gateway connections.
func NewDialer(opts DialerOptions) *Dialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	cfg := retry.DefaultConfig()
	if opts.Retry != nil {
		cfg = *opts.Retry
	}
	cfg.NonRetryableErrors = append(cfg.NonRetryableErrors, errJoinRejected)

	return &Dialer{
		ws: websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		retry:        cfg,
		pingInterval: opts.PingInterval,
		log:          opts.Logger,
	}
}

type handshake struct {
	ws     *websocket.Conn
	accept *signal.JoinAccept
}

// Dial connects to the gateway and performs the join exchange. Socket
// level failures are retried per the dialer's retry policy; a rejected
// join fails immediately and surfaces as an odin error code.
func (d *Dialer) Dial(ctx context.Context, params odin.DialParams) (odin.Connection, *signal.JoinAccept, error) {
	ctx, span := tracing.TraceGatewayOperation(ctx, "dial", params.URL)
	defer span.End()

	hs, err := retry.RetryWithResult(ctx, d.retry, func() (handshake, error) {
		return d.attempt(ctx, params)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, nil, err
	}

	d.log.Infow("gateway connected",
		"url", params.URL,
		"room_id", hs.accept.RoomID,
		"peer_id", hs.accept.PeerID,
	)
	return newConn(hs.ws, d.log, d.pingInterval), hs.accept, nil
}

// attempt performs one socket dial plus the join exchange.
func (d *Dialer) attempt(ctx context.Context, params odin.DialParams) (handshake, error) {
	var hs handshake

	ws, _, err := d.ws.DialContext(ctx, params.URL, nil)
	if err != nil {
		return hs, fmt.Errorf("dial %s: %w", params.URL, err)
	}

	deadline := time.Now().Add(d.ws.HandshakeTimeout)
	_ = ws.SetReadDeadline(deadline)
	_ = ws.SetWriteDeadline(deadline)

	join, err := signal.NewMessage(signal.TypeJoin, signal.JoinRequest{
		Token:    params.Token,
		UserData: params.UserData,
		Position: params.Position,
	})
	if err != nil {
		ws.Close()
		return hs, err
	}
	if err := ws.WriteJSON(join); err != nil {
		ws.Close()
		return hs, fmt.Errorf("send join: %w", err)
	}

	// A cancelled dial context expires the read deadline so the reply
	// wait ends right away instead of sitting out the handshake timeout.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	var reply signal.Message
	err = ws.ReadJSON(&reply)
	close(watchDone)
	if err != nil {
		ws.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return hs, fmt.Errorf("read join reply: %w", err)
	}

	switch reply.Type {
	case signal.TypeJoinAccept:
		var accept signal.JoinAccept
		if err := reply.Decode(&accept); err != nil {
			ws.Close()
			return hs, err
		}
		_ = ws.SetWriteDeadline(time.Time{})
		return handshake{ws: ws, accept: &accept}, nil

	case signal.TypeJoinReject:
		var reject signal.JoinReject
		if err := reply.Decode(&reject); err != nil {
			ws.Close()
			return hs, err
		}
		ws.Close()
		d.log.Warnw("join rejected", "code", reject.Code, "reason", reject.Message)
		return hs, rejectError(reject)

	default:
		ws.Close()
		return hs, fmt.Errorf("unexpected join reply type %q", reply.Type)
	}
}

// rejectError maps a gateway rejection onto a stable client error
// code. The errJoinRejected sentinel in the chain stops the retry loop.
func rejectError(reject signal.JoinReject) error {
	cause := fmt.Errorf("%w: %s (%s)", errJoinRejected, reject.Message, reject.Code)
	switch reject.Code {
	case signal.RejectAuthFailed:
		return odin.WrapError(cause, odin.ErrCodeAuthFailed, "room token rejected")
	case signal.RejectRoomFull:
		return odin.WrapError(cause, odin.ErrCodeResourceUnavailable, "room full")
	default:
		return odin.WrapError(cause, odin.ErrCodeNetwork, "join rejected")
	}
}
