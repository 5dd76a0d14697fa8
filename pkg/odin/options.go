package odin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/4Players/odin-go/pkg/event"
	"github.com/4Players/odin-go/pkg/retry"
	"github.com/4Players/odin-go/pkg/signal"
)

// TokenProvider supplies a fresh room token for reconnect attempts, so
// a long-lived session can outlast its original token.
type TokenProvider func(ctx context.Context) (string, error)

const (
	DefaultMonitorInterval       = time.Second
	DefaultReconnectBufferFrames = 50
)

// DefaultReconnectConfig is the standard reconnect policy: five
// attempts with exponential backoff from one second up to thirty.
func DefaultReconnectConfig() *retry.Config {
	return &retry.Config{
		Enabled:      true,
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Options configure a Room. Dialer and Gateway are required; every
// other field has a workable zero value or default.
type Options struct {
	// Gateway is the websocket URL of the voice gateway.
	Gateway string

	// Dialer opens gateway connections.
	Dialer Dialer

	// TokenProvider, when set, is asked for a fresh token before each
	// reconnect attempt. The original join token is reused otherwise.
	TokenProvider TokenProvider

	// Position seeds the peer position sent with the join.
	Position *signal.Position

	// Reconnect is the policy applied after a connection loss. Nil
	// selects DefaultReconnectConfig; Enabled false goes straight to
	// StatusLeft on connection loss.
	Reconnect *retry.Config

	// ReconnectBufferFrames bounds the outbound media frames held
	// while reconnecting; the oldest frame is dropped on overflow.
	// Zero drops all frames during a reconnect. DefaultOptions sets
	// DefaultReconnectBufferFrames.
	ReconnectBufferFrames int

	// MonitorInterval is the connection stats sampling period.
	MonitorInterval time.Duration

	// DispatchTarget routes event callbacks; nil invokes them inline
	// on the emitting goroutine.
	DispatchTarget event.Target

	Logger *zap.SugaredLogger

	// Collector receives room metrics; nil disables collection.
	Collector *Collector
}

// DefaultOptions returns Options with the standard gateway wiring
// still missing: set Gateway and Dialer before use.
func DefaultOptions() Options {
	return Options{
		Reconnect:             DefaultReconnectConfig(),
		ReconnectBufferFrames: DefaultReconnectBufferFrames,
		MonitorInterval:       DefaultMonitorInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.Reconnect == nil {
		o.Reconnect = DefaultReconnectConfig()
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

func (o Options) validate() error {
	if o.Dialer == nil {
		return newInvalidStateError("options: dialer is required")
	}
	if o.Gateway == "" {
		return newInvalidStateError("options: gateway url is required")
	}
	return nil
}
