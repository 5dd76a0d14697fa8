package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/4Players/odin-go/pkg/audio"
	"github.com/4Players/odin-go/pkg/config"
	"github.com/4Players/odin-go/pkg/odin"
	"github.com/4Players/odin-go/pkg/retry"
	wire "github.com/4Players/odin-go/pkg/signal"
	"github.com/4Players/odin-go/pkg/token"
	"github.com/4Players/odin-go/pkg/tracing"
	"github.com/4Players/odin-go/pkg/transport/gateway"
	"github.com/4Players/odin-go/pkg/validation"
)

var (
	joinRoomID   string
	joinUserID   string
	joinToken    string
	joinGateway  string
	joinUserData string
	joinMedia    string
	joinWalk     bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a voice room and log its events",
	Long: `join connects to the configured gateway, stays in the room until
interrupted and logs every room event. With --media it publishes one of
the virtual capture devices; --walk drifts the peer through the
coordinate space to exercise position culling.`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinRoomID, "room", "lobby", "room to join")
	joinCmd.Flags().StringVar(&joinUserID, "user", "", "user identifier placed in the minted token (random when empty)")
	joinCmd.Flags().StringVar(&joinToken, "token", "", "room token (minted from auth.access_key when empty)")
	joinCmd.Flags().StringVar(&joinGateway, "gateway", "", "gateway websocket URL (default gateway.url)")
	joinCmd.Flags().StringVar(&joinUserData, "data", "", "user data announced to other peers")
	joinCmd.Flags().StringVar(&joinMedia, "media", "none", "input to publish: none, silence or tone")
	joinCmd.Flags().BoolVar(&joinWalk, "walk", false, "wander the coordinate space while joined")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	tp, err := tracing.Init(tracingConfig(cfg, "odincli-join"))
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	roomToken, err := resolveToken()
	if err != nil {
		return err
	}

	gatewayURL := joinGateway
	if gatewayURL == "" {
		gatewayURL = cfg.Gateway.URL
	}

	opts := odin.DefaultOptions()
	opts.Gateway = gatewayURL
	opts.Dialer = gateway.NewDialer(gateway.DialerOptions{
		HandshakeTimeout: cfg.Gateway.ConnectTimeout,
		PingInterval:     cfg.Gateway.PingInterval,
		Logger:           log,
	})
	opts.Reconnect = reconnectConfig(cfg)
	opts.ReconnectBufferFrames = cfg.Reconnect.BufferFrames
	opts.MonitorInterval = cfg.Monitor.Interval
	opts.Logger = log
	if cfg.Monitoring.PrometheusEnabled {
		opts.Collector = odin.NewCollector(nil)
	}

	room, err := odin.NewRoom(opts)
	if err != nil {
		return err
	}
	defer room.Leave()

	left := make(chan odin.LeftEvent, 1)
	room.Events().Left.Subscribe(func(ev odin.LeftEvent) { left <- ev })
	logRoomEvents(room)

	if joinUserData != "" {
		room.Self().SetUserData([]byte(joinUserData))
		if err := room.Self().Update(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Monitoring.PrometheusEnabled && cfg.Monitoring.MetricsAddress != "" {
		go serveMetrics(ctx, cfg.Monitoring.MetricsAddress)
	}

	joinCtx, cancel := context.WithTimeout(ctx, cfg.Gateway.ConnectTimeout)
	err = room.Join(joinCtx, roomToken)
	cancel()
	if err != nil {
		return err
	}

	if joinMedia != "none" {
		input, err := openInput(joinMedia)
		if err != nil {
			return err
		}
		defer input.Close()
		if err := room.AddMediaInput(input); err != nil {
			return err
		}
	}

	if joinWalk {
		go walk(ctx, room)
	}

	select {
	case <-ctx.Done():
		log.Infow("interrupted, leaving room")
		room.Leave()
		return nil
	case ev := <-left:
		return ev.Err
	}
}

// resolveToken returns the --token value or mints one from the
// configured access key.
func resolveToken() (string, error) {
	if joinToken != "" {
		return joinToken, nil
	}
	if cfg.Auth.AccessKey == "" {
		return "", errors.New("no room token: pass --token or set auth.access_key")
	}
	if joinUserID == "" {
		joinUserID = "user-" + uuid.NewString()[:8]
	}
	if err := validation.ValidateRoomID(joinRoomID); err != nil {
		return "", err
	}
	if err := validation.ValidateUserID(joinUserID); err != nil {
		return "", err
	}
	gen, err := token.NewGenerator(cfg.Auth.AccessKey, cfg.Auth.TokenTTL)
	if err != nil {
		return "", err
	}
	return gen.RoomToken(joinRoomID, joinUserID)
}

func reconnectConfig(cfg *config.Config) *retry.Config {
	return &retry.Config{
		Enabled:      cfg.Reconnect.Enabled,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Multiplier:   cfg.Reconnect.Multiplier,
		Jitter:       cfg.Reconnect.Jitter,
	}
}

func openInput(kind string) (*odin.InputStream, error) {
	var id string
	switch kind {
	case "silence":
		id = audio.SilenceDeviceID
	case "tone":
		id = audio.ToneDeviceID
	default:
		return nil, fmt.Errorf("unknown media source %q (want none, silence or tone)", kind)
	}

	settings, err := settingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return odin.OpenInputStream(audio.NewNullManager(true), id, settings)
}

// serveMetrics exposes the process metrics registry for scraping while
// the client runs.
func serveMetrics(ctx context.Context, addr string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("metrics listener started", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("metrics listener failed", "address", addr, "error", err)
	}
}

func settingsFromConfig(cfg *config.Config) (audio.Settings, error) {
	level, err := audio.ParseNoiseSuppression(cfg.Audio.NoiseSuppression)
	if err != nil {
		return audio.Settings{}, err
	}
	return audio.Settings{
		VolumeGate: audio.VolumeGateSettings{
			Enabled:         cfg.Audio.VolumeGate.Enabled,
			AttackLoudness:  cfg.Audio.VolumeGate.AttackDB,
			ReleaseLoudness: cfg.Audio.VolumeGate.ReleaseDB,
		},
		VoiceActivity: audio.VoiceActivitySettings{
			Enabled:            cfg.Audio.VoiceActivity.Enabled,
			AttackProbability:  cfg.Audio.VoiceActivity.AttackProbability,
			ReleaseProbability: cfg.Audio.VoiceActivity.ReleaseProbability,
		},
		EchoCanceller:    cfg.Audio.EchoCanceller,
		NoiseSuppression: level,
		GainController:   cfg.Audio.GainController,
	}, nil
}

// walk drifts the peer around the origin. The limiter keeps position
// updates at ten per second no matter how fast the loop spins.
func walk(ctx context.Context, room *odin.Room) {
	limiter := rate.NewLimiter(rate.Limit(10), 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var pos wire.Position
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		pos.X += float32(rng.Float64() - 0.5)
		pos.Y += float32(rng.Float64() - 0.5)
		if err := room.SetPosition(pos); err != nil {
			return
		}
	}
}

func logRoomEvents(r *odin.Room) {
	ev := r.Events()
	ev.Joined.Subscribe(func(e odin.JoinedEvent) {
		log.Infow("joined room", "room_id", e.RoomID, "peer_id", e.PeerID)
	})
	ev.StatusChanged.Subscribe(func(e odin.StatusChangedEvent) {
		log.Infow("status changed", "from", e.Old, "to", e.New)
	})
	ev.PeerJoined.Subscribe(func(e odin.PeerJoinedEvent) {
		log.Infow("peer joined", "peer_id", e.Peer.ID(), "user_id", e.Peer.UserID())
	})
	ev.PeerLeft.Subscribe(func(e odin.PeerLeftEvent) {
		log.Infow("peer left", "peer_id", e.Peer.ID())
	})
	ev.MediaStarted.Subscribe(func(e odin.MediaStartedEvent) {
		log.Infow("media started", "peer_id", e.Peer.ID(), "media_id", e.Media.ID())
	})
	ev.MediaStopped.Subscribe(func(e odin.MediaStoppedEvent) {
		log.Infow("media stopped", "peer_id", e.Peer.ID(), "media_id", e.MediaID)
	})
	ev.MediaActivity.Subscribe(func(e odin.MediaActivityEvent) {
		log.Infow("media activity", "peer_id", e.PeerID, "media_id", e.MediaID, "active", e.Active)
	})
	ev.Message.Subscribe(func(e odin.MessageReceivedEvent) {
		log.Infow("message", "sender_id", e.SenderID, "data", string(e.Data))
	})
	ev.PeerUserData.Subscribe(func(e odin.PeerUserDataChangedEvent) {
		log.Infow("peer data changed", "peer_id", e.Peer.ID(), "bytes", len(e.UserData))
	})
	ev.RoomUserData.Subscribe(func(e odin.RoomUserDataChangedEvent) {
		log.Infow("room data changed", "bytes", len(e.RoomData))
	})
	ev.Stats.Subscribe(func(e odin.ConnectionStatsEvent) {
		log.Debugw("connection stats",
			"rtt_ms", e.Stats.RTT.Milliseconds(),
			"sent", e.Stats.PacketsSent,
			"received", e.Stats.PacketsReceived,
			"tx_bytes_s", e.Stats.TxBytesLastSecond,
			"rx_bytes_s", e.Stats.RxBytesLastSecond,
			"loss_pct", fmt.Sprintf("%.1f", e.Stats.LossPercent),
			"room_peers", e.Stats.ServerPeerCount,
		)
	})
}
