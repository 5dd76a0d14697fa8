// Package devgateway implements an in-memory voice gateway speaking
// the same wire protocol as the hosted service: WebSocket transport,
// JSON control messages and RTP-framed media. It backs `odincli serve`,
// examples and integration tests; it keeps no state across restarts.
package devgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/4Players/odin-go/pkg/cache"
	"github.com/4Players/odin-go/pkg/logger"
	"github.com/4Players/odin-go/pkg/signal"
	"github.com/4Players/odin-go/pkg/token"
	"github.com/4Players/odin-go/pkg/validation"
)

const (
	defaultPingInterval  = 20 * time.Second
	defaultStatsInterval = 5 * time.Second
	handshakeTimeout     = 10 * time.Second
	writeWait            = 10 * time.Second
	maxMessageSize       = 1 << 20

	claimsCacheTTL = time.Minute
)

// Options configures a dev gateway.
type Options struct {
	// AccessKey verifies room tokens. Required.
	AccessKey string

	// MaxPeersPerRoom rejects joins beyond the cap. 0 means unlimited.
	MaxPeersPerRoom int

	// PositionCutoff is the culling distance for positioned peers in
	// the client's scaled coordinate space. <= 0 disables culling.
	PositionCutoff float64

	PingInterval  time.Duration
	StatsInterval time.Duration

	// RateLimitRPS caps HTTP requests per client IP. <= 0 disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	Logger *zap.SugaredLogger
}

// Server is a dev gateway instance. Create with New, serve via
// ListenAndServe or mount Handler on any http server.
type Server struct {
	opts     Options
	log      *zap.SugaredLogger
	verifier *token.Verifier
	claims   *cache.Cache[*token.Claims]
	registry *prometheus.Registry
	metrics  *collector
	router   *gin.Engine
	upgrader websocket.Upgrader
	start    time.Time

	pingInterval  time.Duration
	statsInterval time.Duration
	pongWait      time.Duration

	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[*session]struct{}
	closed   bool
}

// New builds a server. It does not listen yet.
func New(opts Options) (*Server, error) {
	if err := validation.ValidateAccessKey(opts.AccessKey); err != nil {
		return nil, fmt.Errorf("access key: %w", err)
	}
	verifier, err := token.NewVerifier(opts.AccessKey)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop().Sugar()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		opts:     opts,
		log:      log,
		verifier: verifier,
		claims:   cache.New[*token.Claims](claimsCacheTTL),
		registry: registry,
		metrics:  newCollector(registry),
		start:    time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		pingInterval:  opts.PingInterval,
		statsInterval: opts.StatsInterval,
		pongWait:      3 * opts.PingInterval,
		rooms:         make(map[string]*room),
		sessions:      make(map[*session]struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracingMiddleware())
	router.Use(rateLimitMiddleware(opts.RateLimitRPS, opts.RateLimitBurst))

	router.GET("/ws", s.handleWS)
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	s.router = router

	return s, nil
}

// Handler exposes the gateway's HTTP surface.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// sessions and shuts the listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Infow("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}

// Close terminates every session and stops background work. The server
// refuses new joins afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.close()
	}
	s.claims.Stop()
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	roomCount := len(s.rooms)
	peerCount := len(s.sessions)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(s.start).String(),
		"rooms":  roomCount,
		"peers":  peerCount,
	})
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Errorw("websocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}
	s.serveConn(c.Request.Context(), ws, c.ClientIP())
}

// serveConn drives one connection: join handshake, session loop, leave
// cleanup. It returns when the connection is done.
func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn, remote string) {
	defer ws.Close()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	join, err := readJoin(ws)
	if err != nil {
		s.log.Warnw("join handshake failed", "remote", remote, "error", err)
		return
	}

	claims, err := s.authorize(ctx, join.Token)
	if err != nil {
		s.reject(ws, signal.RejectAuthFailed, "invalid room token")
		s.log.Infow("join rejected", "remote", remote, "error", err)
		return
	}
	if err := validation.ValidateUserData(join.UserData); err != nil {
		s.reject(ws, "bad_request", err.Error())
		return
	}

	sess, rm, err := s.admit(ws, join, claims)
	if err != nil {
		if errors.Is(err, errRoomFull) {
			s.reject(ws, signal.RejectRoomFull, "room is full")
		}
		return
	}

	s.metrics.recordJoin()
	s.log.Infow("peer joined",
		"room_id", rm.id,
		"peer_id", sess.peerID,
		"user_id", sess.userID,
		"remote", remote,
	)

	ws.SetReadDeadline(time.Now().Add(s.pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})
	// Echo ping payloads so clients can derive RTT from our pong.
	ws.SetPingHandler(func(payload string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})

	sess.run()
	sess.close()

	s.removeSession(sess)
	recipients, empty := rm.leave(sess.peerID)
	sess.fanout(recipients, signal.TypePeerLeft, signal.PeerLeftPayload{PeerID: sess.peerID})
	if empty {
		s.dropRoomIfEmpty(rm)
	}

	s.metrics.recordLeave(time.Since(sess.joined))
	s.log.Infow("peer left", "room_id", rm.id, "peer_id", sess.peerID)
}

// admit places a fresh session into the peer's room, retrying when the
// room got dropped between lookup and join.
func (s *Server) admit(ws *websocket.Conn, join *signal.JoinRequest, claims *token.Claims) (*session, *room, error) {
	for {
		rm, err := s.roomFor(claims.RoomID)
		if err != nil {
			return nil, nil, err
		}
		sess := newSession(s, ws, rm, claims.UserID)
		_, others, err := rm.join(sess, join.UserData, join.Position, s.opts.MaxPeersPerRoom)
		if errors.Is(err, errRoomDropped) {
			continue
		}
		if err != nil {
			s.dropRoomIfEmpty(rm)
			return nil, nil, err
		}

		if !s.addSession(sess) {
			rm.leave(sess.peerID)
			s.dropRoomIfEmpty(rm)
			return nil, nil, errors.New("server closed")
		}

		snap := signal.PeerSnapshot{
			PeerID:   sess.peerID,
			UserID:   claims.UserID,
			UserData: join.UserData,
		}
		sess.fanout(others, signal.TypePeerJoined, signal.PeerJoinedPayload{Peer: snap})
		return sess, rm, nil
	}
}

// authorize verifies a room token, memoizing the claims so reconnect
// dials skip the signature check. Expiry is still enforced on hits.
func (s *Server) authorize(ctx context.Context, tokenString string) (*token.Claims, error) {
	claims, err := s.claims.GetOrSet(ctx, tokenString, claimsCacheTTL, func(context.Context) (*token.Claims, error) {
		claims, err := s.verifier.Verify(tokenString)
		if err != nil {
			return nil, err
		}
		if err := validation.ValidateRoomID(claims.RoomID); err != nil {
			return nil, err
		}
		if err := validation.ValidateUserID(claims.UserID); err != nil {
			return nil, err
		}
		return claims, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, token.ErrExpiredToken
	}
	return claims, nil
}

func (s *Server) reject(ws *websocket.Conn, code, message string) {
	s.metrics.recordReject(code)
	msg, err := signal.NewMessage(signal.TypeJoinReject, signal.JoinReject{Code: code, Message: message})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteJSON(msg)
}

func readJoin(ws *websocket.Conn) (*signal.JoinRequest, error) {
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, errors.New("expected a text join message")
	}
	msg, err := signal.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != signal.TypeJoin {
		return nil, fmt.Errorf("expected %s, got %s", signal.TypeJoin, msg.Type)
	}
	var join signal.JoinRequest
	if err := msg.Decode(&join); err != nil {
		return nil, err
	}
	return &join, nil
}

func (s *Server) roomFor(id string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("server closed")
	}
	rm, exists := s.rooms[id]
	if !exists {
		rm = newRoom(id)
		s.rooms[id] = rm
		s.metrics.recordRoomOpened()
		s.log.Infow("room opened", "room_id", id)
	}
	return rm, nil
}

// dropRoomIfEmpty removes a room that lost its last peer. Holding both
// locks (server then room) makes the drop atomic against joins.
func (s *Server) dropRoomIfEmpty(rm *room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.rooms[rm.id]
	if !exists || current != rm {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.peers) > 0 {
		return
	}
	rm.dropped = true
	delete(s.rooms, rm.id)
	s.metrics.recordRoomClosed()
	s.log.Infow("room closed", "room_id", rm.id)
}

func (s *Server) addSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}
