// Package gateway owns the WebSocket edge: HTTP upgrade, per-connection
// read/write pumps with keepalive, and graceful drain on shutdown. Protocol
// behavior lives in the session controller; the gateway only moves frames.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftcall/server/internal/v1/config"
	"github.com/driftcall/server/internal/v1/logging"
	"github.com/driftcall/server/internal/v1/match"
	"github.com/driftcall/server/internal/v1/metrics"
	"github.com/driftcall/server/internal/v1/protocol"
	"github.com/driftcall/server/internal/v1/ratelimit"
	"github.com/driftcall/server/internal/v1/router"
	"github.com/driftcall/server/internal/v1/session"
	"github.com/driftcall/server/internal/v1/types"
)

// liveConn couples a transport handle with its controller for the shutdown
// fan-out.
type liveConn struct {
	conn *Conn
	ctrl *session.Controller
}

// Gateway accepts signaling WebSocket connections and runs their pumps.
type Gateway struct {
	matcher    *match.Matcher
	router     *router.Router
	limiter    *ratelimit.RateLimiter
	origins    []string
	iceServers []protocol.ICEServer

	mu     sync.Mutex
	conns  map[types.ClientIdType]*liveConn
	closed bool
}

// New wires the gateway with its dependencies. Allowed origins and the ICE
// server descriptors come straight from validated configuration.
func New(cfg *config.Config, matcher *match.Matcher, rt *router.Router, limiter *ratelimit.RateLimiter) *Gateway {
	return &Gateway{
		matcher:    matcher,
		router:     rt,
		limiter:    limiter,
		origins:    cfg.CORSOrigins,
		iceServers: iceServersFromConfig(cfg),
		conns:      make(map[types.ClientIdType]*liveConn),
	}
}

// iceServersFromConfig renders the ICE descriptors clients receive on
// connect. STUN is always present; TURN only when configured.
func iceServersFromConfig(cfg *config.Config) []protocol.ICEServer {
	servers := []protocol.ICEServer{{URLs: cfg.STUNURLs}}
	if len(cfg.TURNURLs) > 0 {
		servers = append(servers, protocol.ICEServer{
			URLs:       cfg.TURNURLs,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	return servers
}

// ServeWs upgrades an HTTP request to the signaling WebSocket. Connections
// are anonymous: identity is a fresh UUID per connection, no token needed.
func (g *Gateway) ServeWs(c *gin.Context) {
	if !g.limiter.CheckWebSocket(c) {
		return // response already written
	}

	if err := validateOrigin(c.Request, g.origins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	if g.isClosed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, g.origins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	g.HandleConnection(ws)
}

// HandleConnection registers an established WebSocket and starts its pumps.
// Split from ServeWs so tests can drive it with fake connections.
func (g *Gateway) HandleConnection(ws wsConnection) {
	id := types.ClientIdType(uuid.NewString())
	conn := newConn(id, ws)
	ctrl := session.NewController(id, conn, g.matcher, g.router)

	g.router.Register(ctrl)
	g.track(id, conn, ctrl)
	metrics.IncConnection()

	ctx := logging.WithConn(context.Background(), string(id))
	logging.Info(ctx, "client connected")

	// The client needs ICE servers before it can build a peer connection;
	// hand them over before anything else is queued.
	ctrl.Send(protocol.MustMessage(protocol.EventICEServers,
		protocol.ICEServersPayload{ICEServers: g.iceServers}))

	go conn.writePump()
	go g.readPump(ctx, conn, ctrl)
}

// readPump relays inbound frames into the controller until the connection
// dies, then runs the disconnect transition exactly once.
func (g *Gateway) readPump(ctx context.Context, conn *Conn, ctrl *session.Controller) {
	defer func() {
		ctrl.OnDisconnect(ctx)
		g.router.Unregister(ctrl.ID())
		g.untrack(ctrl.ID())
		conn.Close()
		_ = conn.ws.Close()
		metrics.DecConnection()
		logging.Info(ctx, "client disconnected")
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(ctx, "connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			logging.Warn(ctx, "dropping malformed frame", zap.Error(err))
			ctrl.Send(protocol.MustMessage(protocol.EventError,
				protocol.ErrorPayload{Message: "malformed frame"}))
			continue
		}
		ctrl.HandleMessage(ctx, msg)
	}
}

func (g *Gateway) track(id types.ClientIdType, conn *Conn, ctrl *session.Controller) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[id] = &liveConn{conn: conn, ctrl: ctrl}
}

func (g *Gateway) untrack(id types.ClientIdType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, id)
}

// Len reports the number of live connections.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Shutdown stops accepting connections, runs every session's disconnect
// transition (paired partners learn via partner-disconnected, rooms close),
// and waits for the write pumps to drain. When ctx expires first the
// remaining sockets are closed hard.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	snapshot := make([]*liveConn, 0, len(g.conns))
	for _, lc := range g.conns {
		snapshot = append(snapshot, lc)
	}
	g.mu.Unlock()

	logging.Info(ctx, "gateway draining", zap.Int("connections", len(snapshot)))

	var eg errgroup.Group
	eg.SetLimit(64)
	for _, lc := range snapshot {
		eg.Go(func() error {
			lc.ctrl.OnDisconnect(ctx)
			lc.conn.Close()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("gateway shutdown fan-out: %w", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, lc := range snapshot {
				_ = lc.conn.ws.Close()
			}
			return ctx.Err()
		case <-ticker.C:
			if g.Len() == 0 {
				logging.Info(ctx, "gateway drained")
				return nil
			}
		}
	}
}

// validateOrigin rejects browser requests from origins outside the allow
// list, comparing scheme and host. Requests without an Origin header
// (non-browser clients) are allowed.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}
