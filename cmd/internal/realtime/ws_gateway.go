package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "tether/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "tether.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsDisconnectTimeout   = 5 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig carries websocket transport settings.
type GatewayConfig struct {
	// DevInsecure disables origin verification inside websocket.Accept. Dev only.
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: an Origin header is required
// and only localhost is allowed.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// WSGateway is the WebSocket entrypoint for branch sync.
//
// It enforces origin policy, rate limits and heartbeats, decodes frames and
// routes client messages to the Controller. Outbound traffic flows through
// the Hub.
type WSGateway struct {
	log        *slog.Logger
	hub        *Hub
	controller *Controller
	cfg        GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Zero config values fall back to defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, controller *Controller, cfg GatewayConfig) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if controller == nil {
		return nil, errors.New("realtime: nil controller")
	}

	def := DefaultGatewayConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = def.RateEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}

	return &WSGateway{
		log:        log,
		hub:        hub,
		controller: controller,
		cfg:        cfg,

		// websocket.Accept enforces its own origin policy (same-host, or
		// OriginPatterns for cross-origin). Deriving the patterns from the
		// allowlist keeps both layers in agreement.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewServerConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "server error")
		return
	}

	client := NewClient(connID, g.cfg.SendQueueSize)
	g.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.log.Info("ws.open", "connection_id", connID, "subprotocol", conn.Subprotocol(), "remote", r.RemoteAddr)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed by the hub (server shutdown or a full queue), or by shutdown itself.
				shutdown(websocket.StatusGoingAway, "closed by server")
				return
			case f := <-client.Send:
				if err := writeFrame(ctx, conn, f, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readMessage(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		now := time.Now().UTC()
		if d := rl.Allow(now); !d.Allowed {
			if err := g.controller.RateLimitExceeded(ctx, connID, d.RetryAfter.Milliseconds(), d.TotalHits, now.UnixMilli()); err != nil {
				g.log.Info("ws.rate_limit.fail", "connection_id", connID, "err", err)
			}
			continue readLoop
		}

		var f v1.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			g.sendError(ctx, connID, v1.NoRequestID, v1.ErrCodeBadMessage, "invalid frame")
			continue readLoop
		}
		if err := f.Validate(); err != nil || f.Event != v1.EventMessage {
			g.sendError(ctx, connID, f.RequestID, v1.ErrCodeBadMessage, "invalid frame")
			continue readLoop
		}

		msg, err := v1.DecodeClientMessage(f.Message)
		if err != nil {
			code := v1.ErrCodeBadMessage
			if errors.Is(err, v1.ErrUnknownType) {
				code = v1.ErrCodeUnsupported
			}
			g.sendError(ctx, connID, f.RequestID, code, err.Error())
			continue readLoop
		}

		if err := g.dispatch(ctx, connID, msg, now); err != nil {
			code := ErrorCode(err)
			text := err.Error()
			if code == v1.ErrCodeServerError {
				g.log.Error("ws.dispatch.fail", "connection_id", connID, "type", msg.MessageType(), "err", err)
				text = "internal error"
			}
			if errors.Is(err, ErrConnectionNotFound) {
				// Written synchronously so the frame precedes the close.
				_ = writeFrame(ctx, conn, v1.NewErrorFrame(f.RequestID, code, text), g.cfg.WriteTimeout)
				shutdown(websocket.StatusPolicyViolation, "not logged in")
				break readLoop
			}
			g.sendError(ctx, connID, f.RequestID, code, text)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(r.Context()), wsDisconnectTimeout)
	defer dcancel()
	if err := g.controller.Disconnect(dctx, connID); err != nil {
		g.log.Error("ws.disconnect.fail", "connection_id", connID, "err", err)
	}
	g.log.Info("ws.close", "connection_id", connID)
}

func (g *WSGateway) dispatch(ctx context.Context, id string, msg v1.ClientMessage, receivedAt time.Time) error {
	switch m := msg.(type) {
	case *v1.Login:
		_, err := g.controller.Login(ctx, id, *m)
		return err
	case *v1.WatchBranch:
		return g.controller.WatchBranch(ctx, id, *m)
	case *v1.UnwatchBranch:
		return g.controller.UnwatchBranch(ctx, id, *m)
	case *v1.AddUpdates:
		return g.controller.AddUpdates(ctx, id, *m)
	case *v1.GetUpdates:
		return g.controller.GetUpdates(ctx, id, *m)
	case *v1.SendAction:
		return g.controller.SendAction(ctx, id, *m)
	case *v1.WatchBranchDevices:
		return g.controller.WatchBranchDevices(ctx, id, *m)
	case *v1.UnwatchBranchDevices:
		return g.controller.UnwatchBranchDevices(ctx, id, *m)
	case *v1.ConnectionCount:
		return g.controller.DeviceCount(ctx, id, *m)
	case *v1.SyncTime:
		return g.controller.SyncTime(ctx, id, *m, receivedAt)
	default:
		return fmt.Errorf("%w: %s", v1.ErrUnknownType, msg.MessageType())
	}
}

func (g *WSGateway) sendError(ctx context.Context, id string, requestID int64, code, text string) {
	if err := g.hub.SendEvent(ctx, id, v1.NewErrorFrame(requestID, code, text)); err != nil {
		g.log.Info("ws.error_frame.drop", "connection_id", id, "code", code, "err", err)
	}
}

// ---- frame IO ----

func readMessage(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f v1.Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
