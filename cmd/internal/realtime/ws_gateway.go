// Package realtime is the websocket gateway: it authenticates connections,
// manages conversation rooms, turns client intents into store reads or
// event-log publications, and fans persisted messages out to room members.
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
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/ingest"
	"marketchat/cmd/internal/presence"
	"marketchat/cmd/internal/telemetry"
	"marketchat/cmd/internal/unseen"
	"marketchat/cmd/security/token"
	v1 "marketchat/contracts/chat/v1"
)

const (
	wsCloseGrace     = 1 * time.Second
	wsCleanupTimeout = 3 * time.Second

	wsMaxPingFailures = 3
)

var tracer = telemetry.Tracer("realtime")

// Config holds the transport policy of the gateway.
type Config struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allow-list; "*" allows any origin.
	AllowedOrigins []string
	// InsecureSkipVerify disables the websocket library's own origin check. Dev only.
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns secure defaults: an Origin is required and only
// localhost is allowed.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      defaultWriteTimeout,
		ReadIdleTimeout:   defaultReadIdle,
		SendQueueSize:     defaultSendQueue,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < minSendQueue {
		c.SendQueueSize = minSendQueue
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// Deps are the collaborators of the gateway. Hub, Metrics, Log and Now are optional.
type Deps struct {
	Verifier token.Verifier
	Presence presence.Store
	Unseen   unseen.Store
	Ingest   ingest.Enqueuer
	Hub      *Hub
	Metrics  *telemetry.Metrics
	Log      *slog.Logger
	Now      func() time.Time
}

// WSGateway is the websocket entry point.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	verifier token.Verifier
	presence presence.Store
	unseen   unseen.Store
	ingest   ingest.Enqueuer
	metrics  *telemetry.Metrics
	now      func() time.Time

	cfg Config
	// Derived for websocket.Accept, which only authorizes cross-origin
	// handshakes whose host matches one of these patterns.
	originPatterns []string
}

// NewWSGateway validates d and constructs a gateway.
func NewWSGateway(d Deps, cfg Config) (*WSGateway, error) {
	switch {
	case d.Verifier == nil:
		return nil, errors.New("realtime: nil token verifier")
	case d.Presence == nil:
		return nil, errors.New("realtime: nil presence store")
	case d.Unseen == nil:
		return nil, errors.New("realtime: nil unseen store")
	case d.Ingest == nil:
		return nil, errors.New("realtime: nil ingest queue")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Hub == nil {
		d.Hub = NewHub(d.Log)
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            d.Log,
		hub:            d.Hub,
		verifier:       d.Verifier,
		presence:       d.Presence,
		unseen:         d.Unseen,
		ingest:         d.Ingest,
		metrics:        d.Metrics,
		now:            d.Now,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// Hub exposes the room registry.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP lets the gateway be mounted as an http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// Broadcast delivers a persisted message as chat_message to every connection
// in its room. Slow connections miss the frame rather than stall the room.
func (g *WSGateway) Broadcast(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(chatMessagePayload(msg))
	if err != nil {
		return fmt.Errorf("realtime: encode chat_message: %w", err)
	}
	env := newEnvelope(v1.TypeChatMessage, "", payload, g.now().UTC())

	dropped := g.hub.Broadcast(msg.ConversationID, env, "")
	for range dropped {
		g.metrics.BroadcastDropped()
	}
	if dropped > 0 {
		g.log.Warn("ws.broadcast.dropped", "conversation_id", msg.ConversationID, "message_id", msg.ID, "dropped", dropped)
	}
	return nil
}

// HandleWS upgrades the request, authenticates it and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Authentication happens once, at connect. A failure is reported on the
	// socket and the connection is terminated.
	now := g.now().UTC()
	ident, err := g.verifier.Verify(token.FromRequest(r), now)
	if err != nil {
		g.metrics.Intent("connect", telemetry.OutcomeRejected)
		g.log.Info("ws.auth.fail", "remote", r.RemoteAddr, "err", err)
		p, _ := json.Marshal(v1.ErrorPayload{Code: v1.CodeUnauthenticated, Message: authMessage(err)})
		_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, "", p, now), g.cfg.WriteTimeout)
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthenticated")
		return
	}

	connID, err := NewConnectionID(now)
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(connID, ident, g.cfg.SendQueueSize)
	s := &session{g: g, client: client, rooms: make(map[string]struct{})}

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()
	g.metrics.Intent("connect", telemetry.OutcomeOK)

	if err := g.presence.MarkOnline(ctx, ident.UserID, connID); err != nil {
		g.log.Warn("ws.presence.online.fail", "conn_id", connID, "user_id", ident.UserID, "err", err)
	}
	g.log.Info("ws.connect", "conn_id", connID, "user_id", ident.UserID, "participant_type", ident.Kind.String())

	var closeOnce sync.Once
	// shutdown is idempotent. Rooms are left before client.Close so no
	// broadcaster holds a member that is being torn down.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.leaveAll()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(r.Context()), wsCleanupTimeout)
		defer ccancel()
		if err := g.presence.MarkOffline(cctx, ident.UserID, connID); err != nil {
			g.log.Warn("ws.presence.offline.fail", "conn_id", connID, "user_id", ident.UserID, "err", err)
		}
		g.log.Info("ws.disconnect", "conn_id", connID, "user_id", ident.UserID)
	}()

	connected, _ := json.Marshal(v1.ConnectedPayload{
		ConnectionID:    connID,
		UserID:          ident.UserID,
		ParticipantType: ident.Kind.String(),
	})
	client.offer(newEnvelope(v1.TypeConnected, "", connected, now))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
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
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
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

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
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
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(g.now()) {
			// Written directly: the writer goroutine stops on shutdown and
			// could drop a queued frame.
			p, _ := json.Marshal(v1.ErrorPayload{Code: v1.CodeRateLimited, Message: "too many events"})
			_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, "", p, g.now().UTC()), g.cfg.WriteTimeout)
			g.metrics.Intent("rate_limit", telemetry.OutcomeRejected)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError("", v1.CodeBadJSON, "invalid JSON")
			continue
		}
		if err := env.Validate(); err != nil {
			s.sendError(env.ID, v1.CodeBadEnvelope, err.Error())
			continue
		}

		s.dispatch(ctx, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, token.ErrMissingToken):
		return "missing token"
	case errors.Is(err, token.ErrExpiredToken):
		return "token expired"
	default:
		return "invalid token"
	}
}

// ---- envelope IO ----

func newEnvelope(typ, replyTo string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		ReplyTo: replyTo,
		TS:      ts,
		Payload: payload,
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
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
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
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
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns maps the allow-list to host patterns for
// websocket.Accept so both origin checks agree. "*" is passed through.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			seen["*"] = struct{}{}
			continue
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func spanAttrs(c *Client, env v1.Envelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("conn_id", c.ConnID),
		attribute.String("intent", env.Type),
		attribute.String("envelope_id", env.ID),
	}
}
