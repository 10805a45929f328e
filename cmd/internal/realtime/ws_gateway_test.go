package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/ingest"
	"marketchat/cmd/internal/presence"
	"marketchat/cmd/internal/telemetry"
	"marketchat/cmd/internal/unseen"
	"marketchat/cmd/security/token"
	v1 "marketchat/contracts/chat/v1"
)

var wsSecret = []byte(strings.Repeat("s", token.MinSecretBytes))

type recordingEnqueuer struct {
	mu     sync.Mutex
	drafts []ingest.Draft
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, d ingest.Draft) (ingest.Queued, error) {
	if err := ingest.Validate(d); err != nil {
		return ingest.Queued{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drafts = append(e.drafts, d)
	return ingest.Queued{
		ConversationID: d.ConversationID,
		EventID:        "ev-1",
		Status:         ingest.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (e *recordingEnqueuer) all() []ingest.Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ingest.Draft(nil), e.drafts...)
}

type wsHarness struct {
	gw       *WSGateway
	ts       *httptest.Server
	presence *presence.MemoryStore
	unseen   *unseen.MemoryStore
	ingest   *recordingEnqueuer
	issuer   *token.Issuer
}

func newWSHarness(t *testing.T, mutate func(*Config)) *wsHarness {
	t.Helper()

	verifier, err := token.NewHMACVerifier(wsSecret, "", 0)
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}
	h := &wsHarness{
		presence: presence.NewMemoryStore(presence.DefaultTTL, nil),
		unseen:   unseen.NewMemoryStore(),
		ingest:   &recordingEnqueuer{},
		issuer:   token.NewIssuer(wsSecret, "", time.Hour),
	}

	cfg := DefaultConfig()
	cfg.OriginRequired = false
	if mutate != nil {
		mutate(&cfg)
	}

	h.gw, err = NewWSGateway(Deps{
		Verifier: verifier,
		Presence: h.presence,
		Unseen:   h.unseen,
		Ingest:   h.ingest,
		Metrics:  telemetry.NewMetrics(),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", h.gw)
	h.ts = httptest.NewServer(mux)
	t.Cleanup(h.ts.Close)
	return h
}

func (h *wsHarness) token(t *testing.T, subject, kind string) string {
	t.Helper()
	tok, err := h.issuer.Issue(subject, kind, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func dialWS(t *testing.T, baseHTTPURL, origin, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	if bearer != "" {
		hdr.Set("Authorization", "Bearer "+bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
}

// connect dials with a token for subject and consumes the connected frame.
func (h *wsHarness) connect(t *testing.T, subject, kind string) (*websocket.Conn, v1.ConnectedPayload) {
	t.Helper()
	conn, resp, err := dialWS(t, h.ts.URL, "", h.token(t, subject, kind))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	env := readEnvelopeWS(t, conn)
	if env.Type != v1.TypeConnected {
		t.Fatalf("first frame type=%q want %q", env.Type, v1.TypeConnected)
	}
	var p v1.ConnectedPayload
	decodeWS(t, env, &p)
	return conn, p
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		env.Payload = b
	}
	writeRawWS(t, conn, env)
}

func writeRawWS(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, ok := v.([]byte)
	if !ok {
		var err error
		if b, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func expectType(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	env := readEnvelopeWS(t, conn)
	if env.Type != typ {
		t.Fatalf("frame type=%q want %q (payload=%s)", env.Type, typ, env.Payload)
	}
	return env
}

func expectError(t *testing.T, conn *websocket.Conn, code string) v1.Envelope {
	t.Helper()
	env := expectType(t, conn, v1.TypeError)
	var p v1.ErrorPayload
	decodeWS(t, env, &p)
	if p.Code != code {
		t.Fatalf("error code=%q want %q (message=%q)", p.Code, code, p.Message)
	}
	return env
}

func decodeWS(t *testing.T, env v1.Envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

func join(t *testing.T, conn *websocket.Conn, convID string) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeJoinConversation, "join-"+convID, v1.ConversationPayload{ConversationID: convID})
	env := expectType(t, conn, v1.TypeConversationJoined)
	if env.ReplyTo != "join-"+convID {
		t.Fatalf("replyTo=%q", env.ReplyTo)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestWSGateway_InvalidTokenGetsErrorFrameThenClose(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)

	for name, bearer := range map[string]string{"missing": "", "garbage": "not-a-token"} {
		conn, resp, err := dialWS(t, h.ts.URL, "", bearer)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("%s: dial: %v", name, err)
		}

		expectError(t, conn, v1.CodeUnauthenticated)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err = conn.Read(ctx)
		cancel()
		if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
			t.Fatalf("%s: close status=%v want policy violation (err=%v)", name, got, err)
		}
	}
}

func TestWSGateway_ExpiredTokenRejected(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)

	old, err := token.NewIssuer(wsSecret, "", time.Minute).Issue("u-1", "user", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conn, resp, err := dialWS(t, h.ts.URL, "", old)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	env := expectError(t, conn, v1.CodeUnauthenticated)
	var p v1.ErrorPayload
	decodeWS(t, env, &p)
	if p.Message != "token expired" {
		t.Fatalf("message=%q", p.Message)
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, func(c *Config) {
		c.OriginRequired = true
		c.AllowedOrigins = []string{"https://shop.example.com"}
	})
	tok := h.token(t, "u-1", "user")

	for _, origin := range []string{"", "https://evil.example.com"} {
		_, resp, err := dialWS(t, h.ts.URL, origin, tok)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("origin %q: expected handshake failure", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got resp=%v err=%v", origin, resp, err)
		}
	}

	conn, resp, err := dialWS(t, h.ts.URL, "https://shop.example.com", tok)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	expectType(t, conn, v1.TypeConnected)
}

func TestWSGateway_ConnectTracksPresence(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)
	ctx := context.Background()

	conn, p := h.connect(t, "seller-1", "seller")
	if p.UserID != "seller-1" || p.ParticipantType != "seller" || p.ConnectionID == "" {
		t.Fatalf("unexpected connected payload: %+v", p)
	}

	online, err := h.presence.IsOnline(ctx, "seller-1")
	if err != nil || !online {
		t.Fatalf("IsOnline=%v err=%v want true", online, err)
	}

	writeEnvelopeWS(t, conn, v1.TypeHeartbeat, "hb-1", nil)
	if env := expectType(t, conn, v1.TypeHeartbeatAck); env.ReplyTo != "hb-1" {
		t.Fatalf("heartbeat_ack replyTo=%q", env.ReplyTo)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	eventually(t, func() bool {
		online, err := h.presence.IsOnline(ctx, "seller-1")
		return err == nil && !online
	})
}

func TestWSGateway_SendMessageUsesAuthenticatedSender(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)
	conn, _ := h.connect(t, "u-42", "user")

	// Sender fields in the payload are not part of the contract and must be ignored.
	writeRawWS(t, conn, []byte(`{"v":"v1","type":"send_message","id":"s-1","payload":{"conversationId":"c1","content":"hi","senderId":"spoofed","senderType":"seller"}}`))

	env := expectType(t, conn, v1.TypeMessageSent)
	if env.ReplyTo != "s-1" {
		t.Fatalf("replyTo=%q", env.ReplyTo)
	}
	var ack v1.MessageSentPayload
	decodeWS(t, env, &ack)
	if ack.Status != v1.StatusQueued || ack.ConversationID != "c1" || ack.EventID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	drafts := h.ingest.all()
	if len(drafts) != 1 {
		t.Fatalf("drafts=%d want 1", len(drafts))
	}
	if drafts[0].Sender != chat.User("u-42") {
		t.Fatalf("sender=%v want user:u-42", drafts[0].Sender)
	}
}

func TestWSGateway_SendMessageValidation(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)
	conn, _ := h.connect(t, "u-1", "user")

	writeEnvelopeWS(t, conn, v1.TypeSendMessage, "s-empty", v1.SendMessagePayload{ConversationID: "c1"})
	if env := expectError(t, conn, v1.CodeValidation); env.ReplyTo != "s-empty" {
		t.Fatalf("error replyTo=%q", env.ReplyTo)
	}

	writeEnvelopeWS(t, conn, v1.TypeSendMessage, "s-att", v1.SendMessagePayload{
		ConversationID: "c1",
		Attachments:    []v1.Attachment{{URL: "https://cdn.example.com/a.png", Type: "image"}},
	})
	expectType(t, conn, v1.TypeMessageSent)

	if n := len(h.ingest.all()); n != 1 {
		t.Fatalf("drafts=%d want 1", n)
	}
}

func TestWSGateway_ProtocolErrors(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)
	conn, _ := h.connect(t, "u-1", "user")

	writeRawWS(t, conn, []byte(`{not json`))
	expectError(t, conn, v1.CodeBadJSON)

	writeRawWS(t, conn, v1.Envelope{V: "v0", Type: v1.TypeHeartbeat})
	expectError(t, conn, v1.CodeBadEnvelope)

	writeRawWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeChatMessage})
	expectError(t, conn, v1.CodeBadEnvelope)

	writeEnvelopeWS(t, conn, v1.TypeJoinConversation, "j", nil)
	expectError(t, conn, v1.CodeValidation)

	// The connection survives all of the above.
	writeEnvelopeWS(t, conn, v1.TypeHeartbeat, "hb", nil)
	expectType(t, conn, v1.TypeHeartbeatAck)
}

func TestWSGateway_BroadcastReachesRoomMembersOnly(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)

	buyer, _ := h.connect(t, "u-1", "user")
	seller, _ := h.connect(t, "s-1", "seller")
	outsider, _ := h.connect(t, "u-2", "user")
	join(t, buyer, "c1")
	join(t, seller, "c1")
	join(t, outsider, "c2")

	msg := chat.Message{
		ID: "m1", ConversationID: "c1", Seq: 1,
		SenderID: "u-1", SenderType: chat.KindUser,
		Content:   "Hello",
		CreatedAt: time.Now().UTC(),
	}
	if err := h.gw.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for _, c := range []*websocket.Conn{buyer, seller} {
		env := expectType(t, c, v1.TypeChatMessage)
		var p v1.ChatMessagePayload
		decodeWS(t, env, &p)
		if p.ID != "m1" || p.Content != "Hello" || p.SenderType != "user" || p.SenderID != "u-1" {
			t.Fatalf("unexpected chat_message: %+v", p)
		}
	}

	// The outsider's next frame is its own heartbeat ack, not the broadcast.
	writeEnvelopeWS(t, outsider, v1.TypeHeartbeat, "hb", nil)
	expectType(t, outsider, v1.TypeHeartbeatAck)

	// After leaving, the buyer no longer receives room traffic.
	writeEnvelopeWS(t, buyer, v1.TypeLeaveConversation, "l", v1.ConversationPayload{ConversationID: "c1"})
	expectType(t, buyer, v1.TypeConversationLeft)
	if err := h.gw.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	expectType(t, seller, v1.TypeChatMessage)
	writeEnvelopeWS(t, buyer, v1.TypeHeartbeat, "hb", nil)
	expectType(t, buyer, v1.TypeHeartbeatAck)
}

func TestWSGateway_TypingExcludesSender(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)

	a, _ := h.connect(t, "u-1", "user")
	b, _ := h.connect(t, "s-1", "seller")
	join(t, a, "c1")
	join(t, b, "c1")

	writeEnvelopeWS(t, a, v1.TypeTyping, "t", v1.TypingPayload{ConversationID: "c1", IsTyping: true})

	env := expectType(t, b, v1.TypeUserTyping)
	var p v1.UserTypingPayload
	decodeWS(t, env, &p)
	if p.UserID != "u-1" || p.ParticipantType != "user" || !p.IsTyping {
		t.Fatalf("unexpected user_typing: %+v", p)
	}

	writeEnvelopeWS(t, a, v1.TypeHeartbeat, "hb", nil)
	expectType(t, a, v1.TypeHeartbeatAck)
}

func TestWSGateway_MarkAsSeenClearsAndNotifiesRoom(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)
	ctx := context.Background()

	buyer, _ := h.connect(t, "u-1", "user")
	seller, _ := h.connect(t, "s-1", "seller")
	join(t, buyer, "c1")
	join(t, seller, "c1")

	sellerKey := chat.Seller("s-1").String()
	if _, err := h.unseen.Increment(ctx, sellerKey, "c1"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	writeEnvelopeWS(t, seller, v1.TypeMarkAsSeen, "seen", v1.ConversationPayload{ConversationID: "c1"})

	for _, c := range []*websocket.Conn{seller, buyer} {
		env := expectType(t, c, v1.TypeMessagesSeen)
		var p v1.MessagesSeenPayload
		decodeWS(t, env, &p)
		if p.UserID != "s-1" || p.ParticipantType != "seller" || p.ConversationID != "c1" || p.SeenAt.IsZero() {
			t.Fatalf("unexpected messages_seen: %+v", p)
		}
	}

	n, err := h.unseen.Get(ctx, sellerKey, "c1")
	if err != nil || n != 0 {
		t.Fatalf("unseen=%d err=%v want 0", n, err)
	}
}

func TestWSGateway_MarkAsSeenOutsideRoomStillAcknowledged(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)
	conn, _ := h.connect(t, "u-1", "user")

	writeEnvelopeWS(t, conn, v1.TypeMarkAsSeen, "seen", v1.ConversationPayload{ConversationID: "c9"})
	expectType(t, conn, v1.TypeMessagesSeen)
}

func TestWSGateway_CheckOnline(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, nil)

	a, _ := h.connect(t, "u-1", "user")
	_, _ = h.connect(t, "s-1", "seller")

	for _, tc := range []struct {
		userID string
		want   bool
	}{{"s-1", true}, {"s-404", false}} {
		writeEnvelopeWS(t, a, v1.TypeCheckOnline, "co", v1.CheckOnlinePayload{UserID: tc.userID})
		env := expectType(t, a, v1.TypeOnlineStatus)
		var p v1.OnlineStatusPayload
		decodeWS(t, env, &p)
		if p.UserID != tc.userID || p.Online != tc.want {
			t.Fatalf("online_status=%+v want online=%v", p, tc.want)
		}
	}

	writeEnvelopeWS(t, a, v1.TypeCheckOnline, "co", v1.CheckOnlinePayload{})
	expectError(t, a, v1.CodeValidation)
}

func TestWSGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, func(c *Config) {
		c.RateEvents = 2
		c.RateWindow = time.Minute
	})
	conn, _ := h.connect(t, "u-1", "user")

	for i := 0; i < 2; i++ {
		writeEnvelopeWS(t, conn, v1.TypeHeartbeat, "hb", nil)
		expectType(t, conn, v1.TypeHeartbeatAck)
	}
	writeEnvelopeWS(t, conn, v1.TypeHeartbeat, "hb", nil)
	expectError(t, conn, v1.CodeRateLimited)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected the connection to close")
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.StatusPolicyViolation {
		t.Fatalf("close code=%v want policy violation", ce.Code)
	}
}

func TestNewWSGateway_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := NewWSGateway(Deps{}, DefaultConfig()); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
