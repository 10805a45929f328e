// Package main provides a CI-friendly WebSocket smoke test for marketchat.
//
// It validates:
//   - authenticated handshake + subprotocol selection
//   - conversation creation over the REST API
//   - join acknowledgment for both participants
//   - send -> queued ack, then persisted fan-out to the other participant
//   - typing and seen notifications
//   - online status lookup
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"marketchat/cmd/security/token"
	v1 "marketchat/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP base URL for the REST API")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		issuer  = flag.String("iss", "", "JWT issuer claim")
		buyer   = flag.String("buyer", "smoke-buyer", "User ID of the buying participant")
		seller  = flag.String("seller", "smoke-seller", "Seller ID of the selling participant")
		text    = flag.String("text", "is this still available?", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	secret, err := token.SecretFromEnv(token.MinSecretBytes)
	if err != nil {
		fatalf("%s: %v", token.SecretEnvKey, err)
	}
	iss := token.NewIssuer(secret, *issuer, 15*time.Minute)

	root := context.Background()

	a := mustConnect(root, "A", *buyer, "user", iss, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *seller, "seller", iss, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connID, b.connID, *origin)
	}

	convID := mustCreateConversation(root, *apiURL, a, *seller, *timeout)
	if *verbose {
		fmt.Printf("conversation: %s\n", convID)
	}

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	eventID := mustSendAndAssertQueued(root, a, convID, *text, *timeout)
	msg := mustAssertChatMessage(root, b, convID, *buyer, *text, *timeout)

	mustTyping(root, b, a, convID, *timeout)
	mustMarkSeen(root, b, a, convID, *timeout)
	mustCheckOnline(root, a, *seller, *timeout)

	fmt.Printf("OK: A=%s B=%s conversation=%s event=%s message=%s seq=%d\n", a.connID, b.connID, convID, eventID, msg.ID, msg.Seq)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, participantType string, iss *token.Issuer, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	tok, err := iss.Issue(userID, participantType, time.Now())
	if err != nil {
		fatalf("issue token %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		token:  tok,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout, nil)

	var p v1.ConnectedPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal connected payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("connected missing connectionId (%s)", name)
	}
	if p.UserID != userID || p.ParticipantType != participantType {
		fatalf("connected identity mismatch (%s): got=%s/%s want=%s/%s", name, p.ParticipantType, p.UserID, participantType, userID)
	}
	c.connID = p.ConnectionID
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if env.V != v1.Version || strings.TrimSpace(env.Type) == "" {
				c.fail(fmt.Errorf("bad envelope: v=%q type=%q", env.V, env.Type))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustCreateConversation(parent context.Context, apiURL string, c *smokeClient, sellerID string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body := mustJSON(map[string]string{"targetId": sellerID, "targetType": "seller"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		fatalf("create conversation: status=%d", resp.StatusCode)
	}

	var out struct {
		Data struct {
			Conversation struct {
				ID string `json:"id"`
			} `json:"conversation"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode create response: %v", err)
	}
	if strings.TrimSpace(out.Data.Conversation.ID) == "" {
		fatalf("create response missing conversation id")
	}
	return out.Data.Conversation.ID
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: convID}, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeConversationJoined, stepTimeout, nil)

	var p v1.ConversationPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSendAndAssertQueued(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) string {
	c.mustWrite(parent, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: convID, Content: text}, stepTimeout)

	skip := map[string]struct{}{v1.TypeChatMessage: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout, skip)

	var p v1.MessageSentPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_sent payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.Status != v1.StatusQueued {
		fatalf("ack status (%s): got=%q want=%q", c.name, p.Status, v1.StatusQueued)
	}
	if strings.TrimSpace(p.EventID) == "" {
		fatalf("ack missing eventId (%s)", c.name)
	}
	return p.EventID
}

func mustAssertChatMessage(parent context.Context, c *smokeClient, convID, senderID, text string, stepTimeout time.Duration) v1.ChatMessagePayload {
	env := c.mustReadUntilType(parent, v1.TypeChatMessage, stepTimeout, nil)

	var p v1.ChatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal chat_message payload (%s): %v", c.name, err)
	}
	switch {
	case p.ConversationID != convID:
		fatalf("chat_message conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	case p.SenderID != senderID:
		fatalf("chat_message sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	case p.Content != text:
		fatalf("chat_message content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	case strings.TrimSpace(p.ID) == "" || p.Seq <= 0:
		fatalf("chat_message missing id/seq (%s): id=%q seq=%d", c.name, p.ID, p.Seq)
	case p.CreatedAt.IsZero():
		fatalf("chat_message createdAt missing/zero (%s)", c.name)
	}
	return p
}

func mustTyping(parent context.Context, from, to *smokeClient, convID string, stepTimeout time.Duration) {
	from.mustWrite(parent, v1.TypeTyping, v1.TypingPayload{ConversationID: convID, IsTyping: true}, stepTimeout)

	skip := map[string]struct{}{v1.TypeChatMessage: {}}
	env := to.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout, skip)

	var p v1.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_typing payload (%s): %v", to.name, err)
	}
	if p.UserID != from.userID || !p.IsTyping {
		fatalf("user_typing mismatch (%s): %+v", to.name, p)
	}
}

func mustMarkSeen(parent context.Context, from, to *smokeClient, convID string, stepTimeout time.Duration) {
	from.mustWrite(parent, v1.TypeMarkAsSeen, v1.ConversationPayload{ConversationID: convID}, stepTimeout)

	env := to.mustReadUntilType(parent, v1.TypeMessagesSeen, stepTimeout, nil)

	var p v1.MessagesSeenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal messages_seen payload (%s): %v", to.name, err)
	}
	if p.ConversationID != convID || p.UserID != from.userID {
		fatalf("messages_seen mismatch (%s): %+v", to.name, p)
	}
}

func mustCheckOnline(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypeCheckOnline, v1.CheckOnlinePayload{UserID: userID}, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessagesSeen: {}, v1.TypeUserTyping: {}}
	env := c.mustReadUntilType(parent, v1.TypeOnlineStatus, stepTimeout, skip)

	var p v1.OnlineStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal online_status payload (%s): %v", c.name, err)
	}
	if p.UserID != userID || !p.Online {
		fatalf("online_status mismatch (%s): %+v", c.name, p)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
