package conversation

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/security/token"
)

const defaultMaxBodyBytes = 64 << 10

// Handler exposes Service over HTTP under /api.
type Handler struct {
	svc      *Service
	verifier token.Verifier
	log      *slog.Logger
	maxBody  int64
	now      func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, verifier token.Verifier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, verifier: verifier, log: log, maxBody: defaultMaxBodyBytes, now: time.Now}
}

// Register wires the conversation routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/conversations", h.authed(h.handleCreate))
	mux.HandleFunc("GET /api/conversations", h.authed(h.handleList))
	mux.HandleFunc("GET /api/conversations/{id}", h.authed(h.handleGet))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.authed(h.handleMessages))
	mux.HandleFunc("POST /api/conversations/{id}/seen", h.authed(h.handleSeen))
	mux.HandleFunc("GET /api/presence/{userId}", h.authed(h.handlePresence))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, caller chat.ParticipantRef)

func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := token.FromRequest(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, string(chat.KindUnauthenticated), "missing bearer token")
			return
		}
		id, err := h.verifier.Verify(raw, h.now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, string(chat.KindUnauthenticated), "invalid or expired token")
			return
		}
		next(w, r, id.Ref())
	}
}

type createRequest struct {
	TargetID       string          `json:"targetId"`
	TargetType     string          `json:"targetType"`
	InitialMessage *InitialMessage `json:"initialMessage,omitempty"`
}

type createResponse struct {
	Conversation View   `json:"conversation"`
	Created      bool   `json:"created"`
	MessageEvent string `json:"messageEventId,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, caller chat.ParticipantRef) {
	var req createRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	kind, err := chat.ParseKind(req.TargetType)
	if err != nil {
		writeFailure(w, chat.Validation("targetType must be user or seller"))
		return
	}

	res, err := h.svc.CreateConversation(r.Context(), CreateInput{
		Initiator:      caller,
		Target:         chat.ParticipantRef{Kind: kind, ID: strings.TrimSpace(req.TargetID)},
		InitialMessage: req.InitialMessage,
	})
	if err != nil {
		h.logFailure(r.Context(), "api.conversation.create.fail", err)
		writeFailure(w, err)
		return
	}

	out := createResponse{Conversation: res.Conversation, Created: res.Created}
	if res.Queued != nil {
		out.MessageEvent = res.Queued.EventID
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeData(w, status, out)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, caller chat.ParticipantRef) {
	page, ok1 := queryInt(r, "page")
	limit, ok2 := queryInt(r, "limit")
	if !ok1 || !ok2 {
		writeFailure(w, chat.Validation("page and limit must be positive integers"))
		return
	}
	res, err := h.svc.GetConversations(r.Context(), ListInput{Caller: caller, Page: page, Limit: limit})
	if err != nil {
		h.logFailure(r.Context(), "api.conversation.list.fail", err)
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, caller chat.ParticipantRef) {
	v, err := h.svc.GetConversation(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.logFailure(r.Context(), "api.conversation.get.fail", err)
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request, caller chat.ParticipantRef) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeFailure(w, chat.Validation("limit must be a positive integer"))
		return
	}
	var before *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeFailure(w, chat.Validation("before must be a positive sequence number"))
			return
		}
		before = &n
	}

	res, err := h.svc.GetMessages(r.Context(), MessagesInput{
		Caller:         caller,
		ConversationID: r.PathValue("id"),
		Before:         before,
		Limit:          limit,
	})
	if err != nil {
		h.logFailure(r.Context(), "api.conversation.messages.fail", err)
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) handleSeen(w http.ResponseWriter, r *http.Request, caller chat.ParticipantRef) {
	res, err := h.svc.MarkConversationSeen(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.logFailure(r.Context(), "api.conversation.seen.fail", err)
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

type presenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request, _ chat.ParticipantRef) {
	userID := r.PathValue("userId")
	online, err := h.svc.CheckOnline(r.Context(), userID)
	if err != nil {
		h.logFailure(r.Context(), "api.presence.fail", err)
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, presenceResponse{UserID: userID, Online: online})
}

// logFailure logs internal failures only; expected failures are not system errors.
func (h *Handler) logFailure(ctx context.Context, event string, err error) {
	if chat.KindOf(err) == chat.KindInternal {
		h.log.ErrorContext(ctx, event, "err", err)
	}
}

// queryInt returns 0 for an absent parameter.
func queryInt(r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
