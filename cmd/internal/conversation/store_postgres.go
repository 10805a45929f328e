package conversation

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketchat/cmd/identity/ids"
	"marketchat/cmd/internal/chat"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - Direct conversation creation is serialized per participant pair with a
//     transactional advisory lock.
//   - Message appends are serialized per conversation the same way, which
//     keeps seq gap-free and created_at non-decreasing.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "marketchat").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("conversation: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("conversation: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "marketchat"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("conversation: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema objects if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("conversation: ensure schema: %w", err)
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

func (s *PostgresStore) CreateDirect(ctx context.Context, a, b chat.ParticipantRef, now time.Time) (chat.Conversation, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "direct:"+pairKey(a, b)); err != nil {
		return chat.Conversation{}, false, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := s.findDirect(ctx, tx, a, b)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return chat.Conversation{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return chat.Conversation{}, false, err
	}

	now = now.UTC()
	conv := chat.Conversation{ID: ids.MustNew(now), CreatedAt: now}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, is_group, created_at) VALUES ($1, false, $2)`,
		conv.ID, now,
	); err != nil {
		return chat.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	for i, ref := range []chat.ParticipantRef{a, b} {
		pid := ids.MustNew(now)
		userID, sellerID := refColumns(ref)
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("participants")+` (id, conversation_id, position, user_id, seller_id)
			 VALUES ($1, $2, $3, $4, $5)`,
			pid, conv.ID, i, userID, sellerID,
		); err != nil {
			return chat.Conversation{}, false, fmt.Errorf("insert participant: %w", err)
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, pid)
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *PostgresStore) FindDirect(ctx context.Context, a, b chat.ParticipantRef) (chat.Conversation, error) {
	return s.findDirect(ctx, s.pool, a, b)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// findDirect intersects a's participant rows with b's.
func (s *PostgresStore) findDirect(ctx context.Context, q querier, a, b chat.ParticipantRef) (chat.Conversation, error) {
	aUser, aSeller := refColumns(a)
	bUser, bSeller := refColumns(b)

	var id string
	err := q.QueryRow(ctx,
		`SELECT c.id
		   FROM `+s.table("conversations")+` c
		   JOIN `+s.table("participants")+` pa ON pa.conversation_id = c.id
		   JOIN `+s.table("participants")+` pb ON pb.conversation_id = c.id AND pb.id <> pa.id
		  WHERE c.is_group = false
		    AND pa.user_id IS NOT DISTINCT FROM $1 AND pa.seller_id IS NOT DISTINCT FROM $2
		    AND pb.user_id IS NOT DISTINCT FROM $3 AND pb.seller_id IS NOT DISTINCT FROM $4
		  ORDER BY c.created_at ASC
		  LIMIT 1`,
		aUser, aSeller, bUser, bSeller,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	return s.get(ctx, q, id)
}

func (s *PostgresStore) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	return s.get(ctx, s.pool, conversationID)
}

func (s *PostgresStore) get(ctx context.Context, q querier, conversationID string) (chat.Conversation, error) {
	var c chat.Conversation
	err := q.QueryRow(ctx,
		`SELECT c.id, c.is_group, c.created_at,
		        COALESCE(array_agg(p.id ORDER BY p.position) FILTER (WHERE p.id IS NOT NULL), '{}')
		   FROM `+s.table("conversations")+` c
		   LEFT JOIN `+s.table("participants")+` p ON p.conversation_id = c.id
		  WHERE c.id = $1
		  GROUP BY c.id`,
		conversationID,
	).Scan(&c.ID, &c.IsGroup, &c.CreatedAt, &c.ParticipantIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

const participantColumns = `id, conversation_id, user_id, seller_id, last_seen_at, unread_count`

func (s *PostgresStore) Participants(ctx context.Context, conversationID string) ([]chat.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+`
		   FROM `+s.table("participants")+`
		  WHERE conversation_id = $1
		  ORDER BY position ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, scanParticipant)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) FindParticipant(ctx context.Context, conversationID string, ref chat.ParticipantRef) (chat.Participant, error) {
	userID, sellerID := refColumns(ref)
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+`
		   FROM `+s.table("participants")+`
		  WHERE conversation_id = $1
		    AND user_id IS NOT DISTINCT FROM $2 AND seller_id IS NOT DISTINCT FROM $3`,
		conversationID, userID, sellerID,
	)
	if err != nil {
		return chat.Participant{}, err
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanParticipant)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Participant{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) ListForParticipant(ctx context.Context, ref chat.ParticipantRef) ([]chat.Conversation, error) {
	userID, sellerID := refColumns(ref)
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.is_group, c.created_at,
		        array_agg(p.id ORDER BY p.position)
		   FROM `+s.table("conversations")+` c
		   JOIN `+s.table("participants")+` p ON p.conversation_id = c.id
		  WHERE c.id IN (
		        SELECT conversation_id FROM `+s.table("participants")+`
		         WHERE user_id IS NOT DISTINCT FROM $1 AND seller_id IS NOT DISTINCT FROM $2)
		  GROUP BY c.id
		  ORDER BY c.id`,
		userID, sellerID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Conversation, error) {
		var c chat.Conversation
		if err := row.Scan(&c.ID, &c.IsGroup, &c.CreatedAt, &c.ParticipantIDs); err != nil {
			return chat.Conversation{}, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		return c, nil
	})
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := s.readMessageByEventID(ctx, tx, in.ConversationID, in.EventID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Message: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	if _, err := s.get(ctx, tx, in.ConversationID); err != nil {
		return AppendMessageResult{}, err
	}
	userID, sellerID := refColumns(in.Sender)
	var member bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM `+s.table("participants")+`
		    WHERE conversation_id = $1
		      AND user_id IS NOT DISTINCT FROM $2 AND seller_id IS NOT DISTINCT FROM $3)`,
		in.ConversationID, userID, sellerID,
	).Scan(&member); err != nil {
		return AppendMessageResult{}, err
	}
	if !member {
		return AppendMessageResult{}, ErrNotParticipant
	}

	cursors := s.table("conversation_cursors")
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var (
		seq    int64
		lastAt *time.Time
	)
	if err := tx.QueryRow(ctx,
		`SELECT next_seq, last_created_at FROM `+cursors+` WHERE conversation_id = $1`,
		in.ConversationID,
	).Scan(&seq, &lastAt); err != nil {
		return AppendMessageResult{}, err
	}
	var last time.Time
	if lastAt != nil {
		last = lastAt.UTC()
	}
	at := clampCreatedAt(in.CreatedAt, last)

	if _, err := tx.Exec(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        last_created_at = $2,
		        updated_at = now()
		  WHERE conversation_id = $1`,
		in.ConversationID, at,
	); err != nil {
		return AppendMessageResult{}, err
	}

	attachments := in.Attachments
	if attachments == nil {
		attachments = []chat.Attachment{}
	}
	rawAttachments, err := json.Marshal(attachments)
	if err != nil {
		return AppendMessageResult{}, err
	}

	msg := chat.Message{
		ID:             ids.MustNew(at),
		ConversationID: in.ConversationID,
		Seq:            seq,
		EventID:        in.EventID,
		SenderID:       in.Sender.ID,
		SenderType:     in.Sender.Kind,
		Content:        in.Content,
		Attachments:    attachments,
		CreatedAt:      at,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     conversation_id, seq, id, event_id, sender_id, sender_type, content, attachments, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`,
		msg.ConversationID, msg.Seq, msg.ID, msg.EventID, msg.SenderID, string(msg.SenderType),
		msg.Content, string(rawAttachments), msg.CreatedAt,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Message: msg}, nil
}

const messageColumns = `conversation_id, seq, id, event_id, sender_id, sender_type, content, attachments::text, created_at`

func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	if _, err := s.Get(ctx, in.ConversationID); err != nil {
		return MessagePage{}, err
	}
	limit := clampMessageLimit(in.Limit)
	fetch := limit + 1
	messages := s.table("messages")

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case in.AfterSeq != nil:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.ConversationID, *in.AfterSeq, fetch,
		)
	case in.BeforeSeq != nil:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1 AND seq < $2
			  ORDER BY seq DESC
			  LIMIT $3`,
			in.ConversationID, *in.BeforeSeq, fetch,
		)
	default:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq DESC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	}
	if err != nil {
		return MessagePage{}, err
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return MessagePage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if in.AfterSeq == nil {
		slices.Reverse(msgs)
	}
	return MessagePage{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) LastMessage(ctx context.Context, conversationID string) (chat.Message, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		  ORDER BY seq DESC
		  LIMIT 1`,
		conversationID,
	)
	if err != nil {
		return chat.Message{}, false, err
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, err
	}
	return m, true, nil
}

func (s *PostgresStore) MarkSeen(ctx context.Context, conversationID string, ref chat.ParticipantRef, at time.Time) (chat.Participant, error) {
	userID, sellerID := refColumns(ref)
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.table("participants")+`
		    SET last_seen_at = $4, unread_count = 0
		  WHERE conversation_id = $1
		    AND user_id IS NOT DISTINCT FROM $2 AND seller_id IS NOT DISTINCT FROM $3
		RETURNING `+participantColumns,
		conversationID, userID, sellerID, at.UTC(),
	)
	if err != nil {
		return chat.Participant{}, err
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanParticipant)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Participant{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) readMessageByEventID(ctx context.Context, tx pgx.Tx, conversationID, eventID string) (chat.Message, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+`
		  WHERE conversation_id = $1 AND event_id = $2`,
		conversationID, eventID,
	)
	if err != nil {
		return chat.Message{}, err
	}
	return pgx.CollectExactlyOneRow(rows, scanMessage)
}

func scanMessage(row pgx.CollectableRow) (chat.Message, error) {
	var (
		m          chat.Message
		senderType string
		rawAtt     string
	)
	if err := row.Scan(&m.ConversationID, &m.Seq, &m.ID, &m.EventID, &m.SenderID, &senderType, &m.Content, &rawAtt, &m.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	m.SenderType = chat.Kind(senderType)
	m.CreatedAt = m.CreatedAt.UTC()
	m.Attachments = []chat.Attachment{}
	if rawAtt != "" {
		if err := json.Unmarshal([]byte(rawAtt), &m.Attachments); err != nil {
			return chat.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return m, nil
}

func scanParticipant(row pgx.CollectableRow) (chat.Participant, error) {
	var (
		p                chat.Participant
		userID, sellerID *string
		lastSeen         *time.Time
	)
	if err := row.Scan(&p.ID, &p.ConversationID, &userID, &sellerID, &lastSeen, &p.UnreadCount); err != nil {
		return chat.Participant{}, err
	}
	switch {
	case userID != nil:
		p.Ref = chat.User(*userID)
	case sellerID != nil:
		p.Ref = chat.Seller(*sellerID)
	}
	if lastSeen != nil {
		t := lastSeen.UTC()
		p.LastSeenAt = &t
	}
	return p, nil
}

// refColumns maps the tagged union onto the user_id/seller_id column pair.
func refColumns(ref chat.ParticipantRef) (userID, sellerID *string) {
	id := ref.ID
	if ref.Kind == chat.KindSeller {
		return nil, &id
	}
	return &id, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
