package chat

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"courier/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Chat identity is arbitrated by the unique dedup_key constraint.
//   - Appends lock the chat row (SELECT ... FOR UPDATE) and allocate seq from chats.next_seq,
//     so sequences are gap-free and strictly monotonic per chat.
//   - Batch appends lock rows in id order to avoid deadlocks between concurrent broadcasts.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	t      tables
}

type tables struct {
	chats        string
	participants string
	admins       string
	messages     string
	reads        string
	attachments  string
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	st.t = tables{
		chats:        pgIdent(st.schema, "chats"),
		participants: pgIdent(st.schema, "chat_participants"),
		admins:       pgIdent(st.schema, "chat_admins"),
		messages:     pgIdent(st.schema, "chat_messages"),
		reads:        pgIdent(st.schema, "chat_message_reads"),
		attachments:  pgIdent(st.schema, "chat_message_attachments"),
	}
	return st, nil
}

// ApplySchema creates the chat tables in schema if they do not exist.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	if !isValidPGIdent(schema) {
		return errors.New("chat: invalid schema identifier")
	}
	sql := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize())
	if _, err := pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) headerSelect() string {
	return `SELECT c.id, c.local_id, c.type, c.name, c.description, c.status, c.dedup_key,
	               c.created_at, c.updated_at,
	               COALESCE((SELECT array_agg(p.user_id ORDER BY p.user_id)
	                           FROM ` + s.t.participants + ` p WHERE p.chat_id = c.id), '{}'),
	               COALESCE((SELECT array_agg(a.user_id ORDER BY a.user_id)
	                           FROM ` + s.t.admins + ` a WHERE a.chat_id = c.id), '{}')
	          FROM ` + s.t.chats + ` c `
}

func scanChat(row pgx.Row) (Chat, error) {
	var (
		c                    Chat
		typ, status          string
		participants, admins []string
	)
	if err := row.Scan(
		&c.ID, &c.LocalID, &typ, &c.Name, &c.Description, &status, &c.DedupKey,
		&c.CreatedAt, &c.UpdatedAt, &participants, &admins,
	); err != nil {
		return Chat{}, err
	}
	c.Type = ChatType(typ)
	c.Status = ChatStatus(status)
	c.Participants = participants
	c.Admins = admins
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) queryChat(ctx context.Context, q querier, where string, args ...any) (Chat, error) {
	c, err := scanChat(q.QueryRow(ctx, s.headerSelect()+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) queryChats(ctx context.Context, q querier, where string, args ...any) ([]Chat, error) {
	rows, err := q.Query(ctx, s.headerSelect()+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindByKey returns the chat owning a dedup key.
func (s *PostgresStore) FindByKey(ctx context.Context, key string) (Chat, error) {
	return s.queryChat(ctx, s.pool, `WHERE c.dedup_key = $1`, key)
}

// FindByLocalID returns the chat of type t created with a client-generated id.
func (s *PostgresStore) FindByLocalID(ctx context.Context, t ChatType, localID string) (Chat, error) {
	if localID == "" {
		return Chat{}, ErrNotFound
	}
	return s.queryChat(ctx, s.pool,
		`WHERE c.type = $1 AND c.local_id = $2 ORDER BY c.created_at, c.id LIMIT 1`,
		string(t), localID,
	)
}

// FindBroadcastByAdmins returns the oldest broadcast chat sharing at least one admin.
func (s *PostgresStore) FindBroadcastByAdmins(ctx context.Context, admins []string) (Chat, error) {
	if len(admins) == 0 {
		return Chat{}, ErrNotFound
	}
	return s.queryChat(ctx, s.pool,
		`WHERE c.type = 'broadcast'
		   AND EXISTS (SELECT 1 FROM `+s.t.admins+` a WHERE a.chat_id = c.id AND a.user_id = ANY($1))
		 ORDER BY c.created_at, c.id LIMIT 1`,
		admins,
	)
}

// Get returns a chat header.
func (s *PostgresStore) Get(ctx context.Context, chatID string) (Chat, error) {
	return s.queryChat(ctx, s.pool, `WHERE c.id = $1`, chatID)
}

// Insert stores a new chat. It returns ErrConflict if the dedup key is taken.
func (s *PostgresStore) Insert(ctx context.Context, c Chat) (Chat, error) {
	out, inserted, err := s.insert(ctx, c, false)
	if err != nil {
		return Chat{}, err
	}
	if !inserted {
		return Chat{}, ErrConflict
	}
	return out, nil
}

// Upsert returns the chat owning c.DedupKey, inserting c if there is none.
func (s *PostgresStore) Upsert(ctx context.Context, c Chat) (Chat, bool, error) {
	return s.insert(ctx, c, true)
}

func (s *PostgresStore) insert(ctx context.Context, c Chat, getExisting bool) (Chat, bool, error) {
	if c.DedupKey == "" {
		return Chat{}, false, errors.New("chat: missing dedup key")
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, false, err
	}

	now := time.Now().UTC()
	if c.ID == "" {
		id, err := ids.New(now)
		if err != nil {
			return Chat{}, false, err
		}
		c.ID = id
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = ChatCreated
	}
	c.Participants = normalizeIDs(c.Participants)
	c.Admins = normalizeIDs(c.Admins)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Chat{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// ON CONFLICT waits for a concurrent inserter of the same key, so the follow-up read
	// observes the committed winner.
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+s.t.chats+` (id, local_id, type, name, description, status, dedup_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (dedup_key) DO NOTHING`,
		c.ID, c.LocalID, string(c.Type), c.Name, c.Description, string(c.Status), c.DedupKey, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Chat{}, false, mapPGError(err)
	}

	if tag.RowsAffected() == 0 {
		if !getExisting {
			return Chat{}, false, nil
		}
		existing, err := s.queryChat(ctx, tx, `WHERE c.dedup_key = $1`, c.DedupKey)
		if err != nil {
			return Chat{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Chat{}, false, err
		}
		return existing, false, nil
	}

	if err := s.addMembers(ctx, tx, s.t.participants, c.ID, c.Participants); err != nil {
		return Chat{}, false, err
	}
	if err := s.addMembers(ctx, tx, s.t.admins, c.ID, c.Admins); err != nil {
		return Chat{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Chat{}, false, err
	}
	c.Messages = nil
	return c, true, nil
}

func (s *PostgresStore) addMembers(ctx context.Context, q querier, table, chatID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx,
		`INSERT INTO `+table+` (chat_id, user_id)
		 SELECT $1, u FROM unnest($2::text[]) AS u
		 ON CONFLICT DO NOTHING`,
		chatID, userIDs,
	)
	return err
}

// ListForUser returns the user's chats, most recently updated first, each with its latest
// preview messages.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string, preview int) ([]Chat, error) {
	chats, err := s.queryChats(ctx, s.pool,
		`WHERE EXISTS (SELECT 1 FROM `+s.t.participants+` p WHERE p.chat_id = c.id AND p.user_id = $1)
		 ORDER BY c.updated_at DESC, c.id`,
		userID,
	)
	if err != nil || preview <= 0 || len(chats) == 0 {
		return chats, err
	}

	chatIDs := make([]string, len(chats))
	for i, c := range chats {
		chatIDs[i] = c.ID
	}
	msgs, err := s.queryMessages(ctx, s.pool,
		`FROM (SELECT *, row_number() OVER (PARTITION BY chat_id ORDER BY seq DESC) AS rn
		         FROM `+s.t.messages+` WHERE chat_id = ANY($1)) m
		 WHERE m.rn <= $2
		 ORDER BY m.chat_id, m.seq`,
		chatIDs, preview,
	)
	if err != nil {
		return nil, err
	}

	byChat := make(map[string][]Message, len(chats))
	for _, m := range msgs {
		byChat[m.ChatID] = append(byChat[m.ChatID], m)
	}
	for i := range chats {
		chats[i].Messages = byChat[chats[i].ID]
	}
	return chats, nil
}

// UpdateChat applies a metadata edit. Renaming a group moves its dedup key and reports
// ErrConflict if another group already owns the new name.
func (s *PostgresStore) UpdateChat(ctx context.Context, chatID string, in UpdateChatInput) (Chat, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Chat{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var typ string
	if err := tx.QueryRow(ctx,
		`SELECT type FROM `+s.t.chats+` WHERE id = $1 FOR UPDATE`, chatID,
	).Scan(&typ); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, err
	}

	if in.Name != nil {
		sql := `UPDATE ` + s.t.chats + ` SET name = $2 WHERE id = $1`
		args := []any{chatID, *in.Name}
		if ChatType(typ) == TypeGroup {
			sql = `UPDATE ` + s.t.chats + ` SET name = $2, dedup_key = $3 WHERE id = $1`
			args = append(args, DedupKey(TypeGroup, *in.Name, nil, nil))
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return Chat{}, mapPGError(err)
		}
	}
	if in.Description != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE `+s.t.chats+` SET description = $2 WHERE id = $1`, chatID, *in.Description,
		); err != nil {
			return Chat{}, err
		}
	}
	if err := s.addMembers(ctx, tx, s.t.participants, chatID, normalizeIDs(in.AddParticipants)); err != nil {
		return Chat{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t.chats+` SET updated_at = $2 WHERE id = $1`, chatID, nowOr(in.Now),
	); err != nil {
		return Chat{}, err
	}

	out, err := s.queryChat(ctx, tx, `WHERE c.id = $1`, chatID)
	if err != nil {
		return Chat{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Chat{}, err
	}
	return out, nil
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ChatID == "" || in.Message.ID == "" {
		return AppendMessageResult{}, errors.New("chat: invalid append input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	m := in.Message
	m.ChatID = in.ChatID
	m.Timestamp = nowOr(m.Timestamp).UTC().Truncate(time.Microsecond)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writes per chat: no seq waste for duplicates, strict ordering.
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM `+s.t.chats+` WHERE id = $1 FOR UPDATE`, in.ChatID,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("lock chat: %w", err)
	}

	if m.LocalID != "" {
		existing, err := s.queryMessages(ctx, tx,
			`FROM `+s.t.messages+` m WHERE m.chat_id = $1 AND m.local_id = $2`,
			in.ChatID, m.LocalID,
		)
		if err != nil {
			return AppendMessageResult{}, err
		}
		if len(existing) > 0 {
			header, err := s.queryChat(ctx, tx, `WHERE c.id = $1`, in.ChatID)
			if err != nil {
				return AppendMessageResult{}, err
			}
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Chat: header, Stored: existing[0], Duplicated: true}, nil
		}
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(ts) FROM `+s.t.messages+` WHERE chat_id = $1`, in.ChatID,
	).Scan(&last); err != nil {
		return AppendMessageResult{}, fmt.Errorf("last message ts: %w", err)
	}
	if last != nil {
		m.Timestamp = acceptedAt(m.Timestamp, last.UTC())
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+s.t.chats+`
		    SET next_seq = next_seq + 1,
		        updated_at = GREATEST(updated_at, $2)
		  WHERE id = $1
		RETURNING (next_seq - 1)`,
		in.ChatID, m.Timestamp,
	).Scan(&m.Seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, ErrNotFound
		}
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t.messages+` (chat_id, seq, id, local_id, content, sender, message_type, status, ts)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)`,
		m.ChatID, m.Seq, m.ID, m.LocalID, m.Content, m.Sender, string(m.MessageType), string(m.Status), m.Timestamp,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}
	if err := s.insertAttachments(ctx, tx, []string{m.ChatID}, []int64{m.Seq}, m.Attachments); err != nil {
		return AppendMessageResult{}, err
	}
	m.ReadBy = normalizeIDs(m.ReadBy)
	if len(m.ReadBy) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t.reads+` (chat_id, seq, user_id)
			 SELECT $1, $2, u FROM unnest($3::text[]) AS u`,
			m.ChatID, m.Seq, m.ReadBy,
		); err != nil {
			return AppendMessageResult{}, err
		}
	}

	header, err := s.queryChat(ctx, tx, `WHERE c.id = $1`, in.ChatID)
	if err != nil {
		return AppendMessageResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Chat: header, Stored: withOwner(m)}, nil
}

// AppendBatch pushes one message into each chat independently in a single statement.
// Chats that do not exist are reported in Failed; the rest receive the message.
func (s *PostgresStore) AppendBatch(ctx context.Context, in AppendBatchInput) (AppendBatchResult, error) {
	if in.Message.ID == "" {
		return AppendBatchResult{}, errors.New("chat: invalid batch input")
	}
	if err := ctx.Err(); err != nil {
		return AppendBatchResult{}, err
	}
	m := in.Message
	m.Timestamp = nowOr(m.Timestamp).UTC().Truncate(time.Microsecond)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendBatchResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`WITH locked AS (
		     SELECT id FROM `+s.t.chats+` WHERE id = ANY($1::text[]) ORDER BY id FOR UPDATE
		 ), bumped AS (
		     UPDATE `+s.t.chats+` c
		        SET next_seq = c.next_seq + 1,
		            updated_at = GREATEST(c.updated_at, $2)
		       FROM locked l
		      WHERE c.id = l.id
		  RETURNING c.id, c.next_seq - 1 AS seq
		 )
		 INSERT INTO `+s.t.messages+` (chat_id, seq, id, local_id, content, sender, message_type, status, ts)
		 SELECT b.id, b.seq, $3, NULLIF($4, ''), $5, $6, $7, $8,
		        GREATEST($2::timestamptz, (SELECT max(p.ts) + interval '1 microsecond'
		                                     FROM `+s.t.messages+` p WHERE p.chat_id = b.id))
		   FROM bumped b
		 RETURNING chat_id, seq`,
		in.ChatIDs, m.Timestamp, m.ID, m.LocalID, m.Content, m.Sender, string(m.MessageType), string(m.Status),
	)
	if err != nil {
		return AppendBatchResult{}, fmt.Errorf("batch insert: %w", err)
	}

	var (
		applied []string
		seqs    []int64
	)
	for rows.Next() {
		var (
			id  string
			seq int64
		)
		if err := rows.Scan(&id, &seq); err != nil {
			rows.Close()
			return AppendBatchResult{}, err
		}
		applied = append(applied, id)
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return AppendBatchResult{}, fmt.Errorf("batch insert: %w", err)
	}

	if err := s.insertAttachments(ctx, tx, applied, seqs, m.Attachments); err != nil {
		return AppendBatchResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendBatchResult{}, err
	}

	res := AppendBatchResult{Applied: applied, Failed: make(map[string]error)}
	got := make(map[string]struct{}, len(applied))
	for _, id := range applied {
		got[id] = struct{}{}
	}
	for _, id := range in.ChatIDs {
		if _, ok := got[id]; !ok {
			res.Failed[id] = ErrNotFound
		}
	}
	return res, nil
}

// insertAttachments stores atts under every (chatIDs[i], seqs[i]) message.
func (s *PostgresStore) insertAttachments(ctx context.Context, q querier, chatIDs []string, seqs []int64, atts []Attachment) error {
	if len(atts) == 0 || len(chatIDs) == 0 {
		return nil
	}
	var (
		urls, kinds, names = make([]string, len(atts)), make([]string, len(atts)), make([]string, len(atts))
		sizes              = make([]int64, len(atts))
	)
	for i, a := range atts {
		urls[i], kinds[i], names[i], sizes[i] = a.URL, string(a.Kind), a.FileName, a.Size
	}
	_, err := q.Exec(ctx,
		`INSERT INTO `+s.t.attachments+` (chat_id, seq, position, url, kind, file_name, size)
		 SELECT t.chat_id, t.seq, a.pos, a.url, a.kind, a.file_name, a.size
		   FROM unnest($1::text[], $2::bigint[]) AS t(chat_id, seq)
		  CROSS JOIN unnest($3::text[], $4::text[], $5::text[], $6::bigint[])
		       WITH ORDINALITY AS a(url, kind, file_name, size, pos)`,
		chatIDs, seqs, urls, kinds, names, sizes,
	)
	if err != nil {
		return fmt.Errorf("insert attachments: %w", err)
	}
	return nil
}

// queryMessages runs a message query. from must alias the message relation as m.
func (s *PostgresStore) queryMessages(ctx context.Context, q querier, from string, args ...any) ([]Message, error) {
	rows, err := q.Query(ctx,
		`SELECT m.chat_id, m.seq, m.id, COALESCE(m.local_id, ''), m.content, m.sender,
		        m.message_type, m.status, m.ts,
		        COALESCE((SELECT array_agg(r.user_id ORDER BY r.user_id)
		                    FROM `+s.t.reads+` r WHERE r.chat_id = m.chat_id AND r.seq = m.seq), '{}'),
		        COALESCE((SELECT json_agg(json_build_object(
		                         'url', a.url, 'type', a.kind, 'fileName', a.file_name, 'size', a.size)
		                         ORDER BY a.position)
		                    FROM `+s.t.attachments+` a WHERE a.chat_id = m.chat_id AND a.seq = m.seq), '[]')
		 `+from,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m              Message
			mtype, status  string
			readBy         []string
			attachmentJSON []byte
		)
		if err := rows.Scan(
			&m.ChatID, &m.Seq, &m.ID, &m.LocalID, &m.Content, &m.Sender,
			&mtype, &status, &m.Timestamp, &readBy, &attachmentJSON,
		); err != nil {
			return nil, err
		}
		m.MessageType = MessageType(mtype)
		m.Status = MessageStatus(status)
		m.Timestamp = m.Timestamp.UTC()
		m.ReadBy = readBy
		if err := json.Unmarshal(attachmentJSON, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		out = append(out, withOwner(m))
	}
	return out, rows.Err()
}

func withOwner(m Message) Message {
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	for i := range m.Attachments {
		m.Attachments[i].ChatID = m.ChatID
		m.Attachments[i].MessageID = m.ID
	}
	return m
}

func (s *PostgresStore) chatExists(ctx context.Context, chatID string) error {
	var ok bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.t.chats+` WHERE id = $1)`, chatID,
	).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// MessagesPage returns messages [offset, offset+limit) in sequence order.
func (s *PostgresStore) MessagesPage(ctx context.Context, chatID string, offset, limit int) ([]Message, error) {
	if err := s.chatExists(ctx, chatID); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx, s.pool,
		`FROM `+s.t.messages+` m WHERE m.chat_id = $1 ORDER BY m.seq ASC OFFSET $2 LIMIT $3`,
		chatID, offset, limit,
	)
}

// MessagesBefore returns up to limit messages strictly older than before, newest first.
func (s *PostgresStore) MessagesBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error) {
	if err := s.chatExists(ctx, chatID); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx, s.pool,
		`FROM `+s.t.messages+` m WHERE m.chat_id = $1 AND m.ts < $2 ORDER BY m.ts DESC, m.seq DESC LIMIT $3`,
		chatID, before, limit,
	)
}

// MessagesForChats returns the full ledger of every existing chat in chatIDs.
func (s *PostgresStore) MessagesForChats(ctx context.Context, chatIDs []string) (map[string][]Message, error) {
	out := make(map[string][]Message, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT id FROM `+s.t.chats+` WHERE id = ANY($1)`, chatIDs)
	if err != nil {
		return nil, err
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, id := range existing {
		out[id] = []Message{}
	}

	msgs, err := s.queryMessages(ctx, s.pool,
		`FROM `+s.t.messages+` m WHERE m.chat_id = ANY($1) ORDER BY m.chat_id, m.seq`,
		chatIDs,
	)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ChatID] = append(out[m.ChatID], m)
	}
	return out, nil
}

// MarkRead adds readerID to every message whose local id is in localIDs and returns the
// local ids that matched.
func (s *PostgresStore) MarkRead(ctx context.Context, chatID string, localIDs []string, readerID string) ([]string, error) {
	if err := s.chatExists(ctx, chatID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`WITH target AS (
		     SELECT chat_id, seq, local_id FROM `+s.t.messages+`
		      WHERE chat_id = $1 AND local_id = ANY($2::text[])
		 ), ins AS (
		     INSERT INTO `+s.t.reads+` (chat_id, seq, user_id)
		     SELECT chat_id, seq, $3 FROM target
		     ON CONFLICT DO NOTHING
		 )
		 SELECT local_id FROM target ORDER BY local_id`,
		chatID, localIDs, readerID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// MarkAllRead adds readerID to every message it has not read yet and returns the local ids
// of the messages that changed.
func (s *PostgresStore) MarkAllRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	if err := s.chatExists(ctx, chatID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`WITH ins AS (
		     INSERT INTO `+s.t.reads+` (chat_id, seq, user_id)
		     SELECT chat_id, seq, $2 FROM `+s.t.messages+` WHERE chat_id = $1
		     ON CONFLICT DO NOTHING
		     RETURNING chat_id, seq
		 )
		 SELECT m.local_id
		   FROM ins JOIN `+s.t.messages+` m USING (chat_id, seq)
		  WHERE m.local_id IS NOT NULL
		  ORDER BY m.seq`,
		chatID, readerID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
