package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLConfig holds configuration for a SQL-backed store.
type SQLConfig struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// SQLStore implements Store on SQLite (modernc) or PostgreSQL (lib/pq).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens the database, verifies connectivity and applies migrations.
func OpenSQL(ctx context.Context, config SQLConfig) (*SQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	driver := "sqlite"
	switch config.Dialect {
	case DialectSQLite, "":
		config.Dialect = DialectSQLite
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", config.Dialect)
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Dialect == DialectSQLite {
		// SQLite serializes writers; in-memory databases are per connection.
		db.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewSQLStore(db, config.Dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database without migrating it.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// DB exposes the underlying database connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Migrate applies every pending embedded migration.
func (s *SQLStore) Migrate(ctx context.Context) error {
	migrator, err := NewMigrator(s.db, s.dialect)
	if err != nil {
		return err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

const messageColumns = `m.id, m.conversation_id, m.turn_id, m.seq, m.direction, m.role, m.origin, m.content,
	m.attachments, m.tool_calls, m.tool_results, m.thread_root_id, m.reply_to_id, m.forward_of_id,
	m.channel_message_id, m.error, m.sender, m.created_at`

const turnColumns = `id, conversation_id, state, error, iterations, started_at, finished_at`

// CreateTurn implements TurnStore.
func (s *SQLStore) CreateTurn(ctx context.Context, turn *models.Turn, inbound []*models.Message) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	if err := validateMessages(turn, inbound); err != nil {
		return err
	}
	if turn.State == "" {
		turn.State = models.TurnRunning
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin turn transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO turns (id, conversation_id, state, error, iterations, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		turn.ID, string(turn.ConversationID), string(turn.State), turn.Error, turn.Iterations,
		turn.StartedAt.UnixMilli(), millis(turn.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	if err := s.insertMessages(ctx, tx, turn.ConversationID, inbound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

// FinalizeTurn implements TurnStore.
func (s *SQLStore) FinalizeTurn(ctx context.Context, turn *models.Turn, produced []*models.Message) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	if !turn.State.Terminal() {
		return fmt.Errorf("cannot finalize turn with state %q", turn.State)
	}
	if err := validateMessages(turn, produced); err != nil {
		return err
	}
	if turn.FinishedAt.IsZero() {
		turn.FinishedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE turns SET state = ?, error = ?, iterations = ?, finished_at = ?
		WHERE id = ? AND state = ?`),
		string(turn.State), turn.Error, turn.Iterations, turn.FinishedAt.UnixMilli(),
		turn.ID, string(models.TurnRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to update turn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finalize turn %s: %w", turn.ID, ErrTurnNotRunning)
	}
	if err := s.insertMessages(ctx, tx, turn.ConversationID, produced); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}
	return nil
}

func (s *SQLStore) insertMessages(ctx context.Context, tx *sql.Tx, conversationID models.ConversationID, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var maxSeq int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`),
		string(conversationID)).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("failed to read message sequence: %w", err)
	}

	insert := s.q(`
		INSERT INTO messages (id, conversation_id, turn_id, seq, direction, role, origin, content,
			attachments, tool_calls, tool_results, thread_root_id, reply_to_id, forward_of_id,
			channel_message_id, error, sender, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		attachments, err := marshalJSONColumn(m.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}
		toolCalls, err := marshalJSONColumn(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolResults, err := marshalJSONColumn(m.ToolResults)
		if err != nil {
			return fmt.Errorf("failed to marshal tool results: %w", err)
		}
		seq := maxSeq + int64(i) + 1
		_, err = tx.ExecContext(ctx, insert,
			m.ID, string(m.ConversationID), m.TurnID, seq, string(m.Direction), string(m.Role),
			string(m.Origin), m.Content, attachments, toolCalls, toolResults, m.ThreadRootID,
			m.ReplyToID, m.ForwardOfID, m.ChannelMessageID, m.Error, m.Sender, m.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
		m.Seq = seq
	}
	return nil
}

// GetTurn implements TurnStore.
func (s *SQLStore) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+turnColumns+` FROM turns WHERE id = ?`), id)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return turn, nil
}

// ListRunningTurns implements TurnStore.
func (s *SQLStore) ListRunningTurns(ctx context.Context) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+turnColumns+` FROM turns WHERE state = ? ORDER BY started_at`),
		string(models.TurnRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list running turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// GetMessage implements MessageStore.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`), id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetMessageByChannelID implements MessageStore.
func (s *SQLStore) GetMessageByChannelID(ctx context.Context, conversationID models.ConversationID, channelMessageID string) (*models.Message, error) {
	if channelMessageID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = ? AND m.channel_message_id = ?
		ORDER BY m.seq DESC LIMIT 1`), string(conversationID), channelMessageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by channel id: %w", err)
	}
	return msg, nil
}

// SetChannelMessageID implements MessageStore.
func (s *SQLStore) SetChannelMessageID(ctx context.Context, messageID, channelMessageID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET channel_message_id = ? WHERE id = ?`),
		channelMessageID, messageID)
	if err != nil {
		return fmt.Errorf("failed to set channel message id: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// History implements MessageStore.
func (s *SQLStore) History(ctx context.Context, conversationID models.ConversationID, opts HistoryOptions) ([]*models.Message, error) {
	return s.listMessages(ctx, conversationID, "", opts)
}

// ThreadMessages implements MessageStore.
func (s *SQLStore) ThreadMessages(ctx context.Context, conversationID models.ConversationID, rootID string, opts HistoryOptions) ([]*models.Message, error) {
	if rootID == "" {
		return nil, nil
	}
	return s.listMessages(ctx, conversationID, rootID, opts)
}

func (s *SQLStore) listMessages(ctx context.Context, conversationID models.ConversationID, rootID string, opts HistoryOptions) ([]*models.Message, error) {
	var where []string
	args := []any{string(conversationID)}
	where = append(where, "m.conversation_id = ?")
	if rootID != "" {
		where = append(where, "m.thread_root_id = ?")
		args = append(args, rootID)
	}
	if !opts.IncludeFailed {
		where = append(where, "t.state <> ?")
		args = append(args, string(models.TurnErrored))
	}
	if opts.ExcludeTurnID != "" {
		where = append(where, "m.turn_id <> ?")
		args = append(args, opts.ExcludeTurnID)
	}
	query := `SELECT ` + messageColumns + ` FROM messages m JOIN turns t ON t.id = m.turn_id
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY m.seq DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	reverse(msgs)
	return msgs, nil
}

// TurnMessages implements MessageStore.
func (s *SQLStore) TurnMessages(ctx context.Context, turnID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages m WHERE m.turn_id = ? ORDER BY m.seq`), turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*models.Turn, error) {
	var (
		turn                  models.Turn
		conversationID, state string
		startedAt, finishedAt int64
	)
	if err := row.Scan(&turn.ID, &conversationID, &state, &turn.Error, &turn.Iterations, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	turn.ConversationID = models.ConversationID(conversationID)
	turn.State = models.TurnState(state)
	turn.StartedAt = fromMillis(startedAt)
	turn.FinishedAt = fromMillis(finishedAt)
	return &turn, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg                                     models.Message
		conversationID, direction, role, origin string
		attachments, toolCalls, toolResults     string
		createdAt                               int64
	)
	err := row.Scan(
		&msg.ID, &conversationID, &msg.TurnID, &msg.Seq, &direction, &role, &origin, &msg.Content,
		&attachments, &toolCalls, &toolResults, &msg.ThreadRootID, &msg.ReplyToID, &msg.ForwardOfID,
		&msg.ChannelMessageID, &msg.Error, &msg.Sender, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	msg.ConversationID = models.ConversationID(conversationID)
	msg.Direction = models.Direction(direction)
	msg.Role = models.Role(role)
	msg.Origin = models.Origin(origin)
	msg.CreatedAt = fromMillis(createdAt)
	if err := unmarshalJSONColumn(attachments, &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if err := unmarshalJSONColumn(toolCalls, &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
	}
	if err := unmarshalJSONColumn(toolResults, &msg.ToolResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
	}
	return &msg, nil
}

func marshalJSONColumn[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSONColumn[T any](data string, dst *[]T) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), dst)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
