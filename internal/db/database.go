package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"github.com/mgerstgrasser/tacheles/internal/models"
)

// ErrNotFound is returned when a row looked up by id does not exist.
var ErrNotFound = errors.New("not found")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);`

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id         BIGSERIAL PRIMARY KEY,
		user_id    BIGINT NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id),
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
}

type Database struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database named by url. postgres:// and postgresql://
// URLs use PostgreSQL; sqlite:///path, sqlite:// (in-memory) and bare file
// paths use SQLite. The schema is created if missing.
func Open(ctx context.Context, url string) (*Database, error) {
	driver, dsn, d, err := parseURL(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if d == dialectSQLite {
		// Writers serialize on SQLite anyway; one connection also keeps an
		// in-memory database alive for the lifetime of the pool.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	database := New(db, d == dialectPostgres)
	if err := database.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// New wraps an existing connection pool without touching the schema.
func New(db *sql.DB, postgres bool) *Database {
	d := dialectSQLite
	if postgres {
		d = dialectPostgres
	}
	return &Database{db: db, dialect: d}
}

func parseURL(url string) (driver, dsn string, d dialect, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url, dialectPostgres, nil
	case url == "sqlite://", url == "sqlite:///:memory:", url == ":memory:":
		return "sqlite3", ":memory:?_foreign_keys=on", dialectSQLite, nil
	case strings.HasPrefix(url, "sqlite:///"):
		return sqliteFile(strings.TrimPrefix(url, "sqlite:///"))
	case strings.Contains(url, "://"):
		return "", "", 0, fmt.Errorf("unsupported database url %q", url)
	default:
		return sqliteFile(url)
	}
}

func sqliteFile(path string) (string, string, dialect, error) {
	if path == "" {
		return "", "", 0, errors.New("empty sqlite database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", "", 0, err
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "sqlite3", path + sep + "_journal_mode=WAL&_foreign_keys=on", dialectSQLite, nil
}

// Migrate creates the tables and indexes if they don't exist.
func (d *Database) Migrate(ctx context.Context) error {
	if d.dialect == dialectPostgres {
		for _, stmt := range postgresSchema {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create schema: %w", err)
			}
		}
		return nil
	}
	if _, err := d.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.db.Close()
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d *Database) rebind(query string) string {
	if d.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) CreateUser(ctx context.Context) (*models.User, error) {
	query := `INSERT INTO users DEFAULT VALUES RETURNING id`

	user := &models.User{}
	if err := d.db.QueryRowContext(ctx, query).Scan(&user.ID); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (d *Database) CreateConversation(ctx context.Context, userID int64) (*models.Conversation, error) {
	query := d.rebind(`
        INSERT INTO conversations (user_id)
        VALUES (?)
        RETURNING id`)

	conv := &models.Conversation{UserID: userID}
	if err := d.db.QueryRowContext(ctx, query, userID).Scan(&conv.ID); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (d *Database) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	query := d.rebind(`SELECT id, user_id FROM conversations WHERE id = ?`)

	conv := &models.Conversation{}
	err := d.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}
	return conv, nil
}

// ListConversationsByUser returns the user's conversations oldest first.
func (d *Database) ListConversationsByUser(ctx context.Context, userID int64) ([]models.Conversation, error) {
	query := d.rebind(`
        SELECT id, user_id
        FROM conversations
        WHERE user_id = ?
        ORDER BY id ASC`)

	rows, err := d.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// FindMessagesByConversation returns the conversation's messages in creation order.
func (d *Database) FindMessagesByConversation(ctx context.Context, conversationID int64) ([]models.Message, error) {
	query := d.rebind(`
        SELECT id, conversation_id, role, content
        FROM messages
        WHERE conversation_id = ?
        ORDER BY id ASC`)

	rows, err := d.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendMessages inserts msgs into the conversation in order and commits them
// as one transaction. Either all messages are stored or none are.
func (d *Database) AppendMessages(ctx context.Context, conversationID int64, msgs ...models.Message) (saved []models.Message, err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = multierr.Append(err, rbErr)
			}
		}
	}()

	query := d.rebind(`
        INSERT INTO messages (conversation_id, role, content)
        VALUES (?, ?, ?)
        RETURNING id`)

	saved = make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		msg.ConvID = conversationID
		if err := tx.QueryRowContext(ctx, query, conversationID, msg.Role, msg.Content).Scan(&msg.ID); err != nil {
			return nil, fmt.Errorf("failed to save %s message: %w", msg.Role, err)
		}
		saved = append(saved, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return saved, nil
}
