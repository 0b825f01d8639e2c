// Package store implements the SQLite persistence layer: chats, messages,
// scheduled tasks, and knowledge-base sources/chunks.
//
// Timestamps are stored as RFC3339 UTC strings, which compare correctly as
// text. All writes are serialized behind a single mutex; reads run
// concurrently. Rows are written whole inside transactions — a failed write
// never leaves a partial row.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Chat is a conversation observed on the transport. Created lazily on the
// first message; metadata refreshed by group sync.
type Chat struct {
	JID             string
	DisplayName     string
	LastMessageTime string
}

// Message is a single chat message. Immutable once written.
type Message struct {
	ID            string
	ChatJID       string
	SenderName    string
	FromAssistant bool
	Content       string
	Timestamp     string
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes all writes; SQLite allows one writer at a time.
	writeMu sync.Mutex
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// initSchema creates the required tables and indices.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			jid               TEXT PRIMARY KEY,
			display_name      TEXT NOT NULL DEFAULT '',
			last_message_time TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT NOT NULL,
			chat_jid       TEXT NOT NULL,
			sender_name    TEXT NOT NULL,
			from_assistant INTEGER NOT NULL DEFAULT 0,
			content        TEXT NOT NULL,
			timestamp      TEXT NOT NULL,
			PRIMARY KEY (id, chat_jid)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_jid, timestamp);

		CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			group_folder   TEXT NOT NULL,
			chat_jid       TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			schedule_type  TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL DEFAULT 'group',
			next_run       TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'active',
			created_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, next_run);

		CREATE TABLE IF NOT EXISTS kb_sources (
			id           TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			url          TEXT,
			title        TEXT NOT NULL DEFAULT '',
			source_type  TEXT NOT NULL DEFAULT 'other',
			raw_content  TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			tags         TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_kb_sources_hash ON kb_sources(group_folder, content_hash);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_kb_sources_url ON kb_sources(group_folder, url) WHERE url IS NOT NULL;

		CREATE TABLE IF NOT EXISTS kb_chunks (
			id                 TEXT PRIMARY KEY,
			source_id          TEXT NOT NULL REFERENCES kb_sources(id) ON DELETE CASCADE,
			chunk_index        INTEGER NOT NULL,
			content            TEXT NOT NULL,
			embedding          BLOB,
			embedding_dim      INTEGER NOT NULL DEFAULT 0,
			embedding_provider TEXT NOT NULL DEFAULT '',
			embedding_model    TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL,
			UNIQUE(source_id, chunk_index)
		);

		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Now returns the current time as an RFC3339 UTC string, the store's
// canonical timestamp form.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ---------- Chats ----------

// UpsertChat creates or updates a chat's metadata.
func (s *Store) UpsertChat(c Chat) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chats (jid, display_name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE display_name END,
			last_message_time = CASE WHEN excluded.last_message_time > last_message_time THEN excluded.last_message_time ELSE last_message_time END
	`, c.JID, c.DisplayName, c.LastMessageTime)
	return err
}

// GetChat returns a chat by JID, or nil if unknown.
func (s *Store) GetChat(jid string) (*Chat, error) {
	var c Chat
	err := s.db.QueryRow(`SELECT jid, display_name, last_message_time FROM chats WHERE jid = ?`, jid).
		Scan(&c.JID, &c.DisplayName, &c.LastMessageTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns all known chats ordered by last activity, newest first.
func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`SELECT jid, display_name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.DisplayName, &c.LastMessageTime); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ---------- Messages ----------

// StoreMessage appends a message. Duplicate (id, chat_jid) pairs are
// ignored — the transport may replay events after a reconnect.
func (s *Store) StoreMessage(m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	from := 0
	if m.FromAssistant {
		from = 1
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, chat_jid, sender_name, from_assistant, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChatJID, m.SenderName, from, m.Content, m.Timestamp)
	return err
}

// GetNewMessages returns messages strictly newer than sinceTS for any of the
// registered JIDs, excluding messages whose sender matches a bot prefix
// (self-loop guard). Ordered by timestamp ascending.
func (s *Store) GetNewMessages(registeredJIDs []string, sinceTS string, botPrefixes []string) ([]Message, error) {
	if len(registeredJIDs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, chat_jid, sender_name, from_assistant, content, timestamp
		FROM messages
		WHERE timestamp > ? AND from_assistant = 0 AND chat_jid IN (%s)
		ORDER BY timestamp ASC
	`, placeholders(len(registeredJIDs)))

	args := make([]any, 0, len(registeredJIDs)+1)
	args = append(args, sinceTS)
	for _, jid := range registeredJIDs {
		args = append(args, jid)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if matchesAnyPrefix(m.SenderName, botPrefixes) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessagesSince returns the full context window for one chat: every
// message with timestamp > ts and <= upTo, excluding the assistant's own.
func (s *Store) GetMessagesSince(jid, ts, upTo, botName string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender_name, from_assistant, content, timestamp
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND timestamp <= ? AND from_assistant = 0
		ORDER BY timestamp ASC
	`, jid, ts, upTo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if botName != "" && strings.EqualFold(m.SenderName, botName) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ---------- Meta ----------

// SetMeta stores a key/value marker (e.g. last_group_sync).
func (s *Store) SetMeta(key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetMeta returns a marker value, or empty string if unset.
func (s *Store) GetMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// ---------- Internal ----------

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var from int
	err := rows.Scan(&m.ID, &m.ChatJID, &m.SenderName, &from, &m.Content, &m.Timestamp)
	m.FromAssistant = from == 1
	return m, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func matchesAnyPrefix(sender string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.EqualFold(sender, p) {
			return true
		}
	}
	return false
}
