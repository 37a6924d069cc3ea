package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver (cgo), registered as "sqlite3"
	_ "modernc.org/sqlite"          // Pure Go SQLite driver, registered as "sqlite"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrChatOwner    = errors.New("chat belongs to another user")
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dataSourceName with driverName ("sqlite3" or "sqlite").
func NewSQLiteStore(driverName, dataSourceName string) (*SQLiteStore, error) {
	if driverName != "sqlite3" && driverName != "sqlite" {
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// Saves replace a chat's messages inside one transaction; a single
	// connection keeps SQLite from returning SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        uid TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        email TEXT NOT NULL,
        photo_url TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL,
        last_active INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chats (
        chat_id TEXT PRIMARY KEY,
        uid TEXT NOT NULL,
        title TEXT NOT NULL,
        persona_id TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_chats_uid_created ON chats (uid, created_at DESC);

    CREATE TABLE IF NOT EXISTS messages (
        chat_id TEXT NOT NULL,
        position INTEGER NOT NULL,
        id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'ai')),
        text TEXT NOT NULL,
        image_url TEXT NOT NULL DEFAULT '',
        timestamp INTEGER NOT NULL,
        sources_json TEXT NOT NULL DEFAULT '[]',
        PRIMARY KEY (chat_id, position),
        UNIQUE (chat_id, id),
        FOREIGN KEY (chat_id) REFERENCES chats (chat_id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) UpsertUser(user *User) error {
	_, err := s.db.Exec(`
        INSERT INTO users (uid, name, email, photo_url, created_at, last_active)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (uid) DO UPDATE SET
            name = excluded.name,
            email = excluded.email,
            photo_url = excluded.photo_url,
            last_active = excluded.last_active`,
		user.UID, user.Name, user.Email, user.PhotoURL, user.CreatedAt, user.LastActive)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(uid string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT uid, name, email, photo_url, created_at, last_active FROM users WHERE uid = ?", uid).
		Scan(&user.UID, &user.Name, &user.Email, &user.PhotoURL, &user.CreatedAt, &user.LastActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// Chat methods

// GetChats returns every chat owned by uid, newest first, with messages in turn order.
func (s *SQLiteStore) GetChats(uid string) ([]Chat, error) {
	rows, err := s.db.Query("SELECT chat_id, uid, title, persona_id, created_at FROM chats WHERE uid = ? ORDER BY created_at DESC, chat_id DESC", uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	index := make(map[string]int)
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ChatID, &chat.UID, &chat.Title, &chat.PersonaID, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chat.Messages = []Message{}
		index[chat.ChatID] = len(chats)
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	if len(chats) == 0 {
		return chats, nil
	}

	msgRows, err := s.db.Query(`
        SELECT m.chat_id, m.id, m.role, m.text, m.image_url, m.timestamp, m.sources_json
        FROM messages m JOIN chats c ON c.chat_id = m.chat_id
        WHERE c.uid = ?
        ORDER BY m.chat_id, m.position ASC`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		chatID, msg, err := scanMessage(msgRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[chatID]; ok {
			chats[i].Messages = append(chats[i].Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return chats, nil
}

// GetChat returns nil, nil when the chat does not exist for uid.
func (s *SQLiteStore) GetChat(uid, chatID string) (*Chat, error) {
	var chat Chat
	err := s.db.QueryRow("SELECT chat_id, uid, title, persona_id, created_at FROM chats WHERE chat_id = ? AND uid = ?", chatID, uid).
		Scan(&chat.ChatID, &chat.UID, &chat.Title, &chat.PersonaID, &chat.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	rows, err := s.db.Query("SELECT chat_id, id, role, text, image_url, timestamp, sources_json FROM messages WHERE chat_id = ? ORDER BY position ASC", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	chat.Messages = []Message{}
	for rows.Next() {
		_, msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		chat.Messages = append(chat.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return &chat, nil
}

// SaveChat upserts the chat by ChatID and replaces its message list wholesale.
// Concurrent saves of the same chat resolve last-writer-wins.
func (s *SQLiteStore) SaveChat(chat *Chat) (err error) {
	if chat.ChatID == "" || chat.UID == "" {
		return fmt.Errorf("chat id and owner are required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin chat save: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var owner string
	err = tx.QueryRow("SELECT uid FROM chats WHERE chat_id = ?", chat.ChatID).Scan(&owner)
	switch {
	case err == sql.ErrNoRows:
		err = nil
	case err != nil:
		return fmt.Errorf("failed to check chat owner: %w", err)
	case owner != chat.UID:
		err = ErrChatOwner
		return err
	}

	_, err = tx.Exec(`
        INSERT INTO chats (chat_id, uid, title, persona_id, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (chat_id) DO UPDATE SET
            title = excluded.title,
            persona_id = excluded.persona_id,
            created_at = excluded.created_at`,
		chat.ChatID, chat.UID, chat.Title, chat.PersonaID, chat.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}

	if _, err = tx.Exec("DELETE FROM messages WHERE chat_id = ?", chat.ChatID); err != nil {
		return fmt.Errorf("failed to clear chat messages: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO messages (chat_id, position, id, role, text, image_url, timestamp, sources_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range chat.Messages {
		sources := msg.Sources
		if sources == nil {
			sources = []Source{}
		}
		var sourcesJSON []byte
		sourcesJSON, err = json.Marshal(sources)
		if err != nil {
			return fmt.Errorf("failed to marshal sources for message %s: %w", msg.ID, err)
		}
		if _, err = stmt.Exec(chat.ChatID, i, msg.ID, string(msg.Role), msg.Text, msg.ImageURL, msg.Timestamp, string(sourcesJSON)); err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChat(uid, chatID string) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin chat delete: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec("DELETE FROM chats WHERE chat_id = ? AND uid = ?", chatID, uid)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		err = ErrChatNotFound
		return err
	}
	if _, err = tx.Exec("DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("failed to delete chat messages: %w", err)
	}
	return tx.Commit()
}

// ClearAllHistory removes every chat owned by uid.
func (s *SQLiteStore) ClearAllHistory(uid string) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin history clear: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM messages WHERE chat_id IN (SELECT chat_id FROM chats WHERE uid = ?)", uid); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.Exec("DELETE FROM chats WHERE uid = ?", uid)
	if err != nil {
		return fmt.Errorf("failed to delete chats: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history clear: %w", err)
	}
	affected, _ := res.RowsAffected()
	log.Printf("Cleared %d chats for user %s", affected, uid)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (string, Message, error) {
	var (
		chatID      string
		msg         Message
		role        string
		sourcesJSON string
	)
	if err := row.Scan(&chatID, &msg.ID, &role, &msg.Text, &msg.ImageURL, &msg.Timestamp, &sourcesJSON); err != nil {
		return "", Message{}, fmt.Errorf("failed to scan message row: %w", err)
	}
	msg.Role = Role(role)
	if sourcesJSON != "" && sourcesJSON != "[]" {
		if err := json.Unmarshal([]byte(sourcesJSON), &msg.Sources); err != nil {
			log.Printf("Warning: failed to unmarshal sources for message %s: %v. Sources will be empty.", msg.ID, err)
			msg.Sources = nil
		}
	}
	return chatID, msg, nil
}
