// Package sqlite persists conversation history and the roster cache across
// runs. The engine's in-memory caches reset per session; this store is what
// survives.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warbler-im/warbler/internal/engine"
)

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "warbler.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			account TEXT NOT NULL,
			conversation TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			kind TEXT NOT NULL,
			thread_id TEXT,
			reply_to_id TEXT,
			reply_to_jid TEXT,
			origin_id TEXT,
			archive_id TEXT,
			archive_by TEXT,
			embeds_json TEXT,
			PRIMARY KEY (account, conversation, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(account, conversation)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_archive_id ON messages(archive_id)`,

		`CREATE TABLE IF NOT EXISTS roster_cache (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			groups_json TEXT,
			subscription TEXT,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (account, jid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_roster_cache_account ON roster_cache(account)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveMessage upserts one message under its conversation. Saving the same id
// twice is harmless.
func (d *DB) SaveMessage(account, conversation string, msg engine.Message) error {
	var replyID, replyJID string
	if msg.ReplyTo != nil {
		replyID = msg.ReplyTo.ID
		replyJID = msg.ReplyTo.To
	}
	var archiveID, archiveBy string
	if msg.ArchiveID != nil {
		archiveID = msg.ArchiveID.ID
		archiveBy = msg.ArchiveID.By
	}
	embedsJSON := ""
	if len(msg.Embeds) > 0 {
		encoded, err := json.Marshal(msg.Embeds)
		if err != nil {
			return err
		}
		embedsJSON = string(encoded)
	}

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO messages
			(id, account, conversation, sender, recipient, body, timestamp, kind,
			 thread_id, reply_to_id, reply_to_jid, origin_id, archive_id, archive_by, embeds_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, account, conversation, msg.From, msg.To, msg.Body, msg.Timestamp.Unix(),
		string(msg.Kind), msg.ThreadID, replyID, replyJID, msg.OriginID, archiveID, archiveBy, embedsJSON)
	return err
}

// GetMessages returns up to limit messages for a conversation, oldest first.
func (d *DB) GetMessages(account, conversation string, limit, offset int) ([]engine.Message, error) {
	rows, err := d.db.Query(`
		SELECT id, sender, recipient, body, timestamp, kind,
		       thread_id, reply_to_id, reply_to_jid, origin_id, archive_id, archive_by, embeds_json
		FROM messages
		WHERE account = ? AND conversation = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, account, conversation, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []engine.Message
	for rows.Next() {
		var msg engine.Message
		var ts int64
		var kind string
		var recipient, threadID, replyID, replyJID, originID, archiveID, archiveBy, embedsJSON sql.NullString

		err := rows.Scan(&msg.ID, &msg.From, &recipient, &msg.Body, &ts, &kind,
			&threadID, &replyID, &replyJID, &originID, &archiveID, &archiveBy, &embedsJSON)
		if err != nil {
			return nil, err
		}

		msg.Timestamp = time.Unix(ts, 0)
		msg.Kind = engine.Kind(kind)
		msg.To = recipient.String
		msg.ThreadID = threadID.String
		msg.OriginID = originID.String
		if replyID.Valid && replyID.String != "" {
			msg.ReplyTo = &engine.ReplyRef{ID: replyID.String, To: replyJID.String}
		}
		if archiveID.Valid && archiveID.String != "" {
			msg.ArchiveID = &engine.ArchiveRef{ID: archiveID.String, By: archiveBy.String}
		}
		if embedsJSON.Valid && embedsJSON.String != "" {
			_ = json.Unmarshal([]byte(embedsJSON.String), &msg.Embeds)
		}
		messages = append(messages, msg)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// DeleteMessages removes a conversation's history.
func (d *DB) DeleteMessages(account, conversation string) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE account = ? AND conversation = ?", account, conversation)
	return err
}

// DeleteOldMessages removes messages older than the retention window and
// returns how many were removed.
func (d *DB) DeleteOldMessages(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	result, err := d.db.Exec("DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetMessageCount returns the total number of stored messages.
func (d *DB) GetMessageCount() (int64, error) {
	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

// SaveRoster replaces the cached roster for an account.
func (d *DB) SaveRoster(account string, entries []engine.RosterEntry) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM roster_cache WHERE account = ?", account); err != nil {
		return err
	}

	for _, entry := range entries {
		groupsJSON := "[]"
		if len(entry.Groups) > 0 {
			encoded, err := json.Marshal(entry.Groups)
			if err != nil {
				return err
			}
			groupsJSON = string(encoded)
		}

		_, err := tx.Exec(`
			INSERT INTO roster_cache (account, jid, name, groups_json, subscription, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
		`, account, entry.JID, entry.Name, groupsJSON, entry.Subscription, time.Now().Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRoster returns the cached roster for an account.
func (d *DB) GetRoster(account string) ([]engine.RosterEntry, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, groups_json, subscription
		FROM roster_cache
		WHERE account = ?
		ORDER BY COALESCE(name, jid), jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []engine.RosterEntry
	for rows.Next() {
		var entry engine.RosterEntry
		var groupsJSON, name, subscription sql.NullString

		if err := rows.Scan(&entry.JID, &name, &groupsJSON, &subscription); err != nil {
			return nil, err
		}

		entry.Name = name.String
		entry.Subscription = subscription.String
		if groupsJSON.Valid && groupsJSON.String != "" {
			_ = json.Unmarshal([]byte(groupsJSON.String), &entry.Groups)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (d *DB) SetAppState(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

func (d *DB) GetAppState(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}
