package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/store/migrations"
	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is the newest migration in migrations.FS.
const SchemaVersion = 1

// DB holds the chatd checkpoint in SQLite.
type DB struct {
	*sql.DB
	schema uint
}

// OpenSQLite opens the checkpoint database at path and migrates it to
// SchemaVersion. A dirty schema, or one written by a newer chatd, is refused
// so a checkpoint is never saved over tables this build does not understand.
func OpenSQLite(path string) (*DB, error) {
	// Save commits one transaction per checkpoint; synchronous=FULL makes
	// the commit survive power loss, _txlock=immediate takes the write lock
	// before the table wipes start.
	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping checkpoint db: %w", err)
	}

	db := &DB{DB: sqlDB}
	if db.schema, err = db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Schema reports the migration version the database is at.
func (db *DB) Schema() uint { return db.schema }

func (db *DB) migrate() (uint, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, fmt.Errorf("checkpoint migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return 0, fmt.Errorf("checkpoint migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return 0, fmt.Errorf("checkpoint migration instance: %w", err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return 0, fmt.Errorf("checkpoint schema version: %w", err)
	case dirty:
		return 0, fmt.Errorf("checkpoint schema %d is dirty: a migration failed halfway", version)
	case version > SchemaVersion:
		return 0, fmt.Errorf("checkpoint schema %d is newer than this build (%d)", version, SchemaVersion)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("checkpoint migration up: %w", err)
	}
	return SchemaVersion, nil
}

// Save replaces the stored checkpoint with snap in one transaction.
func (db *DB) Save(ctx context.Context, snap Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"meta", "users", "chats", "messages", "read_marks", "presence"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, u := range snap.Users.Users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, first_name, last_name, email, photo_ref, disabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.FirstName, u.LastName, u.Email, u.PhotoRef, u.Disabled, u.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert user %s: %w", u.ID, err)
		}
	}

	for _, c := range snap.Chats.Chats {
		participants, err := json.Marshal(c.Participants)
		if err != nil {
			return err
		}
		moderators, err := json.Marshal(c.Moderators)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chats (id, is_group, creator, name, participants, moderators, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.IsGroup, c.Creator, c.Name, string(participants), string(moderators), c.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert chat %s: %w", c.ID, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (chat_id, timestamp, id, sender, type, body, read_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, m := range snap.Messages.Messages {
		readBy, err := json.Marshal(m.ReadBy)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, m.ChatID, m.Timestamp, m.ID, m.Sender, m.Type, m.Body, string(readBy)); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	for _, mark := range snap.Chats.Marks {
		if _, err := tx.ExecContext(ctx, "INSERT INTO read_marks (chat_id, user_id, up_to) VALUES (?, ?, ?)",
			mark.ChatID, mark.UserID, mark.UpTo); err != nil {
			return fmt.Errorf("insert read mark: %w", err)
		}
	}

	for _, r := range snap.Presence.Records {
		if _, err := tx.ExecContext(ctx, "INSERT INTO presence (user_id, last_seen) VALUES (?, ?)", r.UserID, r.LastSeen); err != nil {
			return fmt.Errorf("insert presence: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES ('version', ?), ('taken_at', ?)",
		strconv.Itoa(snap.Version), strconv.FormatInt(snap.TakenAt.UnixNano(), 10)); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load reads the stored checkpoint.
func (db *DB) Load(ctx context.Context) (Snapshot, bool, error) {
	var snap Snapshot
	meta, err := db.meta(ctx)
	if err != nil {
		return snap, false, err
	}
	version, ok := meta["version"]
	if !ok {
		return snap, false, nil
	}
	if snap.Version, err = strconv.Atoi(version); err != nil {
		return snap, false, fmt.Errorf("bad snapshot version %q", version)
	}
	takenAt, _ := strconv.ParseInt(meta["taken_at"], 10, 64)
	snap.TakenAt = unixNano(takenAt)

	if snap.Users.Users, err = db.users(ctx); err != nil {
		return snap, false, fmt.Errorf("load users: %w", err)
	}
	if snap.Chats.Chats, err = db.chats(ctx); err != nil {
		return snap, false, fmt.Errorf("load chats: %w", err)
	}
	if snap.Chats.Marks, err = db.marks(ctx); err != nil {
		return snap, false, fmt.Errorf("load read marks: %w", err)
	}
	if snap.Messages.Messages, err = db.messages(ctx); err != nil {
		return snap, false, fmt.Errorf("load messages: %w", err)
	}
	if snap.Presence.Records, err = db.presence(ctx); err != nil {
		return snap, false, fmt.Errorf("load presence: %w", err)
	}
	return snap, true, nil
}

func (db *DB) meta(ctx context.Context) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (db *DB) users(ctx context.Context) ([]domain.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, first_name, last_name, email, photo_ref, disabled, created_at
		FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		var created int64
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.PhotoRef, &u.Disabled, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = unixNano(created)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *DB) chats(ctx context.Context) ([]domain.Chat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, is_group, creator, name, participants, moderators, created_at
		FROM chats ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []domain.Chat
	for rows.Next() {
		var c domain.Chat
		var participants, moderators string
		var created int64
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.Creator, &c.Name, &participants, &moderators, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("chat %s participants: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(moderators), &c.Moderators); err != nil {
			return nil, fmt.Errorf("chat %s moderators: %w", c.ID, err)
		}
		c.CreatedAt = unixNano(created)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (db *DB) marks(ctx context.Context) ([]domain.ReadMark, error) {
	rows, err := db.QueryContext(ctx, "SELECT chat_id, user_id, up_to FROM read_marks ORDER BY chat_id, user_id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var marks []domain.ReadMark
	for rows.Next() {
		var m domain.ReadMark
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.UpTo); err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

func (db *DB) messages(ctx context.Context) ([]domain.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT chat_id, timestamp, id, sender, type, body, read_by
		FROM messages ORDER BY chat_id, timestamp, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var readBy string
		if err := rows.Scan(&m.ChatID, &m.Timestamp, &m.ID, &m.Sender, &m.Type, &m.Body, &readBy); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
			return nil, fmt.Errorf("message %s read_by: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (db *DB) presence(ctx context.Context) ([]domain.PresenceRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT user_id, last_seen FROM presence ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []domain.PresenceRecord
	for rows.Next() {
		var r domain.PresenceRecord
		if err := rows.Scan(&r.UserID, &r.LastSeen); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
