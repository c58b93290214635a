// Package channels is the read-mostly channel directory consumed by the
// signaling tier. The authoritative channel CRUD lives in the main EduSync
// backend; this store mirrors the subset the relay needs to validate joins
// and answer call-status queries.
package channels

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqlFiles embed.FS

// Type is the channel kind. Calls and whiteboards are only allowed on voice
// and video channels.
type Type string

const (
	TypeText  Type = "text"
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeVoice, TypeVideo:
		return true
	}
	return false
}

// IsCall reports whether a call session may be started on this channel type.
func (t Type) IsCall() bool { return t == TypeVoice || t == TypeVideo }

type Channel struct {
	ID   string
	Name string
	Type Type
}

var ErrNotFound = errors.New("channels: channel not found")

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite-backed directory. An empty path
// selects an in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open channel db: %w", err)
	}
	// modernc.org/sqlite serializes writes itself; a single connection avoids
	// both SQLITE_BUSY and the per-connection :memory: database trap.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping channel db: %w", err)
	}

	schema, err := sqlFiles.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create inserts a channel. A missing ID is generated.
func (s *Store) Create(ctx context.Context, ch Channel) (Channel, error) {
	if !ch.Type.Valid() {
		return Channel{}, fmt.Errorf("invalid channel type %q", ch.Type)
	}
	if ch.Name == "" {
		return Channel{}, errors.New("channel name is required")
	}
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO channels (id, name, type) VALUES (?, ?, ?)",
		ch.ID, ch.Name, string(ch.Type),
	)
	if err != nil {
		return Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

func (s *Store) Get(ctx context.Context, id string) (Channel, error) {
	var ch Channel
	var typ string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, type FROM channels WHERE id = ?", id,
	).Scan(&ch.ID, &ch.Name, &typ)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Channel{}, ErrNotFound
		}
		return Channel{}, fmt.Errorf("query channel: %w", err)
	}
	ch.Type = Type(typ)
	return ch, nil
}

// List returns all channels ordered by name.
func (s *Store) List(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, type FROM channels ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		var typ string
		if err := rows.Scan(&ch.ID, &ch.Name, &typ); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.Type = Type(typ)
		out = append(out, ch)
	}
	return out, rows.Err()
}
