package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scaffoldai/agentcore/pkg/policy"
)

// SQLiteStore is a durable Service backed by a single sqlite file. It
// stores each session as one row with the thread, grants, and usage
// log serialized as JSON columns; the schema favors simplicity over
// query-ability since sessions are always read or written whole.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a sqlite database at
// path and ensures its schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	thread_json TEXT NOT NULL,
	grants_json TEXT NOT NULL,
	usage_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	var threadJSON, grantsJSON, usageJSON string
	var updatedAt time.Time

	err := s.db.QueryRowContext(ctx,
		`SELECT thread_json, grants_json, usage_json, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&threadJSON, &grantsJSON, &usageJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, err
	}

	sess := &Session{ID: id, UpdatedAt: updatedAt}
	if err := json.Unmarshal([]byte(threadJSON), &sess.Thread); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(grantsJSON), &sess.Grants); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(usageJSON), &sess.Usage); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	threadJSON, err := json.Marshal(sess.Thread)
	if err != nil {
		return err
	}
	grantsJSON, err := json.Marshal(sess.Grants)
	if err != nil {
		return err
	}
	usageJSON, err := json.Marshal(sess.Usage)
	if err != nil {
		return err
	}
	sess.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, thread_json, grants_json, usage_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_json = excluded.thread_json,
			grants_json = excluded.grants_json,
			usage_json = excluded.usage_json,
			updated_at = excluded.updated_at
	`, sess.ID, string(threadJSON), string(grantsJSON), string(usageJSON), sess.UpdatedAt)
	return err
}

func (s *SQLiteStore) AppendUsage(ctx context.Context, id string, entry UsageEntry) error {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	sess.Usage = append(sess.Usage, entry)
	return s.Save(ctx, sess)
}

func (s *SQLiteStore) RememberGrant(ctx context.Context, id string, grant policy.PermissionGrant) error {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	sess.Grants = append(sess.Grants, grant)
	return s.Save(ctx, sess)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var _ Service = (*SQLiteStore)(nil)
