package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/hitl/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			type        TEXT NOT NULL,
			input       TEXT NOT NULL,
			output      TEXT,
			status      TEXT NOT NULL DEFAULT 'pending',
			timeout_s   INTEGER NOT NULL,
			created_at  INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			resolved_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
		CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id);
	`)
	if err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(req *protocol.Request) error {
	_, err := s.db.Exec(`
		INSERT INTO requests (id, session_id, type, input, status, timeout_s, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.SessionID, string(req.Type), string(req.Input), string(req.Status),
		req.Timeout, req.CreatedAt.UnixNano(), req.ExpiresAt.UnixNano())
	if err != nil {
		if _, getErr := s.Get(req.ID); getErr == nil {
			return fmt.Errorf("sqlite store: insert %q: %w", req.ID, ErrExists)
		}
		return fmt.Errorf("sqlite store: insert: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, session_id, type, input, output, status, timeout_s, created_at, expires_at, resolved_at FROM requests`

func (s *SQLiteStore) Get(id string) (*protocol.Request, error) {
	row := s.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlite store: get: %w", err)
	}
	return req, nil
}

// Resolve relies on the status predicate in the UPDATE to make the
// pending→terminal transition a compare-and-set.
func (s *SQLiteStore) Resolve(id string, res Resolution) (*protocol.Request, error) {
	var output *string
	if res.Status == protocol.StatusAnswered {
		v := string(res.Output)
		output = &v
	}

	result, err := s.db.Exec(`UPDATE requests SET status = ?, output = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`,
		string(res.Status), output, res.At.UnixNano(), id)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: resolve: %w", err)
	}
	n, _ := result.RowsAffected()

	cur, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return cur, ErrNotPending
	}
	return cur, nil
}

func (s *SQLiteStore) List(filter Filter) ([]*protocol.Request, error) {
	query := selectColumns + " WHERE 1=1"
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: list scan: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteResolvedBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM requests WHERE resolved_at IS NOT NULL AND resolved_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite store: delete resolved: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(s scannable) (*protocol.Request, error) {
	var r protocol.Request
	var typ, input, status string
	var output sql.NullString
	var createdAt, expiresAt int64
	var resolvedAt sql.NullInt64

	err := s.Scan(&r.ID, &r.SessionID, &typ, &input, &output, &status, &r.Timeout,
		&createdAt, &expiresAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	r.Type = protocol.WidgetType(typ)
	r.Status = protocol.Status(status)
	r.Input = []byte(input)
	if output.Valid {
		r.Output = []byte(output.String)
	}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64).UTC()
		r.ResolvedAt = &t
	}
	return &r, nil
}
