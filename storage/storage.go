// Storage module - SQLite request journal

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Route kinds stored in the journal.
const (
	RouteProxy  = "proxy"
	RouteStatic = "static"
)

// Storage is an append-only journal of requests handled by the gateway.
type Storage struct {
	db *sql.DB
}

// Entry is one handled request.
type Entry struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Route      string    `json:"route"` // proxy, static
	Status     int       `json:"status"`
	Bytes      int64     `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr"`
	CreatedAt  time.Time `json:"created_at"`
}

// RouteStatus is one row of the summary: how many requests of a route kind
// ended with a given status.
type RouteStatus struct {
	Route  string `json:"route"`
	Status int    `json:"status"`
	Count  int64  `json:"count"`
}

// Summary aggregates the whole journal.
type Summary struct {
	Total         int64         `json:"total"`
	TotalBytes    int64         `json:"total_bytes"`
	AvgDurationMS float64       `json:"avg_duration_ms"`
	ByRoute       []RouteStatus `json:"by_route"`
}

func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		return nil, errors.New("journal path is empty")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes writers instead of surfacing SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous: %w", err)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			route TEXT NOT NULL,
			status INTEGER NOT NULL,
			bytes INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			remote_addr TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at)`); err != nil {
		return err
	}
	return nil
}

// Record appends an entry. A zero CreatedAt is stamped with the current time.
func (s *Storage) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (request_id, method, path, route, status, bytes, duration_ms, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RequestID, e.Method, e.Path, e.Route, e.Status, e.Bytes, e.DurationMS, e.RemoteAddr, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Storage) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, method, path, route, status, bytes, duration_ms, COALESCE(remote_addr, ''), created_at
		FROM requests ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Method, &e.Path, &e.Route, &e.Status, &e.Bytes, &e.DurationMS, &e.RemoteAddr, &created); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary aggregates counts per route and status.
func (s *Storage) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(bytes), 0), COALESCE(AVG(duration_ms), 0) FROM requests
	`).Scan(&sum.Total, &sum.TotalBytes, &sum.AvgDurationMS)
	if err != nil {
		return Summary{}, fmt.Errorf("query totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT route, status, COUNT(*) FROM requests
		GROUP BY route, status ORDER BY route, status
	`)
	if err != nil {
		return Summary{}, fmt.Errorf("query by route: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rs RouteStatus
		if err := rows.Scan(&rs.Route, &rs.Status, &rs.Count); err != nil {
			return Summary{}, fmt.Errorf("scan route: %w", err)
		}
		sum.ByRoute = append(sum.ByRoute, rs)
	}
	return sum, rows.Err()
}

func (s *Storage) Close() error {
	return s.db.Close()
}
