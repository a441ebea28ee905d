package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLExportStore is a read-path-only compliance index over the audit log:
// Logger.Record passes each appended event to Index, which inserts it into
// a SQL table keyed by the event's sequence number and queryable by
// resource and time range (Query), generalizing the
// store/ledger file/sql/postgres trio from
// _examples/Mindburn-Labs-helm/core/pkg/store to the audit domain. The JSONL
// file written by Logger remains the sole source of truth; this index only
// ever serves queries.
type SQLExportStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLiteExport opens (creating the schema if absent) a SQLite-backed
// export store at path, suitable for local/dev compliance search.
func OpenSQLiteExport(path string) (*SQLExportStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite export: %w", err)
	}
	return newExportStore(db, "sqlite")
}

// OpenPostgresExport opens a Postgres-backed export store using dsn,
// suitable for production-scale compliance search.
func OpenPostgresExport(dsn string) (*SQLExportStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres export: %w", err)
	}
	return newExportStore(db, "postgres")
}

// OpenWithDB wraps an already-open *sql.DB (used by tests with
// github.com/DATA-DOG/go-sqlmock, and by callers wiring their own pool).
func OpenWithDB(db *sql.DB, driver string) (*SQLExportStore, error) {
	return newExportStore(db, driver)
}

func newExportStore(db *sql.DB, driver string) (*SQLExportStore, error) {
	s := &SQLExportStore{db: db, driver: driver}
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("audit: create export schema: %w", err)
	}
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	severity TEXT NOT NULL,
	action TEXT NOT NULL,
	resource TEXT NOT NULL,
	metadata TEXT
)`

// Index inserts event into the compliance index.
func (s *SQLExportStore) Index(ctx context.Context, event Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (seq, event_id, occurred_at, severity, action, resource, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.Seq, event.ID, event.Timestamp, string(event.Severity), event.Action, event.Resource, string(metadata))
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Query finds events for resource between start and end (zero-value bounds
// are unbounded), ordered by seq ascending.
func (s *SQLExportStore) Query(ctx context.Context, resource string, start, end time.Time) ([]Event, error) {
	query := `SELECT seq, event_id, occurred_at, severity, action, resource, metadata FROM audit_events WHERE 1=1`
	args := []any{}
	n := 0
	if resource != "" {
		n++
		query += fmt.Sprintf(" AND resource = $%d", n)
		args = append(args, resource)
	}
	if !start.IsZero() {
		n++
		query += fmt.Sprintf(" AND occurred_at >= $%d", n)
		args = append(args, start)
	}
	if !end.IsZero() {
		n++
		query += fmt.Sprintf(" AND occurred_at <= $%d", n)
		args = append(args, end)
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var metadata string
		var severity string
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &severity, &e.Action, &e.Resource, &metadata); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Severity = Severity(severity)
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: unmarshal metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLExportStore) Close() error { return s.db.Close() }
