// Package journal persists completed ingress requests to SQLite. Journaling
// is opt-in and fully asynchronous; the data path only ever touches the
// bounded channel in Recorder.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	tunnel "github.com/burrowhq/burrow/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store holds the journal database. Writes go through a single-connection
// pool; reads use a small multi-connection pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// Open opens (or creates) the journal database and applies migrations.
func Open(dsn string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	// :memory: databases need a shared cache so both pools see one store.
	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

// runMigrations applies embedded SQL migrations using goose. fs.Sub strips
// the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

// InsertRecords batch-inserts traffic records. A single multi-row INSERT
// avoids N round-trips per batch.
func (s *Store) InsertRecords(ctx context.Context, records []tunnel.TrafficRecord) error {
	if len(records) == 0 {
		return nil
	}

	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*10)
	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.RequestID, r.Token, r.Alias, r.Method, r.Path,
			r.Status, r.BytesIn, r.BytesOut, r.Duration.Milliseconds(),
			r.At.UTC().Format(time.RFC3339Nano),
		)
	}

	query := `INSERT INTO traffic_records
		(request_id, token, alias, method, path,
		 status, bytes_in, bytes_out, duration_ms, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// CountByToken returns the number of journaled requests for one token.
func (s *Store) CountByToken(ctx context.Context, token string) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM traffic_records WHERE token = ?`, token,
	).Scan(&n)
	return n, err
}

// Recent returns the latest journaled records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]tunnel.TrafficRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT request_id, token, alias, method, path,
		        status, bytes_in, bytes_out, duration_ms, created_at
		 FROM traffic_records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tunnel.TrafficRecord
	for rows.Next() {
		var r tunnel.TrafficRecord
		var durMS int64
		var createdAt string
		if err := rows.Scan(&r.RequestID, &r.Token, &r.Alias, &r.Method, &r.Path,
			&r.Status, &r.BytesIn, &r.BytesOut, &durMS, &createdAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.At = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
