package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS threat_log (
	seq         BIGINT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	kind        TEXT NOT NULL,
	appended_at BIGINT NOT NULL,
	payload     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS threat_index (
	fingerprint TEXT PRIMARY KEY,
	seq         BIGINT NOT NULL
);
`

// SQLBackend stores the log in a SQL database. The same schema serves
// SQLite and Postgres; only placeholder syntax differs.
type SQLBackend struct {
	db      *sql.DB
	dialect string
}

var _ Backend = (*SQLBackend)(nil)

// OpenSQLite opens or creates a SQLite log at path.
func OpenSQLite(path string) (*SQLBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	return newSQLBackend(db, "sqlite3")
}

// OpenPostgres connects to Postgres with the given DSN.
func OpenPostgres(dsn string) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newSQLBackend(db, "postgres")
}

func newSQLBackend(db *sql.DB, dialect string) (*SQLBackend, error) {
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLBackend{db: db, dialect: dialect}, nil
}

// rebind rewrites ? placeholders for the active dialect.
func (b *SQLBackend) rebind(query string) string {
	if b.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var head uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM threat_log`).Scan(&head); err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if rec.Sequence != head+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, head, rec.Sequence)
	}

	if _, err := tx.ExecContext(ctx, b.rebind(`
		INSERT INTO threat_log (seq, fingerprint, kind, appended_at, payload)
		VALUES (?, ?, ?, ?, ?)`),
		rec.Sequence, rec.Event.Fingerprint, string(rec.Kind), rec.AppendedAt.UnixNano(), string(payload),
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, b.rebind(`
		INSERT INTO threat_index (fingerprint, seq) VALUES (?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET seq = excluded.seq`),
		rec.Event.Fingerprint, rec.Sequence,
	); err != nil {
		return fmt.Errorf("update index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *SQLBackend) ReadRange(ctx context.Context, after uint64, limit int) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`
		SELECT seq, kind, appended_at, payload FROM threat_log
		WHERE seq > ? ORDER BY seq LIMIT ?`), after, limit)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (b *SQLBackend) Latest(ctx context.Context, fingerprint string) (Record, bool, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`
		SELECT l.seq, l.kind, l.appended_at, l.payload
		FROM threat_index i JOIN threat_log l ON l.seq = i.seq
		WHERE i.fingerprint = ?`), fingerprint)
	if err != nil {
		return Record{}, false, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

func (b *SQLBackend) Head(ctx context.Context) (uint64, error) {
	var head uint64
	if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM threat_log`).Scan(&head); err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

func (b *SQLBackend) ScanLatest(ctx context.Context, fn func(Record) error) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT l.seq, l.kind, l.appended_at, l.payload
		FROM threat_index i JOIN threat_log l ON l.seq = i.seq
		ORDER BY l.seq`)
	if err != nil {
		return fmt.Errorf("query index: %w", err)
	}
	// Buffer first so fn may append without holding a read connection.
	recs, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLBackend) CountFingerprints(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threat_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}

func (b *SQLBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec      Record
			kind     string
			appended int64
			payload  string
		)
		if err := rows.Scan(&rec.Sequence, &kind, &appended, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", rec.Sequence, err)
		}
		rec.Kind = Kind(kind)
		rec.AppendedAt = time.Unix(0, appended).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OpenBackend opens the backend named by cfg.Backend.
func OpenBackend(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		dsn := os.Getenv(cfg.PostgresDSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("postgres DSN not found in env var: %s", cfg.PostgresDSNEnv)
		}
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
