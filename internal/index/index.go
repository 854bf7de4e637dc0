// Package index maintains a SQLite query cache over the shard tree.
//
// The shard files in the repository are the source of truth. The cache is
// rebuilt from a loaded shard set and answers the status queries that would
// otherwise need a full walk of the tree: per-subdir totals, how many shards
// are re-hosted, and how many shards carry each label.
//
// The database runs embedded with WAL so a status query can read while a
// rebuild writes.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/shard"
)

// DB wraps the cache connection.
type DB struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Opt configures a DB.
type Opt func(*DB)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(db *DB) {
		db.logger = logger
	}
}

// Open opens or creates the cache at path and initializes its schema.
// The caller must call Close.
func Open(ctx context.Context, path string, opts ...Opt) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// pragmas in the DSN apply to every pooled connection
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(db)
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS shards (
		subdir TEXT NOT NULL,
		package TEXT NOT NULL,
		url TEXT NOT NULL,
		rehosted INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (subdir, package)
	);

	CREATE TABLE IF NOT EXISTS labels (
		subdir TEXT NOT NULL,
		package TEXT NOT NULL,
		label TEXT NOT NULL,
		PRIMARY KEY (subdir, package, label),
		FOREIGN KEY (subdir, package) REFERENCES shards(subdir, package) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_shards_rehosted ON shards(subdir, rehosted);
	CREATE INDEX IF NOT EXISTS idx_labels_label ON labels(label);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Rebuild replaces the cache contents with set in one transaction.
// isMirror classifies shard URLs that are not yet re-hosted.
func (db *DB) Rebuild(ctx context.Context, set *shard.Set, isMirror func(url string) bool) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"labels", "shards"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	insShard, err := tx.PrepareContext(ctx, `INSERT INTO shards (subdir, package, url, rehosted, size) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare shard insert: %w", err)
	}
	defer insShard.Close()

	insLabel, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO labels (subdir, package, label) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare label insert: %w", err)
	}
	defer insLabel.Close()

	for _, key := range set.Keys() {
		sh, _ := set.Get(key)
		rehosted := 0
		if !isMirror(sh.URL) {
			rehosted = 1
		}
		if _, err := insShard.ExecContext(ctx, sh.Subdir, sh.Package, sh.URL, rehosted, sh.Size()); err != nil {
			return fmt.Errorf("failed to insert shard %s: %w", key, err)
		}
		for _, label := range sh.Labels {
			if _, err := insLabel.ExecContext(ctx, sh.Subdir, sh.Package, label); err != nil {
				return fmt.Errorf("failed to insert label %s of %s: %w", label, key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	db.logger.Debug("rebuilt index", zap.Int("shards", set.Len()), zap.String("path", db.path))
	return nil
}

// SubdirStatus is the shard count of one subdir.
type SubdirStatus struct {
	Subdir   string
	Total    int
	Rehosted int
	Bytes    int64
}

// Mirror returns the number of shards still pointing at the mirror.
func (s SubdirStatus) Mirror() int {
	return s.Total - s.Rehosted
}

// LabelCount is the number of shards carrying a label.
type LabelCount struct {
	Label string
	Count int
}

// Subdirs returns per-subdir totals ordered by subdir.
func (db *DB) Subdirs(ctx context.Context) ([]SubdirStatus, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT subdir, COUNT(*), COALESCE(SUM(rehosted), 0), COALESCE(SUM(size), 0)
	FROM shards
	GROUP BY subdir
	ORDER BY subdir
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subdirs: %w", err)
	}
	defer rows.Close()

	var out []SubdirStatus
	for rows.Next() {
		var s SubdirStatus
		if err := rows.Scan(&s.Subdir, &s.Total, &s.Rehosted, &s.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan subdir: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Labels returns per-label shard counts, busiest first.
func (db *DB) Labels(ctx context.Context) ([]LabelCount, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT label, COUNT(*) AS n
	FROM labels
	GROUP BY label
	ORDER BY n DESC, label ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	var out []LabelCount
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Pending returns up to limit keys still pointing at the mirror, in key
// order.
func (db *DB) Pending(ctx context.Context, limit int) ([]shard.Key, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT subdir, package FROM shards
	WHERE rehosted = 0
	ORDER BY subdir, package
	LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending: %w", err)
	}
	defer rows.Close()

	var out []shard.Key
	for rows.Next() {
		var k shard.Key
		if err := rows.Scan(&k.Subdir, &k.Package); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
