// Package postgres provides the Postgres-backed catalog store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appshelf/appshelf/internal/catalog"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for catalog rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements catalog.Store on Postgres. Expected schema:
//
//	CREATE TABLE catalog_entries (
//	    id             BIGSERIAL PRIMARY KEY,
//	    short_seq      INT NOT NULL,
//	    kind           TEXT NOT NULL,
//	    name           TEXT NOT NULL DEFAULT '',
//	    folder_path    TEXT NOT NULL,
//	    primary_path   TEXT NOT NULL,
//	    interface_path TEXT NOT NULL DEFAULT '',
//	    port           INT NOT NULL DEFAULT 0,
//	    preview_path   TEXT NOT NULL DEFAULT '',
//	    file_size      BIGINT NOT NULL DEFAULT 0,
//	    checksum       TEXT NOT NULL DEFAULT '',
//	    dependencies   TEXT NOT NULL DEFAULT '',
//	    tech_stack     TEXT NOT NULL DEFAULT '',
//	    enriched       BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    last_modified  TIMESTAMPTZ NOT NULL,
//	    last_scanned   TIMESTAMPTZ NOT NULL,
//	    UNIQUE (primary_path, folder_path),
//	    UNIQUE (kind, short_seq)
//	);
type Store struct {
	pool  pool
	table string
}

const entryColumns = `id, short_seq, kind, name, folder_path, primary_path,
interface_path, port, preview_path, file_size, checksum, dependencies,
tech_stack, enriched, created_at, last_modified, last_scanned`

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "catalog_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, table: table}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "catalog_entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert inserts or updates by (primary_path, folder_path). For new rows
// the per-kind sequence is computed inside the INSERT itself, so read-max
// and insert cannot race; the UNIQUE (kind, short_seq) index backstops
// concurrent inserts and the loser retries once.
func (s *Store) Upsert(ctx context.Context, entry catalog.Entry) (catalog.Entry, error) {
	if !entry.Kind.Valid() {
		return catalog.Entry{}, fmt.Errorf("upsert: unknown kind %q", entry.Kind)
	}

	existing, err := s.GetByPath(ctx, entry.PrimaryPath, entry.FolderPath)
	switch {
	case err == nil:
		return s.update(ctx, existing, entry)
	case errors.Is(err, catalog.ErrNotFound):
		stored, err := s.insert(ctx, entry)
		if err != nil && isUniqueViolation(err) {
			// Lost a sequence race with a concurrent insert of the
			// same kind; one retry gets the next number.
			return s.insert(ctx, entry)
		}
		return stored, err
	default:
		return catalog.Entry{}, err
	}
}

func (s *Store) insert(ctx context.Context, entry catalog.Entry) (catalog.Entry, error) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = entry.LastScanned
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	short_seq, kind, name, folder_path, primary_path, interface_path,
	port, file_size, checksum, dependencies, tech_stack, enriched,
	created_at, last_modified, last_scanned
) VALUES (
	(SELECT COALESCE(MAX(short_seq), 0) + 1 FROM %[1]s WHERE kind = $1),
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
RETURNING `+entryColumns, s.table)

	row := s.pool.QueryRow(ctx, query,
		string(entry.Kind),
		entry.Name,
		entry.FolderPath,
		entry.PrimaryPath,
		entry.InterfacePath,
		entry.Port,
		entry.FileSize,
		entry.Checksum,
		entry.Dependencies,
		entry.TechStack,
		entry.Enriched,
		createdAt,
		entry.LastModified,
		entry.LastScanned,
	)
	stored, err := scanEntry(row)
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return stored, nil
}

func (s *Store) update(ctx context.Context, existing, entry catalog.Entry) (catalog.Entry, error) {
	if !entry.LastModified.IsZero() && entry.LastModified.Equal(existing.LastModified) {
		// Unchanged file: only note that we saw it.
		query := fmt.Sprintf(
			`UPDATE %s SET last_scanned = $1 WHERE id = $2 RETURNING `+entryColumns, s.table)
		stored, err := scanEntry(s.pool.QueryRow(ctx, query, entry.LastScanned, existing.ID))
		if err != nil {
			return catalog.Entry{}, fmt.Errorf("touch entry: %w", err)
		}
		return stored, nil
	}

	query := fmt.Sprintf(`
UPDATE %s SET
	name = $1, interface_path = $2, port = $3, file_size = $4, checksum = $5,
	dependencies = $6, tech_stack = $7, last_modified = $8, last_scanned = $9
WHERE id = $10
RETURNING `+entryColumns, s.table)

	stored, err := scanEntry(s.pool.QueryRow(ctx, query,
		entry.Name,
		entry.InterfacePath,
		entry.Port,
		entry.FileSize,
		entry.Checksum,
		entry.Dependencies,
		entry.TechStack,
		entry.LastModified,
		entry.LastScanned,
		existing.ID,
	))
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("update entry: %w", err)
	}
	return stored, nil
}

// GetAll returns every entry ordered by insertion.
func (s *Store) GetAll(ctx context.Context) ([]catalog.Entry, error) {
	query := fmt.Sprintf(`SELECT `+entryColumns+` FROM %s ORDER BY id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []catalog.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// GetByShortID fetches one entry by its display identifier.
func (s *Store) GetByShortID(ctx context.Context, id catalog.ShortID) (catalog.Entry, error) {
	query := fmt.Sprintf(
		`SELECT `+entryColumns+` FROM %s WHERE kind = $1 AND short_seq = $2`, s.table)
	entry, err := scanEntry(s.pool.QueryRow(ctx, query, string(id.Kind), id.Seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Entry{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// GetByPath fetches one entry by its unique path pair.
func (s *Store) GetByPath(ctx context.Context, primaryPath, folderPath string) (catalog.Entry, error) {
	query := fmt.Sprintf(
		`SELECT `+entryColumns+` FROM %s WHERE primary_path = $1 AND folder_path = $2`, s.table)
	entry, err := scanEntry(s.pool.QueryRow(ctx, query, primaryPath, folderPath))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Entry{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("get entry by path: %w", err)
	}
	return entry, nil
}

// SetPreviewPath records a captured preview image.
func (s *Store) SetPreviewPath(ctx context.Context, id catalog.ShortID, previewPath string) error {
	return s.setPreview(ctx, id, previewPath)
}

// ClearPreviewPath drops a stale preview reference.
func (s *Store) ClearPreviewPath(ctx context.Context, id catalog.ShortID) error {
	return s.setPreview(ctx, id, "")
}

func (s *Store) setPreview(ctx context.Context, id catalog.ShortID, previewPath string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET preview_path = $1 WHERE kind = $2 AND short_seq = $3`, s.table)
	tag, err := s.pool.Exec(ctx, query, previewPath, string(id.Kind), id.Seq)
	if err != nil {
		return fmt.Errorf("set preview path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// Remove deletes one entry. Sequences are never rewound, so ids are not
// reused after deletion.
func (s *Store) Remove(ctx context.Context, id catalog.ShortID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE kind = $1 AND short_seq = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(id.Kind), id.Seq)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// RemoveByFolder deletes every entry under folderPath and returns the count.
func (s *Store) RemoveByFolder(ctx context.Context, folderPath string) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE folder_path = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, folderPath)
	if err != nil {
		return 0, fmt.Errorf("delete folder entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RemoveMissing sweeps entries whose primary file no longer exists, as
// judged by the supplied callback.
func (s *Store) RemoveMissing(ctx context.Context, exists func(path string) bool) (int, error) {
	entries, err := s.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if exists(entry.PrimaryPath) {
			continue
		}
		if err := s.Remove(ctx, entry.ShortID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// scanEntry reads one row in entryColumns order.
func scanEntry(row pgx.Row) (catalog.Entry, error) {
	var (
		entry catalog.Entry
		seq   int
		kind  string
	)
	err := row.Scan(
		&entry.ID,
		&seq,
		&kind,
		&entry.Name,
		&entry.FolderPath,
		&entry.PrimaryPath,
		&entry.InterfacePath,
		&entry.Port,
		&entry.PreviewPath,
		&entry.FileSize,
		&entry.Checksum,
		&entry.Dependencies,
		&entry.TechStack,
		&entry.Enriched,
		&entry.CreatedAt,
		&entry.LastModified,
		&entry.LastScanned,
	)
	if err != nil {
		return catalog.Entry{}, err
	}
	entry.Kind = catalog.Kind(kind)
	entry.ShortID = catalog.ShortID{Kind: entry.Kind, Seq: seq}
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
