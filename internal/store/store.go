// Package store keeps tile pyramids and attributed feature tables in a
// single GeoPackage-shaped SQLite file.
//
// The store has exactly one writer at a time: every mutation goes through a
// Tx obtained from Begin, and a Tx holds the write lock until it commits or
// rolls back. Readers run concurrently against WAL snapshots and never see a
// half-committed batch.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrUnavailable    = errors.New("store: not open")
	ErrSchemaConflict = errors.New("store: schema conflict")
	ErrInvalidName    = errors.New("store: invalid table name")
	ErrUnsupportedCRS = errors.New("store: unsupported crs")
	ErrTxDone         = errors.New("store: transaction already finished")
)

// SchemaConflictError reports why a table definition or row was rejected.
type SchemaConflictError struct {
	Table  string
	Reason string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("store: schema conflict on %s: %s", e.Table, e.Reason)
}

func (e *SchemaConflictError) Unwrap() error { return ErrSchemaConflict }

func conflict(table, format string, args ...interface{}) error {
	return &SchemaConflictError{Table: table, Reason: fmt.Sprintf(format, args...)}
}

// Store is an open spatial store file.
type Store struct {
	db     *sql.DB
	path   string
	wmu    sync.Mutex
	closed atomic.Bool
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path is the file the store was opened from.
func (s *Store) Path() string { return s.path }

// Close waits for the active writer, if any, and closes the file.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.closed.Load() {
		return ErrUnavailable
	}
	return nil
}

const coreSchema = `
PRAGMA application_id = 1196444487;
PRAGMA user_version = 10300;

CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
	srs_name TEXT NOT NULL,
	srs_id INTEGER NOT NULL PRIMARY KEY,
	organization TEXT NOT NULL,
	organization_coordsys_id INTEGER NOT NULL,
	definition TEXT NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS gpkg_contents (
	table_name TEXT NOT NULL PRIMARY KEY,
	data_type TEXT NOT NULL,
	identifier TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x DOUBLE,
	min_y DOUBLE,
	max_x DOUBLE,
	max_y DOUBLE,
	srs_id INTEGER,
	CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);

CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id INTEGER NOT NULL,
	z TINYINT NOT NULL,
	m TINYINT NOT NULL,
	CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
	CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
	CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);

CREATE TABLE IF NOT EXISTS gpkg_tile_matrix_set (
	table_name TEXT NOT NULL PRIMARY KEY,
	srs_id INTEGER NOT NULL,
	min_x DOUBLE NOT NULL,
	min_y DOUBLE NOT NULL,
	max_x DOUBLE NOT NULL,
	max_y DOUBLE NOT NULL,
	CONSTRAINT fk_gtms_table_name FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
	CONSTRAINT fk_gtms_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);

CREATE TABLE IF NOT EXISTS gpkg_tile_matrix (
	table_name TEXT NOT NULL,
	zoom_level INTEGER NOT NULL,
	matrix_width INTEGER NOT NULL,
	matrix_height INTEGER NOT NULL,
	tile_width INTEGER NOT NULL,
	tile_height INTEGER NOT NULL,
	pixel_x_size DOUBLE NOT NULL,
	pixel_y_size DOUBLE NOT NULL,
	CONSTRAINT pk_ttm PRIMARY KEY (table_name, zoom_level),
	CONSTRAINT fk_tmm_table_name FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name)
);

CREATE TABLE IF NOT EXISTS gpkg_extensions (
	table_name TEXT,
	column_name TEXT,
	extension_name TEXT NOT NULL,
	definition TEXT NOT NULL,
	scope TEXT NOT NULL,
	CONSTRAINT ge_tce UNIQUE (table_name, column_name, extension_name)
);
`

func createSchema(db *sql.DB) error {
	if _, err := db.Exec(coreSchema); err != nil {
		return err
	}
	for _, srs := range spatialRefSys {
		_, err := db.Exec(`INSERT OR IGNORE INTO gpkg_spatial_ref_sys
			(srs_name, srs_id, organization, organization_coordsys_id, definition, description)
			VALUES (?, ?, ?, ?, ?, ?)`,
			srs.name, srs.id, srs.org, srs.orgID, srs.definition, srs.description)
		if err != nil {
			return fmt.Errorf("seed srs %d: %w", srs.id, err)
		}
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SanitizeName turns an arbitrary layer name into a usable table name.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "_" + out
	}
	return out
}

func checkName(name string) error {
	if !identRe.MatchString(name) || strings.HasPrefix(strings.ToLower(name), "gpkg_") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func quote(name string) string {
	return `"` + name + `"`
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// dataType returns the gpkg_contents data_type of table, or "" if absent.
func dataType(ctx context.Context, q querier, table string) (string, error) {
	var dt string
	err := q.QueryRowContext(ctx, `SELECT data_type FROM gpkg_contents WHERE table_name = ?`, table).Scan(&dt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return dt, err
}
