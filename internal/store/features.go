package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// ScalarType is the storage type of an attribute column.
type ScalarType string

const (
	Integer ScalarType = "INTEGER"
	Real    ScalarType = "REAL"
	Text    ScalarType = "TEXT"
	Boolean ScalarType = "BOOLEAN"
)

func (t ScalarType) valid() bool {
	switch t {
	case Integer, Real, Text, Boolean:
		return true
	}
	return false
}

// Column is one attribute column of a feature table.
type Column struct {
	Name string     `json:"name"`
	Type ScalarType `json:"type"`
}

// FeatureTable describes a stored feature table.
type FeatureTable struct {
	Name           string    `json:"name"`
	Columns        []Column  `json:"columns"`
	GeometryColumn string    `json:"geometryColumn"`
	GeometryType   string    `json:"geometryType"`
	CRS            int       `json:"crs"`
	Extent         orb.Bound `json:"-"`
	HasExtent      bool      `json:"-"`
}

// FeatureRow is a single feature. ID is the stable source identifier and
// is the upsert key.
type FeatureRow struct {
	ID         int64
	Attributes map[string]interface{}
	Geometry   orb.Geometry
}

// BBoxFilter restricts a query to features whose geometry intersects
// Bound, expressed in CRS.
type BBoxFilter struct {
	Bound orb.Bound
	CRS   int
}

const fidColumn = "fid"

func (ft *FeatureTable) normalize() error {
	if ft.GeometryColumn == "" {
		ft.GeometryColumn = "geom"
	}
	if ft.GeometryType == "" {
		ft.GeometryType = "GEOMETRY"
	}
	ft.GeometryType = strings.ToUpper(ft.GeometryType)
	if ft.CRS == 0 {
		ft.CRS = CRS84
	}
	if err := checkName(ft.Name); err != nil {
		return err
	}
	if !identRe.MatchString(ft.GeometryColumn) || strings.EqualFold(ft.GeometryColumn, fidColumn) {
		return conflict(ft.Name, "invalid geometry column %q", ft.GeometryColumn)
	}
	seen := map[string]bool{fidColumn: true}
	seen[strings.ToLower(ft.GeometryColumn)] = true
	for _, c := range ft.Columns {
		if !identRe.MatchString(c.Name) {
			return conflict(ft.Name, "invalid column name %q", c.Name)
		}
		if seen[strings.ToLower(c.Name)] {
			return conflict(ft.Name, "duplicate column %q", c.Name)
		}
		seen[strings.ToLower(c.Name)] = true
		if !c.Type.valid() {
			return conflict(ft.Name, "column %q has unsupported type %q", c.Name, c.Type)
		}
	}
	return nil
}

func (ft *FeatureTable) column(name string) (int, Column, bool) {
	for i, c := range ft.Columns {
		if c.Name == name {
			return i, c, true
		}
	}
	return 0, Column{}, false
}

// sameSchema reports the first difference between two table definitions.
func (ft *FeatureTable) sameSchema(o *FeatureTable) error {
	if !strings.EqualFold(ft.GeometryColumn, o.GeometryColumn) {
		return conflict(ft.Name, "geometry column %q, existing %q", o.GeometryColumn, ft.GeometryColumn)
	}
	if ft.CRS != o.CRS {
		return conflict(ft.Name, "crs %d, existing %d", o.CRS, ft.CRS)
	}
	if len(ft.Columns) != len(o.Columns) {
		return conflict(ft.Name, "%d columns, existing %d", len(o.Columns), len(ft.Columns))
	}
	for i, c := range ft.Columns {
		oc := o.Columns[i]
		if !strings.EqualFold(c.Name, oc.Name) || c.Type != oc.Type {
			return conflict(ft.Name, "column %d is %s %s, existing %s %s", i, oc.Name, oc.Type, c.Name, c.Type)
		}
	}
	return nil
}

// Values checks row against the table schema and returns the attribute
// values in column order, converted to their storage form. Unknown
// columns and values of the wrong type are schema conflicts.
func (ft *FeatureTable) Values(row FeatureRow) ([]interface{}, error) {
	values := make([]interface{}, len(ft.Columns))
	for name, v := range row.Attributes {
		i, c, ok := ft.column(name)
		if !ok {
			return nil, conflict(ft.Name, "unknown column %q in feature %d", name, row.ID)
		}
		sv, err := convert(v, c.Type)
		if err != nil {
			return nil, conflict(ft.Name, "feature %d column %q: %v", row.ID, name, err)
		}
		values[i] = sv
	}
	return values, nil
}

func convert(v interface{}, t ScalarType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Integer:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) && !math.IsInf(n, 0) {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
	case Real:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
	case Text:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Boolean:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	}
	return nil, fmt.Errorf("%T is not %s", v, t)
}

// scan turns a stored attribute back into its Go form.
func scan(v interface{}, t ScalarType) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case int64:
		switch t {
		case Boolean:
			return x != 0
		case Real:
			return float64(x)
		}
	}
	return v
}

func loadFeatureTable(ctx context.Context, q querier, name string) (*FeatureTable, error) {
	ft := &FeatureTable{Name: name}
	var minX, minY, maxX, maxY sql.NullFloat64
	err := q.QueryRowContext(ctx, `SELECT g.column_name, g.geometry_type_name, g.srs_id,
			c.min_x, c.min_y, c.max_x, c.max_y
		FROM gpkg_contents c JOIN gpkg_geometry_columns g ON g.table_name = c.table_name
		WHERE c.table_name = ? AND c.data_type = 'features'`, name).
		Scan(&ft.GeometryColumn, &ft.GeometryType, &ft.CRS, &minX, &minY, &maxX, &maxY)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: feature table %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load table %s: %w", name, err)
	}
	if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
		ft.Extent = orb.Bound{Min: orb.Point{minX.Float64, minY.Float64}, Max: orb.Point{maxX.Float64, maxY.Float64}}
		ft.HasExtent = true
	}

	rows, err := q.QueryContext(ctx, `PRAGMA table_info(`+quote(name)+`)`)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			col, typ         string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		if strings.EqualFold(col, fidColumn) || strings.EqualFold(col, ft.GeometryColumn) {
			continue
		}
		ft.Columns = append(ft.Columns, Column{Name: col, Type: ScalarType(strings.ToUpper(typ))})
	}
	return ft, rows.Err()
}

// CreateFeatureTable creates ft if it does not exist. Creating a table
// that already exists with the same schema is a no-op; a different schema
// is a SchemaConflictError.
func (s *Store) CreateFeatureTable(ctx context.Context, ft FeatureTable) error {
	if err := ft.normalize(); err != nil {
		return err
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.CreateFeatureTable(ctx, ft); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateFeatureTable is the transactional form of Store.CreateFeatureTable.
func (t *Tx) CreateFeatureTable(ctx context.Context, ft FeatureTable) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := ft.normalize(); err != nil {
		return err
	}
	dt, err := dataType(ctx, t.tx, ft.Name)
	if err != nil {
		return err
	}
	switch dt {
	case "":
	case "features":
		existing, err := t.featureTable(ctx, ft.Name)
		if err != nil {
			return err
		}
		return existing.sameSchema(&ft)
	default:
		return conflict(ft.Name, "exists as %s", dt)
	}

	cols := []string{fidColumn + " INTEGER PRIMARY KEY NOT NULL", quote(ft.GeometryColumn) + " BLOB"}
	for _, c := range ft.Columns {
		cols = append(cols, quote(c.Name)+" "+string(c.Type))
	}
	rtree := "rtree_" + ft.Name + "_" + ft.GeometryColumn
	stmts := []struct {
		sql  string
		args []interface{}
	}{
		{`CREATE TABLE ` + quote(ft.Name) + ` (` + strings.Join(cols, ", ") + `)`, nil},
		{`CREATE VIRTUAL TABLE ` + quote(rtree) + ` USING rtree(id, minx, maxx, miny, maxy)`, nil},
		{`INSERT INTO gpkg_contents (table_name, data_type, identifier, srs_id) VALUES (?, 'features', ?, ?)`,
			[]interface{}{ft.Name, ft.Name, ft.CRS}},
		{`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m)
			VALUES (?, ?, ?, ?, 0, 0)`, []interface{}{ft.Name, ft.GeometryColumn, ft.GeometryType, ft.CRS}},
		{`INSERT INTO gpkg_extensions (table_name, column_name, extension_name, definition, scope)
			VALUES (?, ?, 'gpkg_rtree_index', 'http://www.geopackage.org/spec120/#extension_rtree', 'write-only')`,
			[]interface{}{ft.Name, ft.GeometryColumn}},
	}
	for _, st := range stmts {
		if _, err := t.tx.ExecContext(ctx, st.sql, st.args...); err != nil {
			return fmt.Errorf("create table %s: %w", ft.Name, err)
		}
	}
	t.tables[ft.Name] = &ft
	return nil
}

// UpsertFeatureRows inserts rows, replacing any stored row with the same
// ID. A row that does not fit the schema fails the whole call.
func (t *Tx) UpsertFeatureRows(ctx context.Context, table string, rows []FeatureRow) error {
	if err := t.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	ft, err := t.featureTable(ctx, table)
	if err != nil {
		return err
	}

	names := []string{fidColumn, quote(ft.GeometryColumn)}
	sets := []string{quote(ft.GeometryColumn) + " = excluded." + quote(ft.GeometryColumn)}
	for _, c := range ft.Columns {
		names = append(names, quote(c.Name))
		sets = append(sets, quote(c.Name)+" = excluded."+quote(c.Name))
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	upsert, err := t.tx.PrepareContext(ctx, `INSERT INTO `+quote(table)+` (`+strings.Join(names, ", ")+`)
		VALUES (`+marks+`) ON CONFLICT(`+fidColumn+`) DO UPDATE SET `+strings.Join(sets, ", "))
	if err != nil {
		return fmt.Errorf("prepare upsert %s: %w", table, err)
	}
	defer upsert.Close()

	rtree := quote("rtree_" + table + "_" + ft.GeometryColumn)
	index, err := t.tx.PrepareContext(ctx, `INSERT OR REPLACE INTO `+rtree+` (id, minx, maxx, miny, maxy) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare index %s: %w", table, err)
	}
	defer index.Close()
	unindex, err := t.tx.PrepareContext(ctx, `DELETE FROM `+rtree+` WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare unindex %s: %w", table, err)
	}
	defer unindex.Close()

	for _, row := range rows {
		values, err := ft.Values(row)
		if err != nil {
			return err
		}
		blob, err := encodeGeometry(row.Geometry, ft.CRS)
		if err != nil {
			return fmt.Errorf("feature %d: %w", row.ID, err)
		}
		args := append([]interface{}{row.ID, blob}, values...)
		if _, err := upsert.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert %s/%d: %w", table, row.ID, err)
		}
		if row.Geometry == nil {
			if _, err := unindex.ExecContext(ctx, row.ID); err != nil {
				return fmt.Errorf("unindex %s/%d: %w", table, row.ID, err)
			}
			continue
		}
		b := row.Geometry.Bound()
		if _, err := index.ExecContext(ctx, row.ID, b.Min[0], b.Max[0], b.Min[1], b.Max[1]); err != nil {
			return fmt.Errorf("index %s/%d: %w", table, row.ID, err)
		}
		t.grow(table, b)
	}
	return nil
}

// ClearFeatureTable removes every row of table inside the transaction.
func (t *Tx) ClearFeatureTable(ctx context.Context, table string) error {
	if err := t.check(); err != nil {
		return err
	}
	ft, err := t.featureTable(ctx, table)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+quote(table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+quote("rtree_"+table+"_"+ft.GeometryColumn)); err != nil {
		return fmt.Errorf("clear index %s: %w", table, err)
	}
	delete(t.extents, table)
	t.replaced[table] = true
	return nil
}

// ReplaceFeatureTable swaps the contents of table for rows in one
// transaction. Readers see either the old rows or the new rows.
func (s *Store) ReplaceFeatureTable(ctx context.Context, table string, rows []FeatureRow) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.ClearFeatureTable(ctx, table); err != nil {
		return err
	}
	if err := tx.UpsertFeatureRows(ctx, table, rows); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertFeatureRows writes rows in a transaction of their own.
func (s *Store) UpsertFeatureRows(ctx context.Context, table string, rows []FeatureRow) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.UpsertFeatureRows(ctx, table, rows); err != nil {
		return err
	}
	return tx.Commit()
}

// FeatureTable returns the schema of table.
func (s *Store) FeatureTable(ctx context.Context, table string) (*FeatureTable, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return loadFeatureTable(ctx, s.db, table)
}

// FeatureTables lists every feature table ordered by name.
func (s *Store) FeatureTables(ctx context.Context) ([]*FeatureTable, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT table_name FROM gpkg_contents
		WHERE data_type = 'features' ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]*FeatureTable, 0, len(names))
	for _, name := range names {
		ft, err := loadFeatureTable(ctx, s.db, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, ft)
	}
	return tables, nil
}

// CountFeatures returns the number of rows in table.
func (s *Store) CountFeatures(ctx context.Context, table string) (int64, error) {
	if _, err := s.FeatureTable(ctx, table); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+quote(table)).Scan(&n)
	return n, err
}

// QueryFeatures returns the rows of table ordered by ID. With a filter,
// only rows whose geometry intersects the filter bound are returned,
// edges included. The filter is reprojected into the table CRS first.
// A missing table is ErrNotFound; no matches is an empty slice.
func (s *Store) QueryFeatures(ctx context.Context, table string, filter *BBoxFilter) ([]FeatureRow, error) {
	ft, err := s.FeatureTable(ctx, table)
	if err != nil {
		return nil, err
	}

	cols := []string{"t." + fidColumn, "t." + quote(ft.GeometryColumn)}
	for _, c := range ft.Columns {
		cols = append(cols, "t."+quote(c.Name))
	}
	query := `SELECT ` + strings.Join(cols, ", ") + ` FROM ` + quote(table) + ` t`
	var (
		args   []interface{}
		bound  orb.Bound
		refine bool
	)
	if filter != nil {
		crs := filter.CRS
		if crs == 0 {
			crs = CRS84
		}
		bound, err = Reproject(filter.Bound, crs, ft.CRS)
		if err != nil {
			return nil, err
		}
		refine = true
		query += ` JOIN ` + quote("rtree_"+table+"_"+ft.GeometryColumn) + ` r ON r.id = t.` + fidColumn +
			` WHERE r.maxx >= ? AND r.minx <= ? AND r.maxy >= ? AND r.miny <= ?`
		args = append(args, bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1])
	}
	query += ` ORDER BY t.` + fidColumn

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := []FeatureRow{}
	for rows.Next() {
		var (
			row  FeatureRow
			blob []byte
		)
		values := make([]interface{}, len(ft.Columns))
		dest := []interface{}{&row.ID, &blob}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row.Geometry, _, err = decodeGeometry(blob)
		if err != nil {
			return nil, fmt.Errorf("%s/%d: %w", table, row.ID, err)
		}
		if refine && !intersects(row.Geometry, bound) {
			continue
		}
		row.Attributes = make(map[string]interface{}, len(values))
		for i, c := range ft.Columns {
			row.Attributes[c.Name] = scan(values[i], c.Type)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
