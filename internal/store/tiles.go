package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"tilecache/internal/tilemath"
)

// TileRecord is one stored tile.
type TileRecord struct {
	Tile   maptile.Tile
	Data   []byte
	Format Format
}

// Pyramid is the registered metadata of a tile table. Bounds are in
// EPSG:3857.
type Pyramid struct {
	Table   string
	MinZoom int
	MaxZoom int
	Bounds  orb.Bound
}

var worldBound = orb.Bound{
	Min: orb.Point{-tilemath.WorldExtent, -tilemath.WorldExtent},
	Max: orb.Point{tilemath.WorldExtent, tilemath.WorldExtent},
}

// CreateOrUpdateTilePyramid registers table as a tile pyramid covering
// minZoom..maxZoom, creating the tile table if needed. Calling it again
// widens the zoom range and bounds; it never removes tiles.
func (s *Store) CreateOrUpdateTilePyramid(ctx context.Context, table string, minZoom, maxZoom int, bounds orb.Bound) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.CreateOrUpdateTilePyramid(ctx, table, minZoom, maxZoom, bounds); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateOrUpdateTilePyramid is the transactional form of
// Store.CreateOrUpdateTilePyramid.
func (t *Tx) CreateOrUpdateTilePyramid(ctx context.Context, table string, minZoom, maxZoom int, bounds orb.Bound) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := checkName(table); err != nil {
		return err
	}
	for _, z := range []int{minZoom, maxZoom} {
		if err := tilemath.CheckZoom(z); err != nil {
			return err
		}
	}
	if minZoom > maxZoom {
		return fmt.Errorf("%w: min %d above max %d", tilemath.ErrInvalidZoom, minZoom, maxZoom)
	}

	dt, err := dataType(ctx, t.tx, table)
	if err != nil {
		return err
	}
	switch dt {
	case "":
		_, err = t.tx.ExecContext(ctx, `CREATE TABLE `+quote(table)+` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL,
			UNIQUE (zoom_level, tile_column, tile_row))`)
		if err != nil {
			return fmt.Errorf("create tile table %s: %w", table, err)
		}
		_, err = t.tx.ExecContext(ctx, `INSERT INTO gpkg_contents
			(table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
			VALUES (?, 'tiles', ?, ?, ?, ?, ?, ?)`,
			table, table, bounds.Min[0], bounds.Min[1], bounds.Max[0], bounds.Max[1], WebMercator)
		if err != nil {
			return fmt.Errorf("register %s: %w", table, err)
		}
		_, err = t.tx.ExecContext(ctx, `INSERT INTO gpkg_tile_matrix_set
			(table_name, srs_id, min_x, min_y, max_x, max_y) VALUES (?, ?, ?, ?, ?, ?)`,
			table, WebMercator, worldBound.Min[0], worldBound.Min[1], worldBound.Max[0], worldBound.Max[1])
		if err != nil {
			return fmt.Errorf("register matrix set %s: %w", table, err)
		}
	case "tiles":
		p, err := loadPyramid(ctx, t.tx, table)
		if err != nil {
			return err
		}
		b := p.Bounds.Union(bounds)
		_, err = t.tx.ExecContext(ctx, `UPDATE gpkg_contents SET min_x = ?, min_y = ?, max_x = ?, max_y = ?,
			last_change = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE table_name = ?`,
			b.Min[0], b.Min[1], b.Max[0], b.Max[1], table)
		if err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
	default:
		return conflict(table, "exists as %s", dt)
	}

	for z := minZoom; z <= maxZoom; z++ {
		n := tilemath.MatrixSize(maptile.Zoom(z))
		px := tilemath.PixelSize(maptile.Zoom(z))
		_, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO gpkg_tile_matrix
			(table_name, zoom_level, matrix_width, matrix_height, tile_width, tile_height, pixel_x_size, pixel_y_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			table, z, n, n, tilemath.TileSize, tilemath.TileSize, px, px)
		if err != nil {
			return fmt.Errorf("register zoom %d of %s: %w", z, table, err)
		}
	}
	delete(t.zooms, table)
	return nil
}

func loadPyramid(ctx context.Context, q querier, table string) (*Pyramid, error) {
	p := &Pyramid{Table: table}
	var minX, minY, maxX, maxY sql.NullFloat64
	var minZ, maxZ sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT c.min_x, c.min_y, c.max_x, c.max_y,
			(SELECT min(zoom_level) FROM gpkg_tile_matrix m WHERE m.table_name = c.table_name),
			(SELECT max(zoom_level) FROM gpkg_tile_matrix m WHERE m.table_name = c.table_name)
		FROM gpkg_contents c WHERE c.table_name = ? AND c.data_type = 'tiles'`, table).
		Scan(&minX, &minY, &maxX, &maxY, &minZ, &maxZ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tile table %s", ErrNotFound, table)
	}
	if err != nil {
		return nil, fmt.Errorf("load pyramid %s: %w", table, err)
	}
	p.Bounds = orb.Bound{Min: orb.Point{minX.Float64, minY.Float64}, Max: orb.Point{maxX.Float64, maxY.Float64}}
	p.MinZoom, p.MaxZoom = int(minZ.Int64), int(maxZ.Int64)
	return p, nil
}

// TilePyramid returns the registered metadata of table.
func (s *Store) TilePyramid(ctx context.Context, table string) (*Pyramid, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return loadPyramid(ctx, s.db, table)
}

// TilePyramids lists every tile table ordered by name.
func (s *Store) TilePyramids(ctx context.Context) ([]*Pyramid, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT table_name FROM gpkg_contents
		WHERE data_type = 'tiles' ORDER BY table_name`)
	if err != nil {
		return nil, err
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
	out := make([]*Pyramid, 0, len(names))
	for _, name := range names {
		p, err := loadPyramid(ctx, s.db, name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PutTile stores rec, replacing any tile at the same address. The zoom
// level must already be registered on the pyramid.
func (t *Tx) PutTile(ctx context.Context, table string, rec TileRecord) error {
	if err := t.check(); err != nil {
		return err
	}
	if !rec.Tile.Valid() {
		return fmt.Errorf("%w: %d/%d/%d", tilemath.ErrInvalidCoordinate, rec.Tile.Z, rec.Tile.X, rec.Tile.Y)
	}
	zooms, ok := t.zooms[table]
	if !ok {
		if dt, err := dataType(ctx, t.tx, table); err != nil {
			return err
		} else if dt != "tiles" {
			return fmt.Errorf("%w: tile table %s", ErrNotFound, table)
		}
		rows, err := t.tx.QueryContext(ctx, `SELECT zoom_level FROM gpkg_tile_matrix WHERE table_name = ?`, table)
		if err != nil {
			return err
		}
		zooms = make(map[int]bool)
		for rows.Next() {
			var z int
			if err := rows.Scan(&z); err != nil {
				rows.Close()
				return err
			}
			zooms[z] = true
		}
		rows.Close()
		t.zooms[table] = zooms
	}
	if !zooms[int(rec.Tile.Z)] {
		return conflict(table, "zoom %d is not registered", rec.Tile.Z)
	}

	_, err := t.tx.ExecContext(ctx, `INSERT INTO `+quote(table)+` (zoom_level, tile_column, tile_row, tile_data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`,
		int(rec.Tile.Z), int64(rec.Tile.X), int64(rec.Tile.Y), rec.Data)
	if err != nil {
		return fmt.Errorf("put tile %s/%d/%d/%d: %w", table, rec.Tile.Z, rec.Tile.X, rec.Tile.Y, err)
	}
	return nil
}

// PutTile writes one tile in a transaction of its own.
func (s *Store) PutTile(ctx context.Context, table string, rec TileRecord) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.PutTile(ctx, table, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTile reads one tile. A missing table or tile is ErrNotFound.
func (s *Store) GetTile(ctx context.Context, table string, tile maptile.Tile) (*TileRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := checkName(table); err != nil {
		return nil, fmt.Errorf("%w: tile table %s", ErrNotFound, table)
	}
	dt, err := dataType(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	if dt != "tiles" {
		return nil, fmt.Errorf("%w: tile table %s", ErrNotFound, table)
	}
	rec := &TileRecord{Tile: tile}
	err = s.db.QueryRowContext(ctx, `SELECT tile_data FROM `+quote(table)+`
		WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		int(tile.Z), int64(tile.X), int64(tile.Y)).Scan(&rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tile %s/%d/%d/%d", ErrNotFound, table, tile.Z, tile.X, tile.Y)
	}
	if err != nil {
		return nil, fmt.Errorf("get tile: %w", err)
	}
	rec.Format = DetectFormat(rec.Data)
	return rec, nil
}

// HasTile reports whether a tile is stored at the address.
func (s *Store) HasTile(ctx context.Context, table string, tile maptile.Tile) (bool, error) {
	_, err := s.GetTile(ctx, table, tile)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// WalkTiles calls fn for every tile of table ordered by zoom, column and
// row. An error from fn stops the walk and is returned.
func (s *Store) WalkTiles(ctx context.Context, table string, fn func(TileRecord) error) error {
	if _, err := s.TilePyramid(ctx, table); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT zoom_level, tile_column, tile_row, tile_data FROM `+quote(table)+`
		ORDER BY zoom_level, tile_column, tile_row`)
	if err != nil {
		return fmt.Errorf("walk %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			z       int
			x, y    int64
			payload []byte
		)
		if err := rows.Scan(&z, &x, &y, &payload); err != nil {
			return err
		}
		rec := TileRecord{
			Tile:   maptile.New(uint32(x), uint32(y), maptile.Zoom(z)),
			Data:   payload,
			Format: DetectFormat(payload),
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountTiles returns the number of tiles stored in table.
func (s *Store) CountTiles(ctx context.Context, table string) (int64, error) {
	if _, err := s.TilePyramid(ctx, table); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+quote(table)).Scan(&n)
	return n, err
}
