package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paulmach/orb"
)

// Tx is the store's single write transaction. Everything written through
// a Tx becomes visible to readers at once on Commit, or not at all.
type Tx struct {
	s    *Store
	tx   *sql.Tx
	done bool

	tables   map[string]*FeatureTable
	zooms    map[string]map[int]bool
	extents  map[string]orb.Bound
	replaced map[string]bool
}

// Begin waits for the write lock and opens a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.wmu.Lock()
	if s.closed.Load() {
		s.wmu.Unlock()
		return nil, ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.wmu.Unlock()
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{
		s:        s,
		tx:       tx,
		tables:   make(map[string]*FeatureTable),
		zooms:    make(map[string]map[int]bool),
		extents:  make(map[string]orb.Bound),
		replaced: make(map[string]bool),
	}, nil
}

// Commit publishes the transaction and releases the write lock.
func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.s.wmu.Unlock()

	if err := t.flushExtents(context.Background()); err != nil {
		_ = t.tx.Rollback()
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback discards the transaction. It is a no-op after Commit, so it is
// safe to defer.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.wmu.Unlock()
	return t.tx.Rollback()
}

func (t *Tx) check() error {
	if t.done {
		return ErrTxDone
	}
	return nil
}

func (t *Tx) featureTable(ctx context.Context, name string) (*FeatureTable, error) {
	if ft, ok := t.tables[name]; ok {
		return ft, nil
	}
	ft, err := loadFeatureTable(ctx, t.tx, name)
	if err != nil {
		return nil, err
	}
	t.tables[name] = ft
	return ft, nil
}

func (t *Tx) grow(table string, b orb.Bound) {
	if cur, ok := t.extents[table]; ok {
		t.extents[table] = cur.Union(b)
		return
	}
	t.extents[table] = b
}

// flushExtents folds the bounds written in this transaction into
// gpkg_contents.
func (t *Tx) flushExtents(ctx context.Context) error {
	for table := range t.replaced {
		if _, ok := t.extents[table]; ok {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, `UPDATE gpkg_contents SET min_x = NULL, min_y = NULL,
			max_x = NULL, max_y = NULL, last_change = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE table_name = ?`, table); err != nil {
			return fmt.Errorf("reset extent %s: %w", table, err)
		}
	}
	for table, b := range t.extents {
		if !t.replaced[table] {
			var minX, minY, maxX, maxY sql.NullFloat64
			err := t.tx.QueryRowContext(ctx, `SELECT min_x, min_y, max_x, max_y FROM gpkg_contents
				WHERE table_name = ?`, table).Scan(&minX, &minY, &maxX, &maxY)
			if err != nil {
				return fmt.Errorf("read extent %s: %w", table, err)
			}
			if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
				b = b.Union(orb.Bound{
					Min: orb.Point{minX.Float64, minY.Float64},
					Max: orb.Point{maxX.Float64, maxY.Float64},
				})
			}
		}
		_, err := t.tx.ExecContext(ctx, `UPDATE gpkg_contents SET min_x = ?, min_y = ?, max_x = ?, max_y = ?,
			last_change = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE table_name = ?`,
			b.Min[0], b.Min[1], b.Max[0], b.Max[1], table)
		if err != nil {
			return fmt.Errorf("write extent %s: %w", table, err)
		}
	}
	return nil
}
