package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"

	"tilecache/internal/source"
	"tilecache/internal/store"
	"tilecache/internal/tilemath"
)

// TileTask fetches one tile of a pyramid.
type TileTask struct {
	Table  string
	Tile   maptile.Tile
	Source source.TileSource
}

func (t *TileTask) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", t.Table, t.Tile.Z, t.Tile.X, t.Tile.Y)
}

// Fetch implements Task.
func (t *TileTask) Fetch(ctx context.Context) ([]Record, error) {
	data, err := t.Source.FetchTile(ctx, t.Tile)
	if err != nil {
		return nil, err
	}
	return []Record{{
		Table: t.Table,
		Tile:  &store.TileRecord{Tile: t.Tile, Data: data, Format: store.DetectFormat(data)},
	}}, nil
}

// PageTask fetches one page of a feature layer and converts it to rows.
type PageTask struct {
	Table  string
	Layer  *source.FeatureLayer
	Offset int
	Limit  int
	BBox   *orb.Bound
	Schema *Schema
}

func (t *PageTask) String() string {
	return fmt.Sprintf("%s@%d", t.Table, t.Offset)
}

// Fetch implements Task. A feature that can not be converted fails the
// whole page.
func (t *PageTask) Fetch(ctx context.Context) ([]Record, error) {
	fc, err := t.Layer.Page(ctx, t.Offset, t.Limit, t.BBox)
	if err != nil {
		return nil, err
	}
	return t.Schema.Records(fc)
}

// ImageryTasks lists one task per tile intersecting bound, a geographic
// bound, for zooms minZ..maxZ.
func ImageryTasks(table string, src source.TileSource, bound orb.Bound, minZ, maxZ int) ([]Task, error) {
	tiles, err := tilemath.Cover(bound, minZ, maxZ)
	if err != nil {
		return nil, err
	}
	return tileTasks(table, src, tiles), nil
}

// RegionTasks lists one task per tile touching region, for zooms
// minZ..maxZ, ordered like ImageryTasks.
func RegionTasks(table string, src source.TileSource, region orb.Geometry, minZ, maxZ int) ([]Task, error) {
	for _, z := range []int{minZ, maxZ} {
		if err := tilemath.CheckZoom(z); err != nil {
			return nil, err
		}
	}
	if minZ > maxZ {
		return nil, fmt.Errorf("%w: %d > %d", tilemath.ErrInvalidZoom, minZ, maxZ)
	}
	var tiles []maptile.Tile
	for z := minZ; z <= maxZ; z++ {
		set, err := tilecover.Geometry(region, maptile.Zoom(z))
		if err != nil {
			return nil, err
		}
		level := make([]maptile.Tile, 0, len(set))
		for t := range set {
			level = append(level, t)
		}
		sort.Slice(level, func(i, j int) bool {
			if level[i].X != level[j].X {
				return level[i].X < level[j].X
			}
			return level[i].Y < level[j].Y
		})
		tiles = append(tiles, level...)
	}
	return tileTasks(table, src, tiles), nil
}

func tileTasks(table string, src source.TileSource, tiles []maptile.Tile) []Task {
	tasks := make([]Task, len(tiles))
	for i, t := range tiles {
		tasks[i] = &TileTask{Table: table, Tile: t, Source: src}
	}
	return tasks
}

// FeatureTasks lists one page task per offset needed to read count
// features limit at a time.
func FeatureTasks(table string, layer *source.FeatureLayer, schema *Schema, count, limit int, bbox *orb.Bound) []Task {
	offsets := source.Pages(limit, count)
	tasks := make([]Task, len(offsets))
	for i, off := range offsets {
		tasks[i] = &PageTask{Table: table, Layer: layer, Offset: off, Limit: limit, BBox: bbox, Schema: schema}
	}
	return tasks
}

// Region merges the geometries of a GeoJSON feature collection, the shape
// of the download area files.
func Region(data []byte) (orb.Collection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("ingest: region: %w", err)
	}
	var c orb.Collection
	for _, f := range fc.Features {
		if f.Geometry != nil {
			c = append(c, f.Geometry)
		}
	}
	if len(c) == 0 {
		return nil, fmt.Errorf("ingest: region has no geometry")
	}
	return c, nil
}
