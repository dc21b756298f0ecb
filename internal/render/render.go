// Package render rasterises stored features into styled 256x256 PNG tiles.
package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"

	"tilecache/internal/store"
	"tilecache/internal/tilemath"
)

// FeatureSource is the read side of the store the renderer needs.
type FeatureSource interface {
	FeatureTable(ctx context.Context, table string) (*store.FeatureTable, error)
	QueryFeatures(ctx context.Context, table string, filter *store.BBoxFilter) ([]store.FeatureRow, error)
}

// Renderer draws feature tables. It holds no per-call state and is safe
// for concurrent use.
type Renderer struct {
	Source FeatureSource
	Log    logrus.FieldLogger
}

// New returns a renderer reading from src.
func New(src FeatureSource, log logrus.FieldLogger) *Renderer {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Renderer{Source: src, Log: log}
}

// RenderTile draws the features of table that touch tile with style, or
// DefaultStyle when style is nil, and returns PNG bytes. Output is
// identical for identical inputs.
func (r *Renderer) RenderTile(ctx context.Context, table string, tile maptile.Tile, style Style) ([]byte, error) {
	if !tile.Valid() {
		return nil, fmt.Errorf("%w: %d/%d/%d", tilemath.ErrInvalidCoordinate, tile.Z, tile.X, tile.Y)
	}
	if style == nil {
		style = DefaultStyle()
	}
	p := style.paint()

	ft, err := r.Source.FeatureTable(ctx, table)
	if err != nil {
		return nil, err
	}

	// widen the query so markers and strokes straddling the edge are drawn
	buffer := math.Max(p.size, p.width) + 1
	res := tilemath.PixelSize(tile.Z)
	merc := tilemath.TileMercatorBound(tile)
	query := orb.Bound{
		Min: orb.Point{merc.Min[0] - buffer*res, merc.Min[1] - buffer*res},
		Max: orb.Point{merc.Max[0] + buffer*res, merc.Max[1] + buffer*res},
	}
	rows, err := r.Source.QueryFeatures(ctx, table, &store.BBoxFilter{Bound: query, CRS: store.WebMercator})
	if err != nil {
		return nil, err
	}

	layer := NewLayer(tile)
	for _, row := range rows {
		g, err := store.ReprojectGeometry(row.Geometry, ft.CRS, store.WebMercator)
		if err != nil {
			return nil, fmt.Errorf("%w: feature %d: %v", ErrRender, row.ID, err)
		}
		layer.AddMercator(row.ID, g)
	}

	canvas := orb.Bound{
		Min: orb.Point{-buffer, -buffer},
		Max: orb.Point{tilemath.TileSize + buffer, tilemath.TileSize + buffer},
	}
	features := layer.Search(canvas)

	dc := gg.NewContext(tilemath.TileSize, tilemath.TileSize)
	dc.SetLineJoinRound()
	dc.SetLineCapRound()
	dc.SetFillRuleEvenOdd()
	for _, f := range features {
		if err := draw(dc, f.Geometry, p); err != nil {
			return nil, fmt.Errorf("%w: feature %d: %v", ErrRender, f.ID, err)
		}
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrRender, err)
	}
	r.Log.WithFields(logrus.Fields{"table": table, "tile": fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y)}).
		Debugf("rendered %d features with %s style", len(features), style.Kind())
	return buf.Bytes(), nil
}

func draw(dc *gg.Context, g orb.Geometry, p paint) error {
	switch g := g.(type) {
	case orb.Point:
		marker(dc, g, p)
	case orb.MultiPoint:
		for _, pt := range g {
			marker(dc, pt, p)
		}
	case orb.LineString:
		path(dc, g, false)
		stroke(dc, p)
	case orb.MultiLineString:
		for _, ls := range g {
			path(dc, ls, false)
		}
		stroke(dc, p)
	case orb.Ring:
		area(dc, orb.Polygon{g}, p)
	case orb.Polygon:
		area(dc, g, p)
	case orb.MultiPolygon:
		for _, poly := range g {
			area(dc, poly, p)
		}
	case orb.Collection:
		for _, c := range g {
			if err := draw(dc, c, p); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported geometry %T", g)
	}
	return nil
}

func path(dc *gg.Context, ls []orb.Point, closed bool) {
	if len(ls) == 0 {
		return
	}
	dc.NewSubPath()
	dc.MoveTo(ls[0][0], ls[0][1])
	for _, pt := range ls[1:] {
		dc.LineTo(pt[0], pt[1])
	}
	if closed {
		dc.ClosePath()
	}
}

func marker(dc *gg.Context, pt orb.Point, p paint) {
	if p.mark == "square" {
		dc.DrawRectangle(pt[0]-p.size/2, pt[1]-p.size/2, p.size, p.size)
	} else {
		dc.DrawCircle(pt[0], pt[1], p.size/2)
	}
	if p.filled {
		dc.SetColor(p.fill)
		dc.FillPreserve()
	}
	stroke(dc, p)
}

func area(dc *gg.Context, poly orb.Polygon, p paint) {
	for _, ring := range poly {
		path(dc, ring, true)
	}
	if p.filled {
		dc.SetColor(p.fill)
		dc.FillPreserve()
	}
	stroke(dc, p)
}

func stroke(dc *gg.Context, p paint) {
	if p.width <= 0 {
		dc.ClearPath()
		return
	}
	dc.SetColor(p.stroke)
	dc.SetLineWidth(p.width)
	dc.Stroke()
}
