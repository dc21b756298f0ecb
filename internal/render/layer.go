package render

import (
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"

	"tilecache/internal/tilemath"
)

// Feature is a geometry in tile pixel space.
type Feature struct {
	ID       int64
	Geometry orb.Geometry
}

type indexed struct {
	Feature
	rect rtreego.Rect
}

func (f *indexed) Bounds() rtreego.Rect { return f.rect }

// Layer is an in-memory vector layer for one tile, indexed by an R-tree
// in pixel coordinates (origin top left, y down).
type Layer struct {
	tile  maptile.Tile
	tree  *rtreego.Rtree
	count int
}

// NewLayer creates an empty layer for tile.
func NewLayer(tile maptile.Tile) *Layer {
	return &Layer{tile: tile, tree: rtreego.NewTree(2, 25, 50)}
}

// Len is the number of features in the layer.
func (l *Layer) Len() int { return l.count }

// AddMercator projects g from EPSG:3857 into the tile's pixel space and
// adds it.
func (l *Layer) AddMercator(id int64, g orb.Geometry) {
	if g == nil {
		return
	}
	b := tilemath.TileMercatorBound(l.tile)
	res := tilemath.PixelSize(l.tile.Z)
	px := project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
		return orb.Point{(p[0] - b.Min[0]) / res, (b.Max[1] - p[1]) / res}
	})
	l.insert(Feature{ID: id, Geometry: px})
}

func (l *Layer) insert(f Feature) {
	l.tree.Insert(&indexed{Feature: f, rect: rectOf(f.Geometry.Bound())})
	l.count++
}

// Search returns the features whose pixel bound intersects b, ordered by
// ID.
func (l *Layer) Search(b orb.Bound) []Feature {
	hits := l.tree.SearchIntersect(rectOf(b))
	out := make([]Feature, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.(*indexed).Feature)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// rectOf converts b, giving degenerate sides a small positive length as
// the R-tree requires.
func rectOf(b orb.Bound) rtreego.Rect {
	const epsilon = 1e-6
	w := b.Max[0] - b.Min[0]
	h := b.Max[1] - b.Min[1]
	if w < epsilon {
		w = epsilon
	}
	if h < epsilon {
		h = epsilon
	}
	r, _ := rtreego.NewRect(rtreego.Point{b.Min[0], b.Min[1]}, []float64{w, h})
	return r
}
