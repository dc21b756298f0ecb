package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/store"
	"tilecache/internal/tilemath"
)

func newSource(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "render.gpkg"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.CreateFeatureTable(ctx, store.FeatureTable{
		Name:    "shapes",
		Columns: []store.Column{{Name: "name", Type: store.Text}},
	}))
	// covers the pixel centre of tile 1/0/0, which sits at lon -90 lat 66.5
	rows := []store.FeatureRow{
		{ID: 1, Attributes: map[string]interface{}{"name": "box"}, Geometry: orb.Polygon{{
			{-170, 55}, {-80, 55}, {-80, 75}, {-170, 75}, {-170, 55},
		}}},
		{ID: 2, Attributes: map[string]interface{}{"name": "road"}, Geometry: orb.LineString{{-170, 60}, {-10, 60}}},
		{ID: 3, Attributes: map[string]interface{}{"name": "far"}, Geometry: orb.Point{120, -40}},
	}
	require.NoError(t, s.UpsertFeatureRows(ctx, "shapes", rows))
	return s
}

func decode(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	return img
}

func nrgba(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func TestRenderTileIsDeterministic(t *testing.T) {
	r := New(newSource(t), nil)
	ctx := context.Background()
	tile := maptile.New(0, 0, 1)

	a, err := r.RenderTile(ctx, "shapes", tile, nil)
	require.NoError(t, err)
	b, err := r.RenderTile(ctx, "shapes", tile, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	img := decode(t, a)
	// the box covers the centre of the tile with the default solid red
	assert.Equal(t, color.NRGBA{R: 0xff, A: 0xff}, nrgba(img, 128, 128))
	// top left corner is empty
	assert.Equal(t, uint8(0), nrgba(img, 2, 2).A)
}

func TestRenderTileStyles(t *testing.T) {
	r := New(newSource(t), nil)
	ctx := context.Background()
	tile := maptile.New(0, 0, 1)

	style, err := ParseStyle([]byte(`{"geometryType":"polygon","fill":"#0000FF","fill-opacity":1,"stroke-width":0}`))
	require.NoError(t, err)
	out, err := r.RenderTile(ctx, "shapes", tile, style)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{B: 0xff, A: 0xff}, nrgba(decode(t, out), 128, 128))

	half, err := ParseStyle([]byte(`{"fill":"#00FF00"}`))
	require.NoError(t, err)
	out, err = r.RenderTile(ctx, "shapes", tile, half)
	require.NoError(t, err)
	px := nrgba(decode(t, out), 128, 128)
	assert.InDelta(t, 128, int(px.A), 2, "default fill opacity is one half")

	// the far point lies in another tile
	empty, err := r.RenderTile(ctx, "shapes", maptile.New(1, 1, 1), PointStyle{Mark: "circle", Fill: red, Stroke: black, StrokeWidth: 1, Size: 6})
	require.NoError(t, err)
	img := decode(t, empty)
	p := tilemath.LonLatToMercator(orb.Point{120, -40})
	b := tilemath.TileMercatorBound(maptile.New(1, 1, 1))
	res := tilemath.PixelSize(1)
	x := int((p[0] - b.Min[0]) / res)
	y := int((b.Max[1] - p[1]) / res)
	assert.Equal(t, uint8(0xff), nrgba(img, x, y).A)
}

func TestRenderTileErrors(t *testing.T) {
	r := New(newSource(t), nil)
	ctx := context.Background()

	_, err := r.RenderTile(ctx, "missing", maptile.New(0, 0, 0), nil)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = r.RenderTile(ctx, "shapes", maptile.New(4, 0, 1), nil)
	assert.True(t, errors.Is(err, tilemath.ErrInvalidCoordinate))
}

func TestParseStyle(t *testing.T) {
	s, err := ParseStyle([]byte(`{"geometryType":"Point"}`))
	require.NoError(t, err)
	assert.Equal(t, PointStyle{Mark: "circle", Fill: red, Stroke: black, StrokeWidth: 1, Size: 6}, s)

	s, err = ParseStyle([]byte(`{"geometryType":"line","stroke":"#00f","stroke-width":"3.5"}`))
	require.NoError(t, err)
	assert.Equal(t, LineStyle{Stroke: color.NRGBA{B: 0xff, A: 0xff}, StrokeWidth: 3.5}, s)

	s, err = ParseStyle([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, PolygonStyle{Fill: red, FillOpacity: 0.5, Stroke: black, StrokeWidth: 1}, s)
	assert.Equal(t, "polygon", s.Kind())

	for name, payload := range map[string]string{
		"unknown kind": `{"geometryType":"raster"}`,
		"bad color":    `{"fill":"red"}`,
		"bad number":   `{"size":"big","geometryType":"point"}`,
		"negative":     `{"stroke-width":-1}`,
		"wrong type":   `{"geometryType":3}`,
		"not json":     `{`,
		"unknown mark": `{"geometryType":"point","mark":"star"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStyle([]byte(payload))
			assert.True(t, errors.Is(err, ErrInvalidStyle), "got %v", err)
		})
	}
}

func TestLayerSearchOrder(t *testing.T) {
	l := NewLayer(maptile.New(0, 0, 0))
	l.AddMercator(7, orb.Point{0, 0})
	l.AddMercator(2, orb.Point{10, 10})
	l.AddMercator(5, orb.Point{-tilemath.WorldExtent + 1, tilemath.WorldExtent - 1})
	require.Equal(t, 3, l.Len())

	hits := l.Search(orb.Bound{Min: orb.Point{100, 100}, Max: orb.Point{200, 200}})
	require.Len(t, hits, 2)
	assert.Equal(t, int64(2), hits[0].ID)
	assert.Equal(t, int64(7), hits[1].ID)
	assert.InDelta(t, 128, hits[1].Geometry.(orb.Point)[0], 1e-9)
}
