package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/archive"
	"tilecache/internal/store"
)

var mercatorWorld = orb.Bound{
	Min: orb.Point{-20037508.342789244, -20037508.342789244},
	Max: orb.Point{20037508.342789244, 20037508.342789244},
}

func tile(z, x, y uint32) maptile.Tile { return maptile.New(x, y, maptile.Zoom(z)) }

func testConf(t *testing.T) {
	t.Helper()
	prev := conf
	conf = new(Conf)
	conf.App.Title = "Tile Cache"
	t.Cleanup(func() { conf = prev })
}

func pngTile(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "main.gpkg"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestLayerValidate(t *testing.T) {
	l := LayerConf{Name: "parcels", URL: "https://example.com/FeatureServer"}
	require.NoError(t, l.validate())
	assert.Equal(t, "features", l.Kind)

	bad := map[string]LayerConf{
		"no name":  {URL: "https://example.com"},
		"kind":     {Name: "a", Kind: "wms", URL: "https://example.com"},
		"no url":   {Name: "a", Kind: "xyz"},
		"bbox len": {Name: "a", URL: "https://example.com", Bbox: []float64{1, 2, 3}},
	}
	for name, l := range bad {
		assert.Error(t, l.validate(), name)
	}
}

func TestLayerJobs(t *testing.T) {
	testConf(t)
	conf.Task.PageSize = 250

	l := LayerConf{Name: "roads", Kind: "features", URL: "https://example.com/FeatureServer", Layer: "3",
		Bbox: []float64{-106, 39, -104, 41}}
	job := l.featureJob(newClient())
	assert.Equal(t, "roads", job.Table)
	assert.Equal(t, 250, job.PageSize)
	require.NotNil(t, job.BBox)
	assert.Equal(t, orb.Point{-106, 39}, job.BBox.Min)

	dir := t.TempDir()
	region := filepath.Join(dir, "region.geojson")
	require.NoError(t, os.WriteFile(region, []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}}]}`), 0o644))

	img := LayerConf{Name: "relief", Kind: "xyz", URL: "https://tiles.example.com/{z}/{x}/{y}.png", MaxZoom: 3, Geojson: region}
	ij, err := img.imageryJob(newClient())
	require.NoError(t, err)
	assert.NotNil(t, ij.Region)
	assert.Equal(t, 3, ij.MaxZoom)

	img.Geojson = filepath.Join(dir, "missing.geojson")
	_, err = img.imageryJob(newClient())
	assert.Error(t, err)
}

func TestTileEncoding(t *testing.T) {
	cases := map[store.Format]archive.TileType{
		store.PNG:  archive.PNG,
		store.JPG:  archive.JPEG,
		store.WEBP: archive.WEBP,
		store.PBF:  archive.MVT,
		store.GZIP: archive.MVT,
		store.ZLIB: archive.MVT,
	}
	for f, want := range cases {
		tt, _, err := tileEncoding(f)
		require.NoError(t, err, f)
		assert.Equal(t, want, tt, f)
	}
	_, _, err := tileEncoding(store.Unknown)
	assert.Error(t, err)
}

func TestExportTable(t *testing.T) {
	testConf(t)
	st := openTestStore(t)
	ctx := context.Background()

	red, blue := pngTile(t, color.NRGBA{R: 255, A: 255}), pngTile(t, color.NRGBA{B: 255, A: 255})
	require.NoError(t, st.CreateOrUpdateTilePyramid(ctx, "imagery", 0, 1, mercatorWorld))
	require.NoError(t, st.PutTile(ctx, "imagery", store.TileRecord{Tile: tile(0, 0, 0), Data: red}))
	require.NoError(t, st.PutTile(ctx, "imagery", store.TileRecord{Tile: tile(1, 1, 0), Data: blue}))
	require.NoError(t, st.PutTile(ctx, "imagery", store.TileRecord{Tile: tile(1, 0, 1), Data: blue}))

	out := filepath.Join(t.TempDir(), "out", "imagery.pmtiles")
	header, err := exportTable(ctx, st, "imagery", out, false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, header.AddressedTiles)
	assert.EqualValues(t, 2, header.TileContents)
	assert.NoFileExists(t, out+".tmp")

	r, err := archive.Open(out)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, archive.PNG, r.Header().TileType)

	got, err := r.Tile(ctx, 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, blue, got)
	got, err = r.Tile(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, red, got)

	md, err := r.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "imagery", md["name"])
	assert.Equal(t, "png", md["format"])
}

func TestExportVectorTiles(t *testing.T) {
	testConf(t)
	st := openTestStore(t)
	ctx := context.Background()

	raw := []byte{0x1a, 0x03, 0x78, 0x01, 0x02}
	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.NoError(t, st.CreateOrUpdateTilePyramid(ctx, "roads", 0, 1, mercatorWorld))
	require.NoError(t, st.PutTile(ctx, "roads", store.TileRecord{Tile: tile(0, 0, 0), Data: raw}))
	require.NoError(t, st.PutTile(ctx, "roads", store.TileRecord{Tile: tile(1, 0, 0), Data: zbuf.Bytes()}))

	out := filepath.Join(t.TempDir(), "roads.pmtiles")
	_, err = exportTable(ctx, st, "roads", out, false)
	require.NoError(t, err)

	r, err := archive.Open(out)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, archive.MVT, r.Header().TileType)
	assert.Equal(t, archive.Gzip, r.Header().TileCompression)
	for _, tl := range []struct{ z, x, y uint32 }{{0, 0, 0}, {1, 0, 0}} {
		got, err := r.Tile(ctx, maptile.Zoom(tl.z), tl.x, tl.y)
		require.NoError(t, err, tl)
		assert.Equal(t, raw, got, tl)
	}
}

func TestExportErrors(t *testing.T) {
	testConf(t)
	st := openTestStore(t)
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "x.pmtiles")

	_, err := exportTable(ctx, st, "missing", out, false)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.CreateOrUpdateTilePyramid(ctx, "empty", 0, 0, mercatorWorld))
	_, err = exportTable(ctx, st, "empty", out, false)
	assert.Error(t, err)
	assert.NoFileExists(t, out)

	require.NoError(t, st.CreateOrUpdateTilePyramid(ctx, "mixed", 0, 1, mercatorWorld))
	require.NoError(t, st.PutTile(ctx, "mixed", store.TileRecord{Tile: tile(0, 0, 0), Data: pngTile(t, color.White)}))
	require.NoError(t, st.PutTile(ctx, "mixed", store.TileRecord{Tile: tile(1, 0, 0), Data: []byte{0x1a, 0x00}}))
	_, err = exportTable(ctx, st, "mixed", out, false)
	assert.Error(t, err)
	assert.NoFileExists(t, out)
}

func TestRunCommands(t *testing.T) {
	assert.EqualError(t, run([]string{"bogus"}), `unknown command "bogus"`)
	assert.Error(t, run([]string{"export", "only-table"}))
}
