package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/archive"
	"tilecache/internal/store"
)

func pngTile(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "server.gpkg"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.CreateFeatureTable(ctx, store.FeatureTable{
		Name:         "cities",
		GeometryType: "POINT",
		Columns: []store.Column{
			{Name: "name", Type: store.Text},
			{Name: "population", Type: store.Integer},
		},
	}))
	require.NoError(t, s.UpsertFeatureRows(ctx, "cities", []store.FeatureRow{
		{ID: 1, Attributes: map[string]interface{}{"name": "Alpha", "population": 1200}, Geometry: orb.Point{-105, 40}},
	}))

	require.NoError(t, s.CreateFeatureTable(ctx, store.FeatureTable{
		Name:         "lakes",
		GeometryType: "POLYGON",
		Columns:      []store.Column{{Name: "title", Type: store.Text}},
	}))
	require.NoError(t, s.UpsertFeatureRows(ctx, "lakes", []store.FeatureRow{
		{ID: 7, Attributes: map[string]interface{}{"title": "Round & Deep"}, Geometry: orb.Polygon{
			{{10, 10}, {12, 10}, {12, 12}, {10, 12}, {10, 10}},
		}},
	}))

	world := orb.Bound{Min: orb.Point{-20037508.34, -20037508.34}, Max: orb.Point{20037508.34, 20037508.34}}
	require.NoError(t, s.CreateOrUpdateTilePyramid(ctx, "imagery", 0, 2, world))
	require.NoError(t, s.PutTile(ctx, "imagery", store.TileRecord{
		Tile: maptile.New(0, 0, 1),
		Data: pngTile(t, color.NRGBA{R: 255, A: 255}),
	}))
	return s
}

func newArchive(t *testing.T) *archive.Reader {
	t.Helper()
	w := archive.NewWriter(archive.PNG, archive.NoCompression)
	w.Metadata = map[string]interface{}{"name": "basemap"}
	require.NoError(t, w.Add(maptile.New(0, 0, 0), pngTile(t, color.NRGBA{B: 255, A: 255})))
	require.NoError(t, w.Add(maptile.New(1, 0, 1), pngTile(t, color.NRGBA{G: 255, A: 255})))
	var buf bytes.Buffer
	_, err := w.Finish(&buf)
	require.NoError(t, err)
	r, err := archive.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return r
}

func newTestServer(t *testing.T, ar *archive.Reader) (*Server, *store.Store) {
	t.Helper()
	st := newStore(t)
	return New(Config{}, Options{Store: st, Archive: ar}), st
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestItemsBBox(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s.Handler(), "/collections/cities/items?bbox=-106,39,-104,41")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Alpha", fc.Features[0].Properties["name"])
	assert.Equal(t, orb.Point{-105, 40}, fc.Features[0].Geometry)
	assert.EqualValues(t, 1, fc.Features[0].ID)

	rec = get(t, s.Handler(), "/collections/cities/items?bbox=0,0,1,1")
	require.Equal(t, http.StatusOK, rec.Code)
	fc, err = geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Empty(t, fc.Features)
	assert.Contains(t, rec.Body.String(), `"features":[]`)
}

func TestItemsQueryParameters(t *testing.T) {
	s, st := newTestServer(t, nil)
	require.NoError(t, st.UpsertFeatureRows(context.Background(), "cities", []store.FeatureRow{
		{ID: 2, Attributes: map[string]interface{}{"name": "Beta"}, Geometry: orb.Point{-104.5, 40.5}},
		{ID: 3, Attributes: map[string]interface{}{"name": "Gamma"}, Geometry: orb.Point{30, 30}},
	}))

	rec := get(t, s.Handler(), "/collections/cities/items")
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, 3)
	assert.EqualValues(t, 3, fc.ExtraMembers["numberReturned"])

	rec = get(t, s.Handler(), "/collections/cities/items?limit=2")
	fc, err = geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, 2)

	// the same box as above, given in web mercator
	q := url.Values{
		"bbox":     {"-11799866.02,4721671.57,-11577227.04,5012341.66"},
		"bbox-crs": {"http://www.opengis.net/def/crs/EPSG/0/3857"},
	}
	rec = get(t, s.Handler(), "/collections/cities/items?"+q.Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fc, err = geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, 2)

	for _, bad := range []string{
		"bbox=1,2,3",
		"bbox=a,b,c,d",
		"bbox=5,0,1,1",
		"bbox=0,0,1,1&bbox-crs=EPSG:2154",
		"limit=0",
		"limit=ten",
	} {
		rec := get(t, s.Handler(), "/collections/cities/items?"+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestItemsMissingCollection(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for _, target := range []string{
		"/collections/nowhere/items",
		"/collections/nowhere/items.kml",
		"/collections/nowhere/items.shp",
	} {
		assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), target).Code, target)
	}
}

func TestCollections(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(t, s.Handler(), "/collections")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Collections []struct {
			ID       string `json:"id"`
			ItemType string `json:"itemType"`
			Extent   *struct {
				Spatial struct {
					BBox [][4]float64 `json:"bbox"`
				} `json:"spatial"`
			} `json:"extent"`
			MaxZoom *int `json:"maxZoom"`
		} `json:"collections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Collections, 3)

	byID := map[string]int{}
	for i, c := range body.Collections {
		byID[c.ID] = i
	}
	cities := body.Collections[byID["cities"]]
	assert.Equal(t, "feature", cities.ItemType)
	require.NotNil(t, cities.Extent)
	assert.InDeltaSlice(t, []float64{-105, 40, -105, 40}, cities.Extent.Spatial.BBox[0][:], 1e-9)

	imagery := body.Collections[byID["imagery"]]
	assert.Equal(t, "tile", imagery.ItemType)
	require.NotNil(t, imagery.MaxZoom)
	assert.Equal(t, 2, *imagery.MaxZoom)
}

type kmlResult struct {
	Document struct {
		Name       string `xml:"name"`
		Placemarks []struct {
			Name        string `xml:"name"`
			Description string `xml:"description"`
			Point       *struct {
				Coordinates string `xml:"coordinates"`
			} `xml:"Point"`
			Polygon *struct {
				Outer string `xml:"outerBoundaryIs>LinearRing>coordinates"`
			} `xml:"Polygon"`
			Data []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:"value"`
			} `xml:"ExtendedData>Data"`
		} `xml:"Placemark"`
	} `xml:"Document"`
}

func TestItemsKML(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s.Handler(), "/collections/cities/items.kml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, kmlContentType, rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "<?xml"))
	assert.Contains(t, rec.Body.String(), `xmlns="http://www.opengis.net/kml/2.2"`)

	var doc kmlResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "cities", doc.Document.Name)
	require.Len(t, doc.Document.Placemarks, 1)
	pm := doc.Document.Placemarks[0]
	assert.Equal(t, "Alpha", pm.Name)
	require.NotNil(t, pm.Point)
	assert.Equal(t, "-105,40", pm.Point.Coordinates)
	assert.Contains(t, pm.Description, "<th>population</th><td>1200</td>")
	require.Len(t, pm.Data, 2)
	assert.Equal(t, "name", pm.Data[0].Name)

	rec = get(t, s.Handler(), "/collections/lakes/items.kml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<![CDATA[")
	doc = kmlResult{}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Document.Placemarks, 1)
	pm = doc.Document.Placemarks[0]
	assert.Equal(t, "Round & Deep", pm.Name)
	require.NotNil(t, pm.Polygon)
	assert.Equal(t, "10,10 12,10 12,12 10,12 10,10", pm.Polygon.Outer)
	assert.Contains(t, pm.Description, "Round &amp; Deep")
}

func unzip(t *testing.T, body []byte) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	dir := t.TempDir()
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, f.Name), data, 0o644))
	}
	return dir
}

func TestItemsShapefile(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s.Handler(), "/collections/cities/items.shp")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "cities.zip")

	dir := unzip(t, rec.Body.Bytes())
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		assert.FileExists(t, filepath.Join(dir, "cities"+ext))
	}

	r, err := shp.Open(filepath.Join(dir, "cities.shp"))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, shp.ShapeType(shp.POINT), r.GeometryType)
	fields := r.Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, "name", fields[0].String())

	n := 0
	for r.Next() {
		_, shape := r.Shape()
		p, ok := shape.(*shp.Point)
		require.True(t, ok)
		assert.Equal(t, -105.0, p.X)
		assert.Equal(t, 40.0, p.Y)
		assert.Equal(t, "Alpha", strings.Trim(r.ReadAttribute(0, 0), " \x00"))
		assert.Equal(t, "1200", strings.Trim(r.ReadAttribute(0, 1), " \x00"))
		n++
	}
	assert.Equal(t, 1, n)
}

func TestShapefilePolygonRings(t *testing.T) {
	ccw := orb.Polygon{
		{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}},
		{{1, 1}, {1, 2}, {2, 2}, {2, 1}, {1, 1}},
	}
	parts := rings(ccw)
	require.Len(t, parts, 2)
	assert.Equal(t, shp.Point{X: 0, Y: 4}, parts[0][1], "outer ring is clockwise")
	assert.Equal(t, shp.Point{X: 2, Y: 1}, parts[1][1], "hole is counter-clockwise")
	// the input is left untouched
	assert.Equal(t, orb.Point{4, 0}, ccw[0][1])
}

func TestDBFFieldNames(t *testing.T) {
	fields := dbfFields([]store.Column{
		{Name: "population_total", Type: store.Integer},
		{Name: "population_male", Type: store.Real},
		{Name: "open", Type: store.Boolean},
	})
	assert.Equal(t, "population", fields[0].String())
	assert.Equal(t, "populati_1", fields[1].String())
	assert.Equal(t, byte('F'), fields[1].Fieldtype)
	assert.Equal(t, uint8(1), fields[2].Size)
}

func TestRasterTile(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s.Handler(), "/tiles/imagery/1/0/0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/tiles/imagery/1/0/0.png").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/tiles/imagery/1/1/1").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/tiles/nothing/1/0/0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/tiles/imagery/1/2/0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/tiles/imagery/1/x/0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/tiles/imagery/99/0/0").Code)
}

func TestVectorTile(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s.Handler(), "/tiles/vector/cities/0/0/0")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())

	style := url.QueryEscape(`{"geometryType":"point","fill":"#00FF00","size":10}`)
	styled := get(t, s.Handler(), "/tiles/vector/cities/0/0/0?style="+style)
	require.Equal(t, http.StatusOK, styled.Code)
	assert.NotEqual(t, rec.Body.Bytes(), styled.Body.Bytes())

	post := httptest.NewRecorder()
	s.Handler().ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/tiles/vector/cities/0/0/0",
		strings.NewReader(`{"geometryType":"point","fill":"#00FF00","size":10}`)))
	require.Equal(t, http.StatusOK, post.Code)
	assert.Equal(t, styled.Body.Bytes(), post.Body.Bytes())

	bad := get(t, s.Handler(), "/tiles/vector/cities/0/0/0?style="+url.QueryEscape(`{"geometryType":"hexagon"}`))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Contains(t, bad.Body.String(), "hexagon")

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/tiles/vector/nowhere/0/0/0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/tiles/vector/cities/1/5/0").Code)
}

func TestArchiveRoutes(t *testing.T) {
	ar := newArchive(t)
	s, _ := newTestServer(t, ar)

	rec := get(t, s.Handler(), "/archive/tiles/1/0/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, pngTile(t, color.NRGBA{G: 255, A: 255}), rec.Body.Bytes())

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/archive/tiles/1/1/1").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/archive/tiles/5/0/0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/archive/tiles/1/4/0").Code)

	rec = get(t, s.Handler(), "/archive/metadata")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Curve    string                 `json:"curve"`
		TileType string                 `json:"tileType"`
		Metadata map[string]interface{} `json:"metadata"`
		Header   struct {
			MaxZoom int `json:"max_zoom"`
		} `json:"header"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "hilbert", summary.Curve)
	assert.Equal(t, "png", summary.TileType)
	assert.Equal(t, "basemap", summary.Metadata["name"])
	assert.Equal(t, 1, summary.Header.MaxZoom)
}

func TestArchiveNotAvailable(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for _, target := range []string{"/archive/tiles/0/0/0", "/archive/metadata"} {
		rec := get(t, s.Handler(), target)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "archive not available\n", rec.Body.String())
	}
}

func TestStoreNotOpen(t *testing.T) {
	s, st := newTestServer(t, nil)
	require.NoError(t, st.Close())

	for _, target := range []string{
		"/collections",
		"/collections/cities/items",
		"/tiles/imagery/1/0/0",
		"/tiles/vector/cities/0/0/0",
		"/healthz",
	} {
		rec := get(t, s.Handler(), target)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, newArchive(t))

	rec := get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"store":"ok","archive":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	get(t, s.Handler(), "/tiles/imagery/1/0/0")
	rec = get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `tilecache_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.Contains(t, body, `route="/tiles/{table}/{z}/{x}/{y}"`)
	assert.Contains(t, body, "go_goroutines")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		store.ErrNotFound:       http.StatusNotFound,
		archive.ErrNotFound:     http.StatusNotFound,
		store.ErrUnavailable:    http.StatusServiceUnavailable,
		archive.ErrCorrupt:      http.StatusServiceUnavailable,
		store.ErrUnsupportedCRS: http.StatusBadRequest,
		errBadRequest:           http.StatusBadRequest,
		io.ErrUnexpectedEOF:     http.StatusInternalServerError,
		store.ErrSchemaConflict: http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestStartStop(t *testing.T) {
	st := newStore(t)
	s := New(Config{Addr: "127.0.0.1:0"}, Options{Store: st})
	require.NoError(t, s.Start())
	require.Error(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)
}
