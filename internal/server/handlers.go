package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"tilecache/internal/archive"
	"tilecache/internal/render"
	"tilecache/internal/store"
	"tilecache/internal/tilemath"
)

var errBadRequest = errors.New("bad request")

const maxStyleBytes = 64 << 10

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, archive.ErrUnavailable),
		errors.Is(err, archive.ErrInvalidHeader), errors.Is(err, archive.ErrCorrupt):
		return http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest),
		errors.Is(err, tilemath.ErrInvalidZoom),
		errors.Is(err, tilemath.ErrInvalidCoordinate),
		errors.Is(err, render.ErrInvalidStyle),
		errors.Is(err, store.ErrUnsupportedCRS),
		errors.Is(err, store.ErrInvalidName):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch {
	case code == http.StatusServiceUnavailable && strings.HasPrefix(r.URL.Path, "/archive/"):
		msg = "archive not available"
	case code == http.StatusServiceUnavailable:
		msg = "store not available"
	}
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Warn("request failed")
	}
	http.Error(w, msg, code)
}

func writeJSON(w http.ResponseWriter, contentType string, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"store": "ok", "archive": "none"}
	if _, err := s.store.FeatureTables(r.Context()); err != nil {
		status["store"] = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(status)
		return
	}
	if s.archive != nil {
		status["archive"] = "ok"
	}
	writeJSON(w, "application/json", status)
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
}

type collection struct {
	ID           string         `json:"id"`
	ItemType     string         `json:"itemType"`
	GeometryType string         `json:"geometryType,omitempty"`
	CRS          string         `json:"storageCrs"`
	Extent       *extent        `json:"extent,omitempty"`
	MinZoom      *int           `json:"minZoom,omitempty"`
	MaxZoom      *int           `json:"maxZoom,omitempty"`
	Columns      []store.Column `json:"columns,omitempty"`
	Links        []link         `json:"links"`
}

type extent struct {
	Spatial struct {
		BBox [][4]float64 `json:"bbox"`
	} `json:"spatial"`
}

func newExtent(b orb.Bound) *extent {
	e := &extent{}
	e.Spatial.BBox = [][4]float64{{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}}
	return e
}

func crsURI(id int) string {
	if id == store.CRS84 {
		return "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
	}
	return "http://www.opengis.net/def/crs/EPSG/0/" + strconv.Itoa(id)
}

// handleCollections lists feature tables and tile pyramids.
func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tables, err := s.store.FeatureTables(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pyramids, err := s.store.TilePyramids(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := make([]collection, 0, len(tables)+len(pyramids))
	for _, ft := range tables {
		c := collection{
			ID:           ft.Name,
			ItemType:     "feature",
			GeometryType: ft.GeometryType,
			CRS:          crsURI(ft.CRS),
			Columns:      ft.Columns,
			Links: []link{
				{Href: "/collections/" + ft.Name + "/items", Rel: "items", Type: "application/geo+json"},
				{Href: "/collections/" + ft.Name + "/items.kml", Rel: "items", Type: kmlContentType},
				{Href: "/collections/" + ft.Name + "/items.shp", Rel: "items", Type: "application/zip"},
			},
		}
		if ft.HasExtent {
			if b, err := store.Reproject(ft.Extent, ft.CRS, store.CRS84); err == nil {
				c.Extent = newExtent(b)
			}
		}
		out = append(out, c)
	}
	for _, p := range pyramids {
		minZ, maxZ := p.MinZoom, p.MaxZoom
		c := collection{
			ID:       p.Table,
			ItemType: "tile",
			CRS:      crsURI(store.WebMercator),
			MinZoom:  &minZ,
			MaxZoom:  &maxZ,
			Links: []link{
				{Href: "/tiles/" + p.Table + "/{z}/{x}/{y}", Rel: "item"},
			},
		}
		if b, err := store.Reproject(p.Bounds, store.WebMercator, store.CRS84); err == nil {
			c.Extent = newExtent(b)
		}
		out = append(out, c)
	}
	writeJSON(w, "application/json", map[string]interface{}{"collections": out})
}

// itemsQuery reads bbox, bbox-crs and limit.
type itemsQuery struct {
	filter *store.BBoxFilter
	limit  int
}

func (s *Server) parseItemsQuery(r *http.Request) (itemsQuery, error) {
	var q itemsQuery
	values := r.URL.Query()

	if raw := strings.TrimSpace(values.Get("bbox")); raw != "" {
		b, err := parseBBox(raw)
		if err != nil {
			return q, err
		}
		crs, err := store.ParseCRS(strings.TrimSpace(values.Get("bbox-crs")))
		if err != nil {
			return q, err
		}
		q.filter = &store.BBoxFilter{Bound: b, CRS: crs}
	}

	q.limit = s.cfg.MaxItems
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		if q.limit == 0 || n < q.limit {
			q.limit = n
		}
	}
	return q, nil
}

func parseBBox(raw string) (orb.Bound, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("%w: bbox needs 4 comma-separated numbers", errBadRequest)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%w: bbox: %v", errBadRequest, err)
		}
		v[i] = f
	}
	if v[2] < v[0] || v[3] < v[1] {
		return orb.Bound{}, fmt.Errorf("%w: bbox min exceeds max", errBadRequest)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// items loads the requested features of the collection, with geometry in
// CRS84.
func (s *Server) items(ctx context.Context, r *http.Request) (*store.FeatureTable, []store.FeatureRow, error) {
	q, err := s.parseItemsQuery(r)
	if err != nil {
		return nil, nil, err
	}
	table := chi.URLParam(r, "id")
	ft, err := s.store.FeatureTable(ctx, table)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.store.QueryFeatures(ctx, table, q.filter)
	if err != nil {
		return nil, nil, err
	}
	if q.limit > 0 && len(rows) > q.limit {
		rows = rows[:q.limit]
	}
	if ft.CRS != store.CRS84 {
		for i := range rows {
			if rows[i].Geometry, err = store.ReprojectGeometry(rows[i].Geometry, ft.CRS, store.CRS84); err != nil {
				return nil, nil, err
			}
		}
	}
	return ft, rows, nil
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	_, rows, err := s.items(r.Context(), r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fc := geojson.NewFeatureCollection()
	for _, row := range rows {
		f := geojson.NewFeature(row.Geometry)
		f.ID = row.ID
		for k, v := range row.Attributes {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	fc.ExtraMembers = geojson.Properties{"numberReturned": len(rows)}
	writeJSON(w, "application/geo+json", fc)
}

func (s *Server) handleItemsKML(w http.ResponseWriter, r *http.Request) {
	ft, rows, err := s.items(r.Context(), r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := encodeKML(ft, rows)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", kmlContentType)
	_, _ = w.Write(body)
}

func (s *Server) handleItemsSHP(w http.ResponseWriter, r *http.Request) {
	ft, rows, err := s.items(r.Context(), r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, skipped, err := encodeShapefile(ft, rows)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if skipped > 0 {
		s.log.WithField("table", ft.Name).Warnf("%d features do not fit the shapefile geometry type", skipped)
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ft.Name+".zip"))
	_, _ = w.Write(body)
}

// tileParams reads z/x/y. The last segment may carry a file extension.
func tileParams(r *http.Request) (maptile.Tile, error) {
	y, _, _ := strings.Cut(chi.URLParam(r, "y"), ".")
	var v [3]int
	for i, raw := range []string{chi.URLParam(r, "z"), chi.URLParam(r, "x"), y} {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return maptile.Tile{}, fmt.Errorf("%w: %q is not a tile index", errBadRequest, raw)
		}
		v[i] = n
	}
	return tilemath.NewTile(v[0], v[1], v[2])
}

func writeTile(w http.ResponseWriter, contentType, encoding string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	tile, err := tileParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.store.GetTile(r.Context(), chi.URLParam(r, "table"), tile)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeTile(w, rec.Format.ContentType(), rec.Format.ContentEncoding(), rec.Data)
}

// handleVectorTile renders features as a PNG. The style comes from the
// style query parameter or, for POST, the request body.
func (s *Server) handleVectorTile(w http.ResponseWriter, r *http.Request) {
	tile, err := tileParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	style, err := requestStyle(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	png, err := s.renderer.RenderTile(r.Context(), chi.URLParam(r, "table"), tile, style)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeTile(w, "image/png", "", png)
}

func requestStyle(r *http.Request) (render.Style, error) {
	var raw []byte
	if r.Method == http.MethodPost {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxStyleBytes+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		if len(b) > maxStyleBytes {
			return nil, fmt.Errorf("%w: style payload too large", errBadRequest)
		}
		raw = b
	} else if v := r.URL.Query().Get("style"); v != "" {
		raw = []byte(v)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	return render.ParseStyle(raw)
}

func (s *Server) handleArchiveTile(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.fail(w, r, archive.ErrUnavailable)
		return
	}
	tile, err := tileParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.archive.Tile(r.Context(), tile.Z, tile.X, tile.Y)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeTile(w, s.archive.ContentType(), "", data)
}

type archiveSummary struct {
	Header   archive.Header         `json:"header"`
	Curve    string                 `json:"curve"`
	TileType string                 `json:"tileType"`
	Bounds   [4]float64             `json:"bounds"`
	Center   [2]float64             `json:"center"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) handleArchiveMetadata(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.fail(w, r, archive.ErrUnavailable)
		return
	}
	meta, err := s.archive.Metadata(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	h := s.archive.Header()
	b, c := h.Bounds(), h.Center()
	writeJSON(w, "application/json", archiveSummary{
		Header:   h,
		Curve:    s.archive.Curve().String(),
		TileType: h.TileType.String(),
		Bounds:   [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		Center:   [2]float64{c[0], c[1]},
		Metadata: meta,
	})
}
