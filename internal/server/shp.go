package server

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"tilecache/internal/store"
)

// dbf field names are limited to 10 bytes
const dbfNameLength = 10

// encodeShapefile writes rows, already in CRS84, as a zipped shapefile.
// Rows whose geometry does not match the file's shape type are left out
// and counted in skipped.
func encodeShapefile(ft *store.FeatureTable, rows []store.FeatureRow) (body []byte, skipped int, err error) {
	dir, err := os.MkdirTemp("", "tilecache-shp-")
	if err != nil {
		return nil, 0, err
	}
	defer os.RemoveAll(dir)

	base := filepath.Join(dir, ft.Name)
	w, err := shp.Create(base+".shp", shapeTypeFor(ft.GeometryType, rows))
	if err != nil {
		return nil, 0, fmt.Errorf("create shapefile: %w", err)
	}
	fields := dbfFields(ft.Columns)
	if err := w.SetFields(fields); err != nil {
		w.Close()
		return nil, 0, fmt.Errorf("create shapefile: %w", err)
	}

	for _, row := range rows {
		shape := toShape(row.Geometry, w.GeometryType)
		if shape == nil {
			skipped++
			continue
		}
		n := int(w.Write(shape))
		for i, c := range ft.Columns {
			v, ok := dbfValue(row.Attributes[c.Name], c.Type, fields[i])
			if !ok {
				continue
			}
			if err := w.WriteAttribute(n, i, v); err != nil {
				w.Close()
				return nil, 0, fmt.Errorf("write %s/%d: %w", ft.Name, row.ID, err)
			}
		}
	}
	w.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// go-shp v0.1.1 names the attribute file without its dot
	files := []struct{ path, name string }{
		{base + ".shp", ft.Name + ".shp"},
		{base + ".shx", ft.Name + ".shx"},
		{base + "dbf", ft.Name + ".dbf"},
	}
	for _, f := range files {
		if err := addFile(zw, f.path, f.name); err != nil {
			return nil, 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), skipped, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("zip shapefile: %w", err)
	}
	defer f.Close()
	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	return err
}

// shapeTypeFor maps the declared geometry type. A generic table takes the
// type of its first row.
func shapeTypeFor(declared string, rows []store.FeatureRow) shp.ShapeType {
	switch strings.ToUpper(declared) {
	case "POINT":
		return shp.POINT
	case "MULTIPOINT":
		return shp.MULTIPOINT
	case "LINESTRING", "MULTILINESTRING":
		return shp.POLYLINE
	case "POLYGON", "MULTIPOLYGON":
		return shp.POLYGON
	}
	for _, r := range rows {
		switch r.Geometry.(type) {
		case orb.Point:
			return shp.POINT
		case orb.MultiPoint:
			return shp.MULTIPOINT
		case orb.LineString, orb.MultiLineString:
			return shp.POLYLINE
		case orb.Polygon, orb.MultiPolygon:
			return shp.POLYGON
		}
	}
	return shp.POINT
}

func toShape(g orb.Geometry, t shp.ShapeType) shp.Shape {
	switch g := g.(type) {
	case orb.Point:
		if t == shp.POINT {
			return &shp.Point{X: g[0], Y: g[1]}
		}
	case orb.MultiPoint:
		if t == shp.MULTIPOINT {
			pts := shpPoints(g)
			return &shp.MultiPoint{Box: shp.BBoxFromPoints(pts), NumPoints: int32(len(pts)), Points: pts}
		}
	case orb.LineString:
		if t == shp.POLYLINE {
			return shp.NewPolyLine([][]shp.Point{shpPoints(g)})
		}
	case orb.MultiLineString:
		if t == shp.POLYLINE {
			parts := make([][]shp.Point, len(g))
			for i, ls := range g {
				parts[i] = shpPoints(ls)
			}
			return shp.NewPolyLine(parts)
		}
	case orb.Polygon:
		if t == shp.POLYGON {
			return (*shp.Polygon)(shp.NewPolyLine(rings(g)))
		}
	case orb.MultiPolygon:
		if t == shp.POLYGON {
			var parts [][]shp.Point
			for _, p := range g {
				parts = append(parts, rings(p)...)
			}
			return (*shp.Polygon)(shp.NewPolyLine(parts))
		}
	}
	return nil
}

// rings orders outer rings clockwise and holes counter-clockwise, the
// reverse of GeoJSON.
func rings(p orb.Polygon) [][]shp.Point {
	parts := make([][]shp.Point, len(p))
	for i, r := range p {
		r = r.Clone()
		outer := i == 0
		if (r.Orientation() == orb.CCW) == outer {
			r.Reverse()
		}
		parts[i] = shpPoints(r)
	}
	return parts
}

func shpPoints(pts []orb.Point) []shp.Point {
	out := make([]shp.Point, len(pts))
	for i, p := range pts {
		out[i] = shp.Point{X: p[0], Y: p[1]}
	}
	return out
}

func dbfFields(cols []store.Column) []shp.Field {
	fields := make([]shp.Field, len(cols))
	used := map[string]bool{}
	for i, c := range cols {
		name := c.Name
		if len(name) > dbfNameLength {
			name = name[:dbfNameLength]
		}
		for n := 1; used[strings.ToUpper(name)]; n++ {
			suffix := fmt.Sprintf("_%d", n)
			name = name[:min(len(name), dbfNameLength-len(suffix))] + suffix
		}
		used[strings.ToUpper(name)] = true

		switch c.Type {
		case store.Integer:
			fields[i] = shp.NumberField(name, 20)
		case store.Real:
			fields[i] = shp.FloatField(name, 32, 8)
		case store.Boolean:
			fields[i] = shp.StringField(name, 1)
		default:
			fields[i] = shp.StringField(name, 254)
		}
	}
	return fields
}

// dbfValue converts an attribute to one of the types go-shp writes.
// Strings longer than the field are truncated.
func dbfValue(v interface{}, t store.ScalarType, f shp.Field) (interface{}, bool) {
	if v == nil {
		return nil, false
	}
	switch t {
	case store.Integer:
		switch x := v.(type) {
		case int64:
			return int(x), true
		case int:
			return x, true
		case float64:
			return int(x), true
		}
	case store.Real:
		switch x := v.(type) {
		case float64:
			return x, true
		case int64:
			return float64(x), true
		}
	case store.Boolean:
		if b, ok := v.(bool); ok {
			if b {
				return "T", true
			}
			return "F", true
		}
	}
	s := attrString(v)
	if len(s) > int(f.Size) {
		s = s[:f.Size]
	}
	return s, true
}
