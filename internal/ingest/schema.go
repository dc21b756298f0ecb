package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"

	"tilecache/internal/source"
	"tilecache/internal/store"
)

var ErrNoFeatureID = errors.New("ingest: feature has no id")

// Schema maps a remote layer onto a store feature table.
type Schema struct {
	Table   store.FeatureTable
	idField string
	columns map[string]store.Column // remote field name -> column
}

var esriTypes = map[string]store.ScalarType{
	"esriFieldTypeSmallInteger": store.Integer,
	"esriFieldTypeInteger":      store.Integer,
	"esriFieldTypeBigInteger":   store.Integer,
	"esriFieldTypeDate":         store.Integer,
	"esriFieldTypeSingle":       store.Real,
	"esriFieldTypeDouble":       store.Real,
	"esriFieldTypeString":       store.Text,
	"esriFieldTypeGUID":         store.Text,
	"esriFieldTypeGlobalID":     store.Text,
	"esriFieldTypeDateOnly":     store.Text,
	"esriFieldTypeTimeOnly":     store.Text,
}

var esriGeometries = map[string]string{
	"esriGeometryPoint":      "POINT",
	"esriGeometryMultipoint": "MULTIPOINT",
	"esriGeometryPolyline":   "MULTILINESTRING",
	"esriGeometryPolygon":    "MULTIPOLYGON",
}

// SchemaFor derives the table definition for a described layer. The
// object id field becomes the row id; geometry, blob and raster fields
// are dropped.
func SchemaFor(table string, info *source.LayerInfo) *Schema {
	s := &Schema{
		Table: store.FeatureTable{
			Name:         table,
			GeometryType: "GEOMETRY",
			CRS:          store.CRS84,
		},
		idField: info.ObjectIDField,
		columns: make(map[string]store.Column),
	}
	if gt, ok := esriGeometries[info.GeometryType]; ok {
		s.Table.GeometryType = gt
	}
	used := map[string]bool{"fid": true, "geom": true}
	for _, f := range info.Fields {
		if f.Type == "esriFieldTypeOID" {
			if s.idField == "" {
				s.idField = f.Name
			}
			continue
		}
		if strings.EqualFold(f.Name, s.idField) {
			continue
		}
		t, ok := esriTypes[f.Type]
		if !ok {
			continue
		}
		name := store.SanitizeName(f.Name)
		for base, i := name, 2; used[strings.ToLower(name)]; i++ {
			name = base + "_" + strconv.Itoa(i)
		}
		used[strings.ToLower(name)] = true
		col := store.Column{Name: name, Type: t}
		s.Table.Columns = append(s.Table.Columns, col)
		s.columns[f.Name] = col
	}
	return s
}

// Row converts one GeoJSON feature. The id comes from the feature id or,
// failing that, the object id property. Properties the layer did not
// declare are ignored; a declared property of the wrong type is a
// store.SchemaConflictError.
func (s *Schema) Row(f *geojson.Feature) (store.FeatureRow, error) {
	id, ok := featureID(f.ID)
	if !ok && s.idField != "" {
		id, ok = featureID(f.Properties[s.idField])
	}
	if !ok {
		return store.FeatureRow{}, ErrNoFeatureID
	}
	row := store.FeatureRow{ID: id, Geometry: f.Geometry, Attributes: make(map[string]interface{}, len(s.columns))}
	for k, v := range f.Properties {
		col, ok := s.columns[k]
		if !ok {
			continue
		}
		row.Attributes[col.Name] = v
	}
	// values are checked, never coerced
	if _, err := s.Table.Values(row); err != nil {
		return store.FeatureRow{}, err
	}
	return row, nil
}

// Records converts a page into store records for the schema's table.
func (s *Schema) Records(fc *geojson.FeatureCollection) ([]Record, error) {
	out := make([]Record, 0, len(fc.Features))
	for i, f := range fc.Features {
		row, err := s.Row(f)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		out = append(out, Record{Table: s.Table.Name, Feature: &row})
	}
	return out, nil
}

func featureID(v interface{}) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), id == float64(int64(id))
	case int:
		return int64(id), true
	case int64:
		return id, true
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	}
	return 0, false
}
