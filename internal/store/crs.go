package store

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"tilecache/internal/tilemath"
)

// Well-known spatial reference identifiers.
const (
	CRSUndefinedCartesian  = -1
	CRSUndefinedGeographic = 0
	CRS84                  = 4326
	WebMercator            = 3857
)

type srsDef struct {
	name        string
	id          int
	org         string
	orgID       int
	definition  string
	description string
}

var spatialRefSys = []srsDef{
	{"Undefined cartesian SRS", CRSUndefinedCartesian, "NONE", -1, "undefined", "undefined cartesian coordinate reference system"},
	{"Undefined geographic SRS", CRSUndefinedGeographic, "NONE", 0, "undefined", "undefined geographic coordinate reference system"},
	{"WGS 84 geodetic", CRS84, "EPSG", 4326,
		`GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`,
		"longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid"},
	{"WGS 84 / Pseudo-Mercator", WebMercator, "EPSG", 3857,
		`PROJCS["WGS 84 / Pseudo-Mercator",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],PROJECTION["Mercator_1SP"],PARAMETER["central_meridian",0],PARAMETER["scale_factor",1],PARAMETER["false_easting",0],PARAMETER["false_northing",0],UNIT["metre",1],AUTHORITY["EPSG","3857"]]`,
		"spherical mercator used by web tile pyramids"},
}

// ParseCRS accepts an EPSG code or an OGC CRS URI such as
// http://www.opengis.net/def/crs/EPSG/0/3857 or .../OGC/1.3/CRS84.
func ParseCRS(s string) (int, error) {
	switch s {
	case "", "4326", "EPSG:4326", "http://www.opengis.net/def/crs/OGC/1.3/CRS84",
		"http://www.opengis.net/def/crs/EPSG/0/4326":
		return CRS84, nil
	case "3857", "EPSG:3857", "http://www.opengis.net/def/crs/EPSG/0/3857":
		return WebMercator, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedCRS, s)
}

// Reproject converts b between the supported CRSs.
func Reproject(b orb.Bound, from, to int) (orb.Bound, error) {
	if from == to {
		return b, nil
	}
	switch {
	case from == CRS84 && to == WebMercator:
		return orb.Bound{
			Min: tilemath.LonLatToMercator(clampLat(b.Min)),
			Max: tilemath.LonLatToMercator(clampLat(b.Max)),
		}, nil
	case from == WebMercator && to == CRS84:
		return orb.Bound{
			Min: tilemath.MercatorToLonLat(b.Min),
			Max: tilemath.MercatorToLonLat(b.Max),
		}, nil
	}
	return orb.Bound{}, fmt.Errorf("%w: %d to %d", ErrUnsupportedCRS, from, to)
}

// ReprojectGeometry converts g between the supported CRSs. The input is
// not modified.
func ReprojectGeometry(g orb.Geometry, from, to int) (orb.Geometry, error) {
	if g == nil || from == to {
		return g, nil
	}
	switch {
	case from == CRS84 && to == WebMercator:
		return project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
			return tilemath.LonLatToMercator(clampLat(p))
		}), nil
	case from == WebMercator && to == CRS84:
		return project.Geometry(orb.Clone(g), tilemath.MercatorToLonLat), nil
	}
	return nil, fmt.Errorf("%w: %d to %d", ErrUnsupportedCRS, from, to)
}

func clampLat(p orb.Point) orb.Point {
	return orb.Point{p[0], math.Max(-tilemath.MaxLatitude, math.Min(tilemath.MaxLatitude, p[1]))}
}
