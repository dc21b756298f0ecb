package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
)

var ErrCorruptGeometry = errors.New("store: corrupt geometry blob")

const (
	gpMagic0 = 'G'
	gpMagic1 = 'P'

	flagLittleEndian = 0x01
	envelopeXY       = 1 << 1
)

// encodeGeometry writes the GeoPackage binary form: a header with the
// srs id and an XY envelope, followed by little endian WKB.
func encodeGeometry(g orb.Geometry, srsID int) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	b := g.Bound()
	buf := make([]byte, 8, 8+32+len(body))
	buf[0], buf[1] = gpMagic0, gpMagic1
	buf[2] = 0
	buf[3] = flagLittleEndian | envelopeXY
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(srsID)))
	for _, v := range [4]float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1]} {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return append(buf, body...), nil
}

// decodeGeometry parses a GeoPackage binary blob. A nil blob is a null
// geometry.
func decodeGeometry(blob []byte) (orb.Geometry, int, error) {
	if len(blob) == 0 {
		return nil, 0, nil
	}
	if len(blob) < 8 || blob[0] != gpMagic0 || blob[1] != gpMagic1 {
		return nil, 0, ErrCorruptGeometry
	}
	flags := blob[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&flagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	srs := int(int32(order.Uint32(blob[4:8])))

	var envLen int
	switch (flags >> 1) & 0x07 {
	case 0:
	case 1:
		envLen = 32
	case 2, 3:
		envLen = 48
	case 4:
		envLen = 64
	default:
		return nil, 0, fmt.Errorf("%w: envelope code %d", ErrCorruptGeometry, (flags>>1)&0x07)
	}
	if len(blob) < 8+envLen {
		return nil, 0, ErrCorruptGeometry
	}
	g, err := wkb.Unmarshal(blob[8+envLen:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptGeometry, err)
	}
	return g, srs, nil
}

// geometryTypeName maps an orb geometry to its GeoPackage type name.
func geometryTypeName(g orb.Geometry) string {
	switch g.(type) {
	case orb.Point:
		return "POINT"
	case orb.MultiPoint:
		return "MULTIPOINT"
	case orb.LineString:
		return "LINESTRING"
	case orb.MultiLineString:
		return "MULTILINESTRING"
	case orb.Polygon, orb.Ring:
		return "POLYGON"
	case orb.MultiPolygon:
		return "MULTIPOLYGON"
	case orb.Collection:
		return "GEOMETRYCOLLECTION"
	}
	return "GEOMETRY"
}

// intersects is the exact, edge-inclusive test behind bbox queries.
func intersects(g orb.Geometry, b orb.Bound) bool {
	if g == nil || !g.Bound().Intersects(b) {
		return false
	}
	switch g := g.(type) {
	case orb.Point:
		return b.Contains(g)
	case orb.MultiPoint:
		for _, p := range g {
			if b.Contains(p) {
				return true
			}
		}
		return false
	case orb.LineString:
		return lineIntersects(g, b)
	case orb.MultiLineString:
		for _, ls := range g {
			if lineIntersects(ls, b) {
				return true
			}
		}
		return false
	case orb.Ring:
		return polygonIntersects(orb.Polygon{g}, b)
	case orb.Polygon:
		return polygonIntersects(g, b)
	case orb.MultiPolygon:
		for _, p := range g {
			if polygonIntersects(p, b) {
				return true
			}
		}
		return false
	case orb.Collection:
		for _, c := range g {
			if intersects(c, b) {
				return true
			}
		}
		return false
	}
	return true
}

func lineIntersects(ls orb.LineString, b orb.Bound) bool {
	for i, p := range ls {
		if b.Contains(p) {
			return true
		}
		if i > 0 && segmentCrossesBound(ls[i-1], p, b) {
			return true
		}
	}
	return false
}

func polygonIntersects(p orb.Polygon, b orb.Bound) bool {
	if len(p) == 0 {
		return false
	}
	for _, r := range p {
		if lineIntersects(orb.LineString(r), b) {
			return true
		}
	}
	// bound entirely inside the polygon
	return planar.PolygonContains(p, b.Center())
}

// segmentCrossesBound reports whether segment a-b crosses any edge of bound.
func segmentCrossesBound(a, c orb.Point, b orb.Bound) bool {
	corners := [4]orb.Point{b.Min, {b.Max[0], b.Min[1]}, b.Max, {b.Min[0], b.Max[1]}}
	for i := range corners {
		if segmentsIntersect(a, c, corners[i], corners[(i+1)%4]) {
			return true
		}
	}
	return false
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) || (d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) || (d4 == 0 && onSegment(p1, p2, p4))
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}
