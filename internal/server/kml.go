package server

import (
	"encoding/xml"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"tilecache/internal/store"
)

const (
	kmlContentType = "application/vnd.google-earth.kml+xml"
	kmlNamespace   = "http://www.opengis.net/kml/2.2"
)

type kmlRoot struct {
	XMLName   xml.Name    `xml:"kml"`
	Namespace string      `xml:"xmlns,attr"`
	Document  kmlDocument `xml:"Document"`
}

type kmlDocument struct {
	Name       string         `xml:"name"`
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	ID           string           `xml:"id,attr"`
	Name         string           `xml:"name"`
	Description  *kmlCDATA        `xml:"description,omitempty"`
	ExtendedData *kmlExtendedData `xml:"ExtendedData,omitempty"`
	Geometry     interface{}
}

type kmlCDATA struct {
	Text string `xml:",cdata"`
}

type kmlExtendedData struct {
	Data []kmlData `xml:"Data"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type kmlPoint struct {
	XMLName     xml.Name `xml:"Point"`
	Coordinates string   `xml:"coordinates"`
}

type kmlLineString struct {
	XMLName     xml.Name `xml:"LineString"`
	Coordinates string   `xml:"coordinates"`
}

type kmlPolygon struct {
	XMLName xml.Name      `xml:"Polygon"`
	Outer   kmlBoundary   `xml:"outerBoundaryIs"`
	Inner   []kmlBoundary `xml:"innerBoundaryIs"`
}

type kmlBoundary struct {
	Ring struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"LinearRing"`
}

type kmlMultiGeometry struct {
	XMLName    xml.Name `xml:"MultiGeometry"`
	Geometries []interface{}
}

// encodeKML writes rows, already in CRS84, as a KML 2.2 document.
func encodeKML(ft *store.FeatureTable, rows []store.FeatureRow) ([]byte, error) {
	doc := kmlRoot{
		Namespace: kmlNamespace,
		Document:  kmlDocument{Name: ft.Name, Placemarks: make([]kmlPlacemark, 0, len(rows))},
	}
	for _, row := range rows {
		g := kmlGeometry(row.Geometry)
		if g == nil {
			continue
		}
		keys := make([]string, 0, len(row.Attributes))
		for k := range row.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pm := kmlPlacemark{
			ID:       fmt.Sprintf("%s.%d", ft.Name, row.ID),
			Name:     placemarkName(row),
			Geometry: g,
		}
		if len(keys) > 0 {
			var desc strings.Builder
			desc.WriteString("<table>")
			ext := &kmlExtendedData{}
			for _, k := range keys {
				v := attrString(row.Attributes[k])
				fmt.Fprintf(&desc, "<tr><th>%s</th><td>%s</td></tr>", html.EscapeString(k), html.EscapeString(v))
				ext.Data = append(ext.Data, kmlData{Name: k, Value: v})
			}
			desc.WriteString("</table>")
			pm.Description = &kmlCDATA{Text: desc.String()}
			pm.ExtendedData = ext
		}
		doc.Document.Placemarks = append(doc.Document.Placemarks, pm)
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode kml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// placemarkName prefers a name, title or objectid attribute, in that
// order, over the row id.
func placemarkName(row store.FeatureRow) string {
	for _, want := range []string{"name", "title", "objectid"} {
		for k, v := range row.Attributes {
			if strings.EqualFold(k, want) && v != nil {
				return attrString(v)
			}
		}
	}
	return strconv.FormatInt(row.ID, 10)
}

func attrString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func kmlGeometry(g orb.Geometry) interface{} {
	switch g := g.(type) {
	case orb.Point:
		return kmlPoint{Coordinates: coords(g)}
	case orb.MultiPoint:
		m := kmlMultiGeometry{}
		for _, p := range g {
			m.Geometries = append(m.Geometries, kmlPoint{Coordinates: coords(p)})
		}
		return m
	case orb.LineString:
		return kmlLineString{Coordinates: coords(g...)}
	case orb.MultiLineString:
		m := kmlMultiGeometry{}
		for _, ls := range g {
			m.Geometries = append(m.Geometries, kmlLineString{Coordinates: coords(ls...)})
		}
		return m
	case orb.Polygon:
		return polygon(g)
	case orb.MultiPolygon:
		m := kmlMultiGeometry{}
		for _, p := range g {
			m.Geometries = append(m.Geometries, polygon(p))
		}
		return m
	case orb.Collection:
		m := kmlMultiGeometry{}
		for _, c := range g {
			if k := kmlGeometry(c); k != nil {
				m.Geometries = append(m.Geometries, k)
			}
		}
		return m
	}
	return nil
}

func polygon(p orb.Polygon) kmlPolygon {
	var out kmlPolygon
	for i, r := range p {
		var b kmlBoundary
		b.Ring.Coordinates = coords(r...)
		if i == 0 {
			out.Outer = b
			continue
		}
		out.Inner = append(out.Inner, b)
	}
	return out
}

func coords(pts ...orb.Point) string {
	parts := make([]string, len(pts))
	for i, p := range pts {
		parts[i] = strconv.FormatFloat(p[0], 'f', -1, 64) + "," + strconv.FormatFloat(p[1], 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}
