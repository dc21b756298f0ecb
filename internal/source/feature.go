package source

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// FeatureLayer is one layer of an ESRI FeatureServer, addressed as
// BaseURL/LayerID.
type FeatureLayer struct {
	BaseURL string
	LayerID string
	Client  *Client
}

// Field is an attribute declared by the remote layer.
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Alias string `json:"alias"`
}

// LayerInfo is the layer description returned by ?f=json.
type LayerInfo struct {
	Name          string  `json:"name"`
	GeometryType  string  `json:"geometryType"`
	ObjectIDField string  `json:"objectIdField"`
	Fields        []Field `json:"fields"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// URL is the layer endpoint.
func (l *FeatureLayer) URL() string {
	base := strings.TrimRight(l.BaseURL, "/")
	if l.LayerID == "" {
		return base
	}
	return base + "/" + l.LayerID
}

// Describe fetches the layer schema.
func (l *FeatureLayer) Describe(ctx context.Context) (*LayerInfo, error) {
	target := l.URL() + "?f=json"
	body, err := l.Client.get(ctx, "describe", target)
	if err != nil {
		return nil, err
	}
	var info LayerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &FetchError{Target: "describe", URL: target, Cause: err}
	}
	if info.Error != nil {
		return nil, &FetchError{Target: "describe", URL: target, Cause: fmt.Errorf("service error %d: %s", info.Error.Code, info.Error.Message)}
	}
	return &info, nil
}

func (l *FeatureLayer) query(extra url.Values, bbox *orb.Bound) string {
	q := url.Values{}
	q.Set("where", "1=1")
	if bbox != nil {
		q.Set("geometry", formatBound(*bbox))
		q.Set("geometryType", "esriGeometryEnvelope")
		q.Set("inSR", "4326")
		q.Set("spatialRel", "esriSpatialRelIntersects")
	}
	for k, v := range extra {
		q[k] = v
	}
	return l.URL() + "/query?" + q.Encode()
}

// Count returns the number of features the layer reports, optionally
// restricted to bbox (EPSG:4326).
func (l *FeatureLayer) Count(ctx context.Context, bbox *orb.Bound) (int, error) {
	target := l.query(url.Values{"returnCountOnly": {"true"}, "f": {"json"}}, bbox)
	body, err := l.Client.get(ctx, "count", target)
	if err != nil {
		return 0, err
	}
	var out struct {
		Count *int `json:"count"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, &FetchError{Target: "count", URL: target, Cause: err}
	}
	if out.Count == nil {
		return 0, &FetchError{Target: "count", URL: target, Cause: fmt.Errorf("no count in response")}
	}
	return *out.Count, nil
}

// Page fetches limit features starting at offset as GeoJSON in EPSG:4326.
func (l *FeatureLayer) Page(ctx context.Context, offset, limit int, bbox *orb.Bound) (*geojson.FeatureCollection, error) {
	target := l.query(url.Values{
		"outFields":         {"*"},
		"outSR":             {"4326"},
		"f":                 {"geojson"},
		"resultOffset":      {strconv.Itoa(offset)},
		"resultRecordCount": {strconv.Itoa(limit)},
	}, bbox)
	what := "offset " + strconv.Itoa(offset)
	body, err := l.Client.get(ctx, what, target)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, &FetchError{Target: what, URL: target, Cause: err}
	}
	return fc, nil
}

// Pages lists the offsets needed to read count features limit at a time.
func Pages(limit, count int) []int {
	if limit <= 0 || count <= 0 {
		return nil
	}
	offsets := make([]int, 0, (count+limit-1)/limit)
	for offset := 0; offset < count; offset += limit {
		offsets = append(offsets, offset)
	}
	return offsets
}

// Batches yields the layer page by page. Every iteration starts over with
// a fresh count. A failed page yields its error and iteration continues
// with the next page; a failed count ends the sequence.
func (l *FeatureLayer) Batches(ctx context.Context, limit int, bbox *orb.Bound) iter.Seq2[*geojson.FeatureCollection, error] {
	return func(yield func(*geojson.FeatureCollection, error) bool) {
		count, err := l.Count(ctx, bbox)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, offset := range Pages(limit, count) {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(l.Page(ctx, offset, limit, bbox)) {
				return
			}
		}
	}
}

func formatBound(b orb.Bound) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(b.Min[0]) + "," + f(b.Min[1]) + "," + f(b.Max[0]) + "," + f(b.Max[1])
}
