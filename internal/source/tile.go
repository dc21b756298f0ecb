package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb/maptile"

	"tilecache/internal/tilemath"
)

// TileSource fetches the image or vector payload of one tile.
type TileSource interface {
	FetchTile(ctx context.Context, t maptile.Tile) ([]byte, error)
}

func tileTarget(t maptile.Tile) string {
	return fmt.Sprintf("tile %d/%d/%d", t.Z, t.X, t.Y)
}

// ImageLayer renders tiles through an ESRI ImageServer exportImage call
// with the tile bound in EPSG:3857.
type ImageLayer struct {
	BaseURL       string
	RenderingRule string
	Format        string
	Client        *Client
}

// TileURL is the exportImage request for t.
func (l *ImageLayer) TileURL(t maptile.Tile) string {
	format := l.Format
	if format == "" {
		format = "png"
	}
	q := url.Values{}
	q.Set("f", "image")
	q.Set("format", format)
	q.Set("size", strconv.Itoa(tilemath.TileSize)+","+strconv.Itoa(tilemath.TileSize))
	q.Set("bbox", formatBound(tilemath.TileMercatorBound(t)))
	q.Set("bboxSR", "3857")
	q.Set("imageSR", "3857")
	if l.RenderingRule != "" {
		q.Set("renderingRule", l.RenderingRule)
	}
	return strings.TrimRight(l.BaseURL, "/") + "/exportImage?" + q.Encode()
}

// FetchTile implements TileSource.
func (l *ImageLayer) FetchTile(ctx context.Context, t maptile.Tile) ([]byte, error) {
	return l.Client.get(ctx, tileTarget(t), l.TileURL(t))
}

// TemplateLayer fetches tiles from an XYZ service whose URL contains
// {z}, {x} and {y} placeholders.
type TemplateLayer struct {
	URL string
	// Gzip compresses fetched bodies, for services serving raw vector tiles.
	Gzip   bool
	Client *Client
}

// TileURL substitutes t into the template.
func (l *TemplateLayer) TileURL(t maptile.Tile) string {
	r := strings.NewReplacer(
		"{x}", strconv.Itoa(int(t.X)),
		"{y}", strconv.Itoa(int(t.Y)),
		"{z}", strconv.Itoa(int(t.Z)),
	)
	return r.Replace(l.URL)
}

// FetchTile implements TileSource.
func (l *TemplateLayer) FetchTile(ctx context.Context, t maptile.Tile) ([]byte, error) {
	body, err := l.Client.get(ctx, tileTarget(t), l.TileURL(t))
	if err != nil || !l.Gzip || isGzip(body) {
		return body, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, &FetchError{Target: tileTarget(t), Cause: err}
	}
	if err := zw.Close(); err != nil {
		return nil, &FetchError{Target: tileTarget(t), Cause: err}
	}
	return buf.Bytes(), nil
}

func isGzip(b []byte) bool {
	return len(b) > 1 && b[0] == 0x1f && b[1] == 0x8b
}
