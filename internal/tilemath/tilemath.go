// Package tilemath converts between geographic coordinates, Web-Mercator
// meters and z/x/y tile pyramid addresses.
package tilemath

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

// TileSize is the pixel edge length of every tile.
const TileSize = 256

// ZoomMin and ZoomMax bound the supported pyramid levels.
const (
	ZoomMin = 0
	ZoomMax = 30
)

// WorldExtent is half the edge of the EPSG:3857 square, in meters.
const WorldExtent = 20037508.3427892

// MaxLatitude is the latitude at which Web-Mercator becomes a square.
const MaxLatitude = 85.0511287798066

// edge absorbs floating error when a coordinate sits exactly on a tile edge.
const edge = 1e-7

var (
	ErrInvalidZoom       = errors.New("tilemath: invalid zoom")
	ErrInvalidCoordinate = errors.New("tilemath: invalid tile coordinate")
)

// CheckZoom fails with ErrInvalidZoom outside [ZoomMin, ZoomMax].
func CheckZoom(z int) error {
	if z < ZoomMin || z > ZoomMax {
		return fmt.Errorf("%w: %d", ErrInvalidZoom, z)
	}
	return nil
}

// NewTile validates a z/x/y triple and returns the tile address.
func NewTile(z, x, y int) (maptile.Tile, error) {
	if err := CheckZoom(z); err != nil {
		return maptile.Tile{}, err
	}
	n := 1 << uint(z)
	if x < 0 || y < 0 || x >= n || y >= n {
		return maptile.Tile{}, fmt.Errorf("%w: %d/%d/%d", ErrInvalidCoordinate, z, x, y)
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

// MatrixSize is the number of tiles along one axis at zoom z.
func MatrixSize(z maptile.Zoom) uint32 {
	return uint32(1) << uint32(z)
}

// PixelSize is the ground size of one pixel in meters at zoom z.
func PixelSize(z maptile.Zoom) float64 {
	return 2 * WorldExtent / (TileSize * math.Exp2(float64(z)))
}

// TileToLon returns the longitude of the west edge of column x.
func TileToLon(x uint32, z maptile.Zoom) float64 {
	return float64(x)/math.Exp2(float64(z))*360.0 - 180.0
}

// TileToLat returns the latitude of the north edge of row y.
func TileToLat(y uint32, z maptile.Zoom) float64 {
	n := math.Pi - 2.0*math.Pi*float64(y)/math.Exp2(float64(z))
	return math.Atan(math.Sinh(n)) * 180.0 / math.Pi
}

// LonToTileX returns the column containing lon, clamped to the grid.
func LonToTileX(lon float64, z maptile.Zoom) uint32 {
	n := math.Exp2(float64(z))
	return clampIndex(math.Floor((lon+180.0)/360.0*n+edge), n)
}

// LatToTileY returns the row containing lat, clamped to the grid.
func LatToTileY(lat float64, z maptile.Zoom) uint32 {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
	r := lat * math.Pi / 180.0
	n := math.Exp2(float64(z))
	y := (1 - math.Log(math.Tan(r)+1/math.Cos(r))/math.Pi) / 2 * n
	return clampIndex(math.Floor(y+edge), n)
}

func clampIndex(v, n float64) uint32 {
	if v < 0 {
		return 0
	}
	if v > n-1 {
		return uint32(n - 1)
	}
	return uint32(v)
}

// LonLatToMercator projects an EPSG:4326 point to EPSG:3857 meters.
func LonLatToMercator(p orb.Point) orb.Point {
	return project.WGS84.ToMercator(p)
}

// MercatorToLonLat is the inverse of LonLatToMercator.
func MercatorToLonLat(p orb.Point) orb.Point {
	return project.Mercator.ToWGS84(p)
}

// TileBound is the geographic bound of t.
func TileBound(t maptile.Tile) orb.Bound {
	return orb.Bound{
		Min: orb.Point{TileToLon(t.X, t.Z), TileToLat(t.Y+1, t.Z)},
		Max: orb.Point{TileToLon(t.X+1, t.Z), TileToLat(t.Y, t.Z)},
	}
}

// TileMercatorBound is the EPSG:3857 bound of t, computed on the grid
// so neighbouring tiles share edges exactly.
func TileMercatorBound(t maptile.Tile) orb.Bound {
	size := 2 * WorldExtent / math.Exp2(float64(t.Z))
	minX := -WorldExtent + float64(t.X)*size
	maxY := WorldExtent - float64(t.Y)*size
	return orb.Bound{
		Min: orb.Point{minX, maxY - size},
		Max: orb.Point{minX + size, maxY},
	}
}

// Cover lists every tile intersecting bound for zooms minZ..maxZ, ordered
// by zoom, then column, then row.
func Cover(bound orb.Bound, minZ, maxZ int) ([]maptile.Tile, error) {
	if err := checkRange(minZ, maxZ); err != nil {
		return nil, err
	}
	var tiles []maptile.Tile
	for z := minZ; z <= maxZ; z++ {
		zoom := maptile.Zoom(z)
		minX, maxX, minY, maxY := span(bound, zoom)
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				tiles = append(tiles, maptile.New(x, y, zoom))
			}
		}
	}
	return tiles, nil
}

// CoverCount is len(Cover(...)) without materialising the list.
func CoverCount(bound orb.Bound, minZ, maxZ int) (int64, error) {
	if err := checkRange(minZ, maxZ); err != nil {
		return 0, err
	}
	var total int64
	for z := minZ; z <= maxZ; z++ {
		minX, maxX, minY, maxY := span(bound, maptile.Zoom(z))
		total += int64(maxX-minX+1) * int64(maxY-minY+1)
	}
	return total, nil
}

func span(b orb.Bound, z maptile.Zoom) (minX, maxX, minY, maxY uint32) {
	minX = LonToTileX(b.Min[0], z)
	maxX = LonToTileX(b.Max[0], z)
	minY = LatToTileY(b.Max[1], z)
	maxY = LatToTileY(b.Min[1], z)
	return
}

func checkRange(minZ, maxZ int) error {
	if err := CheckZoom(minZ); err != nil {
		return err
	}
	if err := CheckZoom(maxZ); err != nil {
		return err
	}
	if minZ > maxZ {
		return fmt.Errorf("%w: min %d above max %d", ErrInvalidZoom, minZ, maxZ)
	}
	return nil
}
