package tilemath

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for z := 0; z <= 18; z++ {
		zoom := maptile.Zoom(z)
		n := MatrixSize(zoom)
		for _, v := range []uint32{0, n / 3, n / 2, n - 1} {
			assert.Equal(t, v, LonToTileX(TileToLon(v, zoom), zoom), "x z=%d", z)
			assert.Equal(t, v, LatToTileY(TileToLat(v, zoom), zoom), "y z=%d", z)
		}
	}
}

func TestTileEdges(t *testing.T) {
	assert.InDelta(t, -180.0, TileToLon(0, 0), 1e-12)
	assert.InDelta(t, 180.0, TileToLon(1, 0), 1e-12)
	assert.InDelta(t, MaxLatitude, TileToLat(0, 0), 1e-9)
	assert.InDelta(t, 0.0, TileToLat(1, 1), 1e-12)
}

func TestLonLatToTileClamps(t *testing.T) {
	assert.Equal(t, uint32(3), LonToTileX(180, 2))
	assert.Equal(t, uint32(0), LonToTileX(-200, 2))
	assert.Equal(t, uint32(0), LatToTileY(89.9, 2))
	assert.Equal(t, uint32(3), LatToTileY(-89.9, 2))
}

func TestNewTileValidates(t *testing.T) {
	tile, err := NewTile(3, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, maptile.New(7, 0, 3), tile)

	_, err = NewTile(3, 8, 0)
	assert.True(t, errors.Is(err, ErrInvalidCoordinate))

	_, err = NewTile(-1, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidZoom))

	_, err = NewTile(ZoomMax+1, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidZoom))
}

func TestMercator(t *testing.T) {
	m := LonLatToMercator(orb.Point{180, 0})
	assert.InDelta(t, WorldExtent, m[0], 1e-3)

	back := MercatorToLonLat(LonLatToMercator(orb.Point{-105, 40}))
	assert.InDelta(t, -105, back[0], 1e-9)
	assert.InDelta(t, 40, back[1], 1e-9)

	b := TileMercatorBound(maptile.New(0, 0, 0))
	assert.InDelta(t, -WorldExtent, b.Min[0], 1e-6)
	assert.InDelta(t, WorldExtent, b.Max[1], 1e-6)
}

func TestPixelSize(t *testing.T) {
	assert.InDelta(t, 156543.03392804062, PixelSize(0), 1e-6)
	assert.InDelta(t, PixelSize(0)/1024, PixelSize(10), 1e-9)
	assert.Equal(t, uint32(1024), MatrixSize(10))
}

func TestCover(t *testing.T) {
	world := orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
	tiles, err := Cover(world, 0, 2)
	require.NoError(t, err)
	assert.Len(t, tiles, 1+4+16)
	assert.Equal(t, maptile.New(0, 0, 0), tiles[0])
	assert.Equal(t, maptile.New(0, 0, 1), tiles[1])
	assert.Equal(t, maptile.New(0, 1, 1), tiles[2])

	count, err := CoverCount(world, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(len(tiles)), count)

	_, err = Cover(world, 3, 2)
	assert.True(t, errors.Is(err, ErrInvalidZoom))
}

func TestTileBoundContainsCenter(t *testing.T) {
	tile := maptile.At(orb.Point{-105, 40}, 9)
	b := TileBound(tile)
	assert.True(t, b.Contains(orb.Point{-105, 40}))
	assert.Equal(t, tile.X, LonToTileX(b.Center()[0], 9))
}
