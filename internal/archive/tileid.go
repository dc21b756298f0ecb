package archive

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// Curve is the space-filling curve that linearises z/x/y into tile ids.
// Every zoom level occupies the id range [(4^z-1)/3, (4^(z+1)-1)/3).
type Curve uint8

const (
	// Hilbert is the PMTiles v3 ordering.
	Hilbert Curve = iota
	// Quadkey is Z-order: each level contributes the digit xbit + 2*ybit.
	Quadkey
)

// ParseCurve accepts "hilbert" or "quadkey".
func ParseCurve(s string) (Curve, error) {
	switch strings.ToLower(s) {
	case "", "hilbert":
		return Hilbert, nil
	case "quadkey", "zorder":
		return Quadkey, nil
	}
	return 0, fmt.Errorf("archive: unknown curve %q", s)
}

func (c Curve) String() string {
	if c == Quadkey {
		return "quadkey"
	}
	return "hilbert"
}

// zoomBase is the first id of zoom z.
func zoomBase(z maptile.Zoom) uint64 {
	return ((uint64(1) << (2 * uint64(z))) - 1) / 3
}

// ID linearises t.
func (c Curve) ID(t maptile.Tile) uint64 {
	acc := zoomBase(t.Z)
	if c == Quadkey {
		return acc + t.Quadkey()
	}
	x, y := uint64(t.X), uint64(t.Y)
	var d uint64
	for s := (uint64(1) << uint64(t.Z)) >> 1; s > 0; s >>= 1 {
		var rx, ry uint64
		if x&s != 0 {
			rx = 1
		}
		if y&s != 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		x, y = rotate(s, x, y, rx, ry)
	}
	return acc + d
}

// Tile is the inverse of ID.
func (c Curve) Tile(id uint64) maptile.Tile {
	var z maptile.Zoom
	for z < 31 && zoomBase(z+1) <= id {
		z++
	}
	d := id - zoomBase(z)
	if c == Quadkey {
		return maptile.FromQuadkey(d, z)
	}
	var x, y uint64
	n := uint64(1) << uint64(z)
	for s := uint64(1); s < n; s <<= 1 {
		rx := 1 & (d / 2)
		ry := 1 & (d ^ rx)
		x, y = rotate(s, x, y, rx, ry)
		x += s * rx
		y += s * ry
		d /= 4
	}
	return maptile.New(uint32(x), uint32(y), z)
}

func rotate(n, x, y, rx, ry uint64) (uint64, uint64) {
	if ry == 0 {
		if rx == 1 {
			x = n - 1 - x
			y = n - 1 - y
		}
		return y, x
	}
	return x, y
}
