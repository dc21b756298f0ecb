package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"

	"tilecache/internal/ingest"
)

// loadRegion reads a GeoJSON feature collection describing a download
// area.
func loadRegion(path string) (orb.Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %w", err)
	}
	return ingest.Region(data)
}

// boundOf turns minLon,minLat,maxLon,maxLat into a bound.
func boundOf(v []float64) orb.Bound {
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
}

// ensureDir creates the parent directory of path.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, os.ModePerm)
}
