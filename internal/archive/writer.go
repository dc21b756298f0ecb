package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"tilecache/internal/tilemath"
)

const defaultLeafSize = 4096

// Writer collects tiles in memory and lays the archive out on Finish.
// Payloads are stored as given: they must already be encoded with
// TileCompression.
type Writer struct {
	Curve               Curve
	TileType            TileType
	TileCompression     Compression
	InternalCompression Compression
	Metadata            map[string]interface{}

	// RootLimit caps the encoded root directory; zero means MaxRootLength.
	RootLimit int
	// LeafSize is the initial number of entries per leaf directory.
	LeafSize int

	tiles    map[maptile.Tile]uint64
	payloads map[uint64][]byte
}

// NewWriter returns a writer using the Hilbert curve and gzip directories.
func NewWriter(tileType TileType, tileCompression Compression) *Writer {
	return &Writer{
		Curve:               Hilbert,
		TileType:            tileType,
		TileCompression:     tileCompression,
		InternalCompression: Gzip,
	}
}

// Len is the number of distinct tile addresses added.
func (w *Writer) Len() int { return len(w.tiles) }

// Add stores data for t, replacing any earlier payload for the same tile.
// Identical payloads are kept once.
func (w *Writer) Add(t maptile.Tile, data []byte) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d/%d/%d", tilemath.ErrInvalidCoordinate, t.Z, t.X, t.Y)
	}
	if len(data) == 0 {
		return fmt.Errorf("archive: empty payload for %d/%d/%d", t.Z, t.X, t.Y)
	}
	if w.tiles == nil {
		w.tiles = make(map[maptile.Tile]uint64)
		w.payloads = make(map[uint64][]byte)
	}
	h := xxhash.Sum64(data)
	if prev, ok := w.payloads[h]; ok {
		if !bytes.Equal(prev, data) {
			return fmt.Errorf("archive: payload hash collision at %d/%d/%d", t.Z, t.X, t.Y)
		}
	} else {
		w.payloads[h] = append([]byte(nil), data...)
	}
	w.tiles[t] = h
	return nil
}

type location struct {
	offset uint64
	length uint32
}

// Finish writes the archive to out and returns its header.
func (w *Writer) Finish(out io.Writer) (Header, error) {
	ic := w.InternalCompression
	if ic == UnknownCompression {
		ic = Gzip
	}
	tc := w.TileCompression
	if tc == UnknownCompression {
		tc = NoCompression
	}
	h := Header{
		Clustered:           true,
		InternalCompression: ic,
		TileCompression:     tc,
		TileType:            w.TileType,
	}

	type addressed struct {
		id   uint64
		hash uint64
	}
	list := make([]addressed, 0, len(w.tiles))
	var bound orb.Bound
	first := true
	for t, hash := range w.tiles {
		list = append(list, addressed{id: w.Curve.ID(t), hash: hash})
		tb := tilemath.TileBound(t)
		if first {
			bound = tb
			h.MinZoom, h.MaxZoom = uint8(t.Z), uint8(t.Z)
			first = false
			continue
		}
		bound = bound.Union(tb)
		if uint8(t.Z) < h.MinZoom {
			h.MinZoom = uint8(t.Z)
		}
		if uint8(t.Z) > h.MaxZoom {
			h.MaxZoom = uint8(t.Z)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	h.setBounds(bound)
	h.CenterZoom = h.MinZoom

	// payloads are laid out in id order of first use
	seen := make(map[uint64]location, len(w.payloads))
	var blobs [][]byte
	var dataLen uint64
	entries := make([]Entry, 0, len(list))
	for _, a := range list {
		loc, ok := seen[a.hash]
		if !ok {
			p := w.payloads[a.hash]
			loc = location{offset: dataLen, length: uint32(len(p))}
			seen[a.hash] = loc
			blobs = append(blobs, p)
			dataLen += uint64(len(p))
		}
		if n := len(entries); n > 0 {
			last := &entries[n-1]
			if a.id == last.TileID+uint64(last.RunLength) && last.Offset == loc.offset && last.Length == loc.length {
				last.RunLength++
				continue
			}
		}
		entries = append(entries, Entry{TileID: a.id, Offset: loc.offset, Length: loc.length, RunLength: 1})
	}
	h.AddressedTiles = uint64(len(list))
	h.TileEntries = uint64(len(entries))
	h.TileContents = uint64(len(blobs))

	root, leaves, err := w.directories(entries, ic)
	if err != nil {
		return h, err
	}

	meta := map[string]interface{}{}
	for k, v := range w.Metadata {
		meta[k] = v
	}
	meta[CurveKey] = w.Curve.String()
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return h, err
	}
	if rawMeta, err = Compress(rawMeta, ic); err != nil {
		return h, err
	}

	h.RootOffset = HeaderLength
	h.RootLength = uint64(len(root))
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.MetadataLength = uint64(len(rawMeta))
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.LeafDirectoryLength = uint64(len(leaves))
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	h.TileDataLength = dataLen

	for _, part := range append([][]byte{h.encode(), root, rawMeta, leaves}, blobs...) {
		if _, err := out.Write(part); err != nil {
			return h, err
		}
	}
	return h, nil
}

// directories encodes entries as a single root, or as a root of leaf
// pointers when the root alone would exceed the limit. The leaf size grows
// until the root fits.
func (w *Writer) directories(entries []Entry, c Compression) (root, leaves []byte, err error) {
	limit := w.RootLimit
	if limit <= 0 {
		limit = MaxRootLength
	}
	if root, err = encodeDirectory(entries, c); err != nil || len(root) <= limit {
		return root, nil, err
	}

	size := w.LeafSize
	if size <= 0 {
		size = defaultLeafSize
	}
	for {
		if root, leaves, err = splitLeaves(entries, size, c); err != nil || len(root) <= limit {
			return root, leaves, err
		}
		if size >= len(entries) {
			return nil, nil, fmt.Errorf("archive: root directory of %d bytes exceeds %d", len(root), limit)
		}
		size += size/5 + 1
	}
}

func splitLeaves(entries []Entry, size int, c Compression) (root, leaves []byte, err error) {
	var pointers []Entry
	for i := 0; i < len(entries); i += size {
		end := i + size
		if end > len(entries) {
			end = len(entries)
		}
		leaf, err := encodeDirectory(entries[i:end], c)
		if err != nil {
			return nil, nil, err
		}
		pointers = append(pointers, Entry{
			TileID: entries[i].TileID,
			Offset: uint64(len(leaves)),
			Length: uint32(len(leaf)),
		})
		leaves = append(leaves, leaf...)
	}
	root, err = encodeDirectory(pointers, c)
	return root, leaves, err
}
