// Package archive reads and writes single-file tile archives in the
// PMTiles v3 layout: a fixed header, a root directory, optional leaf
// directories and a tile data section, all addressed by byte offset.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

const (
	// HeaderLength is the size of the fixed header at offset zero.
	HeaderLength = 127
	// MaxRootLength bounds header plus root directory so both fit in the
	// first 16 KiB read.
	MaxRootLength = 16384 - HeaderLength

	magic   = "PMTiles"
	version = 3
)

var (
	ErrInvalidHeader = errors.New("archive: invalid header")
	ErrCorrupt       = errors.New("archive: corrupt")
	ErrNotFound      = errors.New("archive: tile not found")
	ErrUnavailable   = errors.New("archive: not available")
)

// Compression identifies how directories, metadata or tile payloads are
// encoded.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

// ParseCompression accepts none, gzip, brotli or zstd.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return NoCompression, nil
	case "gzip":
		return Gzip, nil
	case "brotli", "br":
		return Brotli, nil
	case "zstd":
		return Zstd, nil
	}
	return UnknownCompression, fmt.Errorf("archive: unknown compression %q", s)
}

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	case Zstd:
		return "zstd"
	}
	return "unknown"
}

// ContentEncoding is the HTTP Content-Encoding for payloads compressed
// with c, empty for none.
func (c Compression) ContentEncoding() string {
	switch c {
	case Gzip:
		return "gzip"
	case Brotli:
		return "br"
	case Zstd:
		return "zstd"
	}
	return ""
}

// TileType is the payload format of every tile in an archive.
type TileType uint8

const (
	UnknownTileType TileType = 0
	MVT             TileType = 1
	PNG             TileType = 2
	JPEG            TileType = 3
	WEBP            TileType = 4
	AVIF            TileType = 5
)

func (t TileType) String() string {
	switch t {
	case MVT:
		return "mvt"
	case PNG:
		return "png"
	case JPEG:
		return "jpg"
	case WEBP:
		return "webp"
	case AVIF:
		return "avif"
	}
	return "unknown"
}

// ContentType is the MIME type served for tiles of type t.
func (t TileType) ContentType() string {
	switch t {
	case MVT:
		return "application/vnd.mapbox-vector-tile"
	case PNG:
		return "image/png"
	case JPEG:
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	case AVIF:
		return "image/avif"
	}
	return "application/octet-stream"
}

// Header is the decoded fixed header. Offsets are absolute; leaf and tile
// offsets stored in directory entries are relative to
// LeafDirectoryOffset and TileDataOffset respectively.
type Header struct {
	RootOffset          uint64      `json:"root_offset"`
	RootLength          uint64      `json:"root_length"`
	MetadataOffset      uint64      `json:"metadata_offset"`
	MetadataLength      uint64      `json:"metadata_length"`
	LeafDirectoryOffset uint64      `json:"leaf_directory_offset"`
	LeafDirectoryLength uint64      `json:"leaf_directory_length"`
	TileDataOffset      uint64      `json:"tile_data_offset"`
	TileDataLength      uint64      `json:"tile_data_length"`
	AddressedTiles      uint64      `json:"addressed_tiles"`
	TileEntries         uint64      `json:"tile_entries"`
	TileContents        uint64      `json:"tile_contents"`
	Clustered           bool        `json:"clustered"`
	InternalCompression Compression `json:"internal_compression"`
	TileCompression     Compression `json:"tile_compression"`
	TileType            TileType    `json:"tile_type"`
	MinZoom             uint8       `json:"min_zoom"`
	MaxZoom             uint8       `json:"max_zoom"`
	MinLonE7            int32       `json:"min_lon_e7"`
	MinLatE7            int32       `json:"min_lat_e7"`
	MaxLonE7            int32       `json:"max_lon_e7"`
	MaxLatE7            int32       `json:"max_lat_e7"`
	CenterZoom          uint8       `json:"center_zoom"`
	CenterLonE7         int32       `json:"center_lon_e7"`
	CenterLatE7         int32       `json:"center_lat_e7"`
}

// Bounds is the geographic extent declared by the header.
func (h Header) Bounds() orb.Bound {
	return orb.Bound{
		Min: orb.Point{fromE7(h.MinLonE7), fromE7(h.MinLatE7)},
		Max: orb.Point{fromE7(h.MaxLonE7), fromE7(h.MaxLatE7)},
	}
}

// Center is the declared default view point.
func (h Header) Center() orb.Point {
	return orb.Point{fromE7(h.CenterLonE7), fromE7(h.CenterLatE7)}
}

func (h *Header) setBounds(b orb.Bound) {
	h.MinLonE7, h.MinLatE7 = toE7(b.Min[0]), toE7(b.Min[1])
	h.MaxLonE7, h.MaxLatE7 = toE7(b.Max[0]), toE7(b.Max[1])
	c := b.Center()
	h.CenterLonE7, h.CenterLatE7 = toE7(c[0]), toE7(c[1])
}

func toE7(v float64) int32 {
	if v < 0 {
		return int32(v*1e7 - 0.5)
	}
	return int32(v*1e7 + 0.5)
}

func fromE7(v int32) float64 { return float64(v) / 1e7 }

func (h Header) encode() []byte {
	b := make([]byte, HeaderLength)
	copy(b[0:7], magic)
	b[7] = version
	le := binary.LittleEndian
	le.PutUint64(b[8:], h.RootOffset)
	le.PutUint64(b[16:], h.RootLength)
	le.PutUint64(b[24:], h.MetadataOffset)
	le.PutUint64(b[32:], h.MetadataLength)
	le.PutUint64(b[40:], h.LeafDirectoryOffset)
	le.PutUint64(b[48:], h.LeafDirectoryLength)
	le.PutUint64(b[56:], h.TileDataOffset)
	le.PutUint64(b[64:], h.TileDataLength)
	le.PutUint64(b[72:], h.AddressedTiles)
	le.PutUint64(b[80:], h.TileEntries)
	le.PutUint64(b[88:], h.TileContents)
	if h.Clustered {
		b[96] = 1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	le.PutUint32(b[102:], uint32(h.MinLonE7))
	le.PutUint32(b[106:], uint32(h.MinLatE7))
	le.PutUint32(b[110:], uint32(h.MaxLonE7))
	le.PutUint32(b[114:], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	le.PutUint32(b[119:], uint32(h.CenterLonE7))
	le.PutUint32(b[123:], uint32(h.CenterLatE7))
	return b
}

// decodeHeader parses b and checks it against an archive of size bytes.
func decodeHeader(b []byte, size int64) (Header, error) {
	var h Header
	if len(b) < HeaderLength {
		return h, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}
	if string(b[0:7]) != magic {
		return h, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	if b[7] != version {
		return h, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, b[7])
	}
	le := binary.LittleEndian
	h.RootOffset = le.Uint64(b[8:])
	h.RootLength = le.Uint64(b[16:])
	h.MetadataOffset = le.Uint64(b[24:])
	h.MetadataLength = le.Uint64(b[32:])
	h.LeafDirectoryOffset = le.Uint64(b[40:])
	h.LeafDirectoryLength = le.Uint64(b[48:])
	h.TileDataOffset = le.Uint64(b[56:])
	h.TileDataLength = le.Uint64(b[64:])
	h.AddressedTiles = le.Uint64(b[72:])
	h.TileEntries = le.Uint64(b[80:])
	h.TileContents = le.Uint64(b[88:])
	h.Clustered = b[96] == 1
	h.InternalCompression = Compression(b[97])
	h.TileCompression = Compression(b[98])
	h.TileType = TileType(b[99])
	h.MinZoom = b[100]
	h.MaxZoom = b[101]
	h.MinLonE7 = int32(le.Uint32(b[102:]))
	h.MinLatE7 = int32(le.Uint32(b[106:]))
	h.MaxLonE7 = int32(le.Uint32(b[110:]))
	h.MaxLatE7 = int32(le.Uint32(b[114:]))
	h.CenterZoom = b[118]
	h.CenterLonE7 = int32(le.Uint32(b[119:]))
	h.CenterLatE7 = int32(le.Uint32(b[123:]))

	if h.InternalCompression == UnknownCompression || h.InternalCompression > Zstd {
		return h, fmt.Errorf("%w: internal compression %d", ErrInvalidHeader, h.InternalCompression)
	}
	if h.TileCompression > Zstd {
		return h, fmt.Errorf("%w: tile compression %d", ErrInvalidHeader, h.TileCompression)
	}
	for _, sec := range [][2]uint64{
		{h.RootOffset, h.RootLength},
		{h.MetadataOffset, h.MetadataLength},
		{h.LeafDirectoryOffset, h.LeafDirectoryLength},
		{h.TileDataOffset, h.TileDataLength},
	} {
		if sec[0]+sec[1] < sec[0] || sec[0]+sec[1] > uint64(size) {
			return h, fmt.Errorf("%w: section %d+%d beyond %d bytes", ErrInvalidHeader, sec[0], sec[1], size)
		}
	}
	if h.RootLength == 0 {
		return h, fmt.Errorf("%w: empty root directory", ErrInvalidHeader)
	}
	return h, nil
}
