package store

import "bytes"

// Format is the encoding of a stored tile blob.
type Format string

const (
	Unknown Format = ""
	GZIP    Format = "gzip" // gzip-compressed vector tile
	ZLIB    Format = "zlib" // deflate-compressed vector tile
	PNG     Format = "png"
	JPG     Format = "jpg"
	PBF     Format = "pbf"
	WEBP    Format = "webp"
)

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	jpgMagic  = []byte{0xff, 0xd8, 0xff}
	gzipMagic = []byte{0x1f, 0x8b}
)

// DetectFormat sniffs the encoding of a tile blob from its leading bytes.
func DetectFormat(b []byte) Format {
	switch {
	case len(b) == 0:
		return Unknown
	case bytes.HasPrefix(b, pngMagic):
		return PNG
	case bytes.HasPrefix(b, jpgMagic):
		return JPG
	case len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WEBP":
		return WEBP
	case bytes.HasPrefix(b, gzipMagic):
		return GZIP
	case len(b) >= 2 && b[0] == 0x78 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0:
		return ZLIB
	case b[0] == 0x1a:
		// field 3, length delimited: the layers of a vector tile
		return PBF
	}
	return Unknown
}

// ContentType is the HTTP media type for f.
func (f Format) ContentType() string {
	switch f {
	case PNG:
		return "image/png"
	case JPG:
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	case PBF, GZIP, ZLIB:
		return "application/vnd.mapbox-vector-tile"
	}
	return "application/octet-stream"
}

// ContentEncoding is the HTTP Content-Encoding a blob of format f carries.
func (f Format) ContentEncoding() string {
	switch f {
	case GZIP:
		return "gzip"
	case ZLIB:
		return "deflate"
	}
	return ""
}
