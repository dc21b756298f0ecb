package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb/maptile"

	"tilecache/internal/tilemath"
)

// maxDepth is the number of directory levels a lookup may descend: the
// root plus three levels of leaves.
const maxDepth = 4

// CurveKey is the metadata key a Writer records its curve under.
const CurveKey = "tilecache:curve"

type options struct {
	curve     Curve
	curveSet  bool
	cacheSize int
}

// Option configures a Reader.
type Option func(*options)

// WithCurve fixes the tile id scheme instead of reading it from metadata.
func WithCurve(c Curve) Option {
	return func(o *options) {
		o.curve = c
		o.curveSet = true
	}
}

// WithLeafCacheSize sets how many decoded leaf directories stay cached.
func WithLeafCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// Reader serves tiles from an archive. It only issues positional reads, so
// one Reader may be shared by concurrent requests.
type Reader struct {
	r      io.ReaderAt
	closer io.Closer
	size   int64
	header Header
	root   []Entry
	curve  Curve
	leaves *lru.Cache[uint64, []Entry]
}

// Open opens the archive at path.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r, err := NewReader(f, fi.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads the header and root directory of an archive of size
// bytes held by r.
func NewReader(r io.ReaderAt, size int64, opts ...Option) (*Reader, error) {
	o := options{cacheSize: 64}
	for _, opt := range opts {
		opt(&o)
	}

	if size < HeaderLength {
		return nil, fmt.Errorf("%w: archive is %d bytes", ErrInvalidHeader, size)
	}
	b := make([]byte, HeaderLength)
	if m, err := r.ReadAt(b, 0); m < len(b) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	h, err := decodeHeader(b, size)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[uint64, []Entry](o.cacheSize)
	if err != nil {
		return nil, err
	}
	rd := &Reader{r: r, size: size, header: h, curve: o.curve, leaves: cache}

	rd.root, err = rd.directory(h.RootOffset, h.RootLength)
	if err != nil {
		return nil, err
	}
	if !o.curveSet {
		meta, err := rd.Metadata(context.Background())
		if err != nil {
			return nil, err
		}
		if s, ok := meta[CurveKey].(string); ok {
			if rd.curve, err = ParseCurve(s); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
	}
	return rd, nil
}

// Header returns the decoded header.
func (r *Reader) Header() Header { return r.header }

// ContentType is declared by the header, not sniffed per tile.
func (r *Reader) ContentType() string { return r.header.TileType.ContentType() }

// Curve is the tile id scheme lookups use.
func (r *Reader) Curve() Curve { return r.curve }

// Metadata decodes the JSON metadata section. An empty section yields an
// empty map.
func (r *Reader) Metadata(ctx context.Context) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if r.header.MetadataLength == 0 {
		return out, nil
	}
	raw, err := r.read(ctx, r.header.MetadataOffset, r.header.MetadataLength)
	if err != nil {
		return nil, err
	}
	if raw, err = Decompress(raw, r.header.InternalCompression); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
	}
	return out, nil
}

// Tile returns the decompressed payload of z/x/y, or ErrNotFound.
func (r *Reader) Tile(ctx context.Context, z maptile.Zoom, x, y uint32) ([]byte, error) {
	t, err := tilemath.NewTile(int(z), int(x), int(y))
	if err != nil {
		return nil, err
	}
	if uint8(z) < r.header.MinZoom || uint8(z) > r.header.MaxZoom {
		return nil, ErrNotFound
	}

	id := r.curve.ID(t)
	entries := r.root
	for depth := 0; depth < maxDepth; depth++ {
		e, ok := findTile(entries, id)
		if !ok {
			return nil, ErrNotFound
		}
		if e.RunLength > 0 {
			data, err := r.read(ctx, r.header.TileDataOffset+e.Offset, uint64(e.Length))
			if err != nil {
				return nil, err
			}
			if data, err = Decompress(data, r.header.TileCompression); err != nil {
				return nil, fmt.Errorf("%w: tile %d/%d/%d: %v", ErrCorrupt, z, x, y, err)
			}
			return data, nil
		}
		if entries, err = r.leaf(ctx, e); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: directory deeper than %d levels", ErrCorrupt, maxDepth)
}

// Close releases the file opened by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

func (r *Reader) leaf(ctx context.Context, e Entry) ([]Entry, error) {
	off := r.header.LeafDirectoryOffset + e.Offset
	if entries, ok := r.leaves.Get(off); ok {
		return entries, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := r.directory(off, uint64(e.Length))
	if err != nil {
		return nil, err
	}
	r.leaves.Add(off, entries)
	return entries, nil
}

func (r *Reader) directory(off, n uint64) ([]Entry, error) {
	raw, err := r.read(context.Background(), off, n)
	if err != nil {
		return nil, err
	}
	entries, err := decodeDirectory(raw, r.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].TileID <= entries[i-1].TileID {
			return nil, fmt.Errorf("%w: directory at %d is not sorted", ErrCorrupt, off)
		}
	}
	return entries, nil
}

func (r *Reader) read(ctx context.Context, off, n uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if off+n < off || off+n > uint64(r.size) {
		return nil, fmt.Errorf("%w: read %d+%d beyond %d bytes", ErrCorrupt, off, n, r.size)
	}
	buf := make([]byte, n)
	if m, err := r.r.ReadAt(buf, int64(off)); m < len(buf) {
		return nil, fmt.Errorf("%w: short read at %d: %v", ErrCorrupt, off, err)
	}
	return buf, nil
}
