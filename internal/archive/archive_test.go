package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/tilemath"
)

func TestCurveRoundTrip(t *testing.T) {
	for _, c := range []Curve{Hilbert, Quadkey} {
		for z := maptile.Zoom(0); z <= 6; z++ {
			seen := map[uint64]bool{}
			n := uint32(1) << z
			for x := uint32(0); x < n; x++ {
				for y := uint32(0); y < n; y++ {
					tile := maptile.New(x, y, z)
					id := c.ID(tile)
					require.False(t, seen[id], "%s duplicate id %d", c, id)
					seen[id] = true
					assert.GreaterOrEqual(t, id, zoomBase(z))
					assert.Less(t, id, zoomBase(z+1))
					assert.Equal(t, tile, c.Tile(id), "%s %v", c, tile)
				}
			}
		}
	}
}

func TestCurveOrder(t *testing.T) {
	ids := func(c Curve, tiles ...maptile.Tile) []uint64 {
		var out []uint64
		for _, tile := range tiles {
			out = append(out, c.ID(tile))
		}
		return out
	}
	z1 := []maptile.Tile{maptile.New(0, 0, 1), maptile.New(0, 1, 1), maptile.New(1, 1, 1), maptile.New(1, 0, 1)}
	assert.Equal(t, []uint64{1, 2, 3, 4}, ids(Hilbert, z1...))
	assert.Equal(t, []uint64{1, 3, 4, 2}, ids(Quadkey, z1...))
	assert.Equal(t, uint64(0), Hilbert.ID(maptile.New(0, 0, 0)))
	assert.Equal(t, uint64(5), Quadkey.ID(maptile.New(0, 0, 2)))

	c, err := ParseCurve("QuadKey")
	require.NoError(t, err)
	assert.Equal(t, Quadkey, c)
	_, err = ParseCurve("peano")
	assert.Error(t, err)
}

func TestDirectoryCodec(t *testing.T) {
	entries := []Entry{
		{TileID: 0, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 1, Offset: 10, Length: 4, RunLength: 2},
		{TileID: 9, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 300, Offset: 14, Length: 1000, RunLength: 0},
	}
	for _, c := range []Compression{NoCompression, Gzip, Brotli, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			raw, err := encodeDirectory(entries, c)
			require.NoError(t, err)
			got, err := decodeDirectory(raw, c)
			require.NoError(t, err)
			assert.Equal(t, entries, got)
		})
	}

	_, err := decodeDirectory([]byte{0xff, 0xff, 0xff}, NoCompression)
	assert.True(t, errors.Is(err, ErrCorrupt))
	_, err = decodeDirectory([]byte("not gzip"), Gzip)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestFindTile(t *testing.T) {
	entries := []Entry{
		{TileID: 0, RunLength: 1},
		{TileID: 1, RunLength: 2},
		{TileID: 10, RunLength: 0},
	}
	cases := []struct {
		id    uint64
		found bool
		want  uint64
	}{
		{0, true, 0},
		{1, true, 1},
		{2, true, 1},
		{3, false, 0},
		{10, true, 10},
		{5000, true, 10},
	}
	for _, c := range cases {
		e, ok := findTile(entries, c.id)
		assert.Equal(t, c.found, ok, "id %d", c.id)
		if ok {
			assert.Equal(t, c.want, e.TileID, "id %d", c.id)
		}
	}
	_, ok := findTile(nil, 0)
	assert.False(t, ok)
}

// synthetic lays out a quadkey archive by hand: A at 0/0/0 and B shared by
// 1/0/0 and 1/1/0 through one run.
func synthetic(t *testing.T) []byte {
	t.Helper()
	root, err := encodeDirectory([]Entry{
		{TileID: 0, Offset: 0, Length: 1, RunLength: 1},
		{TileID: 1, Offset: 1, Length: 1, RunLength: 2},
	}, NoCompression)
	require.NoError(t, err)
	h := Header{
		RootOffset:          HeaderLength,
		RootLength:          uint64(len(root)),
		MetadataOffset:      HeaderLength + uint64(len(root)),
		LeafDirectoryOffset: HeaderLength + uint64(len(root)),
		TileDataOffset:      HeaderLength + uint64(len(root)),
		TileDataLength:      2,
		AddressedTiles:      3,
		TileEntries:         2,
		TileContents:        2,
		Clustered:           true,
		InternalCompression: NoCompression,
		TileCompression:     NoCompression,
		TileType:            PNG,
		MinZoom:             0,
		MaxZoom:             1,
	}
	var buf bytes.Buffer
	buf.Write(h.encode())
	buf.Write(root)
	buf.WriteString("AB")
	return buf.Bytes()
}

func TestSyntheticRunLookup(t *testing.T) {
	raw := synthetic(t)
	r, err := NewReader(bytes.NewReader(raw), int64(len(raw)), WithCurve(Quadkey))
	require.NoError(t, err)
	ctx := context.Background()

	got, err := r.Tile(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "A", string(got))

	for _, xy := range [][2]uint32{{0, 0}, {1, 0}} {
		got, err := r.Tile(ctx, 1, xy[0], xy[1])
		require.NoError(t, err)
		assert.Equal(t, "B", string(got), "1/%d/%d", xy[0], xy[1])
	}

	_, err = r.Tile(ctx, 1, 0, 1)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = r.Tile(ctx, 2, 0, 0)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = r.Tile(ctx, 1, 2, 0)
	assert.True(t, errors.Is(err, tilemath.ErrInvalidCoordinate))

	assert.Equal(t, "image/png", r.ContentType())
	meta, err := r.Metadata(ctx)
	require.NoError(t, err)
	assert.Empty(t, meta)
}

func TestWriterSyntheticRun(t *testing.T) {
	w := NewWriter(PNG, NoCompression)
	w.Curve = Quadkey
	require.NoError(t, w.Add(maptile.New(0, 0, 0), []byte("A")))
	require.NoError(t, w.Add(maptile.New(0, 0, 1), []byte("B")))
	require.NoError(t, w.Add(maptile.New(1, 0, 1), []byte("B")))

	var buf bytes.Buffer
	h, err := w.Finish(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), h.AddressedTiles)
	assert.Equal(t, uint64(2), h.TileEntries)
	assert.Equal(t, uint64(2), h.TileContents)
	assert.Equal(t, uint64(2), h.TileDataLength)

	// the curve travels in the metadata, so no option is needed
	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, Quadkey, r.Curve())
	got, err := r.Tile(context.Background(), 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "B", string(got))
	_, err = r.Tile(context.Background(), 1, 0, 1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWriterCompressions(t *testing.T) {
	for _, c := range []Compression{NoCompression, Gzip, Brotli, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			w := NewWriter(MVT, c)
			w.InternalCompression = c
			w.Metadata = map[string]interface{}{"name": "roads"}
			want := map[maptile.Tile]string{}
			for _, tile := range maptile.ChildrenInZoomRange(maptile.New(0, 0, 0), 0, 2) {
				payload := fmt.Sprintf("tile %d/%d/%d", tile.Z, tile.X, tile.Y)
				enc, err := Compress([]byte(payload), c)
				require.NoError(t, err)
				require.NoError(t, w.Add(tile, enc))
				want[tile] = payload
			}

			path := filepath.Join(t.TempDir(), "out.pmtiles")
			f, err := os.Create(path)
			require.NoError(t, err)
			_, err = w.Finish(f)
			require.NoError(t, err)
			require.NoError(t, f.Close())

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()
			h := r.Header()
			assert.Equal(t, c, h.TileCompression)
			assert.Equal(t, c, h.InternalCompression)
			assert.Equal(t, uint8(0), h.MinZoom)
			assert.Equal(t, uint8(2), h.MaxZoom)
			assert.Equal(t, "application/vnd.mapbox-vector-tile", r.ContentType())
			assert.InDelta(t, -180, h.Bounds().Min[0], 1e-6)
			assert.InDelta(t, tilemath.MaxLatitude, h.Bounds().Max[1], 1e-6)

			for tile, payload := range want {
				got, err := r.Tile(context.Background(), tile.Z, tile.X, tile.Y)
				require.NoError(t, err)
				assert.Equal(t, payload, string(got))
			}
			meta, err := r.Metadata(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "roads", meta["name"])
			assert.Equal(t, "hilbert", meta[CurveKey])
		})
	}
}

func TestWriterLeafDirectories(t *testing.T) {
	w := NewWriter(PNG, NoCompression)
	w.RootLimit = 48
	w.LeafSize = 8
	tiles := maptile.ChildrenInZoomRange(maptile.New(0, 0, 0), 0, 4)
	for _, tile := range tiles {
		require.NoError(t, w.Add(tile, []byte(fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y))))
	}

	var buf bytes.Buffer
	h, err := w.Finish(&buf)
	require.NoError(t, err)
	assert.NotZero(t, h.LeafDirectoryLength)
	assert.LessOrEqual(t, h.RootLength, uint64(48))
	assert.Equal(t, uint64(len(tiles)), h.TileContents)

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), WithLeafCacheSize(2))
	require.NoError(t, err)
	for _, tile := range tiles {
		got, err := r.Tile(context.Background(), tile.Z, tile.X, tile.Y)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y), string(got))
	}
}

func TestWriterDeduplicatesOcean(t *testing.T) {
	w := NewWriter(PNG, NoCompression)
	tiles := maptile.ChildrenInZoomRange(maptile.New(0, 0, 0), 0, 3)
	for _, tile := range tiles {
		require.NoError(t, w.Add(tile, []byte("ocean")))
	}
	require.NoError(t, w.Add(maptile.New(0, 0, 0), []byte("land")))
	assert.Equal(t, len(tiles), w.Len())

	var buf bytes.Buffer
	h, err := w.Finish(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.TileContents)
	assert.Equal(t, uint64(len("ocean")+len("land")), h.TileDataLength)
	// zoom 0 then one run over the rest
	assert.Equal(t, uint64(2), h.TileEntries)

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	got, err := r.Tile(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "land", string(got))
	got, err = r.Tile(context.Background(), 3, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, "ocean", string(got))
}

func TestWriterRejects(t *testing.T) {
	w := NewWriter(PNG, NoCompression)
	assert.True(t, errors.Is(w.Add(maptile.New(2, 0, 0), []byte("x")), tilemath.ErrInvalidCoordinate))
	assert.Error(t, w.Add(maptile.New(0, 0, 0), nil))
}

func TestCorruptArchives(t *testing.T) {
	good := synthetic(t)
	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}
	cases := map[string]struct {
		data []byte
		want error
	}{
		"short":       {good[:100], ErrInvalidHeader},
		"magic":       {mutate(func(b []byte) []byte { b[0] = 'X'; return b }), ErrInvalidHeader},
		"version":     {mutate(func(b []byte) []byte { b[7] = 2; return b }), ErrInvalidHeader},
		"truncated":   {good[:len(good)-1], ErrInvalidHeader},
		"compression": {mutate(func(b []byte) []byte { b[97] = 9; return b }), ErrInvalidHeader},
		"root":        {mutate(func(b []byte) []byte { b[HeaderLength] = 0xff; return b }), ErrCorrupt},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(c.data), int64(len(c.data)))
			assert.True(t, errors.Is(err, c.want), "got %v", err)
		})
	}

	_, err := Open(filepath.Join(t.TempDir(), "missing.pmtiles"))
	assert.True(t, errors.Is(err, ErrUnavailable))
}
