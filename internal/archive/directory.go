package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Entry addresses a run of tiles or, when RunLength is zero, a leaf
// directory. Offset is relative to the tile data or leaf section.
type Entry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// encodeDirectory writes entries as four varint columns: delta-coded ids,
// run lengths, lengths, then offsets where 0 means "directly after the
// previous entry" and anything else is offset+1.
func encodeDirectory(entries []Entry, c Compression) ([]byte, error) {
	buf := make([]byte, 0, len(entries)*8+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(entries)))

	var last uint64
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, e.TileID-last)
		last = e.TileID
	}
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(e.RunLength))
	}
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			buf = binary.AppendUvarint(buf, 0)
		} else {
			buf = binary.AppendUvarint(buf, e.Offset+1)
		}
	}
	return Compress(buf, c)
}

func decodeDirectory(data []byte, c Compression) ([]Entry, error) {
	raw, err := Decompress(data, c)
	if err != nil {
		return nil, fmt.Errorf("%w: directory: %v", ErrCorrupt, err)
	}
	r := bytes.NewReader(raw)
	next := func() (uint64, error) {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return 0, fmt.Errorf("%w: directory: %v", ErrCorrupt, err)
		}
		return v, nil
	}

	n, err := next()
	if err != nil {
		return nil, err
	}
	// every entry needs at least four bytes
	if n > uint64(len(raw))/4 {
		return nil, fmt.Errorf("%w: directory claims %d entries", ErrCorrupt, n)
	}
	entries := make([]Entry, n)

	var last uint64
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, err
		}
		last += v
		entries[i].TileID = last
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(v)
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(v)
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, err
		}
		if v == 0 {
			if i == 0 {
				return nil, fmt.Errorf("%w: first entry has no offset", ErrCorrupt)
			}
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = v - 1
		}
	}
	return entries, nil
}

// findTile locates the entry covering id: an exact match, the run that
// contains it, or the leaf directory whose range starts at or before it.
func findTile(entries []Entry, id uint64) (Entry, bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) >> 1
		switch {
		case id > entries[mid].TileID:
			lo = mid + 1
		case id < entries[mid].TileID:
			hi = mid - 1
		default:
			return entries[mid], true
		}
	}
	if hi >= 0 {
		e := entries[hi]
		if e.RunLength == 0 || id-e.TileID < uint64(e.RunLength) {
			return e, true
		}
	}
	return Entry{}, false
}
