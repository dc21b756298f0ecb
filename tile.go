package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zlib"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tilecache/internal/archive"
	"tilecache/internal/store"
)

// tileEncoding maps a stored tile format to the archive tile type and the
// payload compression it is written with. Vector tiles always end up
// gzipped.
func tileEncoding(f store.Format) (archive.TileType, archive.Compression, error) {
	switch f {
	case store.PNG:
		return archive.PNG, archive.NoCompression, nil
	case store.JPG:
		return archive.JPEG, archive.NoCompression, nil
	case store.WEBP:
		return archive.WEBP, archive.NoCompression, nil
	case store.PBF, store.GZIP, store.ZLIB:
		return archive.MVT, archive.Gzip, nil
	}
	return archive.UnknownTileType, archive.UnknownCompression, fmt.Errorf("tile format %q cannot be archived", f)
}

// archivePayload re-encodes a stored blob for a gzip vector archive.
func archivePayload(rec store.TileRecord) ([]byte, error) {
	switch rec.Format {
	case store.PBF:
		return archive.Compress(rec.Data, archive.Gzip)
	case store.ZLIB:
		zr, err := zlib.NewReader(bytes.NewReader(rec.Data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		return archive.Compress(raw, archive.Gzip)
	}
	return rec.Data, nil
}

// exportTable writes every tile of a pyramid into a single-file archive at
// out. The file only appears once the archive is complete.
func exportTable(ctx context.Context, st *store.Store, table, out string, progress bool) (archive.Header, error) {
	start := time.Now()
	pyr, err := st.TilePyramid(ctx, table)
	if err != nil {
		return archive.Header{}, err
	}
	count, err := st.CountTiles(ctx, table)
	if err != nil {
		return archive.Header{}, err
	}
	if count == 0 {
		return archive.Header{}, fmt.Errorf("table %s has no tiles", table)
	}

	var bar *pb.ProgressBar
	if progress {
		bar = pb.New64(count).Prefix(fmt.Sprintf("Export %s : ", table))
		bar.SetRefreshRate(time.Second)
		bar.Start()
	}

	var (
		w      *archive.Writer
		format store.Format
	)
	err = st.WalkTiles(ctx, table, func(rec store.TileRecord) error {
		if bar != nil {
			bar.Increment()
		}
		if w == nil {
			tt, tc, err := tileEncoding(rec.Format)
			if err != nil {
				return err
			}
			w = archive.NewWriter(tt, tc)
			format = rec.Format
		} else if t, _, _ := tileEncoding(rec.Format); t != w.TileType {
			return fmt.Errorf("tile %d/%d/%d is %s, table started as %s",
				rec.Tile.Z, rec.Tile.X, rec.Tile.Y, rec.Format, format)
		}
		data, err := archivePayload(rec)
		if err != nil {
			return fmt.Errorf("tile %d/%d/%d: %w", rec.Tile.Z, rec.Tile.X, rec.Tile.Y, err)
		}
		return w.Add(rec.Tile, data)
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return archive.Header{}, err
	}

	w.Metadata = map[string]interface{}{
		"name":        table,
		"description": conf.App.Title,
		"format":      string(format),
		"minzoom":     pyr.MinZoom,
		"maxzoom":     pyr.MaxZoom,
	}
	if err := ensureDir(out); err != nil {
		return archive.Header{}, err
	}
	tmp := out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return archive.Header{}, err
	}
	header, err := w.Finish(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return archive.Header{}, err
	}
	if err := os.Rename(tmp, out); err != nil {
		return archive.Header{}, err
	}
	log.WithField("table", table).Infof("exported %d tiles (%d unique) to %s in %.3fs",
		header.AddressedTiles, header.TileContents, out, time.Since(start).Seconds())
	return header, nil
}
