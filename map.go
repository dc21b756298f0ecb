package main

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"tilecache/internal/ingest"
	"tilecache/internal/source"
)

// newClient is the outbound client every layer shares.
func newClient() *source.Client {
	return source.NewClient(time.Duration(conf.Task.Timeout) * time.Second)
}

// bound is the configured geographic extent, if any.
func (l LayerConf) bound() *orb.Bound {
	if len(l.Bbox) != 4 {
		return nil
	}
	b := boundOf(l.Bbox)
	return &b
}

// tileSource builds the remote tile service of an imagery or xyz layer.
func (l LayerConf) tileSource(c *source.Client) source.TileSource {
	if l.Kind == "imagery" {
		return &source.ImageLayer{
			BaseURL:       l.URL,
			RenderingRule: l.RenderingRule,
			Format:        l.Format,
			Client:        c,
		}
	}
	return &source.TemplateLayer{URL: l.URL, Gzip: l.Gzip, Client: c}
}

func (l LayerConf) featureJob(c *source.Client) ingest.FeatureJob {
	return ingest.FeatureJob{
		Table:    l.Name,
		Layer:    &source.FeatureLayer{BaseURL: l.URL, LayerID: l.Layer, Client: c},
		BBox:     l.bound(),
		PageSize: conf.Task.PageSize,
	}
}

// imageryJob covers the region file when one is set, else the bbox, else
// the whole world.
func (l LayerConf) imageryJob(c *source.Client) (ingest.ImageryJob, error) {
	job := ingest.ImageryJob{
		Table:        l.Name,
		Source:       l.tileSource(c),
		Bound:        ingest.WorldBound,
		MinZoom:      l.MinZoom,
		MaxZoom:      l.MaxZoom,
		SkipExisting: conf.Task.SkipExisting,
	}
	if b := l.bound(); b != nil {
		job.Bound = *b
	}
	if l.Geojson != "" {
		region, err := loadRegion(l.Geojson)
		if err != nil {
			return job, fmt.Errorf("layer %s: %w", l.Name, err)
		}
		job.Region = region
	}
	return job, nil
}
