package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"tilecache/internal/source"
	"tilecache/internal/store"
	"tilecache/internal/tilemath"
)

// FeatureJob copies one remote feature layer into Table.
type FeatureJob struct {
	Table    string
	Layer    *source.FeatureLayer
	BBox     *orb.Bound
	PageSize int
}

func (j FeatureJob) pageSize() int {
	if j.PageSize <= 0 {
		return 1000
	}
	return j.PageSize
}

// ImportFeatures describes the layer, creates the table, counts the
// features and then fetches and commits every page through p. A schema
// conflict with an existing table ends the job before anything is fetched.
func ImportFeatures(ctx context.Context, p *Pipeline, st *store.Store, job FeatureJob) (Summary, error) {
	schema, err := prepare(ctx, st, job)
	if err != nil {
		return Summary{}, err
	}
	count, err := job.Layer.Count(ctx, job.BBox)
	if err != nil {
		return Summary{}, err
	}
	p.log.WithField("table", job.Table).Infof("%d features in %s", count, job.Layer.URL())
	return p.Run(ctx, FeatureTasks(job.Table, job.Layer, schema, count, job.pageSize(), job.BBox))
}

// RefreshFeatures re-reads the whole layer and atomically replaces the
// table contents. Any failed page abandons the refresh and leaves the
// stored rows untouched.
func RefreshFeatures(ctx context.Context, st *store.Store, job FeatureJob, log logrus.FieldLogger) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: "refresh-" + job.Table}
	schema, err := prepare(ctx, st, job)
	if err != nil {
		return sum, err
	}
	var rows []store.FeatureRow
	for fc, err := range job.Layer.Batches(ctx, job.pageSize(), job.BBox) {
		sum.Tasks++
		if err != nil {
			sum.Failed++
			return sum, fmt.Errorf("refresh %s: %w", job.Table, err)
		}
		recs, err := schema.Records(fc)
		if err != nil {
			sum.Failed++
			return sum, fmt.Errorf("refresh %s: %w", job.Table, err)
		}
		for _, r := range recs {
			rows = append(rows, *r.Feature)
		}
		sum.Succeeded++
	}
	if err := st.ReplaceFeatureTable(ctx, job.Table, rows); err != nil {
		return sum, err
	}
	sum.Records = len(rows)
	sum.Batches = 1
	sum.Duration = time.Since(start)
	if log != nil {
		log.WithField("table", job.Table).Infof("refreshed %d features in %.3fs", len(rows), sum.Duration.Seconds())
	}
	return sum, nil
}

func prepare(ctx context.Context, st *store.Store, job FeatureJob) (*Schema, error) {
	info, err := job.Layer.Describe(ctx)
	if err != nil {
		return nil, err
	}
	schema := SchemaFor(job.Table, info)
	if err := st.CreateFeatureTable(ctx, schema.Table); err != nil {
		return nil, err
	}
	return schema, nil
}

// ImageryJob copies the tiles of Source covering Bound, or Region when
// set, into the pyramid Table.
type ImageryJob struct {
	Table   string
	Source  source.TileSource
	Bound   orb.Bound
	Region  orb.Geometry
	MinZoom int
	MaxZoom int
	// SkipExisting leaves out tiles already stored, resuming an earlier run.
	SkipExisting bool
}

// ImportImagery registers the pyramid before any tile is written, then
// fetches and commits the tiles through p.
func ImportImagery(ctx context.Context, p *Pipeline, st *store.Store, job ImageryJob) (Summary, error) {
	bound := job.Bound
	if job.Region != nil {
		bound = job.Region.Bound()
	}
	var (
		tasks []Task
		err   error
	)
	if job.Region != nil {
		tasks, err = RegionTasks(job.Table, job.Source, job.Region, job.MinZoom, job.MaxZoom)
	} else {
		tasks, err = ImageryTasks(job.Table, job.Source, bound, job.MinZoom, job.MaxZoom)
	}
	if err != nil {
		return Summary{}, err
	}

	merc, err := store.Reproject(bound, store.CRS84, store.WebMercator)
	if err != nil {
		return Summary{}, err
	}
	if err := st.CreateOrUpdateTilePyramid(ctx, job.Table, job.MinZoom, job.MaxZoom, merc); err != nil {
		return Summary{}, err
	}

	if job.SkipExisting {
		kept := tasks[:0]
		for _, t := range tasks {
			ok, err := st.HasTile(ctx, job.Table, t.(*TileTask).Tile)
			if err != nil {
				return Summary{}, err
			}
			if !ok {
				kept = append(kept, t)
			}
		}
		p.log.WithField("table", job.Table).Infof("%d of %d tiles already stored", len(tasks)-len(kept), len(tasks))
		tasks = kept
	}
	return p.Run(ctx, tasks)
}

// WorldBound is the geographic extent a pyramid covers when no bound is
// configured.
var WorldBound = orb.Bound{
	Min: orb.Point{-180, -tilemath.MaxLatitude},
	Max: orb.Point{180, tilemath.MaxLatitude},
}
