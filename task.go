package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tilecache/internal/ingest"
	"tilecache/internal/source"
	"tilecache/internal/store"
)

func pipelineOptions(metrics *ingest.Metrics, progress bool) ingest.Options {
	return ingest.Options{
		Workers:   conf.Task.Workers,
		BatchSize: conf.Task.BatchSize,
		QueueSize: conf.Task.QueueSize,
		Delay:     time.Duration(conf.Task.Timedelay) * time.Millisecond,
		Progress:  progress,
		Metrics:   metrics,
		Log:       log,
	}
}

// runIngest downloads the named layers, or all layers when names is
// empty. A failed layer does not stop the others.
func runIngest(ctx context.Context, st *store.Store, names []string) error {
	layers := conf.Layers
	if len(names) > 0 {
		layers = layers[:0:0]
		for _, n := range names {
			l, ok := conf.layer(n)
			if !ok {
				return fmt.Errorf("layer %s is not configured", n)
			}
			layers = append(layers, l)
		}
	}
	if len(layers) == 0 {
		return errors.New("no layers configured")
	}

	start := time.Now()
	p := ingest.New(st, pipelineOptions(ingest.NewMetrics(nil), conf.Task.Progress))
	var stopped atomic.Bool
	SafeExitInst.Register(func() {
		stopped.Store(true)
		p.Stop()
		// in-flight tasks still commit before the store closes
		p.Wait()
	})

	client := newClient()
	var failed []string
	for _, l := range layers {
		if stopped.Load() {
			log.Warnf("stopped before layer %s", l.Name)
			break
		}
		sum, err := importLayer(ctx, p, st, client, l)
		if errors.Is(err, ingest.ErrStopped) {
			log.Warnf("stopped before layer %s", l.Name)
			break
		}
		if err != nil {
			log.WithField("table", l.Name).Errorf("ingest failed: %s", err)
			failed = append(failed, l.Name)
			continue
		}
		log.WithField("table", l.Name).Infof("run %s: %d tasks, %d ok, %d failed, %d records in %d batches, %.3fs",
			sum.RunID, sum.Tasks, sum.Succeeded, sum.Failed, sum.Records, sum.Batches, sum.Duration.Seconds())
	}
	log.Infof("%.3fs finished...", time.Since(start).Seconds())
	if len(failed) > 0 {
		return fmt.Errorf("layers failed: %v", failed)
	}
	return nil
}

func importLayer(ctx context.Context, p *ingest.Pipeline, st *store.Store, c *source.Client, l LayerConf) (ingest.Summary, error) {
	if l.Kind == "features" {
		return ingest.ImportFeatures(ctx, p, st, l.featureJob(c))
	}
	job, err := l.imageryJob(c)
	if err != nil {
		return ingest.Summary{}, err
	}
	return ingest.ImportImagery(ctx, p, st, job)
}

// refreshTask re-downloads a layer on its schedule. Feature tables are
// replaced whole; pyramids are fetched again and upserted.
func refreshTask(st *store.Store, l LayerConf, metrics *ingest.Metrics) ingest.RefreshTask {
	client := newClient()
	return ingest.RefreshTask{
		Name:     l.Name,
		Schedule: l.Schedule,
		Run: func(ctx context.Context) error {
			var (
				sum ingest.Summary
				err error
			)
			if l.Kind == "features" {
				sum, err = ingest.RefreshFeatures(ctx, st, l.featureJob(client), log)
			} else {
				p := ingest.New(st, pipelineOptions(metrics, false))
				sum, err = importLayer(ctx, p, st, client, l)
			}
			if err != nil {
				return err
			}
			log.WithField("table", l.Name).Infof("refresh %s: %d ok, %d failed, %d records",
				sum.RunID, sum.Succeeded, sum.Failed, sum.Records)
			return nil
		},
	}
}
