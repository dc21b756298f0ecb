// Package ingest downloads remote features and tiles with a pool of
// fetch workers and commits the results into the store through a single
// writer, one transaction per batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tilecache/internal/store"
)

var (
	ErrRunning = errors.New("ingest: pipeline already running")
	ErrStopped = errors.New("ingest: pipeline stopped")
)

// Record is one fetched unit ready to be written: a feature row or a
// tile, addressed to Table.
type Record struct {
	Table   string
	Feature *store.FeatureRow
	Tile    *store.TileRecord
}

// Task fetches one page of features or one tile.
type Task interface {
	Fetch(ctx context.Context) ([]Record, error)
	String() string
}

// Options tune a Pipeline. Zero values select the defaults.
type Options struct {
	Workers   int
	BatchSize int
	QueueSize int
	// Delay is slept between task dispatches to throttle the remote service.
	Delay    time.Duration
	Progress bool
	Metrics  *Metrics
	Log      logrus.FieldLogger
}

const (
	DefaultWorkers   = 4
	DefaultBatchSize = 50
	DefaultQueueSize = 64
)

// Summary reports one run.
type Summary struct {
	RunID     string        `json:"runId"`
	Tasks     int           `json:"tasks"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Records   int           `json:"records"`
	Batches   int           `json:"batches"`
	Stopped   bool          `json:"stopped"`
	Duration  time.Duration `json:"duration"`
}

type result struct {
	task    Task
	records []Record
	err     error
}

// Pipeline runs task lists. Fetch failures are counted and logged but never
// abort a run; a failed commit does, since the batch can not be written.
// A Pipeline runs one list at a time and may be reused.
type Pipeline struct {
	store *store.Store
	opts  Options
	log   logrus.FieldLogger

	mu      sync.Mutex
	running bool
	halted  bool
	stop    chan struct{}
	once    *sync.Once
	done    chan struct{}
	summary Summary
	err     error
}

// New returns a pipeline writing into st.
func New(st *store.Store, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Pipeline{store: st, opts: opts, log: log}
}

// Run executes tasks and blocks until every dispatched task has been
// fetched and committed.
func (p *Pipeline) Run(ctx context.Context, tasks []Task) (Summary, error) {
	if err := p.Start(ctx, tasks); err != nil {
		return Summary{}, err
	}
	return p.Wait()
}

// Start begins executing tasks in the background. A stopped pipeline
// returns ErrStopped.
func (p *Pipeline) Start(ctx context.Context, tasks []Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halted {
		return ErrStopped
	}
	if p.running {
		return ErrRunning
	}
	id, err := shortid.Generate()
	if err != nil {
		return err
	}
	p.running = true
	p.stop = make(chan struct{})
	p.once = &sync.Once{}
	p.done = make(chan struct{})
	p.summary = Summary{RunID: id, Tasks: len(tasks)}
	p.err = nil

	go p.run(ctx, tasks, p.stop, p.done)
	return nil
}

// Wait blocks until the current run ends and returns its summary.
func (p *Pipeline) Wait() (Summary, error) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return Summary{}, nil
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary, p.err
}

// Stop prevents further dispatch and refuses later runs. Tasks already in
// flight finish and their results are still committed.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = true
	if p.running {
		p.halt()
	}
}

// halt must be called with mu held.
func (p *Pipeline) halt() {
	stop := p.stop
	p.once.Do(func() { close(stop) })
}

func (p *Pipeline) run(ctx context.Context, tasks []Task, stop, done chan struct{}) {
	start := time.Now()
	log := p.log.WithField("run", p.summary.RunID)
	log.Infof("ingest starting, %d tasks", len(tasks))

	var bar *pb.ProgressBar
	if p.opts.Progress && len(tasks) > 0 {
		bar = pb.New(len(tasks)).Prefix(fmt.Sprintf("Run %s : ", p.summary.RunID))
		bar.SetRefreshRate(time.Second)
		bar.Start()
	}

	results := make(chan result, p.opts.QueueSize)
	stopped := make(chan bool, 1)
	go func() {
		stopped <- p.dispatch(ctx, tasks, stop, results)
	}()

	// commits must survive cancellation of the fetch context
	wctx := context.WithoutCancel(ctx)
	var (
		sum     Summary
		pending []Record
		failed  error
	)
	flush := func(batch []Record) {
		if failed != nil || len(batch) == 0 {
			return
		}
		if err := p.commit(wctx, batch); err != nil {
			failed = err
			log.WithError(err).Errorf("commit of %d records failed, stopping", len(batch))
			p.mu.Lock()
			p.halt()
			p.mu.Unlock()
			return
		}
		sum.Batches++
		sum.Records += len(batch)
		p.opts.Metrics.batches.Inc()
		p.opts.Metrics.records.Add(float64(len(batch)))
	}

	for r := range results {
		if bar != nil {
			bar.Increment()
		}
		if r.err != nil {
			sum.Failed++
			p.opts.Metrics.units.WithLabelValues("failed").Inc()
			log.WithField("task", r.task.String()).WithError(r.err).Warn("fetch failed")
			continue
		}
		sum.Succeeded++
		p.opts.Metrics.units.WithLabelValues("ok").Inc()
		pending = append(pending, r.records...)
		for len(pending) >= p.opts.BatchSize {
			flush(pending[:p.opts.BatchSize])
			pending = pending[p.opts.BatchSize:]
		}
	}
	flush(pending)

	sum.Stopped = <-stopped
	sum.Duration = time.Since(start)
	if bar != nil {
		bar.FinishPrint(fmt.Sprintf("Run %s finished ~", p.summary.RunID))
	}
	log.WithFields(logrus.Fields{
		"ok":      sum.Succeeded,
		"failed":  sum.Failed,
		"records": sum.Records,
		"batches": sum.Batches,
	}).Infof("ingest finished in %.3fs", sum.Duration.Seconds())

	p.mu.Lock()
	sum.RunID, sum.Tasks = p.summary.RunID, p.summary.Tasks
	p.summary = sum
	p.err = failed
	p.running = false
	p.mu.Unlock()
	close(done)
}

// dispatch hands tasks to at most Workers concurrent fetchers and closes
// results once all of them have reported. It reports whether dispatch was
// cut short.
func (p *Pipeline) dispatch(ctx context.Context, tasks []Task, stop <-chan struct{}, results chan<- result) bool {
	var wg sync.WaitGroup
	workers := make(chan struct{}, p.opts.Workers)
	defer func() {
		wg.Wait()
		close(results)
	}()

	for i, t := range tasks {
		select {
		case <-stop:
			return true
		case <-ctx.Done():
			return true
		default:
		}
		select {
		case workers <- struct{}{}:
		case <-stop:
			return true
		case <-ctx.Done():
			return true
		}
		if p.opts.Delay > 0 && i > 0 {
			time.Sleep(p.opts.Delay)
		}
		wg.Add(1)
		go func(t Task) {
			defer func() {
				<-workers
				wg.Done()
			}()
			records, err := t.Fetch(ctx)
			results <- result{task: t, records: records, err: err}
		}(t)
	}
	return false
}

// commit writes one batch in a single transaction. Consecutive feature rows
// of the same table go in one upsert.
func (p *Pipeline) commit(ctx context.Context, batch []Record) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		table string
		rows  []store.FeatureRow
	)
	upsert := func() error {
		if len(rows) == 0 {
			return nil
		}
		err := tx.UpsertFeatureRows(ctx, table, rows)
		rows = rows[:0]
		return err
	}
	for _, r := range batch {
		switch {
		case r.Feature != nil:
			if r.Table != table {
				if err := upsert(); err != nil {
					return err
				}
				table = r.Table
			}
			rows = append(rows, *r.Feature)
		case r.Tile != nil:
			if err := upsert(); err != nil {
				return err
			}
			if err := tx.PutTile(ctx, r.Table, *r.Tile); err != nil {
				return err
			}
		}
	}
	if err := upsert(); err != nil {
		return err
	}
	return tx.Commit()
}
