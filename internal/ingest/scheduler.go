package ingest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RefreshTask is a job run on a cron schedule, such as
// "*/15 * * * *" or "@every 1h".
type RefreshTask struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type scheduled struct {
	task     RefreshTask
	schedule cron.Schedule
	cancel   context.CancelFunc
}

// Scheduler owns one timer goroutine per registered task. Runs of the
// same task never overlap.
type Scheduler struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	tasks  map[string]*scheduled
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(log logrus.FieldLogger) *Scheduler {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Scheduler{log: log, tasks: make(map[string]*scheduled)}
}

// Register adds t, replacing any task registered under the same name.
func (s *Scheduler) Register(t RefreshTask) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("ingest: refresh task needs a name and a func")
	}
	sched, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return fmt.Errorf("ingest: schedule %q: %w", t.Schedule, err)
	}
	if sched.Next(time.Now()).IsZero() {
		return fmt.Errorf("ingest: schedule %q never fires", t.Schedule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(t.Name)
	sc := &scheduled{task: t, schedule: sched}
	s.tasks[t.Name] = sc
	if s.ctx != nil {
		s.launch(sc)
	}
	return nil
}

// Unregister removes the named task and reports whether it existed. A run
// in progress is cancelled.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(name)
}

// Names lists the registered tasks.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start launches every registered task. Tasks registered later start
// immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, sc := range s.tasks {
		s.launch(sc)
	}
	s.log.Infof("scheduler started with %d tasks", len(s.tasks))
}

// Stop cancels all timers and running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = nil, nil
	for _, sc := range s.tasks {
		sc.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// remove must be called with mu held.
func (s *Scheduler) remove(name string) bool {
	sc, ok := s.tasks[name]
	if !ok {
		return false
	}
	if sc.cancel != nil {
		sc.cancel()
	}
	delete(s.tasks, name)
	return true
}

// launch must be called with mu held.
func (s *Scheduler) launch(sc *scheduled) {
	ctx, cancel := context.WithCancel(s.ctx)
	sc.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := s.log.WithField("task", sc.task.Name)
		for {
			now := time.Now()
			next := sc.schedule.Next(now)
			if next.IsZero() {
				log.Errorf("schedule %q has no next run, task stopped", sc.task.Schedule)
				return
			}
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			start := time.Now()
			if err := sc.task.Run(ctx); err != nil {
				log.WithError(err).Error("refresh failed")
				continue
			}
			log.Debugf("refresh done in %.3fs", time.Since(start).Seconds())
		}
	}()
}
