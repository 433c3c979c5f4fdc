// Package scheduler runs the engine's batch jobs (edge decay, ring and spam
// detection, enforcement expiry, retention cleanup) on fixed intervals and on
// demand.
//
// Each job is single-flight within the process: a tick or trigger that finds
// the job already running is dropped. Different jobs may overlap freely;
// their correctness comes from the stores, not from this package.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/ringwatch/internal/metrics"
	"github.com/rawblock/ringwatch/pkg/models"
)

// ErrAlreadyRunning is returned when a job is triggered while it runs.
var ErrAlreadyRunning = fmt.Errorf("job already running: %w", models.ErrConflict)

// JobFunc runs one pass of a job and returns its report.
type JobFunc func(ctx context.Context) (any, error)

// Job is a named batch operation. A zero Interval registers the job for
// on-demand runs only.
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// Progress is a job's state for the API.
type Progress struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	IsRunning    bool          `json:"isRunning"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
	LastStarted  *time.Time    `json:"lastStarted,omitempty"`
	LastFinished *time.Time    `json:"lastFinished,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	LastReport   any           `json:"lastReport,omitempty"`
}

type jobState struct {
	job Job

	isRunning atomic.Bool
	runs      atomic.Int64
	failures  atomic.Int64
	skipped   atomic.Int64

	mu           sync.Mutex
	lastStarted  time.Time
	lastFinished time.Time
	lastErr      error
	lastReport   any
}

// Scheduler owns the registered jobs.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*jobState
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Collectors
	now     func() time.Time

	// baseCtx parents on-demand triggers; Run replaces it so triggers stop
	// with the scheduler.
	baseCtx   context.Context
	triggered sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithJobTimeout bounds every run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

func WithMetrics(c *metrics.Collectors) Option {
	return func(s *Scheduler) { s.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates an empty scheduler.
func New(logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:    make(map[string]*jobState),
		log:     logger.Named("scheduler"),
		now:     func() time.Time { return time.Now().UTC() },
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("%w: job needs a name and a run function", models.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %q: %w", job.Name, models.ErrConflict)
	}
	s.jobs[job.Name] = &jobState{job: job}
	return nil
}

// Run starts one ticker goroutine per interval job and blocks until ctx is
// cancelled. Triggered runs in flight are waited for before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	states := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		if st.job.Interval > 0 {
			states = append(states, st)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range states {
		st := st
		g.Go(func() error {
			s.log.Info("Job scheduled", zap.String("job", st.job.Name), zap.Duration("interval", st.job.Interval))
			ticker := time.NewTicker(st.job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if _, err := s.runOnce(gctx, st); err != nil && !errors.Is(err, ErrAlreadyRunning) {
						s.log.Warn("Scheduled run failed", zap.String("job", st.job.Name), zap.Error(err))
					}
				}
			}
		})
	}
	err := g.Wait()
	s.triggered.Wait()
	s.log.Info("Scheduler stopped")
	return err
}

// RunNow runs a job synchronously and returns its report.
func (s *Scheduler) RunNow(ctx context.Context, name string) (any, error) {
	st, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return s.runOnce(ctx, st)
}

// Trigger starts a job in the background. It returns ErrAlreadyRunning
// instead of queueing a second run.
func (s *Scheduler) Trigger(name string) error {
	st, err := s.lookup(name)
	if err != nil {
		return err
	}
	if st.isRunning.Load() {
		return ErrAlreadyRunning
	}
	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()

	s.triggered.Add(1)
	go func() {
		defer s.triggered.Done()
		if _, err := s.runOnce(ctx, st); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Warn("Triggered run failed", zap.String("job", name), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every triggered run has finished.
func (s *Scheduler) Wait() {
	s.triggered.Wait()
}

// Progress returns every job's state, sorted by name.
func (s *Scheduler) Progress() []Progress {
	s.mu.RLock()
	states := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]Progress, 0, len(states))
	for _, st := range states {
		p := Progress{
			Name:      st.job.Name,
			Interval:  st.job.Interval,
			IsRunning: st.isRunning.Load(),
			Runs:      st.runs.Load(),
			Failures:  st.failures.Load(),
			Skipped:   st.skipped.Load(),
		}
		st.mu.Lock()
		if !st.lastStarted.IsZero() {
			t := st.lastStarted
			p.LastStarted = &t
		}
		if !st.lastFinished.IsZero() {
			t := st.lastFinished
			p.LastFinished = &t
		}
		if st.lastErr != nil {
			p.LastError = st.lastErr.Error()
		}
		p.LastReport = st.lastReport
		st.mu.Unlock()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) lookup(name string) (*jobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", name, models.ErrNotFound)
	}
	return st, nil
}

func (s *Scheduler) runOnce(ctx context.Context, st *jobState) (any, error) {
	if !st.isRunning.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		s.log.Info("Job already in progress, ignoring duplicate run", zap.String("job", st.job.Name))
		return nil, ErrAlreadyRunning
	}
	defer st.isRunning.Store(false)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := s.now()
	st.mu.Lock()
	st.lastStarted = started
	st.mu.Unlock()
	s.log.Info("Job started", zap.String("job", st.job.Name))

	report, err := st.job.Run(ctx)

	finished := s.now()
	st.runs.Add(1)
	if err != nil {
		st.failures.Add(1)
	}
	st.mu.Lock()
	st.lastFinished = finished
	st.lastErr = err
	if report != nil {
		st.lastReport = report
	}
	st.mu.Unlock()
	s.metrics.JobFinished(st.job.Name, finished.Sub(started), err)

	if err != nil {
		s.log.Error("Job failed", zap.String("job", st.job.Name), zap.Duration("took", finished.Sub(started)), zap.Error(err))
		return report, err
	}
	s.log.Info("Job finished", zap.String("job", st.job.Name), zap.Duration("took", finished.Sub(started)))
	return report, nil
}
