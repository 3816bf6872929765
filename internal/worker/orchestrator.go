package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobarin/reelcomposer/internal/metrics"
	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotReady     = errors.New("job not ready")
	ErrJobGone         = errors.New("job output is gone")
	ErrJobFailed       = errors.New("job failed")
	ErrInvalidTimeline = errors.New("invalid timeline")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
	errInterrupted     = errors.New("interrupted by restart")
)

const (
	defaultRetention        = time.Hour
	defaultEvictionInterval = 5 * time.Minute
	storeTimeout            = 5 * time.Second
)

// Renderer runs the pipeline for one job. Implemented by pipeline.Pipeline.
type Renderer interface {
	Render(ctx context.Context, jobDir string, tl models.Timeline) (string, error)
}

// JobStore mirrors job records outside the process so they survive restarts.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.RenderJob) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context) ([]models.RenderJob, error)
}

type Options struct {
	Renderer          Renderer
	Store             JobStore // optional
	WorkDir           string
	MaxConcurrentJobs int           // 0 = NumCPU
	Retention         time.Duration // How long a record lives after submission
	EvictionInterval  time.Duration
	Now               func() time.Time // injectable clock for tests
	Log               zerolog.Logger
}

type entry struct {
	job    models.RenderJob
	dir    string
	cancel context.CancelFunc
}

// Orchestrator owns the job table: it accepts timelines, runs them on a
// bounded worker pool and serves poll/fetch until records are evicted.
type Orchestrator struct {
	renderer  Renderer
	store     JobStore
	workDir   string
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       zerolog.Logger

	sem *semaphore.Weighted

	// storeMu orders mirror writes against record deletes
	storeMu sync.Mutex

	mu         sync.Mutex
	jobs       map[uuid.UUID]*entry
	tombstones map[uuid.UUID]time.Time // evicted id -> eviction time
	active     int
	closing    bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	stop       chan struct{}
	stopOnce   sync.Once
}

func New(opts Options) *Orchestrator {
	workers := opts.MaxConcurrentJobs
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	interval := opts.EvictionInterval
	if interval <= 0 {
		interval = defaultEvictionInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Orchestrator{
		renderer:   opts.Renderer,
		store:      opts.Store,
		workDir:    opts.WorkDir,
		retention:  retention,
		interval:   interval,
		now:        now,
		log:        opts.Log.With().Str("component", "orchestrator").Logger(),
		sem:        semaphore.NewWeighted(int64(workers)),
		jobs:       make(map[uuid.UUID]*entry),
		tombstones: make(map[uuid.UUID]time.Time),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		stop:       make(chan struct{}),
	}
}

// Start recovers persisted records and launches the eviction sweeper.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := os.MkdirAll(o.workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	if o.store != nil {
		if err := o.restore(ctx); err != nil {
			return fmt.Errorf("failed to recover jobs: %w", err)
		}
	}

	o.wg.Add(1)
	go o.sweepLoop()

	o.log.Info().Dur("retention", o.retention).Dur("eviction_interval", o.interval).Msg("orchestrator started")
	return nil
}

// Submit validates tl, records a processing job and starts it in the background.
func (o *Orchestrator) Submit(ctx context.Context, tl models.Timeline) (uuid.UUID, error) {
	tl = tl.WithDefaults()
	if err := tl.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidTimeline, err)
	}

	id := uuid.New()
	jobCtx, cancel := context.WithCancel(o.baseCtx)
	e := &entry{
		job: models.RenderJob{
			ID:        id,
			Title:     tl.Title,
			Status:    models.JobStatusProcessing,
			CreatedAt: o.now(),
		},
		dir:    filepath.Join(o.workDir, id.String()),
		cancel: cancel,
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		cancel()
		return uuid.Nil, ErrShuttingDown
	}
	o.jobs[id] = e
	o.wg.Add(1)
	o.mu.Unlock()

	o.persistLive(id)
	metrics.JobsSubmittedTotal.Inc()

	o.log.Info().Str("job_id", id.String()).Str("title", tl.Title).Int("segments", len(tl.Segments)).
		Msg("job submitted")

	go o.execute(jobCtx, id, e.dir, tl)

	return id, nil
}

// execute waits for a worker slot, runs the pipeline and records the outcome.
func (o *Orchestrator) execute(ctx context.Context, id uuid.UUID, dir string, tl models.Timeline) {
	defer o.wg.Done()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finish(id, "", fmt.Errorf("cancelled before start: %w", err))
		return
	}
	defer o.sem.Release(1)

	o.mu.Lock()
	o.active++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()

	output, err := o.safeRender(ctx, id, dir, tl)
	o.finish(id, output, err)
}

// safeRender isolates a panicking pipeline to its own job.
func (o *Orchestrator) safeRender(ctx context.Context, id uuid.UUID, dir string, tl models.Timeline) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("job_id", id.String()).Interface("panic", r).Bytes("stack", debug.Stack()).
				Msg("render panicked")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return o.renderer.Render(ctx, dir, tl)
}

// finish moves a processing job to completed or error. Terminal records are
// never changed again, and a job evicted while running only gets its files removed.
func (o *Orchestrator) finish(id uuid.UUID, output string, renderErr error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok || e.job.Status.IsTerminal() {
		o.mu.Unlock()
		if !ok {
			o.removeDir(id, filepath.Join(o.workDir, id.String()))
		}
		return
	}

	finishedAt := o.now()
	e.job.FinishedAt = &finishedAt
	if renderErr != nil {
		e.job.Status = models.JobStatusError
		e.job.Error = renderErr.Error()
	} else {
		e.job.Status = models.JobStatusCompleted
		e.job.OutputPath = output
	}
	e.cancel()
	snapshot := e.job
	o.mu.Unlock()

	if renderErr != nil {
		o.removeDir(id, e.dir)
		o.log.Error().Err(renderErr).Str("job_id", id.String()).Msg("job failed")
	} else {
		o.log.Info().Str("job_id", id.String()).Str("output", output).
			Dur("elapsed", finishedAt.Sub(snapshot.CreatedAt)).Msg("job completed")
	}

	metrics.JobsFinishedTotal.WithLabelValues(string(snapshot.Status)).Inc()
	metrics.JobDuration.WithLabelValues(string(snapshot.Status)).Observe(finishedAt.Sub(snapshot.CreatedAt).Seconds())

	o.persistLive(id)
}

// Poll returns the current record of a job.
func (o *Orchestrator) Poll(id uuid.UUID) (models.RenderJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.jobs[id]
	if !ok {
		return models.RenderJob{}, ErrJobNotFound
	}
	return e.job, nil
}

// Fetch returns the output path of a completed job whose file still exists.
func (o *Orchestrator) Fetch(id uuid.UUID) (string, error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok {
		_, evicted := o.tombstones[id]
		o.mu.Unlock()
		if evicted {
			return "", ErrJobGone
		}
		return "", ErrJobNotFound
	}
	job := e.job
	o.mu.Unlock()

	switch job.Status {
	case models.JobStatusProcessing:
		return "", ErrJobNotReady
	case models.JobStatusError:
		return "", fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
	}

	if _, err := os.Stat(job.OutputPath); err != nil {
		return "", ErrJobGone
	}
	return job.OutputPath, nil
}

// Delete evicts a job early, cancelling it if it is still running.
func (o *Orchestrator) Delete(id uuid.UUID) error {
	if !o.evict(id, "deleted") {
		return ErrJobNotFound
	}
	return nil
}

// Sweep evicts every record created more than one retention window ago,
// whatever its status.
func (o *Orchestrator) Sweep() int {
	now := o.now()

	var expired []uuid.UUID
	o.mu.Lock()
	for id, e := range o.jobs {
		if now.Sub(e.job.CreatedAt) >= o.retention {
			expired = append(expired, id)
		}
	}
	for id, at := range o.tombstones {
		if now.Sub(at) >= o.retention {
			delete(o.tombstones, id)
		}
	}
	o.mu.Unlock()

	for _, id := range expired {
		o.evict(id, "retention elapsed")
	}
	if len(expired) > 0 {
		o.log.Info().Int("evicted", len(expired)).Msg("eviction sweep")
	}
	return len(expired)
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// evict removes the record, cancels the job, deletes its files and leaves a
// tombstone so Fetch can report gone instead of not found.
func (o *Orchestrator) evict(id uuid.UUID, reason string) bool {
	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return false
	}
	delete(o.jobs, id)
	o.tombstones[id] = o.now()
	o.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	o.removeDir(id, e.dir)
	metrics.JobsEvictedTotal.Inc()

	if o.store != nil {
		o.storeMu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := o.store.DeleteJob(ctx, id); err != nil {
			o.log.Warn().Err(err).Str("job_id", id.String()).Msg("failed to delete job record")
		}
		cancel()
		o.storeMu.Unlock()
	}

	o.log.Info().Str("job_id", id.String()).Str("status", string(e.job.Status)).Str("reason", reason).
		Msg("job evicted")
	return true
}

// restore reloads mirrored records after a restart. Jobs that were processing
// can't be resumed and are marked failed; completed jobs are kept only if their
// output survived.
func (o *Orchestrator) restore(ctx context.Context) error {
	records, err := o.store.ListJobs(ctx)
	if err != nil {
		return err
	}

	restored, interrupted, dropped := 0, 0, 0
	for _, job := range records {
		dir := filepath.Join(o.workDir, job.ID.String())

		switch job.Status {
		case models.JobStatusProcessing:
			finishedAt := o.now()
			job.Status = models.JobStatusError
			job.Error = errInterrupted.Error()
			job.FinishedAt = &finishedAt
			o.removeDir(job.ID, dir)
			o.persist(&job)
			interrupted++

		case models.JobStatusCompleted:
			if _, err := os.Stat(job.OutputPath); err != nil {
				o.mu.Lock()
				o.tombstones[job.ID] = o.now()
				o.mu.Unlock()
				if err := o.store.DeleteJob(ctx, job.ID); err != nil {
					o.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to delete job record")
				}
				dropped++
				continue
			}
			restored++

		default:
			restored++
		}

		o.mu.Lock()
		o.jobs[job.ID] = &entry{job: job, dir: dir}
		o.mu.Unlock()
	}

	o.log.Info().Int("restored", restored).Int("interrupted", interrupted).Int("dropped", dropped).
		Msg("job records recovered")
	return nil
}

// Shutdown stops the sweeper, cancels running jobs and waits for them to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	o.stopOnce.Do(func() { close(o.stop) })
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info().Msg("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for jobs: %w", ctx.Err())
	}
}

// ActiveJobCount is the number of jobs holding a worker slot.
func (o *Orchestrator) ActiveJobCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// TrackedJobCount is the number of records in the job table.
func (o *Orchestrator) TrackedJobCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}

// persistLive mirrors the current record for id. Once the job is evicted
// nothing is written, so a slow save can't resurrect a deleted record.
func (o *Orchestrator) persistLive(id uuid.UUID) {
	if o.store == nil {
		return
	}
	o.storeMu.Lock()
	defer o.storeMu.Unlock()

	o.mu.Lock()
	e, ok := o.jobs[id]
	var job models.RenderJob
	if ok {
		job = e.job
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.persist(&job)
}

func (o *Orchestrator) persist(job *models.RenderJob) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.SaveJob(ctx, job); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to persist job record")
	}
}

func (o *Orchestrator) removeDir(id uuid.UUID, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		o.log.Warn().Err(err).Str("job_id", id.String()).Msg("failed to remove job dir")
	}
}
