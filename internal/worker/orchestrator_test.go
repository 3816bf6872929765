package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRenderer blocks each job until release is closed (if set), then writes an
// output file or fails.
type fakeRenderer struct {
	release chan struct{}
	err     error
	panics  bool
	started int32
	running int32
	peak    int32
}

func (r *fakeRenderer) Render(ctx context.Context, jobDir string, tl models.Timeline) (string, error) {
	atomic.AddInt32(&r.started, 1)
	n := atomic.AddInt32(&r.running, 1)
	defer atomic.AddInt32(&r.running, -1)
	for {
		p := atomic.LoadInt32(&r.peak)
		if n <= p || atomic.CompareAndSwapInt32(&r.peak, p, n) {
			break
		}
	}

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.panics {
		panic("boom")
	}
	if r.err != nil {
		return "", r.err
	}

	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return "", err
	}
	out := filepath.Join(jobDir, "output.mp4")
	return out, os.WriteFile(out, []byte("mp4"), 0644)
}

type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]models.RenderJob
}

func newMemStore() *memStore {
	return &memStore{records: map[uuid.UUID]models.RenderJob{}}
}

func (s *memStore) SaveJob(ctx context.Context, job *models.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[job.ID] = *job
	return nil
}

func (s *memStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) ListJobs(ctx context.Context) ([]models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RenderJob
	for _, j := range s.records {
		out = append(out, j)
	}
	return out, nil
}

func (s *memStore) get(id uuid.UUID) (models.RenderJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.records[id]
	return j, ok
}

func validTimeline() models.Timeline {
	return models.Timeline{
		Title: "coffee",
		Segments: []models.Segment{
			{Clips: []models.Clip{{Source: "a.png"}}, DeclaredDuration: 4},
		},
	}
}

func newTestOrchestrator(t *testing.T, r Renderer, store JobStore, clock *fakeClock, workers int) *Orchestrator {
	t.Helper()
	opts := Options{
		Renderer:          r,
		Store:             store,
		WorkDir:           t.TempDir(),
		MaxConcurrentJobs: workers,
		Retention:         time.Hour,
		EvictionInterval:  time.Hour, // sweeps are triggered by hand
		Log:               zerolog.Nop(),
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	o := New(opts)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func waitForStatus(t *testing.T, o *Orchestrator, id uuid.UUID, want models.JobStatus) models.RenderJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := o.Poll(id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, err := o.Poll(id)
	t.Fatalf("job %s never reached %s (last: %+v, err: %v)", id, want, job, err)
	return job
}

func TestJobLifecycle(t *testing.T) {
	r := &fakeRenderer{release: make(chan struct{})}
	o := newTestOrchestrator(t, r, nil, nil, 2)

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job, err := o.Poll(id)
	if err != nil || job.Status != models.JobStatusProcessing {
		t.Fatalf("poll right after submit = %+v, %v; want processing", job, err)
	}
	if job.Title != "coffee" {
		t.Errorf("unexpected title %q", job.Title)
	}
	if _, err := o.Fetch(id); !errors.Is(err, ErrJobNotReady) {
		t.Errorf("fetch before completion = %v, want ErrJobNotReady", err)
	}

	close(r.release)
	job = waitForStatus(t, o, id, models.JobStatusCompleted)
	if job.FinishedAt == nil {
		t.Error("completed job should have FinishedAt")
	}

	path, err := o.Fetch(id)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("fetched output missing: %v", err)
	}

	unknown := uuid.New()
	if _, err := o.Poll(unknown); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("poll unknown = %v, want ErrJobNotFound", err)
	}
	if _, err := o.Fetch(unknown); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("fetch unknown = %v, want ErrJobNotFound", err)
	}
}

func TestSubmitRejectsInvalidTimeline(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRenderer{}, nil, nil, 1)

	_, err := o.Submit(context.Background(), models.Timeline{})
	if !errors.Is(err, ErrInvalidTimeline) {
		t.Errorf("expected ErrInvalidTimeline, got %v", err)
	}
	if o.TrackedJobCount() != 0 {
		t.Error("invalid timeline must not create a record")
	}
}

func TestFailedJob(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRenderer{err: errors.New("encode segment 0 failed: exit status 1")}, nil, nil, 1)

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}

	job := waitForStatus(t, o, id, models.JobStatusError)
	if job.Error != "encode segment 0 failed: exit status 1" {
		t.Errorf("unexpected error text %q", job.Error)
	}
	if _, err := o.Fetch(id); !errors.Is(err, ErrJobFailed) {
		t.Errorf("fetch failed job = %v, want ErrJobFailed", err)
	}
}

func TestPanicIsIsolated(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRenderer{panics: true}, nil, nil, 1)

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}
	job := waitForStatus(t, o, id, models.JobStatusError)
	if job.Error != "internal error: boom" {
		t.Errorf("unexpected error text %q", job.Error)
	}

	// The orchestrator keeps accepting work
	if _, err := o.Submit(context.Background(), validTimeline()); err != nil {
		t.Errorf("submit after panic failed: %v", err)
	}
}

func TestRetentionEviction(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(t, &fakeRenderer{}, nil, clock, 1)

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, o, id, models.JobStatusCompleted)
	path, err := o.Fetch(id)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(59 * time.Minute)
	if n := o.Sweep(); n != 0 {
		t.Fatalf("evicted %d jobs before retention elapsed", n)
	}

	clock.Advance(time.Minute)
	if n := o.Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	if _, err := o.Poll(id); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("poll after eviction = %v, want ErrJobNotFound", err)
	}
	if _, err := o.Fetch(id); !errors.Is(err, ErrJobGone) {
		t.Errorf("fetch after eviction = %v, want ErrJobGone", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("output should be removed on eviction, stat err = %v", err)
	}

	// Tombstones expire after another retention window
	clock.Advance(time.Hour)
	o.Sweep()
	if _, err := o.Fetch(id); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("fetch after tombstone expiry = %v, want ErrJobNotFound", err)
	}
}

func TestEvictionCancelsRunningJob(t *testing.T) {
	clock := newFakeClock()
	r := &fakeRenderer{release: make(chan struct{})}
	o := newTestOrchestrator(t, r, nil, clock, 1)

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}
	for atomic.LoadInt32(&r.started) == 0 {
		time.Sleep(time.Millisecond)
	}

	clock.Advance(2 * time.Hour)
	if n := o.Sweep(); n != 1 {
		t.Fatalf("expected running job to be evicted, got %d", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&r.running) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&r.running) != 0 {
		t.Error("evicted job was not cancelled")
	}
	if _, err := o.Poll(id); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("poll after eviction = %v, want ErrJobNotFound", err)
	}
}

func TestDeleteAndMissingOutput(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRenderer{}, nil, nil, 1)

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, o, id, models.JobStatusCompleted)

	if err := o.Delete(id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := o.Fetch(id); !errors.Is(err, ErrJobGone) {
		t.Errorf("fetch after delete = %v, want ErrJobGone", err)
	}
	if err := o.Delete(id); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second delete = %v, want ErrJobNotFound", err)
	}

	// Output removed behind the orchestrator's back
	id2, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}
	job := waitForStatus(t, o, id2, models.JobStatusCompleted)
	os.Remove(job.OutputPath)
	if _, err := o.Fetch(id2); !errors.Is(err, ErrJobGone) {
		t.Errorf("fetch with missing file = %v, want ErrJobGone", err)
	}
}

func TestWorkerPoolBound(t *testing.T) {
	r := &fakeRenderer{release: make(chan struct{})}
	o := newTestOrchestrator(t, r, nil, nil, 2)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id, err := o.Submit(context.Background(), validTimeline())
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&r.started) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&r.started); got != 2 {
		t.Errorf("expected 2 jobs to start, got %d", got)
	}
	if got := o.ActiveJobCount(); got != 2 {
		t.Errorf("ActiveJobCount = %d, want 2", got)
	}

	close(r.release)
	for _, id := range ids {
		waitForStatus(t, o, id, models.JobStatusCompleted)
	}
	if peak := atomic.LoadInt32(&r.peak); peak > 2 {
		t.Errorf("peak concurrency %d exceeds pool size 2", peak)
	}
}

func TestRestartRecovery(t *testing.T) {
	store := newMemStore()
	workDir := t.TempDir()

	running := models.RenderJob{ID: uuid.New(), Status: models.JobStatusProcessing, CreatedAt: time.Now()}

	kept := models.RenderJob{ID: uuid.New(), Status: models.JobStatusCompleted, CreatedAt: time.Now()}
	keptDir := filepath.Join(workDir, kept.ID.String())
	os.MkdirAll(keptDir, 0755)
	kept.OutputPath = filepath.Join(keptDir, "output.mp4")
	os.WriteFile(kept.OutputPath, []byte("mp4"), 0644)

	lost := models.RenderJob{ID: uuid.New(), Status: models.JobStatusCompleted, CreatedAt: time.Now(),
		OutputPath: filepath.Join(workDir, "gone", "output.mp4")}

	for _, j := range []models.RenderJob{running, kept, lost} {
		store.SaveJob(context.Background(), &j)
	}

	o := New(Options{Renderer: &fakeRenderer{}, Store: store, WorkDir: workDir, Log: zerolog.Nop()})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Shutdown(context.Background())

	job, err := o.Poll(running.ID)
	if err != nil || job.Status != models.JobStatusError || job.Error != "interrupted by restart" {
		t.Errorf("interrupted job = %+v, %v", job, err)
	}
	if rec, _ := store.get(running.ID); rec.Status != models.JobStatusError {
		t.Errorf("interrupted job not persisted as error: %+v", rec)
	}

	if path, err := o.Fetch(kept.ID); err != nil || path != kept.OutputPath {
		t.Errorf("restored job fetch = %q, %v", path, err)
	}

	if _, err := o.Fetch(lost.ID); !errors.Is(err, ErrJobGone) {
		t.Errorf("job with lost output = %v, want ErrJobGone", err)
	}
	if _, ok := store.get(lost.ID); ok {
		t.Error("record with lost output should be dropped from the store")
	}
}

func TestStoreMirrorsTransitions(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(t, &fakeRenderer{}, store, nil, 1)

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, o, id, models.JobStatusCompleted)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := store.get(id); ok && rec.Status == models.JobStatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec, _ := store.get(id); rec.Status != models.JobStatusCompleted {
		t.Fatalf("store not updated: %+v", rec)
	}

	o.Delete(id)
	if _, ok := store.get(id); ok {
		t.Error("deleted job should be removed from the store")
	}
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	r := &fakeRenderer{release: make(chan struct{})}
	o := New(Options{Renderer: r, WorkDir: t.TempDir(), MaxConcurrentJobs: 1, Log: zerolog.Nop()})
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	job, _ := o.Poll(id)
	if job.Status != models.JobStatusError {
		t.Errorf("running job should be cancelled on shutdown, got %s", job.Status)
	}
	if _, err := o.Submit(context.Background(), validTimeline()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("submit after shutdown = %v, want ErrShuttingDown", err)
	}
}

// stallingStore holds the save of a finished record until released.
type stallingStore struct {
	*memStore
	saving  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingStore) SaveJob(ctx context.Context, job *models.RenderJob) error {
	if job.Status.IsTerminal() {
		s.once.Do(func() { close(s.saving) })
		<-s.release
	}
	return s.memStore.SaveJob(ctx, job)
}

func TestDeleteDuringSaveLeavesNoRecord(t *testing.T) {
	store := &stallingStore{
		memStore: newMemStore(),
		saving:   make(chan struct{}),
		release:  make(chan struct{}),
	}
	o := newTestOrchestrator(t, &fakeRenderer{}, store, nil, 1)

	id, err := o.Submit(context.Background(), validTimeline())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-store.saving:
	case <-time.After(5 * time.Second):
		t.Fatal("finished record was never saved")
	}

	deleted := make(chan error, 1)
	go func() { deleted <- o.Delete(id) }()

	// Wait until the job has left the table before letting the save through
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := o.Poll(id); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job was never removed from the table")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(store.release)

	select {
	case err := <-deleted:
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Delete never returned")
	}

	if job, ok := store.get(id); ok {
		t.Errorf("deleted job was written back: %+v", job)
	}
}
