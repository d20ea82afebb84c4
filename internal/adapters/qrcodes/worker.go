package qrcodes

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"herbtrace/internal/core"
	"herbtrace/pkg/domain"
)

// JobStatus describes the lifecycle stage of a render job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// DefaultQueueSize bounds pending render jobs.
const DefaultQueueSize = 32

// DefaultJobRetention bounds how many finished jobs stay queryable.
const DefaultJobRetention = 256

var (
	// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
	ErrQueueFull = errors.New("qr render queue full")
	// ErrWorkerStopped is returned by Enqueue after Stop.
	ErrWorkerStopped = errors.New("qr worker stopped")
)

// Job tracks a render request for one batch.
type Job struct {
	BatchID   domain.BatchID `json:"batch_id"`
	Status    JobStatus      `json:"status"`
	Error     string         `json:"error,omitempty"`
	Artifact  *Artifact      `json:"artifact,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Worker pre-renders QR artifacts asynchronously.
type Worker struct {
	publisher *Publisher
	logger    core.Logger
	clock     core.Clock

	queue     chan domain.BatchID
	retention int
	mu        sync.RWMutex
	jobs      map[domain.BatchID]*Job
	// finished orders terminal jobs; evicting one drops it from jobs.
	finished *simplelru.LRU[domain.BatchID, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l core.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWorkerClock overrides the job timestamp source.
func WithWorkerClock(c core.Clock) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan domain.BatchID, n)
		}
	}
}

// WithJobRetention overrides DefaultJobRetention.
func WithJobRetention(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.retention = n
		}
	}
}

// NewWorker constructs a render worker around p.
func NewWorker(p *Publisher, opts ...WorkerOption) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		publisher: p,
		logger:    discard{},
		clock:     core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		queue:     make(chan domain.BatchID, DefaultQueueSize),
		retention: DefaultJobRetention,
		jobs:      make(map[domain.BatchID]*Job),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	// retention is always positive, which is the only NewLRU error.
	w.finished, _ = simplelru.NewLRU[domain.BatchID, struct{}](w.retention, w.forget)
	return w
}

// forget runs under w.mu when a finished job ages out. A job that was
// queued again since it finished stays tracked.
func (w *Worker) forget(id domain.BatchID, _ struct{}) {
	if job, ok := w.jobs[id]; ok && job.finished() {
		delete(w.jobs, id)
	}
}

// Start begins processing render requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the in-flight job.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue schedules a render for id without blocking.
func (w *Worker) Enqueue(id domain.BatchID) (Job, error) {
	if id.IsBlank() {
		return Job{}, domain.ErrEmptyIdentifier
	}
	if w.ctx.Err() != nil {
		return Job{}, ErrWorkerStopped
	}
	now := w.clock.Now()
	job := &Job{BatchID: id, Status: JobQueued, CreatedAt: now, UpdatedAt: now}
	snapshot := *job
	w.mu.Lock()
	prev := w.jobs[id]
	w.jobs[id] = job
	w.mu.Unlock()
	select {
	case w.queue <- id:
		return snapshot, nil
	default:
	}
	w.mu.Lock()
	switch {
	case w.jobs[id] != job:
	case prev != nil:
		w.jobs[id] = prev
	default:
		delete(w.jobs, id)
	}
	w.mu.Unlock()
	return Job{}, ErrQueueFull
}

// Job returns a snapshot of the latest job for id.
func (w *Worker) Job(id domain.BatchID) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

// OnRegistered is a core.WithRegistrationListener callback that queues a
// render for every newly registered batch.
func (w *Worker) OnRegistered(_ context.Context, id domain.BatchID) {
	if _, err := w.Enqueue(id); err != nil {
		w.logger.Warn("qr render not queued", "batch_id", string(id), "error", err)
	}
}

func (w *Worker) process(id domain.BatchID) {
	w.update(id, func(j *Job) { j.Status = JobRunning })
	art, err := w.publisher.Ensure(w.ctx, id)
	if err != nil {
		w.logger.Error("qr render failed", "batch_id", string(id), "error", err)
		w.update(id, func(j *Job) {
			j.Status = JobFailed
			j.Error = err.Error()
		})
		return
	}
	w.update(id, func(j *Job) {
		j.Status = JobSucceeded
		j.Error = ""
		j.Artifact = &art
	})
}

func (w *Worker) update(id domain.BatchID, fn func(*Job)) {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.jobs[id]
	if !ok {
		job = &Job{BatchID: id, CreatedAt: now}
		w.jobs[id] = job
	}
	fn(job)
	job.UpdatedAt = now
	if job.finished() {
		w.finished.Add(id, struct{}{})
	}
}

func (j *Job) finished() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

func (j *Job) copy() Job {
	cp := *j
	if j.Artifact != nil {
		art := *j.Artifact
		cp.Artifact = &art
	}
	return cp
}
