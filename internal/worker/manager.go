package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tasky-photos/internal/compressor"
	"tasky-photos/internal/logger"
	"tasky-photos/internal/statistics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrShuttingDown is returned by Enqueue once Shutdown has been called.
var ErrShuttingDown = errors.New("job manager is shutting down")

// State is the lifecycle state of a job.
type State string

const (
	StateEnqueued  State = "enqueued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Finished reports whether the state is terminal.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Job is a snapshot of a compression job.
type Job struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Input      Data      `json:"input"`
	Output     Data      `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Event is emitted on every job state change.
type Event struct {
	JobID  string `json:"job_id"`
	State  State  `json:"state"`
	Output Data   `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Listener receives job events. It must not block.
type Listener func(Event)

// DefaultMaxFinishedJobs caps the finished jobs a Manager keeps.
const DefaultMaxFinishedJobs = 100

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// MaxConcurrentJobs bounds running jobs. Defaults to 2.
	MaxConcurrentJobs int
	// MaxFinishedJobs caps the finished jobs kept for Get and List; the
	// oldest are dropped first. Defaults to DefaultMaxFinishedJobs.
	MaxFinishedJobs int
	// Retention drops finished jobs older than this. Zero keeps them until
	// the cap is reached.
	Retention time.Duration
	Logger    *logrus.Logger
	Stats     *statistics.Statistics
}

type jobEntry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs compression jobs in the background and keeps their results.
type Manager struct {
	compressor compressor.Compressor
	logger     *logrus.Logger
	stats      *statistics.Statistics
	slots      chan struct{}

	maxFinished int
	retention   time.Duration

	mutex     sync.RWMutex
	jobs      map[string]*jobEntry
	listeners []Listener
	closed    bool

	wg sync.WaitGroup
}

// NewManager returns a Manager running jobs on c.
func NewManager(c compressor.Compressor, opts ManagerOptions) *Manager {
	n := opts.MaxConcurrentJobs
	if n <= 0 {
		n = 2
	}
	m := &Manager{
		compressor: c,
		logger:     opts.Logger,
		stats:      opts.Stats,
		slots:       make(chan struct{}, n),
		maxFinished: opts.MaxFinishedJobs,
		retention:   opts.Retention,
		jobs:        make(map[string]*jobEntry),
	}
	if m.maxFinished <= 0 {
		m.maxFinished = DefaultMaxFinishedJobs
	}
	if m.logger == nil {
		m.logger = logger.Discard()
	}
	if m.stats == nil {
		m.stats = statistics.NewStatistics()
	}
	return m
}

// Subscribe registers a listener for job events.
func (m *Manager) Subscribe(l Listener) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.listeners = append(m.listeners, l)
}

// Enqueue validates input and schedules a compression job. It returns the job ID.
func (m *Manager) Enqueue(input Data) (string, error) {
	uris, threshold, err := compressionInput(input)
	if err != nil {
		return "", fmt.Errorf("invalid job input: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &jobEntry{
		job: Job{
			ID:        uuid.New().String(),
			State:     StateEnqueued,
			Input:     NewCompressionInput(uris, threshold),
			CreatedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	m.jobs[entry.job.ID] = entry
	m.wg.Add(1)
	m.mutex.Unlock()

	m.stats.IncrementJobsEnqueued()
	logger.WithJob(m.logger, entry.job.ID).WithFields(logrus.Fields{
		"images":    len(uris),
		"threshold": threshold,
	}).Info("Compression job enqueued")
	m.emit(Event{JobID: entry.job.ID, State: StateEnqueued})

	go m.run(ctx, entry, compressor.CompressionRequest{URIs: uris, ThresholdBytes: threshold})
	return entry.job.ID, nil
}

func (m *Manager) run(ctx context.Context, entry *jobEntry, req compressor.CompressionRequest) {
	defer m.wg.Done()
	defer close(entry.done)
	defer entry.cancel()

	select {
	case m.slots <- struct{}{}:
		defer func() { <-m.slots }()
	case <-ctx.Done():
		m.finish(entry, StateCancelled, nil, ctx.Err())
		return
	}

	m.update(entry, func(j *Job) {
		j.State = StateRunning
		j.StartedAt = time.Now()
	})
	m.emit(Event{JobID: entry.job.ID, State: StateRunning})

	res, err := m.compressor.Compress(ctx, req)
	switch {
	case err == nil:
		m.finish(entry, StateSucceeded, Data{KeyResultPaths: res.Paths()}, nil)
	case errors.Is(err, context.Canceled):
		m.finish(entry, StateCancelled, nil, err)
	default:
		m.finish(entry, StateFailed, nil, err)
	}
}

func (m *Manager) finish(entry *jobEntry, state State, output Data, err error) {
	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	m.update(entry, func(j *Job) {
		j.State = state
		j.Output = output
		j.Error = errMsg
		j.FinishedAt = time.Now()
	})

	log := logger.WithJob(m.logger, entry.job.ID).WithField("state", state)
	switch state {
	case StateSucceeded:
		m.stats.IncrementJobsSucceeded()
		log.Info("Compression job succeeded")
	case StateCancelled:
		m.stats.IncrementJobsCancelled()
		log.Warn("Compression job cancelled")
	default:
		m.stats.IncrementJobsFailed()
		log.WithError(err).Error("Compression job failed")
	}
	m.emit(Event{JobID: entry.job.ID, State: state, Output: output, Error: errMsg})
	m.prune(time.Now())
}

// prune drops finished jobs past the retention period, then the oldest
// finished jobs beyond the cap.
func (m *Manager) prune(now time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var finished []*jobEntry
	for id, entry := range m.jobs {
		if !entry.job.State.Finished() {
			continue
		}
		if m.retention > 0 && now.Sub(entry.job.FinishedAt) > m.retention {
			delete(m.jobs, id)
			continue
		}
		finished = append(finished, entry)
	}
	if len(finished) <= m.maxFinished {
		return
	}

	sort.Slice(finished, func(i, j int) bool {
		return finished[i].job.FinishedAt.Before(finished[j].job.FinishedAt)
	})
	for _, entry := range finished[:len(finished)-m.maxFinished] {
		delete(m.jobs, entry.job.ID)
	}
}

func (m *Manager) update(entry *jobEntry, fn func(j *Job)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	fn(&entry.job)
}

func (m *Manager) emit(ev Event) {
	m.mutex.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mutex.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Get returns a snapshot of the job with the given ID.
func (m *Manager) Get(id string) (Job, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return entry.job, true
}

// List returns snapshots of all jobs, oldest first.
func (m *Manager) List() []Job {
	m.mutex.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, entry := range m.jobs {
		jobs = append(jobs, entry.job)
	}
	m.mutex.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Wait blocks until the job finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mutex.RLock()
	entry, ok := m.jobs[id]
	m.mutex.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}

	select {
	case <-entry.done:
		// The entry may already be pruned from the map.
		m.mutex.RLock()
		job := entry.job
		m.mutex.RUnlock()
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Cancel requests cancellation of a job. Cancelling a finished job is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mutex.RLock()
	entry, ok := m.jobs[id]
	m.mutex.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	entry.cancel()
	return nil
}

// Shutdown cancels every job and waits for them to stop, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mutex.Lock()
	m.closed = true
	for _, entry := range m.jobs {
		entry.cancel()
	}
	m.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
