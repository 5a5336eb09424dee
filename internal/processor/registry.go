package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrJobRunning is returned when a job is already registered for the
// dictionary id.
var ErrJobRunning = errors.New("processor: a job is already running for this dictionary")

// Job is the in-memory record of one running generation. It is never
// persisted: the registry is the only concurrency guard, and it does not
// survive a restart (multi-replica deployments need a shared lease store).
type Job struct {
	DictionaryID string
	StartedAt    time.Time

	cancel context.CancelFunc

	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// Progress is an observable snapshot of a job's counters.
type Progress struct {
	DictionaryID string    `json:"dictionary_id"`
	StartedAt    time.Time `json:"started_at"`
	Attempted    int64     `json:"attempted"`
	Succeeded    int64     `json:"succeeded"`
	Failed       int64     `json:"failed"`
}

func (j *Job) snapshot() Progress {
	return Progress{
		DictionaryID: j.DictionaryID,
		StartedAt:    j.StartedAt,
		Attempted:    j.attempted.Load(),
		Succeeded:    j.succeeded.Load(),
		Failed:       j.failed.Load(),
	}
}

// Registry tracks live jobs and enforces at most one per dictionary id.
// Check-then-insert happens under one lock, so two concurrent starts can
// never both win.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// register creates and records a Job, or fails with ErrJobRunning.
func (r *Registry) register(dictionaryID string, cancel context.CancelFunc) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[dictionaryID]; exists {
		return nil, ErrJobRunning
	}
	job := &Job{
		DictionaryID: dictionaryID,
		StartedAt:    time.Now(),
		cancel:       cancel,
	}
	r.jobs[dictionaryID] = job
	return job, nil
}

// remove deregisters a finished job.
func (r *Registry) remove(dictionaryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, dictionaryID)
}

// Cancel requests cooperative cancellation of a running job. Returns false
// when no job is registered for the id. The loop observes the cancellation
// at the next row boundary, and any in-flight remote fetch is aborted
// through the job context.
func (r *Registry) Cancel(dictionaryID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[dictionaryID]
	if !ok {
		return false
	}
	job.cancel()
	return true
}

// IsProcessing reports whether a job is live for the dictionary id.
func (r *Registry) IsProcessing(dictionaryID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[dictionaryID]
	return ok
}

// Active returns the dictionary ids of all live jobs, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProgressOf returns the counters of a live job, if any.
func (r *Registry) ProgressOf(dictionaryID string) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[dictionaryID]
	if !ok {
		return Progress{}, false
	}
	return job.snapshot(), true
}
