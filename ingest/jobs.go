package ingest

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned for unknown or expired job IDs.
var ErrJobNotFound = errors.New("ingest: job not found")

const jobTTL = time.Hour

// Job tracks one background ingestion. Jobs live only in memory and are
// lost on restart.
type Job struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Filename    string    `json:"filename"`
	Collection  string    `json:"collection"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Result      *Result   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// StatusProcessing marks a job whose pipeline is still running.
const StatusProcessing Status = "processing"

// JobStore holds jobs in a mutex-guarded map. Completed jobs expire one
// hour after completion; expiry is applied lazily on lookups.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job), now: time.Now}
}

// Create registers a new processing job and returns a copy of it.
func (js *JobStore) Create(filename, collection string) Job {
	js.mu.Lock()
	defer js.mu.Unlock()

	j := &Job{
		ID:         uuid.NewString(),
		Status:     StatusProcessing,
		Filename:   filename,
		Collection: collection,
		CreatedAt:  js.now(),
	}
	js.jobs[j.ID] = j
	return *j
}

// Complete records a finished pipeline result on a job. The job status
// mirrors the result status.
func (js *JobStore) Complete(id string, res Result) {
	js.mu.Lock()
	defer js.mu.Unlock()

	j, ok := js.jobs[id]
	if !ok {
		return
	}
	j.Status = res.Status
	j.Result = &res
	j.Error = res.Error
	j.CompletedAt = js.now()
}

// Fail marks a job as failed outside the pipeline (for example a payload
// that could not be staged).
func (js *JobStore) Fail(id, message string) {
	js.mu.Lock()
	defer js.mu.Unlock()

	j, ok := js.jobs[id]
	if !ok {
		return
	}
	j.Status = StatusError
	j.Error = message
	j.CompletedAt = js.now()
}

// Get returns a copy of a job, expiring stale completed jobs first.
func (js *JobStore) Get(id string) (Job, error) {
	js.mu.Lock()
	defer js.mu.Unlock()

	js.cleanupLocked()

	j, ok := js.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

// List returns copies of all live jobs, newest first not guaranteed.
func (js *JobStore) List() []Job {
	js.mu.Lock()
	defer js.mu.Unlock()

	js.cleanupLocked()

	out := make([]Job, 0, len(js.jobs))
	for _, j := range js.jobs {
		out = append(out, *j)
	}
	return out
}

// cleanupLocked drops completed jobs older than the TTL. Caller holds mu.
func (js *JobStore) cleanupLocked() {
	cutoff := js.now().Add(-jobTTL)
	for id, j := range js.jobs {
		if j.Status != StatusProcessing && !j.CompletedAt.IsZero() && j.CompletedAt.Before(cutoff) {
			delete(js.jobs, id)
		}
	}
}
