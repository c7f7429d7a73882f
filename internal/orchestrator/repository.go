package orchestrator

import (
	"errors"
	"sync"
)

// Repository defines the concurrency-safe contract for accessing and mutating
// conversion job state.
type Repository interface {
	// CreateJob records a new job. It fails with ErrJobExists if the ID is
	// already taken.
	CreateJob(job *ConversionJob) error

	// UpdateJob applies fn to the stored job under the write lock. Terminal
	// jobs cannot be updated.
	UpdateJob(id JobID, fn func(*ConversionJob)) error

	// GetJob returns a snapshot of the job that shares no state with the
	// repository.
	GetJob(id JobID) (*ConversionJob, bool)

	// DeleteJob forgets a job. Deleting an unknown job is a no-op.
	DeleteJob(id JobID)

	// RunningJobCount returns the number of jobs not yet in a terminal state.
	// Used for metrics.
	RunningJobCount() int
}

var (
	// ErrJobExists is returned when a job ID is registered twice.
	ErrJobExists = errors.New("job already exists")

	// ErrJobNotFound is returned for operations on an unknown job.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when updating a job in a terminal state.
	ErrJobFinished = errors.New("job has finished")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// CreateJob implements Repository.CreateJob.
func (r *InMemoryRepository) CreateJob(job *ConversionJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetJob(job.ID); exists {
		return ErrJobExists
	}
	cp := job.snapshot()
	if cp.Results == nil {
		cp.Results = make(map[string]RenditionResult)
	}
	r.store.SetJob(cp)
	return nil
}

// UpdateJob implements Repository.UpdateJob.
func (r *InMemoryRepository) UpdateJob(id JobID, fn func(*ConversionJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.store.GetJob(id)
	if !exists {
		return ErrJobNotFound
	}
	if job.State.Terminal() {
		return ErrJobFinished
	}
	fn(job)
	return nil
}

// GetJob implements Repository.GetJob.
func (r *InMemoryRepository) GetJob(id JobID) (*ConversionJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.store.GetJob(id)
	if !exists {
		return nil, false
	}
	return job.snapshot(), true
}

// DeleteJob implements Repository.DeleteJob.
func (r *InMemoryRepository) DeleteJob(id JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.DeleteJob(id)
}

// RunningJobCount implements Repository.RunningJobCount.
func (r *InMemoryRepository) RunningJobCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListJobIDs() {
		if j, ok := r.store.GetJob(id); ok && !j.State.Terminal() {
			n++
		}
	}
	return n
}
