package orchestrator

// Store is the persistence abstraction for conversion jobs.
// The Repository uses Store for all reads and writes and owns the locking;
// Store implementations need not be safe for concurrent use.
type Store interface {
	GetJob(id JobID) (*ConversionJob, bool)
	SetJob(j *ConversionJob)
	DeleteJob(id JobID)
	ListJobIDs() []JobID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	jobs map[JobID]*ConversionJob
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[JobID]*ConversionJob),
	}
}

// GetJob implements Store.GetJob.
func (s *InMemoryStore) GetJob(id JobID) (*ConversionJob, bool) {
	j, ok := s.jobs[id]
	return j, ok
}

// SetJob implements Store.SetJob.
func (s *InMemoryStore) SetJob(j *ConversionJob) {
	s.jobs[j.ID] = j
}

// DeleteJob implements Store.DeleteJob.
func (s *InMemoryStore) DeleteJob(id JobID) {
	delete(s.jobs, id)
}

// ListJobIDs implements Store.ListJobIDs.
func (s *InMemoryStore) ListJobIDs() []JobID {
	ids := make([]JobID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}
