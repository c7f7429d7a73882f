package orchestrator

import (
	"testing"
)

func TestInMemoryStore_GetSetJob(t *testing.T) {
	store := NewInMemoryStore()

	_, ok := store.GetJob(JobID("j1"))
	if ok {
		t.Error("expected not found for empty store")
	}

	j := &ConversionJob{ID: JobID("j1"), State: StateRunning}
	store.SetJob(j)

	got, ok := store.GetJob(JobID("j1"))
	if !ok || got != j {
		t.Errorf("GetJob: ok=%v, got %p want %p", ok, got, j)
	}

	store.DeleteJob(JobID("j1"))
	if ids := store.ListJobIDs(); len(ids) != 0 {
		t.Errorf("expected empty store after delete, got %v", ids)
	}
}

func TestInMemoryStore_SetJob_replaces(t *testing.T) {
	store := NewInMemoryStore()
	j1 := &ConversionJob{ID: JobID("j1")}
	j2 := &ConversionJob{ID: JobID("j1")}
	store.SetJob(j1)
	store.SetJob(j2)

	got, ok := store.GetJob(JobID("j1"))
	if !ok || got != j2 {
		t.Errorf("SetJob should replace: got %p want %p", got, j2)
	}
}

func TestNewInMemoryRepositoryWithStore(t *testing.T) {
	store := NewInMemoryStore()
	repo := NewInMemoryRepositoryWithStore(store)

	if err := repo.CreateJob(&ConversionJob{ID: JobID("j1"), State: StateRunning}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	st, ok := store.GetJob(JobID("j1"))
	if !ok || st == nil {
		t.Fatal("injected store should contain job after CreateJob")
	}
	if st.Results == nil {
		t.Error("stored job should have an initialized results map")
	}
}
