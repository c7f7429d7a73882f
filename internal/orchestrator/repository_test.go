package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newRunningJob(id string) *ConversionJob {
	return &ConversionJob{
		ID:     JobID(id),
		Ladder: DefaultLadder(),
		State:  StateRunning,
	}
}

func TestInMemoryRepository_CreateJob(t *testing.T) {
	repo := NewInMemoryRepository()

	t.Run("success", func(t *testing.T) {
		if err := repo.CreateJob(newRunningJob("j1")); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		got, ok := repo.GetJob(JobID("j1"))
		if !ok {
			t.Fatal("GetJob: ok false")
		}
		if got.State != StateRunning {
			t.Errorf("state = %q, want running", got.State)
		}
	})

	t.Run("duplicate_id_rejected", func(t *testing.T) {
		err := repo.CreateJob(newRunningJob("j1"))
		if !errors.Is(err, ErrJobExists) {
			t.Errorf("expected ErrJobExists, got %v", err)
		}
	})
}

func TestInMemoryRepository_UpdateJob(t *testing.T) {
	repo := NewInMemoryRepository()
	_ = repo.CreateJob(newRunningJob("j1"))

	t.Run("records_result", func(t *testing.T) {
		err := repo.UpdateJob(JobID("j1"), func(j *ConversionJob) {
			j.Results["480p"] = RenditionResult{Spec: j.Ladder[0], Status: RenditionSucceeded}
		})
		if err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		got, _ := repo.GetJob(JobID("j1"))
		if len(got.Results) != 1 {
			t.Errorf("expected 1 result, got %d", len(got.Results))
		}
	})

	t.Run("unknown_job", func(t *testing.T) {
		err := repo.UpdateJob(JobID("missing"), func(*ConversionJob) {})
		if !errors.Is(err, ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("terminal_job_is_frozen", func(t *testing.T) {
		_ = repo.UpdateJob(JobID("j1"), func(j *ConversionJob) { j.State = StateCompleted })
		err := repo.UpdateJob(JobID("j1"), func(j *ConversionJob) { j.State = StateFailed })
		if !errors.Is(err, ErrJobFinished) {
			t.Errorf("expected ErrJobFinished, got %v", err)
		}
		got, _ := repo.GetJob(JobID("j1"))
		if got.State != StateCompleted {
			t.Errorf("state changed after terminal: %q", got.State)
		}
	})
}

func TestInMemoryRepository_GetJob_snapshot_isolated(t *testing.T) {
	repo := NewInMemoryRepository()
	_ = repo.CreateJob(newRunningJob("j1"))

	snap, _ := repo.GetJob(JobID("j1"))
	snap.Results["720p"] = RenditionResult{Status: RenditionFailed}
	snap.Ladder[0].Name = "mutated"

	got, _ := repo.GetJob(JobID("j1"))
	if len(got.Results) != 0 {
		t.Error("mutating a snapshot must not change the repository")
	}
	if got.Ladder[0].Name != "480p" {
		t.Errorf("ladder mutated through snapshot: %q", got.Ladder[0].Name)
	}
}

func TestInMemoryRepository_DeleteJob(t *testing.T) {
	repo := NewInMemoryRepository()
	_ = repo.CreateJob(newRunningJob("j1"))

	repo.DeleteJob(JobID("j1"))
	repo.DeleteJob(JobID("j1"))

	if _, ok := repo.GetJob(JobID("j1")); ok {
		t.Error("expected job to be gone")
	}
}

func TestInMemoryRepository_RunningJobCount(t *testing.T) {
	repo := NewInMemoryRepository()
	if n := repo.RunningJobCount(); n != 0 {
		t.Errorf("empty repo: got %d", n)
	}
	_ = repo.CreateJob(newRunningJob("a"))
	_ = repo.CreateJob(newRunningJob("b"))
	_ = repo.UpdateJob(JobID("b"), func(j *ConversionJob) { j.State = StatePartiallyFailed })

	if n := repo.RunningJobCount(); n != 1 {
		t.Errorf("expected 1 running job, got %d", n)
	}
}

func TestInMemoryRepository_concurrent_updates(t *testing.T) {
	repo := NewInMemoryRepository()
	_ = repo.CreateJob(newRunningJob("j1"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("r%d", i)
			_ = repo.UpdateJob(JobID("j1"), func(j *ConversionJob) {
				j.Results[name] = RenditionResult{Status: RenditionSucceeded}
			})
			_, _ = repo.GetJob(JobID("j1"))
		}(i)
	}
	wg.Wait()

	got, _ := repo.GetJob(JobID("j1"))
	if len(got.Results) != 50 {
		t.Errorf("expected 50 results, got %d", len(got.Results))
	}
}
