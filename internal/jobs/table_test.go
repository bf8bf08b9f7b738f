package jobs

import (
	"errors"
	"testing"

	"github.com/genselfie/api/internal/model"
)

func TestJobLifecycle(t *testing.T) {
	table := NewTable()

	job := &model.GenerationJob{ID: "job-1", PaymentCredentialID: "cred-1", PresetID: "default"}
	if err := table.Create(job); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := table.Get("job-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != model.JobStatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}

	if err := table.MarkDispatched("job-1", "prompt-abc"); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if err := table.MarkCompleted("job-1", "https://comfy.test/output/result.png"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, _ = table.Get("job-1")
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ResultRef != "https://comfy.test/output/result.png" {
		t.Fatalf("unexpected result ref %q", got.ResultRef)
	}
	if got.TerminalAt == nil {
		t.Fatal("expected terminal timestamp")
	}
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	table := NewTable()
	job := &model.GenerationJob{ID: "job-1"}
	if err := table.Create(job); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := table.MarkDispatched("job-1", "ref"); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if err := table.MarkFailed("job-1", model.CauseBackendTimeout, "RETRY-AAAA"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	// A late backend success must not overwrite the failure.
	if err := table.MarkCompleted("job-1", "late.png"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := table.MarkFailed("job-1", model.CauseBackendFailure, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := table.Get("job-1")
	if got.Status != model.JobStatusFailed || got.RetryCode != "RETRY-AAAA" {
		t.Fatalf("terminal state mutated: %+v", got)
	}
}

func TestCompleteRequiresDispatch(t *testing.T) {
	table := NewTable()
	if err := table.Create(&model.GenerationJob{ID: "job-1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := table.MarkCompleted("job-1", "x.png"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestQueuedJobCanFail(t *testing.T) {
	table := NewTable()
	if err := table.Create(&model.GenerationJob{ID: "job-1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := table.MarkFailed("job-1", model.CauseDispatchFailed, ""); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	got, _ := table.Get("job-1")
	if got.FailureCause != model.CauseDispatchFailed {
		t.Fatalf("expected dispatch_failed, got %s", got.FailureCause)
	}
}

func TestOneLiveJobPerCredential(t *testing.T) {
	table := NewTable()
	if err := table.Create(&model.GenerationJob{ID: "job-1", PaymentCredentialID: "cred-1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := table.Create(&model.GenerationJob{ID: "job-2", PaymentCredentialID: "cred-1"})
	if !errors.Is(err, ErrCredentialBusy) {
		t.Fatalf("expected ErrCredentialBusy, got %v", err)
	}

	// Terminal jobs release the binding.
	if err := table.MarkFailed("job-1", model.CauseDispatchFailed, ""); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if err := table.Create(&model.GenerationJob{ID: "job-2", PaymentCredentialID: "cred-1"}); err != nil {
		t.Fatalf("create after release failed: %v", err)
	}
}

func TestUnknownJob(t *testing.T) {
	table := NewTable()
	if _, err := table.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := table.MarkDispatched("missing", "ref"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	table := NewTable()
	for _, id := range []string{"a", "b", "c"} {
		if err := table.Create(&model.GenerationJob{ID: id}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	list := table.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(list))
	}
	if !list[0].CreatedAt.After(list[2].CreatedAt) && !list[0].CreatedAt.Equal(list[2].CreatedAt) {
		t.Fatal("expected newest-first ordering")
	}
}
