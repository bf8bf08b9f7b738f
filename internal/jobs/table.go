package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/genselfie/api/internal/model"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition rejects any move the state machine does not
	// allow, including any write to a terminal job.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrCredentialBusy rejects a second live job on the same credential.
	ErrCredentialBusy = errors.New("credential already has an active job")
)

// Table is the in-memory job registry. Transitions run under one mutex so
// a terminal status can never be overwritten, and every read hands out a
// copy.
type Table struct {
	mu   sync.Mutex
	jobs map[string]*model.GenerationJob
	// byCredential tracks the live job per credential, enforcing one
	// non-terminal job per payment.
	byCredential map[string]string
}

func NewTable() *Table {
	return &Table{
		jobs:         make(map[string]*model.GenerationJob),
		byCredential: make(map[string]string),
	}
}

// Create registers a queued job. The credential binding is exclusive
// while the job is live.
func (t *Table) Create(job *model.GenerationJob) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[job.ID]; exists {
		return fmt.Errorf("duplicate job id %s: %w", job.ID, ErrInvalidTransition)
	}
	if job.PaymentCredentialID != "" {
		if liveID, busy := t.byCredential[job.PaymentCredentialID]; busy {
			return fmt.Errorf("credential bound to job %s: %w", liveID, ErrCredentialBusy)
		}
	}

	job.Status = model.JobStatusQueued
	job.CreatedAt = time.Now()
	t.jobs[job.ID] = job
	if job.PaymentCredentialID != "" {
		t.byCredential[job.PaymentCredentialID] = job.ID
	}
	return nil
}

// Get returns a copy of the job.
func (t *Table) Get(id string) (*model.GenerationJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List returns all jobs, newest first.
func (t *Table) List() []model.GenerationJob {
	t.mu.Lock()
	out := make([]model.GenerationJob, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, *job)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// MarkDispatched moves queued to dispatched and records the backend
// reference.
func (t *Table) MarkDispatched(id, backendRef string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != model.JobStatusQueued {
		return fmt.Errorf("job %s is %s, not queued: %w", id, job.Status, ErrInvalidTransition)
	}
	job.Status = model.JobStatusDispatched
	job.BackendRef = backendRef
	return nil
}

// MarkCompleted moves dispatched to completed with the result reference.
// A job that already failed (for example on timeout) stays failed even if
// the backend finishes late.
func (t *Table) MarkCompleted(id, resultRef string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != model.JobStatusDispatched {
		return fmt.Errorf("job %s is %s, not dispatched: %w", id, job.Status, ErrInvalidTransition)
	}
	job.Status = model.JobStatusCompleted
	job.ResultRef = resultRef
	t.terminateLocked(job)
	return nil
}

// MarkFailed moves a live job to failed with its cause, and optionally
// the retry code minted for it.
func (t *Table) MarkFailed(id string, cause model.FailureCause, retryCode string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s: %w", id, job.Status, ErrInvalidTransition)
	}
	job.Status = model.JobStatusFailed
	job.FailureCause = cause
	job.RetryCode = retryCode
	t.terminateLocked(job)
	return nil
}

// terminateLocked stamps the terminal time and releases the credential
// binding. Callers hold t.mu.
func (t *Table) terminateLocked(job *model.GenerationJob) {
	now := time.Now()
	job.TerminalAt = &now
	if job.PaymentCredentialID != "" {
		delete(t.byCredential, job.PaymentCredentialID)
	}
}
