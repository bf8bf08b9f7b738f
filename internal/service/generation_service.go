package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/genselfie/api/internal/client"
	"github.com/genselfie/api/internal/jobs"
	"github.com/genselfie/api/internal/ledger"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/session"
	"github.com/genselfie/api/internal/websocket"
)

const (
	TaskTypeGenerate = "generate:process"
	generateQueue    = "generate"
)

var (
	// ErrPendingSessionExpired means the stashed request state is gone,
	// taken already or past its TTL.
	ErrPendingSessionExpired = errors.New("pending session expired")
	ErrUnknownPreset         = errors.New("unknown preset")
	ErrMissingSourceImage    = errors.New("no source image or resolvable profile")
)

// GenerateTaskPayload is the queued task body.
type GenerateTaskPayload struct {
	JobID string `json:"jobId"`
}

// GenerationService is the orchestrator: it assembles the generation
// request, consumes the payment credential, creates the job and drives it
// through the synthesis backend. It is the only writer of job state.
type GenerationService struct {
	ledger      *ledger.Ledger
	sessions    session.Store
	table       *jobs.Table
	synthesizer client.ImageSynthesizer
	social      client.ProfileResolver
	hub         *websocket.Hub
	// asynqClient nil means in-process dispatch on a goroutine, used in
	// tests and when the queue is disabled.
	asynqClient *asynq.Client
	catalog     *model.PresetCatalog

	pollInterval time.Duration
	maxWait      time.Duration
}

func NewGenerationService(
	l *ledger.Ledger,
	sessions session.Store,
	table *jobs.Table,
	synthesizer client.ImageSynthesizer,
	social client.ProfileResolver,
	hub *websocket.Hub,
	asynqClient *asynq.Client,
	catalog *model.PresetCatalog,
	pollInterval, maxWait time.Duration,
) *GenerationService {
	return &GenerationService{
		ledger:       l,
		sessions:     sessions,
		table:        table,
		synthesizer:  synthesizer,
		social:       social,
		hub:          hub,
		asynqClient:  asynqClient,
		catalog:      catalog,
		pollInterval: pollInterval,
		maxWait:      maxWait,
	}
}

// Generate accepts a generation request: merge any pending session,
// resolve the source image, consume the payment credential, create the
// job and dispatch it. The credential claim happens after everything that
// can fail validation, so a rejected request never burns a payment.
func (s *GenerationService) Generate(ctx context.Context, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	if req.PendingSessionID != "" {
		sess, ok := s.sessions.TakeOnce(ctx, req.PendingSessionID)
		if !ok {
			return nil, ErrPendingSessionExpired
		}
		mergeSession(req, sess)
	}

	preset, ok := s.catalog.Get(req.PresetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, req.PresetID)
	}

	sourceRef := req.SourceImageRef
	if sourceRef == "" && req.Platform != "" && req.Handle != "" {
		resolved, err := s.social.FetchProfileImage(ctx, req.Platform, req.Handle)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingSourceImage, err)
		}
		sourceRef = resolved
	}
	if sourceRef == "" {
		return nil, ErrMissingSourceImage
	}

	prompt := preset.Prompt
	if req.CustomPrompt != "" && preset.AllowPromptEdit {
		prompt = req.CustomPrompt
	}

	// The job id exists before the claim so the consumed credential is
	// bound to it from the start.
	jobID := uuid.New().String()
	cred, err := s.ledger.ClaimAndConsume(ctx, req.PaymentMethod, req.PromoCode, req.CredentialID, jobID)
	if err != nil {
		return nil, err
	}

	job := &model.GenerationJob{
		ID:                  jobID,
		PaymentCredentialID: cred.ID,
		PresetID:            preset.ID,
		SourceImageRef:      sourceRef,
		InfluencerImageRef:  preset.InfluencerImageRef,
		Prompt:              prompt,
		Width:               preset.Width,
		Height:              preset.Height,
		Platform:            req.Platform,
		Handle:              req.Handle,
	}
	if err := s.table.Create(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.dispatch(job.ID); err != nil {
		// The payment is consumed and the job exists, so the failure is
		// recorded on the job and compensated, not surfaced as a request
		// error.
		log.Printf("[Generate] Dispatch failed for job %s: %v", job.ID, err)
		s.failJob(job.ID, model.CauseDispatchFailed)
	}

	current, err := s.table.Get(job.ID)
	if err != nil {
		return nil, err
	}
	return &model.GenerateResponse{
		JobID:     current.ID,
		Status:    current.Status,
		CreatedAt: current.CreatedAt,
	}, nil
}

func (s *GenerationService) dispatch(jobID string) error {
	if s.asynqClient == nil {
		go func() {
			if err := s.ProcessJob(context.Background(), jobID); err != nil {
				log.Printf("[Generate] Job %s processing error: %v", jobID, err)
			}
		}()
		return nil
	}

	payload, err := json.Marshal(&GenerateTaskPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	task := asynq.NewTask(TaskTypeGenerate, payload)
	_, err = s.asynqClient.Enqueue(task,
		asynq.Queue(generateQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(s.maxWait+time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// ProcessJob runs one job end to end: submit to the backend, then poll
// until terminal or the wait ceiling. Safe to call on an already-terminal
// job (queue redelivery), it just returns.
func (s *GenerationService) ProcessJob(ctx context.Context, jobID string) error {
	job, err := s.table.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if !s.synthesizer.IsConfigured() {
		return s.processWithMock(jobID)
	}

	backendRef, err := s.synthesizer.Submit(ctx, &client.JobSpec{
		JobID:              job.ID,
		SourceImageRef:     job.SourceImageRef,
		InfluencerImageRef: job.InfluencerImageRef,
		Prompt:             job.Prompt,
		Width:              job.Width,
		Height:             job.Height,
	})
	if err != nil {
		log.Printf("[Generate] Submit failed for job %s: %v", jobID, err)
		s.failJob(jobID, model.CauseBackendFailure)
		return nil
	}

	if err := s.table.MarkDispatched(jobID, backendRef); err != nil {
		log.Printf("[Generate] Job %s dispatch transition rejected: %v", jobID, err)
		return nil
	}
	s.broadcast(jobID)

	deadline := time.Now().Add(s.maxWait)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}

		if time.Now().After(deadline) {
			log.Printf("[Generate] Job %s exceeded wait ceiling", jobID)
			s.failJob(jobID, model.CauseBackendTimeout)
			return nil
		}

		result, err := s.synthesizer.Poll(ctx, backendRef)
		if err != nil {
			// Transient poll errors ride out under the deadline.
			log.Printf("[Generate] Poll error for job %s: %v", jobID, err)
			continue
		}

		switch result.State {
		case client.SynthesisSucceeded:
			if err := s.table.MarkCompleted(jobID, result.ResultRef); err != nil {
				// Late success after a timeout loses; the failure stands.
				log.Printf("[Generate] Job %s completion rejected: %v", jobID, err)
				return nil
			}
			s.broadcast(jobID)
			return nil
		case client.SynthesisFailed:
			log.Printf("[Generate] Backend failed job %s: %s", jobID, result.Reason)
			s.failJob(jobID, model.CauseBackendFailure)
			return nil
		}
	}
}

// processWithMock simulates the backend for local development.
func (s *GenerationService) processWithMock(jobID string) error {
	log.Printf("[Generate] Synthesis backend not configured, using mock for job %s", jobID)

	if err := s.table.MarkDispatched(jobID, "mock_"+jobID); err != nil {
		log.Printf("[Generate] Job %s dispatch transition rejected: %v", jobID, err)
		return nil
	}
	s.broadcast(jobID)

	time.Sleep(2 * time.Second)

	job, err := s.table.Get(jobID)
	if err != nil {
		return err
	}
	resultRef := fmt.Sprintf("https://picsum.photos/seed/%s/%d/%d", jobID, job.Width, job.Height)
	if err := s.table.MarkCompleted(jobID, resultRef); err != nil {
		log.Printf("[Generate] Job %s completion rejected: %v", jobID, err)
		return nil
	}
	s.broadcast(jobID)
	return nil
}

// failJob terminates a job and, when the backing payment was real, mints
// a retry code. A job running on a retry credential never mints another.
func (s *GenerationService) failJob(jobID string, cause model.FailureCause) {
	retryCode := ""
	if job, err := s.table.Get(jobID); err == nil {
		if cred, ok := s.ledger.Get(job.PaymentCredentialID); ok && !cred.Retry {
			retryCode = s.ledger.MintRetryCredential().ID
		}
	}
	if err := s.table.MarkFailed(jobID, cause, retryCode); err != nil {
		log.Printf("[Generate] Job %s fail transition rejected: %v", jobID, err)
		if retryCode != "" {
			s.ledger.Discard(retryCode)
		}
		return
	}
	s.broadcast(jobID)
	if s.hub != nil {
		s.hub.BroadcastError(jobID, string(cause), failureMessage(cause))
	}
}

func failureMessage(cause model.FailureCause) string {
	switch cause {
	case model.CauseBackendTimeout:
		return "generation timed out"
	case model.CauseDispatchFailed:
		return "generation could not be queued"
	default:
		return "generation failed"
	}
}

func (s *GenerationService) broadcast(jobID string) {
	if s.hub == nil {
		return
	}
	job, err := s.table.Get(jobID)
	if err != nil {
		return
	}
	s.hub.BroadcastStatus(job.ID, job.Status, job.ResultRef, job.RetryCode)
}

// GetStatus returns the client-facing projection of a job.
func (s *GenerationService) GetStatus(jobID string) (*model.JobStatusResponse, error) {
	job, err := s.table.Get(jobID)
	if err != nil {
		return nil, err
	}
	return &model.JobStatusResponse{
		JobID:      job.ID,
		Status:     job.Status,
		ResultURL:  job.ResultRef,
		RetryCode:  job.RetryCode,
		Cause:      job.FailureCause,
		CreatedAt:  job.CreatedAt,
		TerminalAt: job.TerminalAt,
	}, nil
}

// ListJobs returns all jobs, newest first. Admin surface only.
func (s *GenerationService) ListJobs() []model.GenerationJob {
	return s.table.List()
}

// StashSession stores request state ahead of a checkout redirect.
func (s *GenerationService) StashSession(ctx context.Context, req *model.SessionCreateRequest) (*model.SessionCreateResponse, error) {
	sess := &model.PendingSession{
		SourceImageRef: req.SourceImageRef,
		Platform:       req.Platform,
		Handle:         req.Handle,
		PresetID:       req.PresetID,
		CustomPrompt:   req.CustomPrompt,
	}
	id, err := s.sessions.Put(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("failed to stash session: %w", err)
	}
	return &model.SessionCreateResponse{
		PendingSessionID: id,
		ExpiresAt:        sess.CreatedAt.Add(s.sessionTTL()),
	}, nil
}

func (s *GenerationService) sessionTTL() time.Duration {
	type ttler interface{ TTL() time.Duration }
	if t, ok := s.sessions.(ttler); ok {
		return t.TTL()
	}
	return 10 * time.Minute
}

// mergeSession fills request fields left empty from the stashed state.
// Explicit request fields win.
func mergeSession(req *model.GenerateRequest, sess *model.PendingSession) {
	if req.SourceImageRef == "" {
		req.SourceImageRef = sess.SourceImageRef
	}
	if req.Platform == "" {
		req.Platform = sess.Platform
	}
	if req.Handle == "" {
		req.Handle = sess.Handle
	}
	if req.PresetID == "" {
		req.PresetID = sess.PresetID
	}
	if req.CustomPrompt == "" {
		req.CustomPrompt = sess.CustomPrompt
	}
}
