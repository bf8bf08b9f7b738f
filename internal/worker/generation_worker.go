package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/genselfie/api/internal/service"
)

// GenerationWorker processes queued generation tasks. The heavy lifting
// lives in the service; the worker just decodes the payload and runs the
// job, so queued and in-process dispatch share one code path.
type GenerationWorker struct {
	svc *service.GenerationService
}

func NewGenerationWorker(svc *service.GenerationService) *GenerationWorker {
	return &GenerationWorker{svc: svc}
}

// ProcessTask handles one generation task.
func (w *GenerationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.GenerateTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	log.Printf("[Worker] Processing generation job %s", payload.JobID)
	if err := w.svc.ProcessJob(ctx, payload.JobID); err != nil {
		return fmt.Errorf("job %s: %w", payload.JobID, err)
	}
	return nil
}
