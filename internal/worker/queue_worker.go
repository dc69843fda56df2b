package worker

import (
	"context"

	"github.com/kestrelgw/aistudio-gateway/internal/pipeline"
)

// QueueWorkerAdapter satisfies the Worker interface for the single
// request-serializing pipeline.Worker (spec §4.1/§4.2).
type QueueWorkerAdapter struct {
	worker *pipeline.Worker
}

// NewQueueWorkerAdapter wraps w for the Runner.
func NewQueueWorkerAdapter(w *pipeline.Worker) *QueueWorkerAdapter {
	return &QueueWorkerAdapter{worker: w}
}

// Name returns the worker identifier.
func (a *QueueWorkerAdapter) Name() string { return "queue_worker" }

// Run drains the pipeline queue until ctx is cancelled.
func (a *QueueWorkerAdapter) Run(ctx context.Context) error {
	a.worker.Run(ctx)
	return ctx.Err()
}
