package expense

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerPool consumes scan jobs off a bounded channel and runs them through
// the pipeline. Enqueue blocks when the queue is full, which backpressures
// uploads instead of dropping scans.
type WorkerPool struct {
	pipeline *Pipeline
	jobs     chan string
	wg       sync.WaitGroup
}

// NewWorkerPool creates a worker pool with the given queue capacity
func NewWorkerPool(pipeline *Pipeline, queueSize int) *WorkerPool {
	if queueSize < 1 {
		queueSize = 1
	}
	return &WorkerPool{
		pipeline: pipeline,
		jobs:     make(chan string, queueSize),
	}
}

// Enqueue submits an attachment for scanning
func (w *WorkerPool) Enqueue(attachmentID string) {
	w.jobs <- attachmentID
}

// Start launches n workers
func (w *WorkerPool) Start(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for id := range w.jobs {
				slog.Debug("Processing receipt", "attachment_id", id)
				w.pipeline.Process(ctx, id)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight scans to finish
func (w *WorkerPool) Stop() {
	close(w.jobs)
	w.wg.Wait()
}
