package scans

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/docuvault/internal/common"
)

// task is one unit of background scan work. Either the payload travels with
// the task (freshly stored content) or it is refetched by file id (rescans).
type task struct {
	fileID   string
	filename string
	data     []byte
	refetch  bool
}

// Enqueue schedules a background scan of freshly stored content. The
// request path never blocks on the scan itself; a full queue is an error
// the caller can surface or retry.
func (o *Orchestrator) Enqueue(ctx context.Context, fileID, filename string, data []byte) error {
	select {
	case o.queue <- task{fileID: fileID, filename: filename, data: data}:
		return nil
	default:
		return fmt.Errorf("%w: scan queue full", common.ErrInternal)
	}
}

// EnqueueRescan schedules a background rescan that refetches content.
func (o *Orchestrator) EnqueueRescan(ctx context.Context, fileID string) error {
	select {
	case o.queue <- task{fileID: fileID, refetch: true}:
		return nil
	default:
		return fmt.Errorf("%w: scan queue full", common.ErrInternal)
	}
}

// Start launches the worker pool and blocks until ctx is cancelled and all
// workers have drained their in-flight task.
func (o *Orchestrator) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < o.config.ScanWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}

	o.logger.Info(ctx, "scan workers started", "workers", o.config.ScanWorkers, "queue", cap(o.queue))
	wg.Wait()
	o.logger.Info(ctx, "scan workers stopped")
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.queue:
			o.process(t)
		}
	}
}

func (o *Orchestrator) process(t task) {
	// Detached from the request context: the upload that queued this task
	// has long since returned.
	ctx := context.Background()

	var err error
	if t.refetch {
		_, err = o.RescanFile(ctx, t.fileID)
	} else {
		_, err = o.ScanData(ctx, t.fileID, t.data, t.filename)
	}
	if err != nil {
		o.logger.Error(ctx, "background scan failed", "file_id", t.fileID, "error", err.Error())
	}
}
