package processing

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher schedules a conversion job. Dispatch must not wait for the
// conversion unless it documents otherwise.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Pool runs each job on its own goroutine. A buffered channel bounds how many
// transcodes run at once; jobs past the limit wait for a slot instead of
// being dropped.
type Pool struct {
	coord *Coordinator
	slots chan struct{}
	wg    sync.WaitGroup
	log   *zap.Logger
}

var _ Dispatcher = (*Pool)(nil)

// NewPool builds a Pool running at most workers conversions concurrently.
func NewPool(coord *Coordinator, workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		coord: coord,
		slots: make(chan struct{}, workers),
		log:   logger.Named("pool"),
	}
}

// Dispatch starts the conversion in the background and returns immediately.
// Cancelling ctx, typically the upload request, does not stop the
// conversion.
func (p *Pool) Dispatch(ctx context.Context, job Job) error {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		if err := p.coord.Convert(ctx, job); err != nil {
			p.log.Warn("conversion job finished with error", zap.String("item_id", job.ItemID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Inline runs the conversion synchronously inside Dispatch. Tests use it to
// make background work deterministic.
type Inline struct {
	Coordinator *Coordinator
}

var _ Dispatcher = Inline{}

// Dispatch converts job before returning and reports its outcome.
func (d Inline) Dispatch(ctx context.Context, job Job) error {
	return d.Coordinator.Convert(ctx, job)
}
