package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/mediavault/internal/processing"
	"github.com/dharsanguruparan/mediavault/internal/queue"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	coord *processing.Coordinator
	log   *zap.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(coord *processing.Coordinator, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{coord: coord, log: logger.Named("worker")}
}

// Handler registers the conversion job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ConvertVideoTask, p.handleConvert)
	return mux
}

// NewServer builds an asynq server consuming the conversion queue. It runs
// inside the process that owns the index.
func NewServer(opt asynq.RedisClientOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue.QueueName: 1},
		Logger:      logger.Named("asynq").Sugar(),
	})
}

func (p *Processor) handleConvert(ctx context.Context, task *asynq.Task) error {
	job, err := queue.ParseConvertTask(task)
	if err != nil {
		p.log.Error("dropping malformed conversion task", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := p.coord.Convert(ctx, job); err != nil {
		p.log.Warn("conversion failed", zap.String("item_id", job.ItemID), zap.Error(err))
		// Failed is terminal; the item already records it.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
