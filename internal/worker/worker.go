package worker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskmate/internal/service/ai"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	logger     *zap.Logger
}

func NewWorker(id int, pool *jobChannelPool, logger *zap.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		logger:     logger.With(zap.Int("worker", id)),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			// back to the idle queue; a closed pool sends us home
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				w.logger.Debug("worker stopped")
				return
			}
			w.handle(job)
		}
	}()
}

func (w *Worker) handle(job Job) {
	defer w.pool.done(job)

	// the caller may have given up while the job was queued
	if err := job.ctx.Err(); err != nil {
		w.logger.Debug("skip abandoned turn", zap.String("conversation", job.ConversationID))
		job.finish(nil, err)
		return
	}

	start := time.Now()
	res, err := w.run(job)
	if err != nil {
		w.logger.Warn("turn failed",
			zap.String("conversation", job.ConversationID),
			zap.Error(err),
		)
	} else if res != nil {
		w.logger.Debug("turn finished",
			zap.String("conversation", job.ConversationID),
			zap.Int("round_trips", res.RoundTrips),
			zap.Duration("took", time.Since(start)),
		)
	}
	job.finish(res, err)
}

// run shields the worker from a panicking runner so it stays in the pool.
func (w *Worker) run(job Job) (res *ai.TurnResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("turn panicked: %v", r)
		}
	}()
	return w.pool.runner.Run(job.ctx, job.history)
}
