package worker

import (
	"fmt"

	"go.uber.org/zap"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	log        *zap.Logger
}

func NewWorker(id int, pool *jobChannelPool, log *zap.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		log:        log,
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Run:
				w.execute(job)
			}
		}
	}()
}

// execute runs the job; a panic is logged and the worker keeps serving.
func (w *Worker) execute(job Job) {
	if job.Fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job panicked",
				zap.Int("worker", w.id),
				zap.String("job", job.Name),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	job.Fn()
}
