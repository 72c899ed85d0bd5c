package worker

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

type batchQueue struct {
	jobs     []Job
	enqueued bool
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Workers int
	Idle    int
	Pending int
}

type Dispatcher struct {
	pool *jobChannelPool
	wake chan struct{} // signals the run loop that a batch queue grew
	log  *zap.Logger

	mu        sync.Mutex
	queues    map[string]*batchQueue // pending jobs per batch
	ready     *list.List             // round-robin order of batch keys
	positions map[string]*list.Element
	pending   int

	closeOnce sync.Once
	quit      chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("dispatcher")
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}

	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, log),
		wake:      make(chan struct{}, 1),
		log:       log,
		queues:    make(map[string]*batchQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job behind the other jobs of its batch without blocking.
// Batch queues are unbounded; the only refusal is after Close.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	job.Type = Run
	d.enqueueJob(job)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// CancelBatch drops the jobs of a batch that have not started yet.
func (d *Dispatcher) CancelBatch(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[key]; ok {
		d.pending -= len(q.jobs)
		delete(d.queues, key)
	}
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	pending := d.pending
	d.mu.Unlock()
	workers, idle := d.pool.stats()
	return Stats{Workers: workers, Idle: idle, Pending: pending}
}

// Close stops dispatching. Running jobs finish; queued jobs are discarded.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		// dispatch one job of the batch at the front of the round-robin queue
		if d.dispatchOne() {
			continue
		}
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.BatchKey]
	if q == nil {
		q = &batchQueue{}
		d.queues[job.BatchKey] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.BatchKey] = d.ready.PushBack(job.BatchKey)
}

// dispatchOne hands the next job of the front batch to an idle worker.
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.nextJob()
	if !ok {
		return false
	}
	workerChan, ok := d.pool.acquire()
	if !ok {
		return false
	}
	d.debugLog("assign job",
		zap.String("job", job.Name),
		zap.String("batch", job.BatchKey),
		zap.Int("worker", d.pool.workerID(workerChan)))
	workerChan <- job
	return true
}

// nextJob pops the head job of the front batch and rotates that batch to the back.
func (d *Dispatcher) nextJob() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	if len(q.jobs) == 0 {
		// batch drained, it leaves the rotation
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}
