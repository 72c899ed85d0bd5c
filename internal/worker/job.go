package worker

import "errors"

type JobType int

const (
	// Run executes the job's function on a pooled worker.
	Run JobType = iota
	// Stop retires the receiving worker.
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Job is one unit of work. Jobs sharing a BatchKey are served in order and
// batches take turns on the pool.
type Job struct {
	Type     JobType
	BatchKey string
	Name     string
	Fn       func()
}

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("worker: dispatcher closed")
