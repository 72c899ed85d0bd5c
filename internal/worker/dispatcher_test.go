package worker

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestDispatcherRunsSubmittedJobs(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 4, Logger: zaptest.NewLogger(t)})
	defer d.Close()

	var wg sync.WaitGroup
	var ran int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		err := d.Submit(Job{BatchKey: key, Name: "count", Fn: func() {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
		}})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitOrFail(t, &wg)
	if got := atomic.LoadInt32(&ran); got != 10 {
		t.Fatalf("expected 10 jobs to run, got %d", got)
	}
}

func TestDispatcherRoundRobinsBatches(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[string]*batchQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	for _, job := range []Job{
		{BatchKey: "a", Name: "a1"},
		{BatchKey: "a", Name: "a2"},
		{BatchKey: "a", Name: "a3"},
		{BatchKey: "b", Name: "b1"},
		{BatchKey: "c", Name: "c1"},
	} {
		d.enqueueJob(job)
	}

	var order []string
	for {
		job, ok := d.nextJob()
		if !ok {
			break
		}
		order = append(order, job.Name)
	}
	want := []string{"a1", "b1", "c1", "a2", "a3"}
	if len(order) != len(want) {
		t.Fatalf("order mismatch: want %v got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order mismatch: want %v got %v", want, order)
		}
	}
	if d.pending != 0 || len(d.queues) != 0 {
		t.Fatalf("queues not drained: pending=%d queues=%d", d.pending, len(d.queues))
	}
}

func TestDispatcherCancelBatch(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[string]*batchQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	d.enqueueJob(Job{BatchKey: "a", Name: "a1"})
	d.enqueueJob(Job{BatchKey: "b", Name: "b1"})
	d.enqueueJob(Job{BatchKey: "a", Name: "a2"})

	d.CancelBatch("a")
	job, ok := d.nextJob()
	if !ok || job.Name != "b1" {
		t.Fatalf("expected b1 after cancel, got %+v", job)
	}
	if _, ok := d.nextJob(); ok {
		t.Fatalf("cancelled batch still dispatched")
	}
}

func TestSaturatedPoolQueuesEveryJob(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, Logger: zaptest.NewLogger(t)})
	defer d.Close()

	gate := make(chan struct{})
	var wg sync.WaitGroup
	var ran int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := d.Submit(Job{BatchKey: "x", Name: "blocked", Fn: func() {
			defer wg.Done()
			<-gate
			atomic.AddInt32(&ran, 1)
		}})
		if err != nil {
			t.Fatalf("submit %d on a saturated pool: %v", i, err)
		}
	}
	if pending := d.Stats().Pending; pending < 48 {
		t.Fatalf("expected queued jobs to be pending, got %d", pending)
	}
	close(gate)
	waitOrFail(t, &wg)
	if got := atomic.LoadInt32(&ran); got != 50 {
		t.Fatalf("expected 50 jobs to run, got %d", got)
	}
}

func TestWorkerSurvivesPanickingJob(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, Logger: zaptest.NewLogger(t)})
	defer d.Close()

	if err := d.Submit(Job{BatchKey: "p", Name: "boom", Fn: func() { panic("boom") }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan struct{})
	if err := d.Submit(Job{BatchKey: "p", Name: "after", Fn: func() { close(done) }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job after panic never ran")
	}
}

func TestPoolRetiresIdleWorkers(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 0, MaxWorkers: 2, IdleTimeout: 20 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	defer d.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	if err := d.Submit(Job{BatchKey: "idle", Fn: wg.Done}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitOrFail(t, &wg)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Stats().Workers == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("idle worker not retired: %+v", d.Stats())
}

func TestSubmitAfterClose(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, Logger: zaptest.NewLogger(t)})
	d.Close()
	d.Close()
	if err := d.Submit(Job{BatchKey: "late", Fn: func() {}}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for jobs")
	}
}
