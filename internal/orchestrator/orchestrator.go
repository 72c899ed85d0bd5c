// Package orchestrator drives submitted files through the CDR pipeline. Each
// task advances independently from PENDING to COMPLETED or FAILED on its own
// goroutine, with sanitization steps scheduled on the worker pool. Every
// transition is written through the task store as a read-modify-write against
// the latest persisted snapshot.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"aegiscdr/internal/artifact"
	"aegiscdr/internal/auditlog"
	"aegiscdr/internal/models"
	"aegiscdr/internal/service/analysis"
	"aegiscdr/internal/taskstore"
	"aegiscdr/internal/worker"
)

// AnalysisSizeLimit is the largest file sent to the threat analysis adapter.
const AnalysisSizeLimit = 4_000_000

const (
	// AnalysisSkipped is recorded when a file is not sent for analysis.
	AnalysisSkipped = "Analysis skipped for large media file."

	progressUploading  = 10
	progressAnalyzing  = 30
	progressSanitizing = 50
	progressCompleted  = 100
	progressFailed     = 0
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNotTerminal  = errors.New("task has not finished processing")
	ErrNoFiles      = errors.New("no files submitted")
	ErrClosed       = errors.New("engine shutting down")
	// ErrInterrupted resolves tasks a previous process left unfinished.
	ErrInterrupted = errors.New("interrupted by engine restart")
)

// Event reports a written transition.
type Event struct {
	Task *models.TaskRecord
}

// Archiver stores generated artifacts outside the service.
type Archiver interface {
	Archive(ctx context.Context, taskID string, a artifact.Artifact) error
}

type Orchestrator struct {
	store      *taskstore.Store
	logs       *auditlog.Store
	analyzer   analysis.Analyzer
	dispatcher *worker.Dispatcher

	runner   StageRunner
	delays   Delays
	render   func(*models.TaskRecord) artifact.Artifact
	archiver Archiver
	content  *expirable.LRU[string, []byte]
	log      *zap.Logger
	now      func() time.Time
	newID    func() string

	cacheSize int
	cacheTTL  time.Duration

	ctx     context.Context
	cancel  context.CancelCauseFunc
	running sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	nextSub int
	subs    map[int]chan Event
	waiters map[string][]chan *models.TaskRecord
}

type Option func(*Orchestrator)

func WithStageRunner(r StageRunner) Option { return func(o *Orchestrator) { o.runner = r } }

func WithDelays(d Delays) Option { return func(o *Orchestrator) { o.delays = d } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func WithIDGenerator(fn func() string) Option { return func(o *Orchestrator) { o.newID = fn } }

func WithLogger(log *zap.Logger) Option { return func(o *Orchestrator) { o.log = log } }

func WithArchiver(a Archiver) Option { return func(o *Orchestrator) { o.archiver = a } }

func WithRenderer(fn func(*models.TaskRecord) artifact.Artifact) Option {
	return func(o *Orchestrator) { o.render = fn }
}

// WithContentCache sizes the session cache that keeps content snapshots the
// task store could not persist.
func WithContentCache(entries int, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.cacheSize = entries
		o.cacheTTL = ttl
	}
}

func New(store *taskstore.Store, logs *auditlog.Store, analyzer analysis.Analyzer, cfg worker.DispatcherConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		logs:      logs,
		analyzer:  analyzer,
		delays:    DefaultDelays(),
		render:    artifact.Generate,
		log:       zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
		cacheSize: 256,
		cacheTTL:  time.Hour,
		subs:      make(map[int]chan Event),
		waiters:   make(map[string][]chan *models.TaskRecord),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.analyzer == nil {
		o.analyzer = analysis.Unavailable
	}
	if o.runner == nil {
		o.runner = SimulatedRunner{Total: o.delays.Sanitize}
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named("orchestrator")
	o.content = expirable.NewLRU[string, []byte](o.cacheSize, nil, o.cacheTTL)
	if cfg.Logger == nil {
		cfg.Logger = o.log
	}
	o.dispatcher = worker.NewDispatcher(cfg)
	o.ctx, o.cancel = context.WithCancelCause(context.Background())
	return o
}

// Close stops accepting work and resolves every task still advancing to
// FAILED, then stops the worker pool.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel(ErrClosed)
	o.running.Wait()
	o.dispatcher.Close()
}

// RecoverInterrupted fails every persisted task that is not terminal. Call it
// once at startup, before Submit; tasks are never resumed across restarts.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) int {
	n := 0
	for _, rec := range o.store.Load(ctx) {
		if rec.Status.Terminal() {
			continue
		}
		o.log.Warn("failing interrupted task", zap.String("task_id", rec.ID), zap.String("status", string(rec.Status)))
		o.logs.Append(ctx, models.ModuleEngine, models.LevelError,
			fmt.Sprintf("Task %s: Sanitization failed - %v", rec.ID, ErrInterrupted))
		o.fail(ctx, rec)
		n++
	}
	return n
}

// spawn runs fn on a tracked goroutine unless the engine is closed.
func (o *Orchestrator) spawn(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.running.Add(1)
	go func() {
		defer o.running.Done()
		fn()
	}()
	return true
}

func (o *Orchestrator) Stats() worker.Stats {
	return o.dispatcher.Stats()
}

// Submit creates one PENDING task per file, persists it and schedules its
// advancement. The returned records are the initial snapshots.
func (o *Orchestrator) Submit(ctx context.Context, files []models.FileDescriptor) ([]*models.TaskRecord, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	o.logs.Append(ctx, models.ModuleAPI, models.LevelInfo,
		fmt.Sprintf("POST /api/tasks - Batch upload started: %d files", len(files)))

	batch := o.newID()
	tasks := make([]*models.TaskRecord, 0, len(files))
	for _, f := range files {
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = DefaultMimeType
		}
		task := &models.TaskRecord{
			ID:           o.newID(),
			Filename:     f.Filename,
			OriginalSize: f.Size,
			Type:         Classify(f.MimeType, f.Filename),
			Status:       models.StatusPending,
			Progress:     0,
			CreatedAt:    o.now().UnixMilli(),
			MimeType:     mimeType,
		}
		if task.Type.KeepsContent() && len(f.Content) > 0 {
			task.Content = append([]byte(nil), f.Content...)
			o.content.Add(task.ID, task.Content)
		}
		tasks = append(tasks, task)
	}

	out := make([]*models.TaskRecord, 0, len(tasks))
	for _, task := range tasks {
		o.store.Save(ctx, task)
		o.publish(task)
		out = append(out, task.Clone())

		if !o.spawn(func() { o.advance(o.ctx, batch, task) }) {
			o.logs.Append(ctx, models.ModuleEngine, models.LevelError,
				fmt.Sprintf("Task %s: Sanitization failed - %v", task.ID, ErrClosed))
			o.fail(context.WithoutCancel(ctx), task)
		}
	}
	return out, nil
}

// advance drives one task to a terminal state. Errors and panics resolve the
// task to FAILED without affecting other tasks.
func (o *Orchestrator) advance(ctx context.Context, batch string, task *models.TaskRecord) {
	tasksInflight.Inc()
	defer tasksInflight.Dec()

	// writes that resolve the task must land after shutdown
	final := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("task advancement panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
			o.logs.Append(final, models.ModuleEngine, models.LevelError,
				fmt.Sprintf("Task %s: Sanitization failed - %v", task.ID, r))
			o.fail(final, task)
		}
	}()

	if err := o.run(ctx, batch, task); err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		o.log.Warn("task failed", zap.String("task_id", task.ID), zap.Error(err))
		o.logs.Append(final, models.ModuleEngine, models.LevelError,
			fmt.Sprintf("Task %s: Sanitization failed - %v", task.ID, err))
		o.fail(final, task)
	}
}

func (o *Orchestrator) run(ctx context.Context, batch string, task *models.TaskRecord) error {
	o.logs.Append(ctx, models.ModuleEngine, models.LevelInfo,
		fmt.Sprintf("Task %s: Initializing CDR pipeline for %q (%s)", task.ID, task.Filename, task.Type))

	start := time.Now()
	if _, err := o.transition(ctx, task, models.StatusUploading, func(r *models.TaskRecord) {
		r.Progress = progressUploading
	}); err != nil {
		return err
	}
	if err := wait(ctx, o.delays.Upload); err != nil {
		return err
	}
	stageDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())

	start = time.Now()
	if _, err := o.transition(ctx, task, models.StatusAnalyzing, func(r *models.TaskRecord) {
		r.Progress = progressAnalyzing
	}); err != nil {
		return err
	}
	result, err := o.analyze(ctx, task)
	if err != nil {
		return err
	}
	if _, err := o.transition(ctx, task, models.StatusSanitizing, func(r *models.TaskRecord) {
		r.ThreatAnalysis = result
		r.Progress = progressSanitizing
	}); err != nil {
		return err
	}
	stageDuration.WithLabelValues("analysis").Observe(time.Since(start).Seconds())

	start = time.Now()
	pipeline := Pipeline(task.Type)
	o.logs.Append(ctx, models.ModuleEngine, models.LevelInfo,
		fmt.Sprintf("Task %s: Starting reconstruction sequence: %s", task.ID, strings.Join(Labels(pipeline), ", ")))
	for i, step := range pipeline {
		if step.Err != nil {
			return fmt.Errorf("%s: %w", step.Label, step.Err)
		}
		if err := o.runStep(ctx, batch, task, StageContext{Label: step.Label, Index: i, Count: len(pipeline)}); err != nil {
			return fmt.Errorf("%s: %w", step.Label, err)
		}
		label := step.Label
		progress := StepProgress(i, len(pipeline))
		if _, err := o.transition(ctx, task, models.StatusSanitizing, func(r *models.TaskRecord) {
			r.PipelineSteps = append(r.PipelineSteps, label)
			r.Progress = progress
		}); err != nil {
			return err
		}
	}
	stageDuration.WithLabelValues("sanitize").Observe(time.Since(start).Seconds())

	output := ResultFilename(task.Filename, task.Type)
	o.logs.Append(ctx, models.ModuleEngine, models.LevelInfo,
		fmt.Sprintf("Task %s: File reconstruction successful. Generated %q", task.ID, output))
	_, err = o.transition(ctx, task, models.StatusCompleted, func(r *models.TaskRecord) {
		r.Progress = progressCompleted
		r.ResultFilename = output
	})
	return err
}

// runStep schedules one sanitization step on the worker pool and waits for it.
// Steps of one batch run in order; batches take turns on the pool.
func (o *Orchestrator) runStep(ctx context.Context, batch string, task *models.TaskRecord, stage StageContext) error {
	done := make(chan error, 1)
	snapshot := task.Clone()
	err := o.dispatcher.Submit(worker.Job{
		BatchKey: batch,
		Name:     task.ID + ":" + stage.Label,
		Fn: func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("%v", r)
				}
			}()
			done <- o.runner.Run(ctx, snapshot, stage)
		},
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) analyze(ctx context.Context, task *models.TaskRecord) (string, error) {
	if task.Type.KeepsContent() && task.HasContent() && task.OriginalSize < AnalysisSizeLimit {
		result := o.analyzer.Analyze(ctx, task.Filename, base64.StdEncoding.EncodeToString(task.Content), task.MimeType)
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return result, nil
	}
	if err := wait(ctx, o.delays.Analysis); err != nil {
		return "", err
	}
	return AnalysisSkipped, nil
}

func (o *Orchestrator) fail(ctx context.Context, task *models.TaskRecord) {
	if _, err := o.transition(ctx, task, models.StatusFailed, func(r *models.TaskRecord) {
		r.Progress = progressFailed
	}); err != nil {
		o.log.Error("could not resolve task to FAILED", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// transition moves the latest persisted snapshot of task to status `to`,
// applying mutate, and publishes the written record. Backward moves, moves out
// of a terminal state and progress regressions are rejected. task is kept in
// step with every written record and stands in for the persisted copy once the
// history cap has evicted it.
func (o *Orchestrator) transition(ctx context.Context, task *models.TaskRecord, to models.ProcessingStatus, mutate func(*models.TaskRecord)) (*models.TaskRecord, error) {
	var terr error
	rec := o.store.Update(ctx, task.ID, task, func(r *models.TaskRecord) {
		if err := models.CanTransition(r.Status, to); err != nil {
			terr = err
			return
		}
		next := r.Clone()
		next.Status = to
		if mutate != nil {
			mutate(next)
		}
		if to != models.StatusFailed && next.Progress < r.Progress {
			terr = fmt.Errorf("%w: progress %d -> %d", models.ErrInvalidTransition, r.Progress, next.Progress)
			return
		}
		*r = *next
	})
	if terr != nil {
		return nil, terr
	}
	content := task.Content
	*task = *rec.Clone()
	if !task.HasContent() {
		task.Content = content
	}
	transitionsTotal.WithLabelValues(string(to)).Inc()
	o.publish(rec)
	return rec, nil
}

// Subscribe registers an observer of task transitions. Delivery is best
// effort; slow observers miss events.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan Event, 64)
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) publish(rec *models.TaskRecord) {
	if rec == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- Event{Task: rec.Clone()}:
		default:
		}
	}
	if rec.Status.Terminal() {
		for _, w := range o.waiters[rec.ID] {
			w <- rec.Clone()
		}
		delete(o.waiters, rec.ID)
	}
}

// Await blocks until the task reaches a terminal state or ctx is done.
func (o *Orchestrator) Await(ctx context.Context, id string) (*models.TaskRecord, error) {
	w := make(chan *models.TaskRecord, 1)
	o.mu.Lock()
	o.waiters[id] = append(o.waiters[id], w)
	o.mu.Unlock()

	if rec, ok := o.store.Get(ctx, id); ok && rec.Status.Terminal() {
		o.dropWaiter(id, w)
		return o.withContent(rec), nil
	}
	select {
	case rec := <-w:
		return o.withContent(rec), nil
	case <-ctx.Done():
		o.dropWaiter(id, w)
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) dropWaiter(id string, w chan *models.TaskRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.waiters[id]
	for i, c := range list {
		if c == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(o.waiters, id)
	} else {
		o.waiters[id] = list
	}
}

// History returns the persisted tasks newest-first, with snapshots restored
// from the session cache where persistence dropped them.
func (o *Orchestrator) History(ctx context.Context) []*models.TaskRecord {
	history := o.store.Load(ctx)
	for i, rec := range history {
		history[i] = o.withContent(rec)
	}
	return history
}

func (o *Orchestrator) Task(ctx context.Context, id string) (*models.TaskRecord, error) {
	rec, ok := o.store.Get(ctx, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return o.withContent(rec), nil
}

func (o *Orchestrator) withContent(rec *models.TaskRecord) *models.TaskRecord {
	if rec == nil || rec.HasContent() || !rec.Type.KeepsContent() {
		return rec
	}
	if data, ok := o.content.Get(rec.ID); ok {
		contentCacheHits.Inc()
		rec.Content = append([]byte(nil), data...)
		return rec
	}
	contentCacheMisses.Inc()
	return rec
}

// ClearHistory removes every persisted task and cached snapshot.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	if err := o.store.Clear(ctx); err != nil {
		return err
	}
	o.content.Purge()
	o.logs.Append(ctx, models.ModuleSystem, models.LevelWarn, "User cleared local file processing history")
	return nil
}

// Download renders the artifact of a finished task and archives it when an
// archiver is configured.
func (o *Orchestrator) Download(ctx context.Context, id string) (artifact.Artifact, error) {
	rec, err := o.Task(ctx, id)
	if err != nil {
		return artifact.Artifact{}, err
	}
	if !rec.Status.Terminal() {
		return artifact.Artifact{}, fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, rec.Status)
	}

	o.logs.Append(ctx, models.ModuleAPI, models.LevelInfo,
		fmt.Sprintf("File download initiated for Task %s: %s", rec.ID, rec.ResultFilename))
	if rec.Type.KeepsContent() && !rec.HasContent() {
		o.logs.Append(ctx, models.ModuleAPI, models.LevelWarn,
			fmt.Sprintf("Task %s: Original content missing from storage. Generating metadata report only.", rec.ID))
	}

	art := o.render(rec)
	downloadsTotal.WithLabelValues(art.ContentType).Inc()

	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, rec.ID, art); err != nil {
			o.log.Warn("artifact archive failed", zap.String("task_id", rec.ID), zap.Error(err))
		}
	}
	return art, nil
}
