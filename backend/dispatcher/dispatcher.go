package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/andi/fileconvert/backend/converter"
	"github.com/andi/fileconvert/backend/jobstore"
	"github.com/andi/fileconvert/backend/models"
)

// Failure reasons recorded on jobs by the dispatcher
const (
	ReasonStopped       = "dispatcher stopped"
	ReasonCancelled     = "conversion cancelled"
	ReasonInternal      = "internal error during conversion"
	ReasonMissingOutput = "output file was not created"
)

// DefaultTimeout bounds a single converter invocation
const DefaultTimeout = 10 * time.Minute

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("dispatcher stopped")

// Layout resolves where a job's files live
type Layout interface {
	InputPath(jobID, filename string) string
	OutputPath(jobID, filename, targetFormat string) string
}

// Notifier is told about every committed job transition
type Notifier interface {
	JobUpdated(job models.Job)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(job models.Job)

// JobUpdated calls f(job)
func (f NotifierFunc) JobUpdated(job models.Job) {
	f(job)
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMaxRunning sets how many conversions may run at once
func WithMaxRunning(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxRunning = n
		}
	}
}

// WithTimeout sets the per-invocation timeout
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithNotifier registers a transition observer
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) {
		d.notifier = n
	}
}

type runningJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher runs each submitted job exactly once in its own goroutine
type Dispatcher struct {
	store      jobstore.Store
	converter  converter.Converter
	layout     Layout
	notifier   Notifier
	pool       *WorkerPool
	maxRunning int
	timeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	running map[string]*runningJob
}

// Stats describes dispatcher load
type Stats struct {
	Running    int            `json:"running"`
	Waiting    int            `json:"waiting"`
	MaxRunning int            `json:"max_running"`
	Timeout    string         `json:"timeout"`
	Workers    []WorkerStatus `json:"workers"`
}

// New creates a dispatcher
func New(store jobstore.Store, conv converter.Converter, layout Layout, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:      store,
		converter:  conv,
		layout:     layout,
		maxRunning: 2,
		timeout:    DefaultTimeout,
		ctx:        ctx,
		cancel:     cancel,
		running:    make(map[string]*runningJob),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = NewWorkerPool(d.maxRunning)

	log.Printf("[Dispatcher] started with max %d concurrent conversions, timeout %v", d.maxRunning, d.timeout)
	return d
}

// Submit schedules a pending job and returns immediately
func (d *Dispatcher) Submit(jobID string) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		log.Printf("[Dispatcher] refusing job %s: dispatcher stopped", jobID)
		d.commit(jobID, func(j *models.Job) error {
			return j.MarkFailed(ReasonStopped, time.Now().UTC())
		})
		return ErrStopped
	}
	if _, exists := d.running[jobID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("job %s already submitted", jobID)
	}

	ctx, cancel := context.WithCancel(d.ctx)
	rj := &runningJob{cancel: cancel, done: make(chan struct{})}
	d.running[jobID] = rj
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(ctx, rj, jobID)
	return nil
}

// Cancel stops a submitted job and waits for its goroutine to exit or ctx to end.
// Unknown or finished jobs are a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	rj, exists := d.running[jobID]
	d.mu.Unlock()
	if !exists {
		return nil
	}

	log.Printf("[Dispatcher] cancelling job %s", jobID)
	rj.cancel()

	select {
	case <-rj.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, cancels in-flight conversions and waits for them
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	log.Println("[Dispatcher] stopping...")
	d.cancel()
	d.pool.Close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[Dispatcher] stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Stats returns a snapshot of dispatcher load
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	submitted := len(d.running)
	d.mu.Unlock()

	busy := d.pool.BusyCount()
	waiting := submitted - busy
	if waiting < 0 {
		waiting = 0
	}
	return Stats{
		Running:    busy,
		Waiting:    waiting,
		MaxRunning: d.maxRunning,
		Timeout:    d.timeout.String(),
		Workers:    d.pool.Status(),
	}
}

func (d *Dispatcher) run(ctx context.Context, rj *runningJob, jobID string) {
	defer d.wg.Done()
	defer func() {
		rj.cancel()
		d.mu.Lock()
		delete(d.running, jobID)
		d.mu.Unlock()
		close(rj.done)
	}()

	worker, err := d.pool.Acquire(ctx)
	if err != nil {
		reason := ReasonCancelled
		if errors.Is(err, errPoolClosed) || d.isStopped() {
			reason = ReasonStopped
		}
		d.commit(jobID, func(j *models.Job) error {
			return j.MarkFailed(reason, time.Now().UTC())
		})
		return
	}
	defer d.pool.Release(worker)

	job, err := d.store.Update(jobID, func(j *models.Job) error {
		return j.MarkProcessing(time.Now().UTC())
	})
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Printf("[Dispatcher] job %s was deleted before it started", jobID)
		return
	}
	if err != nil {
		log.Printf("[Dispatcher] job %s cannot start: %v", jobID, err)
		return
	}
	d.notify(job)
	worker.setJob(jobID)
	log.Printf("[Dispatcher] worker-%d converting job %s (%s: %s -> %s)", worker.ID(), jobID, job.EngineID, job.SourceFormat, job.TargetFormat)

	outputFilename, reason := "", ReasonInternal
	defer func() {
		d.commit(jobID, func(j *models.Job) error {
			if reason != "" {
				return j.MarkFailed(reason, time.Now().UTC())
			}
			return j.MarkCompleted(outputFilename, time.Now().UTC())
		})
	}()

	outputFilename, reason = d.execute(ctx, job)
}

// execute runs the converter and reports the output filename or a failure reason
func (d *Dispatcher) execute(ctx context.Context, job *models.Job) (outputFilename, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Dispatcher] panic converting job %s: %v\n%s", job.ID, r, debug.Stack())
			outputFilename, reason = "", ReasonInternal
		}
	}()

	outputPath := d.layout.OutputPath(job.ID, job.OriginalFilename, job.TargetFormat)
	req := converter.Request{
		EngineID:     job.EngineID,
		InputPath:    d.layout.InputPath(job.ID, job.OriginalFilename),
		OutputPath:   outputPath,
		SourceFormat: job.SourceFormat,
		TargetFormat: job.TargetFormat,
		Options:      job.Options,
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	if err := d.converter.Convert(runCtx, req); err != nil {
		switch {
		case ctx.Err() != nil && d.isStopped():
			return "", ReasonStopped
		case ctx.Err() != nil:
			return "", ReasonCancelled
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return "", fmt.Sprintf("conversion timed out after %v", d.timeout)
		default:
			log.Printf("[Dispatcher] job %s failed: %v", job.ID, err)
			return "", "conversion failed: " + err.Error()
		}
	}

	if _, err := os.Stat(outputPath); err != nil {
		log.Printf("[Dispatcher] job %s: converter reported success but %s is missing", job.ID, outputPath)
		return "", ReasonMissingOutput
	}

	log.Printf("[Dispatcher] job %s completed in %v", job.ID, time.Since(start).Round(time.Millisecond))
	return filepath.Base(outputPath), ""
}

// commit applies a transition; a job deleted meanwhile is silently dropped
func (d *Dispatcher) commit(jobID string, mutate func(*models.Job) error) {
	job, err := d.store.Update(jobID, mutate)
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Printf("[Dispatcher] job %s was deleted, dropping result", jobID)
		return
	}
	if err != nil {
		log.Printf("[Dispatcher] failed to update job %s: %v", jobID, err)
		return
	}
	d.notify(job)
}

func (d *Dispatcher) notify(job *models.Job) {
	if d.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Dispatcher] notifier panic for job %s: %v", job.ID, r)
		}
	}()
	d.notifier.JobUpdated(*job.Clone())
}
