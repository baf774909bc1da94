package dispatcher

import (
	"context"
	"errors"
	"log"
	"sync"
)

// errPoolClosed is returned by Acquire after Close
var errPoolClosed = errors.New("worker pool is closed")

// Worker is one conversion slot
type Worker struct {
	id         int
	mu         sync.Mutex
	currentJob string
}

// ID returns the worker number
func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) setJob(jobID string) {
	w.mu.Lock()
	w.currentJob = jobID
	w.mu.Unlock()
}

// CurrentJob returns the job being converted, if any
func (w *Worker) CurrentJob() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJob
}

// WorkerStatus represents the status of a worker
type WorkerStatus struct {
	ID         int    `json:"id"`
	Busy       bool   `json:"busy"`
	CurrentJob string `json:"current_job,omitempty"`
}

// WorkerPool bounds how many conversions run at once
type WorkerPool struct {
	workers   []*Worker
	available chan *Worker
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
}

// NewWorkerPool creates a pool of size workers
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 2
	}

	pool := &WorkerPool{
		workers:   make([]*Worker, size),
		available: make(chan *Worker, size),
		done:      make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		w := &Worker{id: i + 1}
		pool.workers[i] = w
		pool.available <- w
	}
	return pool
}

// Acquire blocks until a worker is free, ctx is done or the pool closes
func (p *WorkerPool) Acquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	p.mu.Unlock()

	select {
	case w := <-p.available:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, errPoolClosed
	}
}

// Release returns a worker to the pool
func (p *WorkerPool) Release(w *Worker) {
	w.setJob("")
	p.available <- w
}

// Size returns the total number of workers
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// BusyCount returns the number of workers holding a job slot
func (p *WorkerPool) BusyCount() int {
	return p.Size() - len(p.available)
}

// Status returns a snapshot of every worker
func (p *WorkerPool) Status() []WorkerStatus {
	statuses := make([]WorkerStatus, len(p.workers))
	for i, w := range p.workers {
		job := w.CurrentJob()
		statuses[i] = WorkerStatus{ID: w.id, Busy: job != "", CurrentJob: job}
	}
	return statuses
}

// Close wakes every waiter; workers already handed out are still released normally
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	log.Println("[Dispatcher] worker pool closed")
}
