package jobstore

import (
	"sort"
	"sync"

	"github.com/andi/fileconvert/backend/models"
)

// Memory is an in-process Store. Jobs do not survive a restart.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job)}
}

// Insert adds a new job
func (m *Memory) Insert(job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return ErrDuplicateID
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Get retrieves a job by ID
func (m *Memory) Get(id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// ListByOwner returns the owner's jobs, newest first with ties broken by id
func (m *Memory) ListByOwner(owner string) ([]*models.Job, error) {
	m.mu.RLock()
	jobs := make([]*models.Job, 0)
	for _, job := range m.jobs {
		if job.Owner == owner {
			jobs = append(jobs, job.Clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(jobs)
	return jobs, nil
}

// Update mutates a job atomically
func (m *Memory) Update(id string, mutate func(*models.Job) error) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	m.jobs[id] = next
	return next.Clone(), nil
}

// Delete removes a job
func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

// Len returns the number of stored jobs
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func sortNewestFirst(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
