package jobstore

import (
	"errors"

	"github.com/andi/fileconvert/backend/models"
)

var (
	// ErrNotFound is returned when no job has the requested id
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateID is returned when inserting a job whose id already exists
	ErrDuplicateID = errors.New("job id already exists")
)

// Store is the shared job collection used by request handlers and the dispatcher.
// Every job returned is a copy; mutating it does not affect the store.
type Store interface {
	Insert(job *models.Job) error
	Get(id string) (*models.Job, error)
	// ListByOwner returns the owner's jobs, newest first
	ListByOwner(owner string) ([]*models.Job, error)
	// Update applies mutate to a copy of the job and commits it only when mutate returns nil
	Update(id string, mutate func(*models.Job) error) (*models.Job, error)
	Delete(id string) error
}
