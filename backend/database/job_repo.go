package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/andi/fileconvert/backend/jobstore"
	"github.com/andi/fileconvert/backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InterruptedReason is recorded on jobs that were in flight when the process stopped
const InterruptedReason = "conversion interrupted by server restart"

// JobRepo is a durable jobstore.Store
type JobRepo struct {
	db *DB
}

var _ jobstore.Store = (*JobRepo)(nil)

// NewJobRepo creates a new job repository
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Insert creates a new job
func (r *JobRepo) Insert(job *models.Job) error {
	return r.db.conn.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&JobModel{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return jobstore.ErrDuplicateID
		}
		return tx.Create(FromJob(job)).Error
	})
}

// Get retrieves a job by ID
func (r *JobRepo) Get(id string) (*models.Job, error) {
	var model JobModel
	if err := r.db.conn.Where("id = ?", id).First(&model).Error; err != nil {
		return nil, translate(err)
	}
	return model.ToJob(), nil
}

// ListByOwner retrieves the owner's jobs, newest first
func (r *JobRepo) ListByOwner(owner string) ([]*models.Job, error) {
	var modelList []JobModel
	err := r.db.conn.Where("owner = ?", owner).
		Order("created_at DESC").
		Order("id ASC").
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, len(modelList))
	for i := range modelList {
		jobs[i] = modelList[i].ToJob()
	}
	return jobs, nil
}

// Update loads a job, applies mutate and saves it in one transaction
func (r *JobRepo) Update(id string, mutate func(*models.Job) error) (*models.Job, error) {
	var updated *models.Job
	err := r.db.conn.Transaction(func(tx *gorm.DB) error {
		query := tx
		if r.db.driver == DriverMySQL {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var model JobModel
		if err := query.Where("id = ?", id).First(&model).Error; err != nil {
			return translate(err)
		}

		job := model.ToJob()
		if err := mutate(job); err != nil {
			return err
		}
		job.ID = id

		if err := tx.Save(FromJob(job)).Error; err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete deletes a job
func (r *JobRepo) Delete(id string) error {
	result := r.db.conn.Delete(&JobModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

// FailInterrupted marks every non-terminal job as failed. A job is dispatched at
// most once, so work left behind by a previous process can never resume.
func (r *JobRepo) FailInterrupted() (int, error) {
	var modelList []JobModel
	err := r.db.conn.Where("status IN ?", []string{
		string(models.JobStatusPending),
		string(models.JobStatusProcessing),
	}).Find(&modelList).Error
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range modelList {
		_, err := r.Update(m.ID, func(job *models.Job) error {
			return job.MarkFailed(InterruptedReason, time.Now().UTC())
		})
		if errors.Is(err, jobstore.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return count, fmt.Errorf("failed to mark job %s interrupted: %w", m.ID, err)
		}
		count++
	}
	return count, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jobstore.ErrNotFound
	}
	return err
}
