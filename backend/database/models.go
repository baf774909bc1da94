package database

import (
	"encoding/json"
	"time"

	"github.com/andi/fileconvert/backend/models"
)

// JobModel represents a conversion job row
type JobModel struct {
	ID               string     `gorm:"primaryKey;type:varchar(36)"`
	Owner            string     `gorm:"type:varchar(255);not null;index:idx_owner_created,priority:1"`
	OriginalFilename string     `gorm:"type:varchar(1024);not null"`
	SourceFormat     string     `gorm:"type:varchar(32);not null"`
	TargetFormat     string     `gorm:"type:varchar(32);not null"`
	EngineID         string     `gorm:"column:engine_id;type:varchar(64);not null"`
	Status           string     `gorm:"type:varchar(20);not null;default:'pending';index"`
	OutputFilename   string     `gorm:"type:varchar(1024)"`
	FailureReason    string     `gorm:"type:text"`
	Options          string     `gorm:"type:text"`
	CreatedAt        time.Time  `gorm:"index:idx_owner_created,priority:2"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

func (JobModel) TableName() string {
	return "jobs"
}

// ToJob converts JobModel to models.Job
func (m *JobModel) ToJob() *models.Job {
	job := &models.Job{
		ID:               m.ID,
		Owner:            m.Owner,
		OriginalFilename: m.OriginalFilename,
		SourceFormat:     m.SourceFormat,
		TargetFormat:     m.TargetFormat,
		EngineID:         m.EngineID,
		Status:           models.JobStatus(m.Status),
		OutputFilename:   m.OutputFilename,
		FailureReason:    m.FailureReason,
		CreatedAt:        m.CreatedAt.UTC(),
		StartedAt:        utcPtr(m.StartedAt),
		CompletedAt:      utcPtr(m.CompletedAt),
	}
	if m.Options != "" {
		job.Options = json.RawMessage(m.Options)
	}
	return job
}

// FromJob converts models.Job to JobModel
func FromJob(j *models.Job) *JobModel {
	return &JobModel{
		ID:               j.ID,
		Owner:            j.Owner,
		OriginalFilename: j.OriginalFilename,
		SourceFormat:     j.SourceFormat,
		TargetFormat:     j.TargetFormat,
		EngineID:         j.EngineID,
		Status:           string(j.Status),
		OutputFilename:   j.OutputFilename,
		FailureReason:    j.FailureReason,
		Options:          string(j.Options),
		CreatedAt:        j.CreatedAt.UTC(),
		StartedAt:        utcPtr(j.StartedAt),
		CompletedAt:      utcPtr(j.CompletedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
