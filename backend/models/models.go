package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a conversion job
type JobStatus string

// JobStatus constants
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// ErrInvalidTransition is returned when a status change violates the job state machine
var ErrInvalidTransition = errors.New("invalid job status transition")

// Job represents a single conversion request
type Job struct {
	ID               string          `json:"id"`
	Owner            string          `json:"owner"`
	OriginalFilename string          `json:"original_filename"`
	SourceFormat     string          `json:"source_format"`
	TargetFormat     string          `json:"target_format"`
	EngineID         string          `json:"engine"`
	Status           JobStatus       `json:"status"`
	OutputFilename   string          `json:"output_filename,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	Options          json.RawMessage `json:"options,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// NewJob creates a pending job. The caller supplies the id.
func NewJob(id, owner, filename, sourceFormat, targetFormat, engineID string, options json.RawMessage) *Job {
	return &Job{
		ID:               id,
		Owner:            owner,
		OriginalFilename: filename,
		SourceFormat:     sourceFormat,
		TargetFormat:     targetFormat,
		EngineID:         engineID,
		Status:           JobStatusPending,
		Options:          options,
		CreatedAt:        time.Now().UTC(),
	}
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Options != nil {
		c.Options = append(json.RawMessage(nil), j.Options...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// MarkProcessing moves a pending job to processing
func (j *Job) MarkProcessing(now time.Time) error {
	if err := j.transition(JobStatusProcessing); err != nil {
		return err
	}
	j.StartedAt = &now
	return nil
}

// MarkCompleted moves a processing job to completed and records the output file
func (j *Job) MarkCompleted(outputFilename string, now time.Time) error {
	if err := j.transition(JobStatusCompleted); err != nil {
		return err
	}
	j.OutputFilename = outputFilename
	j.FailureReason = ""
	j.CompletedAt = &now
	return nil
}

// MarkFailed moves a pending or processing job to failed with a reason
func (j *Job) MarkFailed(reason string, now time.Time) error {
	if err := j.transition(JobStatusFailed); err != nil {
		return err
	}
	j.OutputFilename = ""
	j.FailureReason = reason
	j.CompletedAt = &now
	return nil
}

func (j *Job) transition(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

// CanTransition enforces the job state machine edges.
// A pending job may fail without processing when it can never be started.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// Suggestion is an alternative conversion offered when a request is unsupported
type Suggestion struct {
	Engine string `json:"engine"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// EngineInfo describes an engine for listing
type EngineInfo struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Description            string   `json:"description"`
	SupportedInputFormats  []string `json:"supported_input_formats"`
	SupportedOutputFormats []string `json:"supported_output_formats"`
}
