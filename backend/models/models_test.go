package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestJobLifecycleCompleted(t *testing.T) {
	job := NewJob("job-1", "alice", "data.json", "json", "yaml", "dasel", nil)
	if job.Status != JobStatusPending {
		t.Fatalf("new job status = %s, want pending", job.Status)
	}

	now := time.Now()
	if err := job.MarkProcessing(now); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if job.StartedAt == nil {
		t.Error("StartedAt should be set on processing")
	}
	if job.CompletedAt != nil {
		t.Error("CompletedAt should not be set while processing")
	}

	if err := job.MarkCompleted("data.yaml", now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if job.Status != JobStatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.OutputFilename != "data.yaml" {
		t.Errorf("OutputFilename = %q, want data.yaml", job.OutputFilename)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt should be set on completion")
	}
}

func TestJobLifecycleFailed(t *testing.T) {
	job := NewJob("job-1", "alice", "a.png", "png", "jpg", "imagemagick", nil)
	if err := job.MarkProcessing(time.Now()); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := job.MarkFailed("tool not installed", time.Now()); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if job.FailureReason != "tool not installed" {
		t.Errorf("FailureReason = %q", job.FailureReason)
	}
	if job.OutputFilename != "" {
		t.Errorf("OutputFilename should be empty on failure, got %q", job.OutputFilename)
	}
}

func TestTerminalStatesNeverMove(t *testing.T) {
	for _, terminal := range []JobStatus{JobStatusCompleted, JobStatusFailed} {
		for _, to := range []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed} {
			if CanTransition(terminal, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", terminal, to)
			}
		}
	}

	job := NewJob("job-1", "alice", "a.png", "png", "jpg", "imagemagick", nil)
	_ = job.MarkProcessing(time.Now())
	_ = job.MarkCompleted("a.jpg", time.Now())

	err := job.MarkProcessing(time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkProcessing on completed job error = %v, want ErrInvalidTransition", err)
	}
	if job.Status != JobStatusCompleted {
		t.Errorf("status changed to %s after rejected transition", job.Status)
	}
}

func TestProcessingTwiceRejected(t *testing.T) {
	job := NewJob("job-1", "alice", "a.png", "png", "jpg", "imagemagick", nil)
	if err := job.MarkProcessing(time.Now()); err != nil {
		t.Fatalf("first MarkProcessing: %v", err)
	}
	if err := job.MarkProcessing(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second MarkProcessing error = %v, want ErrInvalidTransition", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	job := NewJob("job-1", "alice", "a.png", "png", "jpg", "imagemagick", json.RawMessage(`{"quality":90}`))
	_ = job.MarkProcessing(time.Now())

	c := job.Clone()
	c.Options[0] = '['
	*c.StartedAt = time.Time{}
	c.Status = JobStatusFailed

	if job.Options[0] != '{' {
		t.Error("Clone shares Options backing array")
	}
	if job.StartedAt.IsZero() {
		t.Error("Clone shares StartedAt pointer")
	}
	if job.Status != JobStatusProcessing {
		t.Error("Clone shares Status")
	}
}

func TestJobStatusHelpers(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
		valid    bool
	}{
		{JobStatusPending, false, true},
		{JobStatusProcessing, false, true},
		{JobStatusCompleted, true, true},
		{JobStatusFailed, true, true},
		{JobStatus("cancelled"), false, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.Valid(); got != tt.valid {
			t.Errorf("%s.Valid() = %v, want %v", tt.status, got, tt.valid)
		}
	}
}
