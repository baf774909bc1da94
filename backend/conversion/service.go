package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andi/fileconvert/backend/engine"
	"github.com/andi/fileconvert/backend/jobstore"
	"github.com/andi/fileconvert/backend/models"
	"github.com/google/uuid"
)

// DefaultMaxFileSize is the upload limit when none is configured
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrForbidden       = errors.New("job belongs to another user")
	ErrInvalidFile     = errors.New("invalid file")
	ErrFileTooLarge    = errors.New("file too large")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrJobNotCompleted = errors.New("job is not completed")
	ErrOutputMissing   = errors.New("output file not found")
	ErrUnknownFormat   = errors.New("no engine accepts this input format")
)

// Dispatcher runs jobs in the background
type Dispatcher interface {
	Submit(jobID string) error
	Cancel(ctx context.Context, jobID string) error
}

// CreateJobInput is one conversion request
type CreateJobInput struct {
	Owner        string
	Filename     string
	EngineID     string
	TargetFormat string
	Options      json.RawMessage
	Data         io.Reader
	// Size is the declared length of Data; zero when unknown
	Size int64
}

// Service exposes the conversion operations used by the transport
type Service struct {
	registry    *engine.Registry
	store       jobstore.Store
	dispatcher  Dispatcher
	layout      *Layout
	maxFileSize int64
}

// NewService creates a conversion service
func NewService(registry *engine.Registry, store jobstore.Store, dispatcher Dispatcher, layout *Layout, maxFileSize int64) *Service {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Service{
		registry:    registry,
		store:       store,
		dispatcher:  dispatcher,
		layout:      layout,
		maxFileSize: maxFileSize,
	}
}

// MaxFileSize returns the upload limit in bytes
func (s *Service) MaxFileSize() int64 {
	return s.maxFileSize
}

// CreateJob validates a request, stores the upload, records a pending job and
// hands it to the dispatcher. It never waits for the conversion.
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	if strings.TrimSpace(in.Owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}

	filename := sanitizeFilename(in.Filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: missing filename", ErrInvalidFile)
	}
	sourceFormat := engine.Normalize(filepath.Ext(filename))
	if sourceFormat == "" {
		return nil, fmt.Errorf("%w: cannot determine file format of %s", ErrInvalidFile, filename)
	}
	targetFormat := engine.Normalize(in.TargetFormat)
	if targetFormat == "" {
		return nil, fmt.Errorf("%w: target_format is required", ErrInvalidRequest)
	}

	if err := s.registry.Validate(in.EngineID, sourceFormat, targetFormat); err != nil {
		return nil, err
	}

	options, err := normalizeOptions(in.Options)
	if err != nil {
		return nil, err
	}

	if in.Size > s.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, in.Size, s.maxFileSize)
	}
	if in.Data == nil {
		return nil, fmt.Errorf("%w: no file content", ErrInvalidFile)
	}

	id := uuid.New().String()
	if err := s.writeInput(id, filename, in.Data); err != nil {
		s.layout.RemoveJob(id)
		return nil, err
	}

	job := models.NewJob(id, in.Owner, filename, sourceFormat, targetFormat, in.EngineID, options)
	if err := s.store.Insert(job); err != nil {
		s.layout.RemoveJob(id)
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	log.Printf("[Conversion] job %s created: %s %s -> %s via %s for %s", id, filename, sourceFormat, targetFormat, in.EngineID, in.Owner)

	if err := s.dispatcher.Submit(id); err != nil {
		log.Printf("[Conversion] job %s not dispatched: %v", id, err)
		if current, getErr := s.store.Get(id); getErr == nil {
			return current, nil
		}
	}
	return job, nil
}

func (s *Service) writeInput(id, filename string, data io.Reader) error {
	path := s.layout.InputPath(id, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(data, s.maxFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to write upload file: %w", err)
	}
	if n > s.maxFileSize {
		return fmt.Errorf("%w: exceeds limit of %d bytes", ErrFileTooLarge, s.maxFileSize)
	}
	return nil
}

// GetJob returns a job regardless of owner
func (s *Service) GetJob(id string) (*models.Job, error) {
	job, err := s.store.Get(id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobForOwner returns a job only to its owner
func (s *Service) GetJobForOwner(id, owner string) (*models.Job, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, ErrForbidden
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first
func (s *Service) ListJobs(owner string) ([]*models.Job, error) {
	return s.store.ListByOwner(owner)
}

// DeleteJob cancels any running conversion, removes the job's files and forgets it
func (s *Service) DeleteJob(ctx context.Context, id, owner string) error {
	if _, err := s.GetJobForOwner(id, owner); err != nil {
		return err
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.dispatcher.Cancel(cancelCtx, id); err != nil {
		log.Printf("[Conversion] job %s still running after cancel: %v", id, err)
	}

	if err := s.layout.RemoveJob(id); err != nil {
		log.Printf("[Conversion] failed to remove files of job %s: %v", id, err)
	}

	if err := s.store.Delete(id); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	log.Printf("[Conversion] job %s deleted", id)
	return nil
}

// OutputFile returns the path of a completed job's output
func (s *Service) OutputFile(id, owner string) (string, *models.Job, error) {
	job, err := s.GetJobForOwner(id, owner)
	if err != nil {
		return "", nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return "", job, ErrJobNotCompleted
	}

	path := filepath.Join(s.layout.OutputDir, job.ID, job.OutputFilename)
	if _, err := os.Stat(path); err != nil {
		return "", job, ErrOutputMissing
	}
	return path, job, nil
}

// Validate checks a conversion without creating a job
func (s *Service) Validate(engineID, from, to string) error {
	return s.registry.Validate(engineID, from, to)
}

// Suggest lists alternatives for a conversion
func (s *Service) Suggest(from, to string) []models.Suggestion {
	return s.registry.Suggest(from, to)
}

// Engines lists all engines
func (s *Service) Engines() []models.EngineInfo {
	return s.registry.ListInfo()
}

// EnginesForInput lists the engines able to read format
func (s *Service) EnginesForInput(format string) ([]models.EngineInfo, error) {
	if !s.registry.HasInputFormat(format) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, engine.Normalize(format))
	}
	engines := s.registry.EnginesForInput(format)
	infos := make([]models.EngineInfo, len(engines))
	for i, e := range engines {
		infos[i] = e.Info()
	}
	return infos, nil
}

// Engine returns one engine
func (s *Service) Engine(id string) (*engine.Engine, error) {
	e, ok := s.registry.Get(id)
	if !ok {
		return nil, &engine.EngineNotFoundError{EngineID: id}
	}
	return e, nil
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// normalizeOptions accepts nothing or a JSON object, stored as given
func normalizeOptions(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("%w: options must be a JSON object", ErrInvalidRequest)
	}
	return json.RawMessage(trimmed), nil
}
