package conversion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andi/fileconvert/backend/converter"
	"github.com/andi/fileconvert/backend/dispatcher"
	"github.com/andi/fileconvert/backend/engine"
	"github.com/andi/fileconvert/backend/jobstore"
	"github.com/andi/fileconvert/backend/models"
)

type stubConverter func(ctx context.Context, req converter.Request) error

func (f stubConverter) Convert(ctx context.Context, req converter.Request) error {
	return f(ctx, req)
}

func succeed(ctx context.Context, req converter.Request) error {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, []byte("key: value\n"), 0644)
}

func setupService(t *testing.T, conv converter.Converter, maxFileSize int64) (*Service, *Layout) {
	dir := t.TempDir()
	layout := NewLayout(filepath.Join(dir, "uploads"), filepath.Join(dir, "output"))
	if err := layout.Ensure(); err != nil {
		t.Fatalf("Failed to create layout: %v", err)
	}

	store := jobstore.NewMemory()
	d := dispatcher.New(store, conv, layout)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(ctx)
	})

	return NewService(engine.NewDefaultRegistry(), store, d, layout, maxFileSize), layout
}

func waitTerminal(t *testing.T, svc *Service, id string) *models.Job {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetJob(id)
		if err != nil {
			t.Fatalf("Failed to get job: %v", err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func jsonUpload(owner string) CreateJobInput {
	return CreateJobInput{
		Owner:        owner,
		Filename:     "config.JSON",
		EngineID:     "dasel",
		TargetFormat: "YAML",
		Data:         strings.NewReader(`{"key":"value"}`),
	}
}

func TestCreateJobCompletes(t *testing.T) {
	svc, layout := setupService(t, stubConverter(succeed), 0)

	job, err := svc.CreateJob(context.Background(), jsonUpload("alice"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.SourceFormat != "json" || job.TargetFormat != "yaml" {
		t.Errorf("Expected normalized formats json->yaml, got %s->%s", job.SourceFormat, job.TargetFormat)
	}

	// Visible immediately, before dispatch finishes.
	if _, err := svc.GetJob(job.ID); err != nil {
		t.Fatalf("Job not visible after create: %v", err)
	}
	input := layout.InputPath(job.ID, "config.JSON")
	if data, err := os.ReadFile(input); err != nil || string(data) != `{"key":"value"}` {
		t.Errorf("Upload not stored at %s: %v", input, err)
	}

	done := waitTerminal(t, svc, job.ID)
	if done.Status != models.JobStatusCompleted || done.OutputFilename != "config.yaml" {
		t.Fatalf("Expected completed with config.yaml, got %s %q (%s)", done.Status, done.OutputFilename, done.FailureReason)
	}

	path, _, err := svc.OutputFile(job.ID, "alice")
	if err != nil {
		t.Fatalf("OutputFile failed: %v", err)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Unexpected output path %s", path)
	}
}

func TestCreateJobConverterFailure(t *testing.T) {
	svc, _ := setupService(t, stubConverter(func(ctx context.Context, req converter.Request) error {
		return errors.New("tool not installed")
	}), 0)

	job, err := svc.CreateJob(context.Background(), jsonUpload("alice"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	done := waitTerminal(t, svc, job.ID)
	if done.Status != models.JobStatusFailed || !strings.Contains(done.FailureReason, "tool not installed") {
		t.Errorf("Expected failure mentioning the tool, got %s %q", done.Status, done.FailureReason)
	}

	if _, _, err := svc.OutputFile(job.ID, "alice"); !errors.Is(err, ErrJobNotCompleted) {
		t.Errorf("Expected ErrJobNotCompleted, got %v", err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	svc, layout := setupService(t, stubConverter(succeed), 16)

	tests := []struct {
		name  string
		input CreateJobInput
		check func(error) bool
	}{
		{
			name:  "unknown engine",
			input: CreateJobInput{Owner: "alice", Filename: "a.json", EngineID: "nope", TargetFormat: "yaml", Data: strings.NewReader("{}")},
			check: func(err error) bool { var e *engine.EngineNotFoundError; return errors.As(err, &e) },
		},
		{
			name:  "unsupported conversion",
			input: CreateJobInput{Owner: "alice", Filename: "a.pdf", EngineID: "ffmpeg", TargetFormat: "mp4", Data: strings.NewReader("x")},
			check: func(err error) bool { var e *engine.UnsupportedConversionError; return errors.As(err, &e) },
		},
		{
			name:  "no extension",
			input: CreateJobInput{Owner: "alice", Filename: "README", EngineID: "pandoc", TargetFormat: "html", Data: strings.NewReader("x")},
			check: func(err error) bool { return errors.Is(err, ErrInvalidFile) },
		},
		{
			name:  "declared too large",
			input: CreateJobInput{Owner: "alice", Filename: "a.json", EngineID: "dasel", TargetFormat: "yaml", Data: strings.NewReader("{}"), Size: 17},
			check: func(err error) bool { return errors.Is(err, ErrFileTooLarge) },
		},
		{
			name:  "streamed too large",
			input: CreateJobInput{Owner: "alice", Filename: "a.json", EngineID: "dasel", TargetFormat: "yaml", Data: bytes.NewReader(make([]byte, 64))},
			check: func(err error) bool { return errors.Is(err, ErrFileTooLarge) },
		},
		{
			name:  "bad options",
			input: CreateJobInput{Owner: "alice", Filename: "a.json", EngineID: "dasel", TargetFormat: "yaml", Data: strings.NewReader("{}"), Options: json.RawMessage(`[1,2]`)},
			check: func(err error) bool { return errors.Is(err, ErrInvalidRequest) },
		},
		{
			name:  "missing owner",
			input: CreateJobInput{Filename: "a.json", EngineID: "dasel", TargetFormat: "yaml", Data: strings.NewReader("{}")},
			check: func(err error) bool { return errors.Is(err, ErrInvalidRequest) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := svc.CreateJob(context.Background(), tt.input)
			if err == nil || !tt.check(err) {
				t.Fatalf("Unexpected error: %v", err)
			}
			if job != nil {
				t.Errorf("Expected no job, got %+v", job)
			}
		})
	}

	jobs, _ := svc.ListJobs("alice")
	if len(jobs) != 0 {
		t.Errorf("Rejected requests created %d jobs", len(jobs))
	}
	entries, _ := os.ReadDir(layout.UploadDir)
	if len(entries) != 0 {
		t.Errorf("Rejected requests left %d upload directories", len(entries))
	}
}

func TestFilenameIsSanitized(t *testing.T) {
	svc, layout := setupService(t, stubConverter(succeed), 0)

	in := jsonUpload("alice")
	in.Filename = "../../etc/config.json"
	job, err := svc.CreateJob(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.OriginalFilename != "config.json" {
		t.Errorf("Expected sanitized filename, got %q", job.OriginalFilename)
	}
	if _, err := os.Stat(layout.InputPath(job.ID, "config.json")); err != nil {
		t.Errorf("Upload not inside the job directory: %v", err)
	}
}

func TestOwnerIsolation(t *testing.T) {
	svc, _ := setupService(t, stubConverter(succeed), 0)

	var wg sync.WaitGroup
	ids := make(map[string][]string)
	var mu sync.Mutex
	for _, owner := range []string{"alice", "bob"} {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				job, err := svc.CreateJob(context.Background(), jsonUpload(owner))
				if err != nil {
					t.Errorf("CreateJob failed: %v", err)
					return
				}
				mu.Lock()
				ids[owner] = append(ids[owner], job.ID)
				mu.Unlock()
			}(owner)
		}
	}
	wg.Wait()

	for _, owner := range []string{"alice", "bob"} {
		jobs, err := svc.ListJobs(owner)
		if err != nil {
			t.Fatalf("ListJobs failed: %v", err)
		}
		if len(jobs) != 5 {
			t.Errorf("%s: expected 5 jobs, got %d", owner, len(jobs))
		}
		for _, j := range jobs {
			if j.Owner != owner {
				t.Errorf("%s sees job of %s", owner, j.Owner)
			}
		}
	}

	other := ids["bob"][0]
	if _, err := svc.GetJobForOwner(other, "alice"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if err := svc.DeleteJob(context.Background(), other, "alice"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden on delete, got %v", err)
	}
	if _, _, err := svc.OutputFile(other, "alice"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden on download, got %v", err)
	}
}

func TestDeleteJob(t *testing.T) {
	svc, layout := setupService(t, stubConverter(succeed), 0)

	job, err := svc.CreateJob(context.Background(), jsonUpload("alice"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	waitTerminal(t, svc, job.ID)

	if err := svc.DeleteJob(context.Background(), job.ID, "alice"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := svc.GetJob(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound after delete, got %v", err)
	}
	for _, dir := range []string{filepath.Join(layout.UploadDir, job.ID), filepath.Join(layout.OutputDir, job.ID)} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("Expected %s removed, got %v", dir, err)
		}
	}
	if err := svc.DeleteJob(context.Background(), job.ID, "alice"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound on second delete, got %v", err)
	}
}

func TestDeleteCancelsRunningConversion(t *testing.T) {
	started := make(chan struct{})
	svc, _ := setupService(t, stubConverter(func(ctx context.Context, req converter.Request) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), 0)

	job, err := svc.CreateJob(context.Background(), jsonUpload("alice"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	<-started

	if err := svc.DeleteJob(context.Background(), job.ID, "alice"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := svc.GetJob(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected job gone, got %v", err)
	}
}

func TestOutputMissing(t *testing.T) {
	svc, layout := setupService(t, stubConverter(succeed), 0)

	job, _ := svc.CreateJob(context.Background(), jsonUpload("alice"))
	waitTerminal(t, svc, job.ID)
	os.RemoveAll(filepath.Join(layout.OutputDir, job.ID))

	if _, _, err := svc.OutputFile(job.ID, "alice"); !errors.Is(err, ErrOutputMissing) {
		t.Errorf("Expected ErrOutputMissing, got %v", err)
	}
}

func TestOutputFilename(t *testing.T) {
	tests := []struct{ in, target, want string }{
		{"photo.png", "jpg", "photo.jpg"},
		{"archive.tar.gz", "zip", "archive.tar.zip"},
		{"noext", "md", "noext.md"},
	}
	for _, tt := range tests {
		if got := OutputFilename(tt.in, tt.target); got != tt.want {
			t.Errorf("OutputFilename(%q, %q) = %q, want %q", tt.in, tt.target, got, tt.want)
		}
	}
}

func ExampleService_Suggest() {
	svc := NewService(engine.NewDefaultRegistry(), jobstore.NewMemory(), nil, NewLayout("", ""), 0)
	for _, s := range svc.Suggest("svg", "png") {
		fmt.Println(s.Engine)
	}
	// Output:
	// imagemagick
	// inkscape
	// resvg
}

type argvRunner struct {
	mu   sync.Mutex
	argv []string
}

func (r *argvRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.mu.Lock()
	r.argv = append([]string{name}, args...)
	r.mu.Unlock()
	return nil, nil, os.WriteFile(args[len(args)-1], []byte("audio"), 0644)
}

func TestCreateJobOptionsNeverReachCommand(t *testing.T) {
	runner := &argvRunner{}
	conv := converter.NewCommand(engine.NewDefaultRegistry()).WithRunner(runner)
	svc, layout := setupService(t, conv, DefaultMaxFileSize)

	job, err := svc.CreateJob(context.Background(), CreateJobInput{
		Owner:        "alice",
		Filename:     "clip.mp4",
		EngineID:     "ffmpeg",
		TargetFormat: "mp3",
		Options:      json.RawMessage(`{"extra_args":["-i","/etc/passwd","-map","1","/tmp/elsewhere"]}`),
		Data:         strings.NewReader("video"),
		Size:         5,
	})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	done := waitTerminal(t, svc, job.ID)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", done.Status, done.FailureReason)
	}

	want := []string{
		"ffmpeg", "-i", layout.InputPath(job.ID, "clip.mp4"), "-y",
		layout.OutputPath(job.ID, "clip.mp4", "mp3"),
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if fmt.Sprint(runner.argv) != fmt.Sprint(want) {
		t.Errorf("Expected argv %v, got %v", want, runner.argv)
	}
	if string(done.Options) == "" {
		t.Error("Options should still be recorded on the job")
	}
}

func TestEnginesForInput(t *testing.T) {
	svc, _ := setupService(t, stubConverter(succeed), DefaultMaxFileSize)

	engines, err := svc.EnginesForInput("json")
	if err != nil {
		t.Fatalf("Failed to list engines: %v", err)
	}
	if len(engines) == 0 || engines[0].ID == "" {
		t.Errorf("Expected engines for json, got %+v", engines)
	}

	if _, err := svc.EnginesForInput("nope"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Expected ErrUnknownFormat, got %v", err)
	}
}
