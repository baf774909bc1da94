package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/andi/fileconvert/backend/engine"
)

// maxStderr caps how much tool output is carried in an error
const maxStderr = 4 << 10

// Request describes one conversion invocation
type Request struct {
	EngineID     string
	InputPath    string
	OutputPath   string
	SourceFormat string
	TargetFormat string
	// Options are carried for the record and never reach the command line
	Options json.RawMessage
}

// Converter turns an input file into an output file
type Converter interface {
	Convert(ctx context.Context, req Request) error
}

// Runner executes an external program; tests replace it
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// CommandError describes a failed external program
type CommandError struct {
	Program  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		return fmt.Sprintf("%s timed out", e.Program)
	case errors.Is(e.Err, context.Canceled):
		return fmt.Sprintf("%s was cancelled", e.Program)
	case e.ExitCode < 0:
		return fmt.Sprintf("failed to start %s: %v", e.Program, e.Err)
	case e.Stderr != "":
		return fmt.Sprintf("%s exited with code %d: %s", e.Program, e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("%s exited with code %d", e.Program, e.ExitCode)
	}
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Command runs the external program configured for an engine
type Command struct {
	registry *engine.Registry
	runner   Runner
}

var _ Converter = (*Command)(nil)

// NewCommand creates a command adapter backed by the registry's engine table
func NewCommand(registry *engine.Registry) *Command {
	return &Command{registry: registry, runner: execRunner{}}
}

// WithRunner replaces the process runner
func (c *Command) WithRunner(r Runner) *Command {
	c.runner = r
	return c
}

// Convert resolves the engine command, runs it and reports failures with the tool's stderr.
// The caller bounds the run through ctx.
func (c *Command) Convert(ctx context.Context, req Request) error {
	eng, ok := c.registry.Get(req.EngineID)
	if !ok {
		return &engine.EngineNotFoundError{EngineID: req.EngineID}
	}

	vars := engine.GetVariables(req.InputPath, req.OutputPath, req.SourceFormat, req.TargetFormat)
	argv, err := eng.BuildCommand(vars)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	log.Printf("[Converter] %s: %s", req.EngineID, strings.Join(argv, " "))

	stdout, stderr, err := c.runner.Run(ctx, argv[0], argv[1:]...)
	if err == nil {
		return nil
	}

	cmdErr := &CommandError{
		Program:  argv[0],
		Args:     argv[1:],
		ExitCode: -1,
		Stderr:   summarize(stderr, stdout),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		cmdErr.Err = ctxErr
	}
	return cmdErr
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		log.Printf("[Converter] %s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// summarize prefers stderr and falls back to stdout, trimmed and capped
func summarize(stderr, stdout []byte) string {
	out := strings.TrimSpace(string(stderr))
	if out == "" {
		out = strings.TrimSpace(string(stdout))
	}
	if len(out) > maxStderr {
		out = out[len(out)-maxStderr:]
	}
	return out
}
