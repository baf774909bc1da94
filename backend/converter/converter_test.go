package converter

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/andi/fileconvert/backend/engine"
)

const testTable = `
engines:
  - id: copy
    name: Copy
    command: ["cp", "${{ input_path }}", "${{ output_path }}"]
    conversions:
      txt: [md]
  - id: broken
    name: Broken
    command: ["sh", "-c", "echo 'malformed input' >&2; exit 3"]
    conversions:
      txt: [md]
  - id: missing
    name: Missing
    command: ["fileconvert-no-such-tool", "${{ input_path }}"]
    conversions:
      txt: [md]
  - id: slow
    name: Slow
    command: ["sleep", "10"]
    conversions:
      txt: [md]
  - id: args
    name: Args
    command: ["tool", "${{ input_path }}", "-o", "${{ output_path }}"]
    conversions:
      txt: [md]
`

func setupTest(t *testing.T) (*Command, string, string) {
	registry, err := engine.NewRegistryFromYAML(testTable)
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	dir := t.TempDir()
	input := filepath.Join(dir, "in", "notes.txt")
	if err := os.MkdirAll(filepath.Dir(input), 0755); err != nil {
		t.Fatalf("Failed to create input dir: %v", err)
	}
	if err := os.WriteFile(input, []byte("hello"), 0644); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}
	output := filepath.Join(dir, "out", "job", "notes.md")

	return NewCommand(registry), input, output
}

func request(engineID, input, output string) Request {
	return Request{
		EngineID:     engineID,
		InputPath:    input,
		OutputPath:   output,
		SourceFormat: "txt",
		TargetFormat: "md",
	}
}

func TestConvertSuccess(t *testing.T) {
	conv, input, output := setupTest(t)

	if err := conv.Convert(context.Background(), request("copy", input, output)); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("Output not created: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected output 'hello', got %q", data)
	}
}

func TestConvertNonZeroExitCarriesStderr(t *testing.T) {
	conv, input, output := setupTest(t)

	err := conv.Convert(context.Background(), request("broken", input, output))
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", cmdErr.ExitCode)
	}
	if !strings.Contains(err.Error(), "malformed input") {
		t.Errorf("Expected stderr in error, got %q", err.Error())
	}
}

func TestConvertMissingTool(t *testing.T) {
	conv, input, output := setupTest(t)

	err := conv.Convert(context.Background(), request("missing", input, output))
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("Expected exec.ErrNotFound, got %v", cmdErr.Err)
	}
	if !strings.Contains(err.Error(), "failed to start fileconvert-no-such-tool") {
		t.Errorf("Unexpected error text: %q", err.Error())
	}
}

func TestConvertTimeout(t *testing.T) {
	conv, input, output := setupTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := conv.Convert(ctx, request("slow", input, output))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Unexpected error text: %q", err.Error())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Process was not killed promptly: %s", elapsed)
	}
}

func TestConvertUnknownEngine(t *testing.T) {
	conv, input, output := setupTest(t)

	err := conv.Convert(context.Background(), request("nope", input, output))
	var notFound *engine.EngineNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected EngineNotFoundError, got %v", err)
	}
}

type recordingRunner struct {
	name string
	args []string
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.name = name
	r.args = args
	return nil, nil, nil
}

func TestConvertIgnoresOptions(t *testing.T) {
	conv, input, output := setupTest(t)
	runner := &recordingRunner{}
	conv.WithRunner(runner)

	want := []string{input, "-o", output}
	for _, raw := range []string{
		``,
		`{"quality":90}`,
		`{"extra_args":["-i","/etc/passwd","-map","1","/tmp/elsewhere"]}`,
		`{"args":["--lua-filter","evil.lua"],"output":"/tmp/x"}`,
	} {
		req := request("args", input, output)
		req.Options = json.RawMessage(raw)
		if err := conv.Convert(context.Background(), req); err != nil {
			t.Fatalf("Convert(%s) failed: %v", raw, err)
		}
		if runner.name != "tool" || !reflect.DeepEqual(runner.args, want) {
			t.Errorf("Options %s changed argv: %s %v", raw, runner.name, runner.args)
		}
	}
}
