package engine

import (
	"sort"
	"strings"

	"github.com/andi/fileconvert/backend/models"
)

// Engine is a named external conversion capability
type Engine struct {
	ID          string
	Name        string
	Description string

	// Capabilities maps a normalized input format to its set of output formats
	Capabilities map[string]map[string]struct{}

	// Command is the argv template used to invoke the external program
	Command []string

	// CommandByTarget overrides Command for specific target formats
	CommandByTarget map[string][]string
}

// New creates an engine with no capabilities
func New(id, name, description string) *Engine {
	return &Engine{
		ID:              id,
		Name:            name,
		Description:     description,
		Capabilities:    make(map[string]map[string]struct{}),
		CommandByTarget: make(map[string][]string),
	}
}

// AddConversion registers the output formats reachable from an input format
func (e *Engine) AddConversion(from string, to ...string) *Engine {
	from = Normalize(from)
	outputs, ok := e.Capabilities[from]
	if !ok {
		outputs = make(map[string]struct{}, len(to))
		e.Capabilities[from] = outputs
	}
	for _, t := range to {
		outputs[Normalize(t)] = struct{}{}
	}
	return e
}

// WithCommand sets the argv template
func (e *Engine) WithCommand(argv ...string) *Engine {
	e.Command = argv
	return e
}

// SupportsConversion reports whether the engine converts from into to
func (e *Engine) SupportsConversion(from, to string) bool {
	outputs, ok := e.Capabilities[Normalize(from)]
	if !ok {
		return false
	}
	_, ok = outputs[Normalize(to)]
	return ok
}

// AcceptsInput reports whether the engine takes from as an input format at all
func (e *Engine) AcceptsInput(from string) bool {
	_, ok := e.Capabilities[Normalize(from)]
	return ok
}

// InputFormats returns all input formats, sorted
func (e *Engine) InputFormats() []string {
	formats := make([]string, 0, len(e.Capabilities))
	for f := range e.Capabilities {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// OutputFormats returns the union of all output formats, sorted
func (e *Engine) OutputFormats() []string {
	seen := make(map[string]struct{})
	for _, outputs := range e.Capabilities {
		for o := range outputs {
			seen[o] = struct{}{}
		}
	}
	formats := make([]string, 0, len(seen))
	for f := range seen {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// OutputFormatsFor returns the output formats for one input format, sorted
func (e *Engine) OutputFormatsFor(from string) []string {
	outputs := e.Capabilities[Normalize(from)]
	formats := make([]string, 0, len(outputs))
	for o := range outputs {
		formats = append(formats, o)
	}
	sort.Strings(formats)
	return formats
}

// Conversions returns the capability table as sorted slices
func (e *Engine) Conversions() map[string][]string {
	out := make(map[string][]string, len(e.Capabilities))
	for from := range e.Capabilities {
		out[from] = e.OutputFormatsFor(from)
	}
	return out
}

// CommandFor returns the argv template for a target format
func (e *Engine) CommandFor(target string) []string {
	if argv, ok := e.CommandByTarget[Normalize(target)]; ok {
		return argv
	}
	return e.Command
}

// Info converts the engine to its listing form
func (e *Engine) Info() models.EngineInfo {
	return models.EngineInfo{
		ID:                     e.ID,
		Name:                   e.Name,
		Description:            e.Description,
		SupportedInputFormats:  e.InputFormats(),
		SupportedOutputFormats: e.OutputFormats(),
	}
}

// Normalize lower-cases a format and strips a leading dot
func Normalize(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}
