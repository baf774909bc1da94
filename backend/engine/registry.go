package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/andi/fileconvert/backend/models"
)

// MaxSuggestions caps the length of a suggestion list
const MaxSuggestions = 10

// EngineNotFoundError is returned when an engine id is not registered
type EngineNotFoundError struct {
	EngineID string
}

func (e *EngineNotFoundError) Error() string {
	return fmt.Sprintf("engine not found: %s", e.EngineID)
}

// UnsupportedConversionError is returned when a known engine cannot convert from into to
type UnsupportedConversionError struct {
	EngineID    string
	From        string
	To          string
	Suggestions []models.Suggestion
}

func (e *UnsupportedConversionError) Error() string {
	return fmt.Sprintf("unsupported conversion from %s to %s using engine %s", e.From, e.To, e.EngineID)
}

// Registry holds the registered engines keyed by id
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Register adds or replaces an engine by id
func (r *Registry) Register(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.ID] = e
}

// Get returns an engine by id
func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}

// List returns all engines sorted by id
func (r *Registry) List() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// ListInfo returns listing info for all engines sorted by id
func (r *Registry) ListInfo() []models.EngineInfo {
	engines := r.List()
	infos := make([]models.EngineInfo, len(engines))
	for i, e := range engines {
		infos[i] = e.Info()
	}
	return infos
}

// Supports reports whether engine id converts from into to. Formats are case-insensitive.
func (r *Registry) Supports(id, from, to string) bool {
	e, ok := r.Get(id)
	if !ok {
		return false
	}
	return e.SupportsConversion(from, to)
}

// Validate checks a conversion request before a job is created.
// The engine lookup happens first so an unknown id never reaches capability checks.
func (r *Registry) Validate(id, from, to string) error {
	e, ok := r.Get(id)
	if !ok {
		return &EngineNotFoundError{EngineID: id}
	}
	if e.SupportsConversion(from, to) {
		return nil
	}
	return &UnsupportedConversionError{
		EngineID:    id,
		From:        from,
		To:          to,
		Suggestions: r.Suggest(from, to),
	}
}

// Suggest finds alternatives for a conversion. Engines that support the exact
// pair win outright; otherwise every output of every engine accepting from is
// offered. The result never exceeds MaxSuggestions and is never nil.
func (r *Registry) Suggest(from, to string) []models.Suggestion {
	from = Normalize(from)
	to = Normalize(to)

	r.mu.RLock()
	engines := r.sortedLocked()
	r.mu.RUnlock()

	suggestions := make([]models.Suggestion, 0)
	for _, e := range engines {
		if e.SupportsConversion(from, to) {
			suggestions = append(suggestions, models.Suggestion{Engine: e.ID, From: from, To: to})
		}
	}

	if len(suggestions) == 0 {
		for _, e := range engines {
			for _, output := range e.OutputFormatsFor(from) {
				suggestions = append(suggestions, models.Suggestion{Engine: e.ID, From: from, To: output})
			}
		}
	}

	if len(suggestions) > MaxSuggestions {
		suggestions = suggestions[:MaxSuggestions]
	}
	return suggestions
}

// HasInputFormat reports whether any engine accepts format as input
func (r *Registry) HasInputFormat(format string) bool {
	return len(r.EnginesForInput(format)) > 0
}

// EnginesForInput returns the engines accepting format as input, sorted by id
func (r *Registry) EnginesForInput(format string) []*Engine {
	var result []*Engine
	for _, e := range r.List() {
		if e.AcceptsInput(format) {
			result = append(result, e)
		}
	}
	return result
}

func (r *Registry) sortedLocked() []*Engine {
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].ID < engines[j].ID })
	return engines
}
