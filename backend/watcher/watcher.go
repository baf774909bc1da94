package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andi/fileconvert/backend/config"
	"github.com/andi/fileconvert/backend/conversion"
	"github.com/andi/fileconvert/backend/models"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// JobCreator accepts files picked up from a hot folder
type JobCreator interface {
	CreateJob(ctx context.Context, in conversion.CreateJobInput) (*models.Job, error)
}

// Watcher monitors hot folders and turns dropped files into conversion jobs
type Watcher struct {
	creator  JobCreator
	rules    []config.WatchRule
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool

	// Debounce map to avoid submitting the same file once per write event
	debounceMap map[string]*time.Timer
	debounceMu  sync.Mutex
}

// New creates a new hot folder watcher
func New(creator JobCreator, rules []config.WatchRule) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		creator:     creator,
		rules:       rules,
		watcher:     fsWatcher,
		debounce:    defaultDebounce,
		stopChan:    make(chan struct{}),
		debounceMap: make(map[string]*time.Timer),
	}, nil
}

// Start adds a watch per rule and begins processing events
func (w *Watcher) Start() error {
	var active []config.WatchRule
	for _, rule := range w.rules {
		absPath, err := filepath.Abs(rule.Path)
		if err != nil {
			log.Printf("[Watcher] Warning: failed to resolve path %s: %v", rule.Path, err)
			continue
		}
		if err := os.MkdirAll(absPath, 0755); err != nil {
			log.Printf("[Watcher] Warning: failed to create %s: %v", absPath, err)
			continue
		}
		if err := w.watcher.Add(absPath); err != nil {
			log.Printf("[Watcher] Warning: failed to watch path %s: %v", absPath, err)
			continue
		}
		rule.Path = absPath
		active = append(active, rule)
		log.Printf("[Watcher] watching %s (%s -> %s via %s for %s)", absPath, rule.FileGlob, rule.TargetFormat, rule.Engine, rule.Owner)
	}

	w.mu.Lock()
	w.rules = active
	w.mu.Unlock()

	w.wg.Add(1)
	go w.processEvents()

	log.Printf("[Watcher] started, monitoring %d folder(s)", len(active))
	return nil
}

// Stop stops the watcher and drops pending debounced files
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()

	w.debounceMu.Lock()
	for key, timer := range w.debounceMap {
		timer.Stop()
		delete(w.debounceMap, key)
	}
	w.debounceMu.Unlock()
	log.Println("[Watcher] stopped")
}

func (w *Watcher) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create || event.Op&fsnotify.Write == fsnotify.Write {
				w.handleFileEvent(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Watcher] error: %v", err)
		}
	}
}

// handleFileEvent restarts the debounce timer of every rule the file matches
func (w *Watcher) handleFileEvent(path string) {
	rules := w.rulesForPath(path)
	if len(rules) == 0 {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	for _, rule := range rules {
		key := rule.Path + "|" + rule.Engine + "|" + rule.TargetFormat + "|" + path
		if timer, exists := w.debounceMap[key]; exists {
			timer.Stop()
		}
		w.debounceMap[key] = time.AfterFunc(w.debounce, func() {
			w.debounceMu.Lock()
			delete(w.debounceMap, key)
			w.debounceMu.Unlock()

			if w.isStopped() {
				return
			}
			if err := w.processFile(rule, path); err != nil {
				log.Printf("[Watcher] %s: %v", path, err)
			}
		})
	}
}

// rulesForPath returns the rules whose folder directly contains path and whose glob matches it
func (w *Watcher) rulesForPath(path string) []config.WatchRule {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(path)
	var result []config.WatchRule
	for _, rule := range w.rules {
		if dir == rule.Path && MatchesFileGlob(path, rule.FileGlob) {
			result = append(result, rule)
		}
	}
	return result
}

// processFile submits one settled file as a job
func (w *Watcher) processFile(rule config.WatchRule, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		// Removed before the debounce fired
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	job, err := w.creator.CreateJob(context.Background(), conversion.CreateJobInput{
		Owner:        rule.Owner,
		Filename:     filepath.Base(path),
		EngineID:     rule.Engine,
		TargetFormat: rule.TargetFormat,
		Data:         f,
		Size:         info.Size(),
	})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	log.Printf("[Watcher] job %s created for %s -> %s", job.ID, path, rule.TargetFormat)
	return nil
}

// MatchesFileGlob checks if a file matches the glob pattern
// Supports multiple patterns separated by comma or pipe, e.g., "*.jpg,*.jpeg" or "*.jpg|*.jpeg"
func MatchesFileGlob(filePath, globPattern string) bool {
	fileName := filepath.Base(filePath)

	// Hidden files are never picked up
	if strings.HasPrefix(fileName, ".") {
		return false
	}

	patterns := strings.FieldsFunc(globPattern, func(r rune) bool {
		return r == ',' || r == '|'
	})
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	for _, pattern := range patterns {
		matched, err := filepath.Match(strings.TrimSpace(pattern), fileName)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
