// Package prompts holds the LLM prompt templates used across the engine
// and supports user overrides from ~/.memscreen/prompts.yaml with hot
// reload.
package prompts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Key names a template.
type Key string

const (
	KeyFactExtraction   Key = "fact_extraction"
	KeyUpdateMemory     Key = "update_memory"
	KeyConflict         Key = "conflict_adjudication"
	KeyMerge            Key = "merge_summary"
	KeyCompression      Key = "compression_summary"
	KeyProcedural       Key = "procedural_summary"
	KeyEntityExtraction Key = "entity_extraction"
)

func builtins() map[Key]string {
	return map[Key]string{
		KeyFactExtraction:   factExtractionTemplate,
		KeyUpdateMemory:     updateMemoryTemplate,
		KeyConflict:         conflictTemplate,
		KeyMerge:            mergeTemplate,
		KeyCompression:      compressionTemplate,
		KeyProcedural:       proceduralTemplate,
		KeyEntityExtraction: entityExtractionTemplate,
	}
}

// overridesFile is the shape of prompts.yaml. Only these keys are
// honored; whole templates are replaced, not patched.
type overridesFile struct {
	FactExtraction string `yaml:"custom_fact_extraction_prompt"`
	UpdateMemory   string `yaml:"custom_update_memory_prompt"`
}

// Library serves the active template set. Reads take an RLock so reloads
// never block prompt rendering for long.
type Library struct {
	logger *zap.Logger
	path   string

	mu     sync.RWMutex
	active map[Key]string
	pinned map[Key]string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	watchMu  sync.Mutex
	watching bool
}

// NewLibrary returns a library serving the built-in templates. path may
// be empty when no override file is configured.
func NewLibrary(path string, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{
		logger: logger,
		path:   path,
		active: builtins(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if path != "" {
		l.reload()
	}
	return l
}

// Get returns the active text for a template key. Unknown keys return "".
func (l *Library) Get(key Key) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active[key]
}

// Override pins a template from process configuration. Pins survive file
// reloads; a non-empty file override for the same key still wins so
// interactive edits apply without a restart.
func (l *Library) Override(key Key, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	l.mu.Lock()
	if l.pinned == nil {
		l.pinned = map[Key]string{}
	}
	l.pinned[key] = text
	l.mu.Unlock()
	l.reload()
}

// Render fills {{name}} placeholders in a template.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// reload re-reads the override file and swaps the active set. A missing
// file leaves builtins and pins; a malformed file keeps the previous set.
func (l *Library) reload() {
	next := builtins()

	var file overridesFile
	data, err := os.ReadFile(l.path)
	switch {
	case os.IsNotExist(err):
		// No file overrides; builtins and pins stand.
	case err != nil:
		l.logger.Warn("prompt overrides unreadable, keeping previous set",
			zap.String("path", l.path), zap.Error(err))
		return
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			l.logger.Warn("prompt overrides malformed, keeping previous set",
				zap.String("path", l.path), zap.Error(err))
			return
		}
	}

	l.mu.Lock()
	for key, text := range l.pinned {
		next[key] = text
	}
	if s := strings.TrimSpace(file.FactExtraction); s != "" {
		next[KeyFactExtraction] = s
	}
	if s := strings.TrimSpace(file.UpdateMemory); s != "" {
		next[KeyUpdateMemory] = s
	}
	l.active = next
	l.mu.Unlock()
}

// Watch starts hot reload of the override file. The parent directory is
// watched because editors typically replace the file on save.
func (l *Library) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watching {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	l.watcher = watcher
	l.watching = true
	go l.run(ctx)
	return nil
}

// Stop halts the watcher. Safe to call when Watch never ran.
func (l *Library) Stop() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if !l.watching {
		return
	}
	l.watching = false
	close(l.stopCh)
	<-l.doneCh
	l.watcher.Close()
}

func (l *Library) run(ctx context.Context) {
	defer close(l.doneCh)

	// Debounce rapid editor save sequences.
	const settle = 200 * time.Millisecond
	var pending bool
	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if pending {
				if !timer.Stop() {
					<-timer.C
				}
			}
			timer.Reset(settle)
			pending = true
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("prompt watcher error", zap.Error(err))
		case <-timer.C:
			pending = false
			l.reload()
			l.logger.Info("prompt overrides reloaded", zap.String("path", l.path))
		}
	}
}
