// Package usage keeps a per-model ledger of upstream traffic: how often
// each embedding and chat model was called, how much text went in and out,
// and how long the calls took. The ledger persists as JSON in the state
// directory and feeds the status report, which answers "what is this thing
// asking the models to do" without a metrics scrape.
package usage

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const ledgerVersion = "1"

// ModelStats accumulates the traffic sent to one model.
type ModelStats struct {
	Calls    int64  `json:"calls"`
	Failures int64  `json:"failures"`
	CharsIn  int64  `json:"chars_in"`
	CharsOut int64  `json:"chars_out"`
	TotalMS  int64  `json:"total_ms"`
	LastUsed string `json:"last_used,omitempty"`
}

// Ledger is the persisted root document.
type Ledger struct {
	Version string                `json:"version"`
	Models  map[string]ModelStats `json:"models"`
}

// Tracker records model calls and persists the ledger on demand. Recording
// is a counter bump under a mutex; nothing touches disk until Save.
type Tracker struct {
	mu    sync.Mutex
	path  string
	data  Ledger
	dirty bool
}

// NewTracker loads the ledger at path, starting fresh when the file is
// missing or unreadable. A corrupt ledger is not worth failing startup
// over, so load errors only warn.
func NewTracker(path string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		path: path,
		data: Ledger{Version: ledgerVersion, Models: make(map[string]ModelStats)},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t
	}
	if err != nil {
		logger.Warn("usage ledger unreadable, starting fresh",
			zap.String("path", path), zap.Error(err))
		return t
	}
	var loaded Ledger
	if err := json.Unmarshal(raw, &loaded); err != nil {
		logger.Warn("usage ledger corrupt, starting fresh",
			zap.String("path", path), zap.Error(err))
		return t
	}
	if loaded.Models == nil {
		loaded.Models = make(map[string]ModelStats)
	}
	loaded.Version = ledgerVersion
	t.data = loaded
	return t
}

// Record adds one call against model. Failed calls still count their input
// volume: the characters were sent even if nothing came back.
func (t *Tracker) Record(model string, charsIn, charsOut int, elapsed time.Duration, err error) {
	if model == "" {
		model = "unknown"
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.data.Models[model]
	st.Calls++
	if err != nil {
		st.Failures++
	}
	st.CharsIn += int64(charsIn)
	st.CharsOut += int64(charsOut)
	st.TotalMS += elapsed.Milliseconds()
	st.LastUsed = time.Now().UTC().Format(time.RFC3339)
	t.data.Models[model] = st
	t.dirty = true
}

// Snapshot returns a copy of the per-model stats.
func (t *Tracker) Snapshot() map[string]ModelStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ModelStats, len(t.data.Models))
	for name, st := range t.data.Models {
		out[name] = st
	}
	return out
}

// Models returns the recorded model names, sorted.
func (t *Tracker) Models() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.data.Models))
	for name := range t.data.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes the ledger to disk. A clean tracker is a no-op, so calling
// Save on every shutdown costs nothing when no model was used.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty {
		return nil
	}
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.path, raw, 0o644); err != nil {
		return err
	}
	t.dirty = false
	return nil
}
