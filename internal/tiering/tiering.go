// Package tiering owns the working/short-term/long-term lifecycle of
// memories: initial tier assignment, promotion on access, and the
// periodic decay sweep with optional LLM compression.
package tiering

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"memscreen/internal/core"
	"memscreen/internal/embedding"
	"memscreen/internal/history"
	"memscreen/internal/llm"
	"memscreen/internal/memerr"
	"memscreen/internal/prompts"
	"memscreen/internal/scoring"
	"memscreen/internal/vectorstore"
)

// Store is the slice of the vector store the manager needs. The
// multimodal store satisfies it; tier data lives on the text side.
type Store interface {
	Get(ctx context.Context, id string) (vectorstore.Record, error)
	List(ctx context.Context, filters map[string]any, limit int) ([]vectorstore.Record, error)
	UpdateText(ctx context.Context, id string, vector []float32, payload map[string]any) error
}

// HistorySink records compression rewrites.
type HistorySink interface {
	Add(ctx context.Context, rec history.Record) error
}

// Deps are the manager's collaborators.
type Deps struct {
	Store    Store
	Embedder embedding.Engine
	Client   llm.Client
	Library  *prompts.Library
	History  HistorySink
	Logger   *zap.Logger
}

// Options tune lifecycle behavior.
type Options struct {
	WorkingEnabled   bool
	WorkingMaxAge    time.Duration
	ShortTermMaxAge  time.Duration
	PromoteThreshold int
	AutoCompress     bool
	Location         *time.Location
}

func (o Options) withDefaults() Options {
	if o.WorkingMaxAge <= 0 {
		o.WorkingMaxAge = time.Hour
	}
	if o.ShortTermMaxAge <= 0 {
		o.ShortTermMaxAge = 7 * 24 * time.Hour
	}
	if o.PromoteThreshold <= 0 {
		o.PromoteThreshold = 3
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// entry is the cached lifecycle state of one memory. The payload copy in
// the store is authoritative; entries rebuild from it on Bootstrap.
type entry struct {
	tier         core.Tier
	accessCount  int
	lastAccessed time.Time
}

// Manager tracks tiers, promotes on access, and runs the decay sweep.
type Manager struct {
	store    Store
	embedder embedding.Engine
	client   llm.Client
	library  *prompts.Library
	history  HistorySink
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// NewManager wires a tier manager. Call Bootstrap before first use when
// the store may already hold memories.
func NewManager(deps Deps, opts Options) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    deps.Store,
		embedder: deps.Embedder,
		client:   deps.Client,
		library:  deps.Library,
		history:  deps.History,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
		entries:  make(map[string]entry),
	}
}

// InitialTier scores a brand-new memory at access_count 0 with "now"
// pinned to its creation time, and applies the working-tier switch.
func (m *Manager) InitialTier(mem *core.Memory) (float64, core.Tier) {
	score := scoring.Score(scoring.Input{
		Content:     mem.Data,
		Category:    mem.Category,
		Metadata:    mem.Metadata,
		AccessCount: 0,
		CreatedAt:   mem.CreatedAt,
		Now:         mem.CreatedAt,
	})
	tier := scoring.TierFor(score)
	if tier == core.TierWorking && !m.opts.WorkingEnabled {
		tier = core.TierShortTerm
	}
	return score, tier
}

// Bootstrap rebuilds the in-memory maps from the store's payloads so a
// restarted process sweeps every memory, not just the ones it has seen.
func (m *Manager) Bootstrap(ctx context.Context) error {
	records, err := m.store.List(ctx, nil, 0)
	if err != nil {
		return err
	}

	entries := make(map[string]entry, len(records))
	for _, rec := range records {
		entries[rec.ID] = entryFromPayload(rec.ID, rec.Payload)
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()

	m.logger.Info("tier manager bootstrapped", zap.Int("memories", len(records)))
	return nil
}

func entryFromPayload(id string, payload map[string]any) entry {
	mem := core.FromPayload(id, payload)
	e := entry{
		tier:         mem.Tier,
		accessCount:  mem.AccessCount,
		lastAccessed: mem.LastAccessed,
	}
	if !core.ValidTier(string(e.tier)) {
		e.tier = core.TierLongTerm
	}
	if e.lastAccessed.IsZero() {
		e.lastAccessed = mem.CreatedAt
	}
	return e
}

// Track registers a memory the caller just created.
func (m *Manager) Track(id string, tier core.Tier, accessCount int, lastAccessed time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry{tier: tier, accessCount: accessCount, lastAccessed: lastAccessed}
}

// Forget drops a deleted memory from the maps.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// TierOf reports the cached tier of a memory.
func (m *Manager) TierOf(id string) (core.Tier, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e.tier, ok
}

// Counts returns the number of memories per tier.
func (m *Manager) Counts() map[core.Tier]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[core.Tier]int, 3)
	for _, e := range m.entries {
		counts[e.tier]++
	}
	return counts
}

// Apply reacts to an ingestion action. ADD adopts the new memory from
// the store, DELETE forgets it.
func (m *Manager) Apply(ctx context.Context, rec core.ActionRecord) {
	switch rec.Event {
	case core.EventAdd:
		m.adopt(ctx, rec.ID)
	case core.EventDelete:
		m.Forget(rec.ID)
	}
}

func (m *Manager) adopt(ctx context.Context, id string) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Warn("cannot adopt memory into tier map",
			zap.String("memory_id", id), zap.Error(err))
		return
	}
	e := entryFromPayload(id, rec.Payload)
	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()
}

// OnAccess bumps access stats for retrieved memories and walks the
// promotion ladder: long_term rises to short_term on any hit, short_term
// rises to working once the access count clears the threshold.
func (m *Manager) OnAccess(ctx context.Context, ids []string) {
	now := m.now()
	for _, id := range ids {
		m.touch(ctx, id, now)
	}
}

func (m *Manager) touch(ctx context.Context, id string, now time.Time) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Warn("promotion skipped",
			zap.String("memory_id", id), zap.Error(err))
		return
	}

	m.mu.Lock()
	e, known := m.entries[id]
	m.mu.Unlock()
	if !known {
		e = entryFromPayload(id, rec.Payload)
	}

	e.accessCount++
	e.lastAccessed = now

	prev := e.tier
	switch {
	case e.tier == core.TierLongTerm:
		e.tier = core.TierShortTerm
	case e.tier == core.TierShortTerm && m.opts.WorkingEnabled && e.accessCount >= m.opts.PromoteThreshold:
		e.tier = core.TierWorking
	}

	next := clonePayload(rec.Payload)
	next[core.KeyAccessCount] = e.accessCount
	next[core.KeyLastAccessed] = core.FormatTime(now, m.opts.Location)
	if e.tier != prev {
		next[core.KeyTier] = string(e.tier)
	}
	if err := m.store.UpdateText(ctx, id, nil, next); err != nil {
		m.logger.Warn("access stats write failed",
			zap.String("memory_id", id), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	if e.tier != prev {
		m.logger.Debug("memory promoted",
			zap.String("memory_id", id),
			zap.String("from", string(prev)), zap.String("to", string(e.tier)))
	}
}

// SweepStats summarizes one decay sweep.
type SweepStats struct {
	Scanned    int `json:"scanned"`
	Demoted    int `json:"demoted"`
	Compressed int `json:"compressed"`
}

// Sweep demotes stale working memories and demotes or compresses cold
// short-term memories. Per-memory failures are logged and skipped; only
// context cancellation aborts the sweep.
func (m *Manager) Sweep(ctx context.Context) (SweepStats, error) {
	now := m.now()

	m.mu.Lock()
	candidates := make(map[string]entry, len(m.entries))
	for id, e := range m.entries {
		candidates[id] = e
	}
	m.mu.Unlock()

	stats := SweepStats{Scanned: len(candidates)}
	for id, e := range candidates {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		age := now.Sub(e.lastAccessed)
		switch {
		case e.tier == core.TierWorking && age > m.opts.WorkingMaxAge:
			demoted, err := m.demote(ctx, id, core.TierShortTerm)
			if err != nil {
				m.logger.Warn("demotion failed",
					zap.String("memory_id", id), zap.Error(err))
				continue
			}
			if demoted {
				stats.Demoted++
			}

		case e.tier == core.TierShortTerm && age > m.opts.ShortTermMaxAge && e.accessCount < 2:
			if m.opts.AutoCompress {
				compressed, err := m.compress(ctx, id)
				if err == nil {
					if compressed {
						stats.Compressed++
					}
					continue
				}
				m.logger.Warn("compression failed, demoting instead",
					zap.String("memory_id", id), zap.Error(err))
			}
			demoted, err := m.demote(ctx, id, core.TierLongTerm)
			if err != nil {
				m.logger.Warn("demotion failed",
					zap.String("memory_id", id), zap.Error(err))
				continue
			}
			if demoted {
				stats.Demoted++
			}
		}
	}
	return stats, nil
}

// demote rewrites the memory's tier. Memories deleted since the snapshot
// are dropped from the maps and reported as not demoted.
func (m *Manager) demote(ctx context.Context, id string, tier core.Tier) (bool, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if memerr.IsNotFound(err) {
			m.Forget(id)
			return false, nil
		}
		return false, err
	}

	next := clonePayload(rec.Payload)
	next[core.KeyTier] = string(tier)
	if err := m.store.UpdateText(ctx, id, nil, next); err != nil {
		return false, err
	}

	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.tier = tier
		m.entries[id] = e
	}
	m.mu.Unlock()
	return true, nil
}

// compress summarizes the memory with the LLM, re-embeds the summary,
// and rewrites the record as a compressed long_term memory. The rewrite
// is logged as an UPDATE in history.
func (m *Manager) compress(ctx context.Context, id string) (bool, error) {
	const op = "tiering.compress"

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if memerr.IsNotFound(err) {
			m.Forget(id)
			return false, nil
		}
		return false, err
	}
	mem := core.FromPayload(id, rec.Payload)
	if mem.Data == "" {
		return false, memerr.Errorf(op, memerr.KindParse, "memory %s has no data to compress", id)
	}

	prompt := prompts.Render(m.library.Get(prompts.KeyCompression), map[string]string{
		"content": mem.Data,
	})
	summary, err := m.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{UseCase: llm.UseCaseSummary})
	if err != nil {
		return false, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" || len(summary) >= len(mem.Data) {
		return false, memerr.Errorf(op, memerr.KindUpstream,
			"summary (%d bytes) is not shorter than original (%d bytes)",
			len(summary), len(mem.Data))
	}

	vector, err := m.embedder.Embed(ctx, summary, embedding.ActionUpdate)
	if err != nil {
		return false, err
	}

	now := m.now()
	next := clonePayload(rec.Payload)
	next[core.KeyData] = summary
	next[core.KeyHash] = core.HashData(summary)
	next[core.KeyCompressed] = true
	next[core.KeyOriginalLength] = len(mem.Data)
	next[core.KeyCompressedAt] = core.FormatTime(now, m.opts.Location)
	next[core.KeyUpdatedAt] = core.FormatTime(now, m.opts.Location)
	next[core.KeyTier] = string(core.TierLongTerm)

	if err := m.store.UpdateText(ctx, id, vector, next); err != nil {
		return false, err
	}

	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.tier = core.TierLongTerm
		m.entries[id] = e
	}
	m.mu.Unlock()

	if err := m.history.Add(ctx, history.Record{
		MemoryID:  id,
		OldMemory: mem.Data,
		NewMemory: summary,
		Event:     core.EventUpdate,
	}); err != nil {
		m.logger.Warn("compression history row failed",
			zap.String("memory_id", id), zap.Error(err))
	}

	m.logger.Info("memory compressed",
		zap.String("memory_id", id),
		zap.Int("original_length", len(mem.Data)),
		zap.Int("compressed_length", len(summary)))
	return true, nil
}

func clonePayload(payload map[string]any) map[string]any {
	next := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		next[k] = v
	}
	return next
}
