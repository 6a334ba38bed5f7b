package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"memscreen/internal/cache"
	"memscreen/internal/core"
	"memscreen/internal/history"
	"memscreen/internal/ingest"
	"memscreen/internal/memerr"
	"memscreen/internal/retrieval"
	"memscreen/internal/usage"
)

// Message is one role-tagged turn handed to Add.
type Message = ingest.Message

// Item is the external JSON view of one memory.
type Item struct {
	ID              string         `json:"id"`
	Memory          string         `json:"memory"`
	Hash            string         `json:"hash,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
	UpdatedAt       string         `json:"updated_at,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	ActorID         string         `json:"actor_id,omitempty"`
	Role            string         `json:"role,omitempty"`
	Category        string         `json:"category,omitempty"`
	Tier            string         `json:"tier,omitempty"`
	AccessCount     int            `json:"access_count,omitempty"`
	ImportanceScore float64        `json:"importance_score,omitempty"`
	Compressed      bool           `json:"compressed,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Score           float64        `json:"score,omitempty"`
}

func (e *Engine) item(id string, payload map[string]any) Item {
	mem := core.FromPayload(id, payload)
	item := Item{
		ID:              mem.ID,
		Memory:          mem.Data,
		Hash:            mem.Hash,
		UserID:          mem.Scope.UserID,
		AgentID:         mem.Scope.AgentID,
		RunID:           mem.Scope.RunID,
		ActorID:         mem.ActorID,
		Role:            mem.Role,
		Category:        string(mem.Category),
		Tier:            string(mem.Tier),
		AccessCount:     mem.AccessCount,
		ImportanceScore: mem.ImportanceScore,
		Compressed:      mem.Compressed,
	}
	if !mem.CreatedAt.IsZero() {
		item.CreatedAt = core.FormatTime(mem.CreatedAt, e.loc)
	}
	if !mem.UpdatedAt.IsZero() {
		item.UpdatedAt = core.FormatTime(mem.UpdatedAt, e.loc)
	}
	if len(mem.Metadata) > 0 {
		item.Metadata = mem.Metadata
	}
	return item
}

// AddResult is the outcome of one Add call. Its JSON shape follows the
// configured output version: v1.1 wraps the records in {"results": [...]};
// v1.0 is the bare array.
type AddResult struct {
	Results []core.ActionRecord `json:"results"`

	version string
}

// MarshalJSON renders the version-dependent shape.
func (r *AddResult) MarshalJSON() ([]byte, error) {
	if r.version == "v1.0" {
		return json.Marshal(r.Results)
	}
	return json.Marshal(struct {
		Results []core.ActionRecord `json:"results"`
	}{r.Results})
}

// Add ingests messages under the call's scope and returns the applied
// actions.
func (e *Engine) Add(ctx context.Context, messages []Message, opts ...Option) (*AddResult, error) {
	cfg := applyOptions(opts)
	records, err := e.pipeline.Add(ctx, messages, ingest.AddOptions{
		Scope:      cfg.scope,
		ActorID:    cfg.actorID,
		Category:   cfg.category,
		Metadata:   cfg.metadata,
		Infer:      cfg.infer,
		MemoryType: cfg.memoryType,
	})
	if err != nil {
		return nil, err
	}
	if e.version == "v1.0" {
		e.v10Notice.Do(func() {
			e.logger.Warn("output version v1.0 is deprecated, set version: v1.1 for the {results: [...]} shape")
		})
	}
	return &AddResult{Results: records, version: e.version}, nil
}

// Search runs a hybrid retrieval over the scope. Results come back fused
// and scored, newest cache entry first served for 5 minutes; hits bump the
// promotion ladder.
func (e *Engine) Search(ctx context.Context, query string, opts ...Option) ([]Item, error) {
	const op = "memory.Search"

	cfg := applyOptions(opts)
	if cfg.scope.Empty() {
		return nil, memerr.Errorf(op, memerr.KindScope,
			"at least one of user_id, agent_id, run_id is required")
	}
	filters := cfg.scope.Filters()
	for k, v := range cfg.filters {
		filters[k] = v
	}
	limit := cfg.limit
	if limit <= 0 {
		limit = 10
	}

	key := cache.SearchKey(query, cfg.imagePath, filters, limit)
	if v, ok := e.searchCache.Get(key); ok {
		e.collector.RecordCache("search", true)
		return v.([]Item), nil
	}
	e.collector.RecordCache("search", false)

	start := time.Now()
	hits, err := e.retriever.Retrieve(ctx, retrieval.Query{
		Text:      query,
		ImagePath: cfg.imagePath,
		Filters:   filters,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	e.collector.RecordRetrieval(time.Since(start))

	items := make([]Item, 0, len(hits))
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		item := e.item(hit.ID, hit.Payload)
		item.Score = hit.Score
		items = append(items, item)
		ids = append(ids, hit.ID)
	}
	// Promotion fires on real retrievals only; cached replays are free.
	if len(ids) > 0 {
		e.manager.OnAccess(ctx, ids)
	}
	e.searchCache.Set(key, items)
	return items, nil
}

// Get returns one memory by id.
func (e *Engine) Get(ctx context.Context, id string) (*Item, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	item := e.item(rec.ID, rec.Payload)
	return &item, nil
}

// GetAll lists the memories in scope, newest first.
func (e *Engine) GetAll(ctx context.Context, opts ...Option) ([]Item, error) {
	const op = "memory.GetAll"

	cfg := applyOptions(opts)
	if cfg.scope.Empty() {
		return nil, memerr.Errorf(op, memerr.KindScope,
			"at least one of user_id, agent_id, run_id is required")
	}
	filters := cfg.scope.Filters()
	for k, v := range cfg.filters {
		filters[k] = v
	}

	records, err := e.store.List(ctx, filters, cfg.limit)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(records))
	for _, rec := range records {
		items = append(items, e.item(rec.ID, rec.Payload))
	}
	// RFC3339Nano trims trailing zeros, so compare parsed times, not text.
	sort.SliceStable(items, func(i, j int) bool {
		ti, _ := core.ParseTime(items[i].CreatedAt)
		tj, _ := core.ParseTime(items[j].CreatedAt)
		return ti.After(tj)
	})
	return items, nil
}

// Update replaces a memory's text. The rewrite re-embeds and preserves
// creation time, scope, actor, and role.
func (e *Engine) Update(ctx context.Context, id, data string, opts ...Option) (core.ActionRecord, error) {
	const op = "memory.Update"

	data = strings.TrimSpace(data)
	if data == "" {
		return core.ActionRecord{}, memerr.Errorf(op, memerr.KindConfig, "updated text is required")
	}
	cfg := applyOptions(opts)
	return e.pipeline.Update(ctx, id, data, ingest.AddOptions{ActorID: cfg.actorID})
}

// Delete removes one memory and logs an immediate DELETE row.
func (e *Engine) Delete(ctx context.Context, id string, opts ...Option) error {
	cfg := applyOptions(opts)
	_, err := e.pipeline.Delete(ctx, id, ingest.AddOptions{ActorID: cfg.actorID})
	return err
}

// DeleteAll removes every memory in scope and reports how many fell.
func (e *Engine) DeleteAll(ctx context.Context, opts ...Option) (int, error) {
	const op = "memory.DeleteAll"

	cfg := applyOptions(opts)
	if cfg.scope.Empty() {
		return 0, memerr.Errorf(op, memerr.KindScope,
			"at least one of user_id, agent_id, run_id is required")
	}
	records, err := e.store.List(ctx, cfg.scope.Filters(), 0)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range records {
		if _, err := e.pipeline.Delete(ctx, rec.ID, ingest.AddOptions{ActorID: cfg.actorID}); err != nil {
			// Raced with another deleter; the memory is gone either way.
			if memerr.IsNotFound(err) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// History returns the mutation rows of one memory, oldest first. Queued
// rows flush first so the answer reflects every prior write.
func (e *Engine) History(ctx context.Context, id string) ([]history.Entry, error) {
	if err := e.hist.Flush(ctx); err != nil {
		return nil, err
	}
	return e.hist.Get(ctx, id)
}

// Reset drops every memory, history row, and graph edge, and clears the
// caches. The tier manager rebuilds from the now-empty store.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.store.Reset(ctx); err != nil {
		return err
	}
	if err := e.hist.Reset(ctx); err != nil {
		return err
	}
	if e.graph != nil {
		if err := e.graph.Reset(ctx); err != nil {
			return err
		}
	}
	e.searchCache.Clear()
	e.retriever.Invalidate()
	if err := e.manager.Bootstrap(ctx); err != nil {
		return err
	}
	e.logger.Info("engine reset")
	return nil
}

// Chat answers one input through the query router.
func (e *Engine) Chat(ctx context.Context, input string, opts ...Option) (string, error) {
	const op = "memory.Chat"

	cfg := applyOptions(opts)
	if cfg.scope.Empty() {
		return "", memerr.Errorf(op, memerr.KindScope,
			"at least one of user_id, agent_id, run_id is required")
	}
	return e.router.Chat(ctx, input, cfg.scope)
}

// ChatStream answers one input as a stream of chunks.
func (e *Engine) ChatStream(ctx context.Context, input string, opts ...Option) (<-chan string, <-chan error) {
	cfg := applyOptions(opts)
	if cfg.scope.Empty() {
		out := make(chan string)
		errs := make(chan error, 1)
		errs <- memerr.Errorf("memory.ChatStream", memerr.KindScope,
			"at least one of user_id, agent_id, run_id is required")
		close(out)
		close(errs)
		return out, errs
	}
	return e.router.ChatStream(ctx, input, cfg.scope)
}

// Status is a point-in-time snapshot of the engine's stores and caches.
type Status struct {
	Memories      int                         `json:"memories"`
	Tiers         map[core.Tier]int           `json:"tiers"`
	SearchCache   cache.Stats                 `json:"search_cache"`
	Embedder      string                      `json:"embedder"`
	LLM           string                      `json:"llm"`
	Usage         map[string]usage.ModelStats `json:"usage,omitempty"`
	GraphEntities int                         `json:"graph_entities,omitempty"`
	GraphLinks    int                         `json:"graph_links,omitempty"`
	HistoryError  string                      `json:"history_error,omitempty"`
}

// Status reports store and cache health.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts := e.manager.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}

	st := &Status{
		Memories:    total,
		Tiers:       counts,
		SearchCache: e.searchCache.Stats(),
		Embedder:    e.embedder.Name(),
		LLM:         e.llmModel,
		Usage:       e.tracker.Snapshot(),
	}
	if e.graph != nil {
		entities, links, err := e.graph.Counts(ctx)
		if err != nil {
			return nil, err
		}
		st.GraphEntities = entities
		st.GraphLinks = links
	}
	if err := e.hist.Err(); err != nil {
		st.HistoryError = err.Error()
	}
	return st, nil
}
