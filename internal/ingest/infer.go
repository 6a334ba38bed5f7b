package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"memscreen/internal/conflict"
	"memscreen/internal/core"
	"memscreen/internal/embedding"
	"memscreen/internal/history"
	"memscreen/internal/llm"
	"memscreen/internal/memerr"
	"memscreen/internal/prompts"
	"memscreen/internal/vectorstore"
)

// factList is the fact-extraction response shape.
type factList struct {
	Facts []string `json:"facts"`
}

// planItem is one entry of the update planner's response. IDs are the
// numeric indexes the planner was shown, never raw memory ids.
type planItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Event     string `json:"event"`
	OldMemory string `json:"old_memory,omitempty"`
}

// updatePlan is the planner response shape.
type updatePlan struct {
	Memory []planItem `json:"memory"`
}

// neighborSet is the deduplicated neighborhood of one add call. Indexes
// are assigned in discovery order; the planner sees only indexes so a
// hallucinated UUID can never reach the store.
type neighborSet struct {
	order   []string                      // unique ids, discovery order
	byID    map[string]vectorstore.Record // id -> record
	perFact [][]string                    // fact position -> neighbor ids
}

// indexed renders the neighborhood for the planner prompt.
func (n *neighborSet) indexed() []map[string]string {
	out := make([]map[string]string, 0, len(n.order))
	for i, id := range n.order {
		mem := core.FromPayload(id, n.byID[id].Payload)
		out = append(out, map[string]string{
			"id":   strconv.Itoa(i),
			"text": mem.Data,
		})
	}
	return out
}

// resolve maps a planner index back to the memory id. ok is false for
// anything that is not a known index.
func (n *neighborSet) resolve(index string) (string, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(index))
	if err != nil || i < 0 || i >= len(n.order) {
		return "", false
	}
	return n.order[i], true
}

// addInferred is the LLM-driven path: extract facts, probe and classify
// neighbors, plan actions, apply them, and fan out to the graph store.
func (p *Pipeline) addInferred(ctx context.Context, msgs []Message, opts AddOptions) ([]core.ActionRecord, error) {
	facts := p.extractFacts(ctx, msgs)
	if len(facts) == 0 {
		// Nothing durable in the input. The graph side path still gets a
		// chance at entities the fact extractor ignored.
		_ = p.graphFanout(ctx, opts.Scope, serializeMessages(msgs))
		return []core.ActionRecord{}, nil
	}

	vectors, err := p.embedder.EmbedBatch(ctx, facts, embedding.ActionAdd)
	if err != nil {
		return nil, fmt.Errorf("failed to embed facts: %w", err)
	}

	neighbors, err := p.probeNeighbors(ctx, vectors, opts.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to probe neighbors: %w", err)
	}

	resolved, surviving, survivingVecs := p.resolveConflicts(ctx, facts, vectors, neighbors, opts)

	var planned []planItem
	if len(surviving) > 0 {
		planned = p.planUpdates(ctx, surviving, neighbors)
		planned = p.repairPlan(planned, neighbors)
	}

	var applied []core.ActionRecord
	apply := func(gctx context.Context) error {
		var aerr error
		applied, aerr = p.applyPlan(gctx, planned, surviving, survivingVecs, neighbors, opts)
		return aerr
	}
	err = p.runSidePaths(ctx, apply, opts.Scope, serializeMessages(msgs))
	return append(resolved, applied...), err
}

// extractFacts asks the LLM for durable facts in the messages. Any failure
// degrades to an empty list; ingestion never stalls on a flaky extractor.
func (p *Pipeline) extractFacts(ctx context.Context, msgs []Message) []string {
	system := prompts.Render(p.library.Get(prompts.KeyFactExtraction), map[string]string{
		"date": p.now().Format("2006-01-02"),
	})
	raw, err := p.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: serializeMessages(msgs)},
	}, llm.Options{UseCase: llm.UseCaseMemory, JSONMode: true})
	if err != nil {
		p.logger.Warn("fact extraction failed, using empty list", zap.Error(err))
		return nil
	}

	var list factList
	if err := llm.Decode(raw, &list); err != nil {
		p.logger.Warn("fact extraction unparseable, using empty list", zap.Error(err))
		return nil
	}

	facts := make([]string, 0, len(list.Facts))
	for _, f := range list.Facts {
		if f = strings.TrimSpace(f); f != "" {
			facts = append(facts, f)
		}
	}
	return facts
}

// probeNeighbors searches the store around every fact vector in parallel
// and loads each unique neighbor once.
func (p *Pipeline) probeNeighbors(ctx context.Context, vectors [][]float32, scope core.ScopeIDs) (*neighborSet, error) {
	filters := scope.Filters()
	results := make([][]vectorstore.SearchResult, len(vectors))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Fanout)
	for i, vec := range vectors {
		g.Go(func() error {
			res, err := p.store.SearchText(gctx, vec, p.opts.NeighborLimit, filters)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := &neighborSet{
		byID:    make(map[string]vectorstore.Record),
		perFact: make([][]string, len(vectors)),
	}
	for i, res := range results {
		ids := make([]string, 0, len(res))
		for _, hit := range res {
			if _, seen := set.byID[hit.ID]; !seen {
				rec, err := p.store.Get(ctx, hit.ID)
				if err != nil {
					// Deleted between search and load; not a neighbor anymore.
					continue
				}
				set.byID[hit.ID] = rec
				set.order = append(set.order, hit.ID)
			}
			ids = append(ids, hit.ID)
		}
		set.perFact[i] = ids
	}
	return set, nil
}

// resolveConflicts runs the three-level conflict survey for every fact and
// applies decisive resolutions immediately. It returns the records those
// resolutions produced plus the facts (and their vectors) that continue to
// the update planner.
func (p *Pipeline) resolveConflicts(ctx context.Context, facts []string, vectors [][]float32, neighbors *neighborSet, opts AddOptions) (records []core.ActionRecord, surviving []string, survivingVecs [][]float32) {
	for i, fact := range facts {
		existing := make([]conflict.Existing, 0, len(neighbors.perFact[i]))
		for _, id := range neighbors.perFact[i] {
			rec := neighbors.byID[id]
			mem := core.FromPayload(id, rec.Payload)
			existing = append(existing, conflict.Existing{
				ID:     id,
				Data:   mem.Data,
				Hash:   mem.Hash,
				Vector: rec.Vector,
			})
		}

		dropped := false
		for _, c := range p.resolver.Survey(ctx, conflict.Candidate{Data: fact, Vector: vectors[i]}, existing) {
			switch c.Action {
			case conflict.ActionSkip:
				// Exact duplicate: no write, no record.
				p.logger.Debug("fact skipped as duplicate",
					zap.String("memory_id", c.MemoryID))
				dropped = true

			case conflict.ActionSkipBump:
				if err := p.bumpAccess(ctx, c.MemoryID); err != nil {
					p.logger.Warn("access bump failed",
						zap.String("memory_id", c.MemoryID), zap.Error(err))
				}
				records = append(records, core.ActionRecord{
					ID:     c.MemoryID,
					Memory: c.Data,
					Event:  core.EventNone,
				})
				dropped = true

			case conflict.ActionMerge:
				rec, err := p.mergeInto(ctx, c.MemoryID, c.Data, fact, opts)
				if err != nil {
					// Degrade to keep_both: the fact stays in the plan.
					p.logger.Warn("merge failed, keeping both",
						zap.String("memory_id", c.MemoryID), zap.Error(err))
					continue
				}
				records = append(records, rec)
				dropped = true

			case conflict.ActionMarkConflict:
				if err := p.annotateContradiction(ctx, c.MemoryID, fact); err != nil {
					p.logger.Warn("contradiction annotation failed",
						zap.String("memory_id", c.MemoryID), zap.Error(err))
				}
				// Both memories coexist until human review; the fact
				// still flows to the planner.

			case conflict.ActionKeepBoth:
			}
			if dropped {
				break
			}
		}
		if !dropped {
			surviving = append(surviving, fact)
			survivingVecs = append(survivingVecs, vectors[i])
		}
	}
	return records, surviving, survivingVecs
}

// mergeInto rewrites an existing memory with the LLM-merged union of its
// text and a complementary candidate.
func (p *Pipeline) mergeInto(ctx context.Context, id, existingData, candidate string, opts AddOptions) (core.ActionRecord, error) {
	merged, err := p.resolver.Merge(ctx, existingData, candidate)
	if err != nil {
		return core.ActionRecord{}, err
	}
	merged = strings.TrimSpace(merged)
	if merged == "" {
		return core.ActionRecord{}, fmt.Errorf("merge produced empty text")
	}
	return p.updateMemory(ctx, id, merged, opts)
}

// planUpdates asks the LLM what to do with the surviving facts given the
// indexed neighborhood. An unusable response degrades to adding every
// fact: the facts were extracted successfully, so keep_both is the safe
// default.
func (p *Pipeline) planUpdates(ctx context.Context, facts []string, neighbors *neighborSet) []planItem {
	factsJSON, _ := json.Marshal(facts)
	memoriesJSON, _ := json.Marshal(neighbors.indexed())

	tmpl := p.library.Get(prompts.KeyUpdateMemory)
	prompt := prompts.Render(tmpl, map[string]string{
		"facts":    string(factsJSON),
		"memories": string(memoriesJSON),
	})
	raw, err := p.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{UseCase: llm.UseCaseMemory, JSONMode: true})
	if err != nil {
		p.logger.Warn("update planning failed, adding all facts", zap.Error(err))
		return addAll(facts)
	}

	var plan updatePlan
	if err := llm.Decode(raw, &plan); err != nil {
		p.logger.Warn("update plan unparseable, adding all facts", zap.Error(err))
		return addAll(facts)
	}
	return plan.Memory
}

func addAll(facts []string) []planItem {
	items := make([]planItem, 0, len(facts))
	for _, f := range facts {
		items = append(items, planItem{Text: f, Event: string(core.EventAdd)})
	}
	return items
}

// repairPlan normalizes planner output and repairs id hallucinations: an
// UPDATE against an unknown index keeps its text as a fresh ADD, a DELETE
// against an unknown index is dropped outright. Deleting a guess is
// destructive; adding real text is not.
func (p *Pipeline) repairPlan(items []planItem, neighbors *neighborSet) []planItem {
	out := make([]planItem, 0, len(items))
	for _, item := range items {
		item.Text = strings.TrimSpace(item.Text)
		event := core.Event(strings.ToUpper(strings.TrimSpace(item.Event)))
		item.Event = string(event)

		switch event {
		case core.EventAdd:
			if item.Text == "" {
				continue
			}

		case core.EventUpdate:
			if item.Text == "" {
				continue
			}
			if _, ok := neighbors.resolve(item.ID); !ok {
				p.logger.Warn("planner update names unknown memory, rewriting to add",
					zap.String("index", item.ID))
				item = planItem{Text: item.Text, Event: string(core.EventAdd)}
			}

		case core.EventDelete:
			if _, ok := neighbors.resolve(item.ID); !ok {
				p.logger.Warn("planner delete names unknown memory, dropping",
					zap.String("index", item.ID))
				continue
			}

		case core.EventNone:

		default:
			p.logger.Warn("planner returned unknown event, dropping",
				zap.String("event", item.Event))
			continue
		}
		out = append(out, item)
	}
	return out
}

// applyPlan executes planner items in array order. ADD entries whose text
// matches a surviving fact reuse that fact's vector instead of re-embedding.
func (p *Pipeline) applyPlan(ctx context.Context, items []planItem, facts []string, vectors [][]float32, neighbors *neighborSet, opts AddOptions) ([]core.ActionRecord, error) {
	factVec := make(map[string][]float32, len(facts))
	for i, f := range facts {
		factVec[f] = vectors[i]
	}

	category := opts.Category
	if category == "" {
		category = core.CategoryFact
	}

	records := make([]core.ActionRecord, 0, len(items))
	for _, item := range items {
		switch core.Event(item.Event) {
		case core.EventAdd:
			rec, err := p.createFromPlan(ctx, item.Text, factVec[item.Text], category, opts)
			if err != nil {
				return records, err
			}
			records = append(records, rec)

		case core.EventUpdate:
			id, _ := neighbors.resolve(item.ID)
			rec, err := p.updateMemory(ctx, id, item.Text, opts)
			if err != nil {
				if memerr.IsNotFound(err) {
					// Deleted since the probe; nothing to update.
					p.logger.Warn("update target vanished",
						zap.String("memory_id", id))
					continue
				}
				return records, err
			}
			records = append(records, rec)

		case core.EventDelete:
			id, _ := neighbors.resolve(item.ID)
			rec, deleted, err := p.deleteMemory(ctx, id, opts)
			if err != nil {
				return records, err
			}
			if deleted {
				records = append(records, rec)
			}

		case core.EventNone:
			// Fact already covered; no write, no record.
		}
	}
	return records, nil
}

// createFromPlan inserts one planned ADD, reusing the extraction-time
// vector when the planner kept the fact text verbatim.
func (p *Pipeline) createFromPlan(ctx context.Context, text string, vector []float32, category core.Category, opts AddOptions) (core.ActionRecord, error) {
	if vector == nil {
		return p.createMemory(ctx, opts, newMemory{data: text, category: category})
	}

	now := p.now()
	mem := &core.Memory{
		ID:           uuid.NewString(),
		Data:         text,
		Hash:         core.HashData(text),
		CreatedAt:    now,
		LastAccessed: now,
		Scope:        opts.Scope,
		ActorID:      opts.ActorID,
		Category:     category,
		Metadata:     cloneMetadata(opts.Metadata),
	}
	mem.ImportanceScore, mem.Tier = p.tiers.InitialTier(mem)

	err := p.store.Insert(ctx, []vectorstore.MultimodalRecord{{
		ID:         mem.ID,
		TextVector: vector,
		Payload:    mem.Payload(p.opts.Location),
	}})
	if err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to insert memory: %w", err)
	}

	if err := p.history.Add(ctx, history.Record{
		MemoryID:  mem.ID,
		NewMemory: mem.Data,
		Event:     core.EventAdd,
		ActorID:   mem.ActorID,
	}); err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to log memory add: %w", err)
	}
	return core.ActionRecord{ID: mem.ID, Memory: mem.Data, Event: core.EventAdd}, nil
}
