// Package ingest implements the write path of the memory engine. An add
// call runs fact extraction, neighbor dedup, conflict resolution, and an
// LLM-planned ADD/UPDATE/DELETE/NONE action list, then applies the plan to
// the vector store and history log. A non-inferring mode skips every LLM
// stage for raw capture frames.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

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

// MemoryTypeProcedural selects the procedural-summary path: no fact
// extraction, no update planning, one summarized memory per call.
const MemoryTypeProcedural = "procedural"

// Message is one role-tagged turn handed to Add. ImagePath optionally
// points at a captured frame; when a vision encoder is wired the frame is
// embedded alongside the text.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ImagePath string `json:"image_path,omitempty"`
}

// AddOptions scope and shape one add call. Scope must carry at least one
// id.
type AddOptions struct {
	Scope      core.ScopeIDs
	ActorID    string
	Category   core.Category
	Metadata   map[string]any
	Infer      bool
	MemoryType string
}

// Store is the slice of the vector store the pipeline writes through. The
// multimodal store satisfies it.
type Store interface {
	Insert(ctx context.Context, records []vectorstore.MultimodalRecord) error
	UpdateText(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Get(ctx context.Context, id string) (vectorstore.Record, error)
	List(ctx context.Context, filters map[string]any, limit int) ([]vectorstore.Record, error)
	Delete(ctx context.Context, id string) error
	SearchText(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]vectorstore.SearchResult, error)
}

// HistorySink receives mutation rows. history.Log satisfies it.
type HistorySink interface {
	Add(ctx context.Context, rec history.Record) error
}

// TierAssigner computes the initial importance score and tier of a new
// memory. tiering.Manager satisfies it; the pipeline never holds the
// manager itself.
type TierAssigner interface {
	InitialTier(mem *core.Memory) (float64, core.Tier)
}

// GraphFanout receives the entity side path. Failures are logged by the
// pipeline and never block the main path.
type GraphFanout interface {
	Ingest(ctx context.Context, scope core.ScopeIDs, text string) error
}

// Sink observes the action records of a successful add. The wiring layer
// subscribes the tier manager and cache invalidation here so the pipeline
// stays free of those dependencies.
type Sink func(ctx context.Context, records []core.ActionRecord)

// Deps are the pipeline's collaborators. Vision and Graph may be nil.
type Deps struct {
	Store    Store
	Embedder embedding.Engine
	Vision   embedding.VisionEncoder
	Client   llm.Client
	Resolver *conflict.Resolver
	History  HistorySink
	Tiers    TierAssigner
	Graph    GraphFanout
	Library  *prompts.Library
	Logger   *zap.Logger
}

// Options tune the pipeline.
type Options struct {
	// NeighborLimit bounds the per-fact neighbor probe.
	NeighborLimit int

	// Fanout bounds parallel neighbor searches.
	Fanout int

	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.NeighborLimit <= 0 {
		o.NeighborLimit = 5
	}
	if o.Fanout <= 0 {
		o.Fanout = 4
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Pipeline is the ingestion orchestrator.
type Pipeline struct {
	store    Store
	embedder embedding.Engine
	vision   embedding.VisionEncoder
	client   llm.Client
	resolver *conflict.Resolver
	history  HistorySink
	tiers    TierAssigner
	graph    GraphFanout
	library  *prompts.Library
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
	sinks    []Sink
}

// NewPipeline wires a pipeline.
func NewPipeline(deps Deps, opts Options) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    deps.Store,
		embedder: deps.Embedder,
		vision:   deps.Vision,
		client:   deps.Client,
		resolver: deps.Resolver,
		history:  deps.History,
		tiers:    deps.Tiers,
		graph:    deps.Graph,
		library:  deps.Library,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Subscribe registers a sink for applied actions. Call during wiring, not
// concurrently with Add.
func (p *Pipeline) Subscribe(sink Sink) {
	p.sinks = append(p.sinks, sink)
}

// Add ingests one batch of messages under a scope. Returns the applied
// action records in apply order; an empty message list returns an empty
// slice without writing anything.
func (p *Pipeline) Add(ctx context.Context, messages []Message, opts AddOptions) ([]core.ActionRecord, error) {
	const op = "ingest.Add"

	if opts.Scope.Empty() {
		return nil, memerr.Errorf(op, memerr.KindScope,
			"at least one of user_id, agent_id, run_id is required")
	}
	msgs := nonSystem(messages)
	if len(msgs) == 0 {
		return []core.ActionRecord{}, nil
	}

	var (
		records []core.ActionRecord
		err     error
	)
	switch {
	case opts.MemoryType == MemoryTypeProcedural:
		records, err = p.addProcedural(ctx, msgs, opts)
	case !opts.Infer || shortCircuit(serializeMessages(msgs)):
		// Short inputs skip extraction and planning entirely. Bare URLs and
		// one-liners trade the dedup-and-plan path for latency; the raw
		// path's digest check still drops exact repeats.
		records, err = p.addRaw(ctx, msgs, opts)
	default:
		records, err = p.addInferred(ctx, msgs, opts)
	}
	if err != nil {
		return records, err
	}
	if records == nil {
		records = []core.ActionRecord{}
	}
	p.publish(ctx, records)
	return records, nil
}

// Update replaces a memory's text directly, bypassing extraction and
// planning. The rewrite publishes to sinks like any planned action.
func (p *Pipeline) Update(ctx context.Context, id, text string, opts AddOptions) (core.ActionRecord, error) {
	rec, err := p.updateMemory(ctx, id, text, opts)
	if err != nil {
		return core.ActionRecord{}, err
	}
	p.publish(ctx, []core.ActionRecord{rec})
	return rec, nil
}

// Delete removes a memory directly. Deleting a missing id reports
// memerr.KindNotFound so callers can surface it.
func (p *Pipeline) Delete(ctx context.Context, id string, opts AddOptions) (core.ActionRecord, error) {
	rec, deleted, err := p.deleteMemory(ctx, id, opts)
	if err != nil {
		return core.ActionRecord{}, err
	}
	if !deleted {
		return core.ActionRecord{}, memerr.Errorf("ingest.Delete", memerr.KindNotFound,
			"memory %s not found", id)
	}
	p.publish(ctx, []core.ActionRecord{rec})
	return rec, nil
}

// publish hands the applied records to every subscriber.
func (p *Pipeline) publish(ctx context.Context, records []core.ActionRecord) {
	if len(records) == 0 {
		return
	}
	for _, sink := range p.sinks {
		sink(ctx, records)
	}
}

// addRaw is the non-inferring path: one memory per non-system message, no
// LLM calls. Exact duplicates within the scope are skipped by digest.
func (p *Pipeline) addRaw(ctx context.Context, msgs []Message, opts AddOptions) ([]core.ActionRecord, error) {
	records := make([]core.ActionRecord, 0, len(msgs))
	for _, msg := range msgs {
		data := strings.TrimSpace(msg.Content)
		if data == "" {
			continue
		}

		dup, err := p.findByHash(ctx, opts.Scope, core.HashData(data))
		if err != nil {
			return records, fmt.Errorf("failed to check for duplicates: %w", err)
		}
		if dup != "" {
			p.logger.Debug("raw add skipped exact duplicate",
				zap.String("memory_id", dup))
			continue
		}

		rec, err := p.createMemory(ctx, opts, newMemory{
			data:      data,
			category:  rawCategory(msg, opts),
			role:      msg.Role,
			imagePath: msg.ImagePath,
		})
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// addProcedural summarizes the whole message list into a single numbered
// procedure record.
func (p *Pipeline) addProcedural(ctx context.Context, msgs []Message, opts AddOptions) ([]core.ActionRecord, error) {
	summary, err := p.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: p.library.Get(prompts.KeyProcedural)},
		{Role: llm.RoleUser, Content: serializeMessages(msgs)},
	}, llm.Options{UseCase: llm.UseCaseSummary})
	if err != nil {
		return nil, fmt.Errorf("failed to summarize procedure: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return []core.ActionRecord{}, nil
	}

	category := opts.Category
	if category == "" {
		category = core.CategoryProcedure
	}
	metadata := cloneMetadata(opts.Metadata)
	metadata[core.KeyMemoryType] = MemoryTypeProcedural

	rec, err := p.createMemory(ctx, AddOptions{
		Scope:    opts.Scope,
		ActorID:  opts.ActorID,
		Metadata: metadata,
	}, newMemory{data: summary, category: category})
	if err != nil {
		return nil, err
	}
	return []core.ActionRecord{rec}, nil
}

// findByHash looks for an existing memory in scope with the given content
// digest. Returns its id or "".
func (p *Pipeline) findByHash(ctx context.Context, scope core.ScopeIDs, hash string) (string, error) {
	filters := scope.Filters()
	filters[core.KeyHash] = hash
	matches, err := p.store.List(ctx, filters, 1)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0].ID, nil
}

// newMemory describes one memory to create.
type newMemory struct {
	data      string
	category  core.Category
	role      string
	imagePath string
}

// createMemory embeds, scores, inserts, and logs one new memory.
func (p *Pipeline) createMemory(ctx context.Context, opts AddOptions, spec newMemory) (core.ActionRecord, error) {
	vector, err := p.embedder.Embed(ctx, spec.data, embedding.ActionAdd)
	if err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to embed memory: %w", err)
	}

	var visionVec []float32
	if spec.imagePath != "" && p.vision != nil {
		visionVec, err = p.vision.EncodeImage(ctx, spec.imagePath)
		if err != nil {
			// One failing modality degrades to the other.
			p.logger.Warn("vision encode failed, storing text only",
				zap.String("image_path", spec.imagePath), zap.Error(err))
			visionVec = nil
		}
	}

	now := p.now()
	mem := &core.Memory{
		ID:           uuid.NewString(),
		Data:         spec.data,
		Hash:         core.HashData(spec.data),
		CreatedAt:    now,
		LastAccessed: now,
		Scope:        opts.Scope,
		ActorID:      opts.ActorID,
		Role:         spec.role,
		Category:     spec.category,
		Metadata:     cloneMetadata(opts.Metadata),
	}
	if spec.imagePath != "" {
		mem.Metadata["image_path"] = spec.imagePath
	}
	mem.ImportanceScore, mem.Tier = p.tiers.InitialTier(mem)

	err = p.store.Insert(ctx, []vectorstore.MultimodalRecord{{
		ID:           mem.ID,
		TextVector:   vector,
		VisionVector: visionVec,
		Payload:      mem.Payload(p.opts.Location),
	}})
	if err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to insert memory: %w", err)
	}

	if err := p.history.Add(ctx, history.Record{
		MemoryID:  mem.ID,
		NewMemory: mem.Data,
		Event:     core.EventAdd,
		ActorID:   mem.ActorID,
		Role:      mem.Role,
	}); err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to log memory add: %w", err)
	}

	return core.ActionRecord{ID: mem.ID, Memory: mem.Data, Event: core.EventAdd}, nil
}

// updateMemory replaces a memory's text, preserving its creation time,
// scope, actor, and role.
func (p *Pipeline) updateMemory(ctx context.Context, id, text string, opts AddOptions) (core.ActionRecord, error) {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to load memory for update: %w", err)
	}
	previous := core.FromPayload(id, rec.Payload)

	vector, err := p.embedder.Embed(ctx, text, embedding.ActionUpdate)
	if err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to embed update: %w", err)
	}

	payload := clonePayload(rec.Payload)
	payload[core.KeyData] = text
	payload[core.KeyHash] = core.HashData(text)
	payload[core.KeyUpdatedAt] = core.FormatTime(p.now(), p.opts.Location)
	if err := p.store.UpdateText(ctx, id, vector, payload); err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to update memory: %w", err)
	}

	if err := p.history.Add(ctx, history.Record{
		MemoryID:  id,
		OldMemory: previous.Data,
		NewMemory: text,
		Event:     core.EventUpdate,
		ActorID:   opts.ActorID,
		Role:      previous.Role,
	}); err != nil {
		return core.ActionRecord{}, fmt.Errorf("failed to log memory update: %w", err)
	}

	return core.ActionRecord{
		ID:             id,
		Memory:         text,
		Event:          core.EventUpdate,
		PreviousMemory: previous.Data,
	}, nil
}

// deleteMemory removes a memory from both store sides and logs an
// immediate DELETE row. Deleting a missing id is a no-op with no record.
func (p *Pipeline) deleteMemory(ctx context.Context, id string, opts AddOptions) (core.ActionRecord, bool, error) {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		if memerr.IsNotFound(err) {
			return core.ActionRecord{}, false, nil
		}
		return core.ActionRecord{}, false, fmt.Errorf("failed to load memory for delete: %w", err)
	}
	previous := core.FromPayload(id, rec.Payload)

	if err := p.store.Delete(ctx, id); err != nil {
		return core.ActionRecord{}, false, fmt.Errorf("failed to delete memory: %w", err)
	}

	// DELETE rows commit synchronously so a crash window cannot lose them.
	if err := p.history.Add(ctx, history.Record{
		MemoryID:  id,
		OldMemory: previous.Data,
		Event:     core.EventDelete,
		ActorID:   opts.ActorID,
		Role:      previous.Role,
		Immediate: true,
	}); err != nil {
		return core.ActionRecord{}, false, fmt.Errorf("failed to log memory delete: %w", err)
	}

	return core.ActionRecord{ID: id, Memory: previous.Data, Event: core.EventDelete}, true, nil
}

// bumpAccess increments a memory's stored access count, used when an
// equivalent candidate is skipped.
func (p *Pipeline) bumpAccess(ctx context.Context, id string) error {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	mem := core.FromPayload(id, rec.Payload)
	payload := clonePayload(rec.Payload)
	payload[core.KeyAccessCount] = mem.AccessCount + 1
	payload[core.KeyLastAccessed] = core.FormatTime(p.now(), p.opts.Location)
	return p.store.UpdateText(ctx, id, nil, payload)
}

// annotateContradiction marks an existing memory as contradicted by new
// content. Both memories stay retrievable until someone reviews them.
func (p *Pipeline) annotateContradiction(ctx context.Context, id, conflictingData string) error {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	payload := clonePayload(rec.Payload)
	payload[core.KeyContradiction] = p.resolver.ContradictionRecord(conflictingData)
	return p.store.UpdateText(ctx, id, nil, payload)
}

// graphFanout runs the optional entity extraction side path. Always
// returns nil: side-path failures are logged, never surfaced.
func (p *Pipeline) graphFanout(ctx context.Context, scope core.ScopeIDs, text string) error {
	if p.graph == nil {
		return nil
	}
	if err := p.graph.Ingest(ctx, scope, text); err != nil {
		p.logger.Warn("graph fan-out failed", zap.Error(err))
	}
	return nil
}

// rawCategory picks the stored category for a raw message.
func rawCategory(msg Message, opts AddOptions) core.Category {
	if opts.Category != "" {
		return opts.Category
	}
	if msg.ImagePath != "" {
		return core.CategoryImage
	}
	return core.CategoryConversation
}

// shortCircuit reports whether content is too small to justify the
// extraction and planning stages: short single lines, and command- or
// URL-shaped inputs.
func shortCircuit(content string) bool {
	for _, prefix := range []string{"!", "?", "/", "http"} {
		if strings.HasPrefix(content, prefix) {
			return true
		}
	}
	return len(content) < 50 && !strings.Contains(content, "\n")
}

// nonSystem drops system turns; they prompt the model, they are not
// observations.
func nonSystem(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		if strings.TrimSpace(m.Content) == "" && m.ImagePath == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// serializeMessages renders turns as "role: content" lines for prompts and
// the short-circuit check.
func serializeMessages(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != "" {
			b.WriteString(m.Role)
			b.WriteString(": ")
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func cloneMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// runSidePaths applies the main actions and the graph fan-out in parallel
// and joins on both.
func (p *Pipeline) runSidePaths(ctx context.Context, apply func(context.Context) error, scope core.ScopeIDs, text string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apply(gctx) })
	g.Go(func() error { return p.graphFanout(gctx, scope, text) })
	return g.Wait()
}
