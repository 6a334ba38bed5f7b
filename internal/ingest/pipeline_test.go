package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"memscreen/internal/conflict"
	"memscreen/internal/core"
	"memscreen/internal/embedding"
	"memscreen/internal/history"
	"memscreen/internal/llm"
	"memscreen/internal/memerr"
	"memscreen/internal/prompts"
	"memscreen/internal/vectorstore"
)

// scriptedLLM routes each call by the template markers in the prompt so a
// single fake can serve extraction, planning, adjudication, and merging
// within one Add.
type scriptedLLM struct {
	mu sync.Mutex

	facts     string
	plan      string
	verdict   string
	merged    string
	procedure string
	err       error

	factCalls   int
	planCalls   int
	mergeCalls  int
	lastPlan    string
	lastOpts    llm.Options
	totalCalls  int
	lastUseCase string
}

func (s *scriptedLLM) Generate(_ context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCalls++
	s.lastOpts = opts
	s.lastUseCase = opts.UseCase
	if s.err != nil {
		return "", s.err
	}

	var prompt strings.Builder
	for _, m := range msgs {
		prompt.WriteString(m.Content)
		prompt.WriteByte('\n')
	}
	text := prompt.String()

	switch {
	case strings.Contains(text, "personal memory extractor"):
		s.factCalls++
		if s.facts == "" {
			return `{"facts": []}`, nil
		}
		return s.facts, nil
	case strings.Contains(text, "memory update planner"):
		s.planCalls++
		s.lastPlan = text
		if s.plan == "" {
			return `{"memory": []}`, nil
		}
		return s.plan, nil
	case strings.Contains(text, "classify their relationship"):
		if s.verdict == "" {
			return `{"kind": "unrelated", "confidence": 0.1, "action": "keep_both"}`, nil
		}
		return s.verdict, nil
	case strings.Contains(text, "Merge the two memory texts"):
		s.mergeCalls++
		if s.merged == "" {
			return "merged memory", nil
		}
		return s.merged, nil
	case strings.Contains(text, "recording a procedure"):
		if s.procedure == "" {
			return "1. opened terminal\n2. ran the deploy script\nOutcome: release shipped", nil
		}
		return s.procedure, nil
	}
	return "", errors.New("unexpected prompt: " + text)
}

func (s *scriptedLLM) GenerateStream(context.Context, []llm.Message, llm.Options) (<-chan string, <-chan error) {
	content := make(chan string)
	errs := make(chan error)
	close(content)
	close(errs)
	return content, errs
}

func (s *scriptedLLM) Model() string { return "scripted" }

// fakeEmbedder returns per-text vectors with a shared default, so tests
// control which pairs pass the conflict cosine gate.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string, _ embedding.Action) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, action embedding.Action) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t, action)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Name() string    { return "fake" }

// fakeStore is an in-memory Store with scripted search results.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]vectorstore.MultimodalRecord
	inserted []string
	deleted  []string
	searchFn func(vector []float32, limit int, filters map[string]any) []vectorstore.SearchResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]vectorstore.MultimodalRecord{}}
}

func (f *fakeStore) seed(id, data string, scope core.ScopeIDs, vec []float32) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	mem := &core.Memory{
		ID: id, Data: data, Hash: core.HashData(data),
		CreatedAt: now, LastAccessed: now,
		Scope: testScope, Category: core.CategoryFact, Tier: core.TierShortTerm,
	}
	f.records[id] = vectorstore.MultimodalRecord{
		ID: id, TextVector: vec, Payload: mem.Payload(time.UTC),
	}
}

func (f *fakeStore) Insert(_ context.Context, records []vectorstore.MultimodalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		f.records[r.ID] = r
		f.inserted = append(f.inserted, r.ID)
	}
	return nil
}

func (f *fakeStore) UpdateText(_ context.Context, id string, vector []float32, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return memerr.Errorf("fake.UpdateText", memerr.KindNotFound, "no memory %s", id)
	}
	if vector != nil {
		rec.TextVector = vector
	}
	rec.Payload = payload
	f.records[id] = rec
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (vectorstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return vectorstore.Record{}, memerr.Errorf("fake.Get", memerr.KindNotFound, "no memory %s", id)
	}
	return vectorstore.Record{ID: id, Vector: rec.TextVector, Payload: rec.Payload}, nil
}

func (f *fakeStore) List(_ context.Context, filters map[string]any, limit int) ([]vectorstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vectorstore.Record
	for id, rec := range f.records {
		match := true
		for k, v := range filters {
			if rec.Payload[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, vectorstore.Record{ID: id, Vector: rec.TextVector, Payload: rec.Payload})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) SearchText(_ context.Context, vector []float32, limit int, filters map[string]any) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchFn == nil {
		return nil, nil
	}
	return f.searchFn(vector, limit, filters), nil
}

func (f *fakeStore) payload(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id].Payload
}

type fakeHistory struct {
	mu      sync.Mutex
	records []history.Record
}

func (f *fakeHistory) Add(_ context.Context, rec history.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeHistory) byEvent(event core.Event) []history.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []history.Record
	for _, r := range f.records {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

type fakeTiers struct{}

func (fakeTiers) InitialTier(*core.Memory) (float64, core.Tier) {
	return 0.5, core.TierShortTerm
}

type fakeGraph struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
}

func (f *fakeGraph) Ingest(_ context.Context, _ core.ScopeIDs, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, text)
	return f.err
}

type fixture struct {
	pipe    *Pipeline
	store   *fakeStore
	llm     *scriptedLLM
	history *fakeHistory
	graph   *fakeGraph
}

func newFixture(script *scriptedLLM) *fixture {
	store := newFakeStore()
	hist := &fakeHistory{}
	graph := &fakeGraph{}
	lib := prompts.NewLibrary("", zap.NewNop())
	pipe := NewPipeline(Deps{
		Store:    store,
		Embedder: &fakeEmbedder{},
		Client:   script,
		Resolver: conflict.NewResolver(script, lib, zap.NewNop()),
		History:  hist,
		Tiers:    fakeTiers{},
		Graph:    graph,
		Library:  lib,
		Logger:   zap.NewNop(),
	}, Options{})
	return &fixture{pipe: pipe, store: store, llm: script, history: hist, graph: graph}
}

var testScope = core.ScopeIDs{UserID: "u1"}

func TestAddRequiresScope(t *testing.T) {
	f := newFixture(&scriptedLLM{})

	_, err := f.pipe.Add(context.Background(), []Message{{Role: "user", Content: "hi"}}, AddOptions{})
	require.Error(t, err)
	assert.True(t, memerr.IsScope(err))
}

func TestAddEmptyAfterFiltering(t *testing.T) {
	f := newFixture(&scriptedLLM{})

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: llm.RoleSystem, Content: "you are a helpful assistant"},
		{Role: "user", Content: "   "},
	}, AddOptions{Scope: testScope})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, f.llm.totalCalls, "nothing to ingest must not reach the LLM")
}

func TestAddRawStoresWithoutLLM(t *testing.T) {
	f := newFixture(&scriptedLLM{})

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "terminal: make test PASS, 412 packages, zero failures observed"},
		{Role: "assistant", Content: "editor: main.go open at line 120 with three diagnostics showing"},
	}, AddOptions{Scope: testScope, Infer: false})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Zero(t, f.llm.totalCalls)

	for _, rec := range records {
		assert.Equal(t, core.EventAdd, rec.Event)
		payload := f.store.payload(rec.ID)
		assert.Equal(t, rec.Memory, payload[core.KeyData])
		assert.Equal(t, core.HashData(rec.Memory), payload[core.KeyHash])
		assert.Equal(t, "u1", payload[core.KeyUserID])
		assert.Equal(t, string(core.TierShortTerm), payload[core.KeyTier])
	}
	assert.Len(t, f.history.byEvent(core.EventAdd), 2)
}

func TestAddShortInputSkipsInference(t *testing.T) {
	f := newFixture(&scriptedLLM{})

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "prefers dark mode"},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Zero(t, f.llm.totalCalls, "short one-liners bypass extraction")
}

func TestAddRawSkipsExactRepeat(t *testing.T) {
	f := newFixture(&scriptedLLM{})
	frame := "browser: github pull request #42 open, twelve files changed, CI green"

	first, err := f.pipe.Add(context.Background(), []Message{{Role: "user", Content: frame}},
		AddOptions{Scope: testScope})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.pipe.Add(context.Background(), []Message{{Role: "user", Content: frame}},
		AddOptions{Scope: testScope})
	require.NoError(t, err)
	assert.Empty(t, second, "same frame captured twice stores once")
	assert.Len(t, f.store.inserted, 1)
}

func TestAddInferredPlansAdds(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["user prefers vim keybindings", "user deploys with make release"]}`,
		plan: `{"memory": [
			{"text": "user prefers vim keybindings", "event": "ADD"},
			{"text": "user deploys with make release", "event": "ADD"}
		]}`,
	}
	f := newFixture(script)

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "I always remap everything to vim keybindings.\nDeploys go through make release, never the UI."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)

	want := []core.ActionRecord{
		{Memory: "user prefers vim keybindings", Event: core.EventAdd},
		{Memory: "user deploys with make release", Event: core.EventAdd},
	}
	diff := cmp.Diff(want, records, cmpopts.IgnoreFields(core.ActionRecord{}, "ID"))
	assert.Empty(t, diff)

	assert.Equal(t, 1, script.factCalls)
	assert.Equal(t, 1, script.planCalls)
	assert.Contains(t, script.lastPlan, "user prefers vim keybindings")
	assert.Equal(t, 1, f.graph.calls, "entity fan-out runs alongside the plan")
}

func TestAddInferredNoFactsStoresNothing(t *testing.T) {
	script := &scriptedLLM{facts: `{"facts": []}`}
	f := newFixture(script)

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "hmm okay sure, sounds good, let me think about that for a bit"},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, f.store.inserted)
	assert.Zero(t, script.planCalls, "no facts means no planner call")
	assert.Equal(t, 1, f.graph.calls, "graph still sees the raw text")
}

func TestAddInferredSkipsDuplicateFact(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["user prefers vim keybindings"]}`,
	}
	f := newFixture(script)
	f.store.seed("m1", "user prefers vim keybindings", testScope, []float32{0, 1, 0})
	f.store.searchFn = func([]float32, int, map[string]any) []vectorstore.SearchResult {
		return []vectorstore.SearchResult{{ID: "m1", Score: 0.99}}
	}

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "I really do prefer vim keybindings everywhere, as I keep saying."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)
	assert.Empty(t, records, "digest-identical fact is dropped silently")
	assert.Empty(t, f.store.inserted)
	assert.Zero(t, script.planCalls, "nothing survives to the planner")
}

func TestAddInferredBumpsEquivalent(t *testing.T) {
	script := &scriptedLLM{
		facts:   `{"facts": ["user likes the vim way of editing"]}`,
		verdict: `{"kind": "equivalent", "confidence": 0.9, "action": "skip"}`,
	}
	f := newFixture(script)
	f.store.seed("m1", "user prefers vim keybindings", testScope, []float32{1, 0, 0})
	f.store.searchFn = func([]float32, int, map[string]any) []vectorstore.SearchResult {
		return []vectorstore.SearchResult{{ID: "m1", Score: 0.97}}
	}

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "Editing the vim way is just how I like it, every single day."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, core.EventNone, records[0].Event)
	assert.Equal(t, "m1", records[0].ID)
	assert.EqualValues(t, 1, f.store.payload("m1")[core.KeyAccessCount])
	assert.Empty(t, f.store.inserted, "equivalent content reinforces, never duplicates")
}

func TestAddInferredAnnotatesContradiction(t *testing.T) {
	script := &scriptedLLM{
		facts:   `{"facts": ["user moved to shanghai last month"]}`,
		verdict: `{"kind": "contradictory", "confidence": 0.9, "action": "keep_both"}`,
	}
	f := newFixture(script)
	f.store.seed("m1", "user lives in beijing", testScope, []float32{1, 0, 0})
	f.store.searchFn = func([]float32, int, map[string]any) []vectorstore.SearchResult {
		return []vectorstore.SearchResult{{ID: "m1", Score: 0.96}}
	}

	_, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "By the way, I moved to Shanghai last month after the office change."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)

	annotation, ok := f.store.payload("m1")[core.KeyContradiction].(map[string]any)
	require.True(t, ok, "contradicted memory carries the conflict annotation")
	assert.Contains(t, annotation["conflicting_preview"], "shanghai")
	assert.Equal(t, 1, script.planCalls, "contradictory facts still reach the planner")
}

func TestAddInferredMergesComplementary(t *testing.T) {
	script := &scriptedLLM{
		facts:   `{"facts": ["user runs vim with the gruvbox theme"]}`,
		verdict: `{"kind": "complementary", "confidence": 0.8, "action": "merge"}`,
		merged:  "user prefers vim keybindings and runs the gruvbox theme",
	}
	f := newFixture(script)
	f.store.seed("m1", "user prefers vim keybindings", testScope, []float32{1, 0, 0})
	f.store.searchFn = func([]float32, int, map[string]any) []vectorstore.SearchResult {
		return []vectorstore.SearchResult{{ID: "m1", Score: 0.96}}
	}

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "My vim setup uses the gruvbox theme, in case that matters here."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, core.EventUpdate, records[0].Event)
	assert.Equal(t, "m1", records[0].ID)
	assert.Equal(t, "user prefers vim keybindings and runs the gruvbox theme", records[0].Memory)
	assert.Equal(t, "user prefers vim keybindings", records[0].PreviousMemory)
	assert.Equal(t, 1, script.mergeCalls)

	assert.Equal(t, records[0].Memory, f.store.payload("m1")[core.KeyData])
	updates := f.history.byEvent(core.EventUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "user prefers vim keybindings", updates[0].OldMemory)
}

func TestAddInferredAppliesPlannedUpdate(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["user now deploys with just, not make"]}`,
		plan: `{"memory": [{
			"id": "0",
			"text": "user deploys with just",
			"event": "UPDATE",
			"old_memory": "user deploys with make release"
		}]}`,
	}
	f := newFixture(script)
	f.store.seed("m1", "user deploys with make release", testScope, []float32{0, 1, 0})
	f.store.searchFn = func([]float32, int, map[string]any) []vectorstore.SearchResult {
		return []vectorstore.SearchResult{{ID: "m1", Score: 0.9}}
	}

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "We switched the deploy tooling over from make to just last sprint."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, core.EventUpdate, records[0].Event)
	assert.Equal(t, "m1", records[0].ID, "planner index 0 resolves to the real id")
	assert.Equal(t, "user deploys with just", f.store.payload("m1")[core.KeyData])
}

func TestAddInferredAppliesPlannedDelete(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["user no longer works at acme"]}`,
		plan:  `{"memory": [{"id": "0", "event": "DELETE"}]}`,
	}
	f := newFixture(script)
	f.store.seed("m1", "user works at acme", testScope, []float32{0, 1, 0})
	f.store.searchFn = func([]float32, int, map[string]any) []vectorstore.SearchResult {
		return []vectorstore.SearchResult{{ID: "m1", Score: 0.9}}
	}

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "Today was my last day at acme, handed the badge back already."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, core.EventDelete, records[0].Event)
	assert.Equal(t, []string{"m1"}, f.store.deleted)

	deletes := f.history.byEvent(core.EventDelete)
	require.Len(t, deletes, 1)
	assert.True(t, deletes[0].Immediate, "delete rows bypass the history batch")
}

func TestAddInferredRewritesHallucinatedUpdate(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["user prefers tabs over spaces"]}`,
		plan:  `{"memory": [{"id": "7", "text": "user prefers tabs over spaces", "event": "UPDATE"}]}`,
	}
	f := newFixture(script)

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "For indentation I am firmly in the tabs camp, always have been."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, core.EventAdd, records[0].Event, "update against an unknown id becomes an add")
	assert.Equal(t, "user prefers tabs over spaces", records[0].Memory)
	assert.Len(t, f.store.inserted, 1)
}

func TestAddInferredDropsHallucinatedDelete(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["user is deleting old notes"]}`,
		plan:  `{"memory": [{"id": "9", "event": "DELETE"}]}`,
	}
	f := newFixture(script)

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "Spent the morning deleting old notes from the archive folder."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, f.store.deleted, "a delete against an unknown id must not touch the store")
}

func TestAddInferredPlannerGarbageAddsAllFacts(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["fact about the editor setup", "fact about the deploy flow"]}`,
		plan:  "I am unable to produce structured output right now.",
	}
	f := newFixture(script)

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "Editor setup and deploy flow both changed quite a lot this week."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)

	require.Len(t, records, 2, "unusable plan degrades to adding every fact")
	for _, rec := range records {
		assert.Equal(t, core.EventAdd, rec.Event)
	}
}

func TestAddProcedural(t *testing.T) {
	script := &scriptedLLM{
		procedure: "1. opened the router admin page\n2. changed the DNS to 9.9.9.9\nOutcome: resolver switched",
	}
	f := newFixture(script)

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "how do I change DNS on this router"},
		{Role: "assistant", Content: "open 192.168.1.1, go to network settings, edit the DNS field"},
	}, AddOptions{Scope: testScope, MemoryType: MemoryTypeProcedural})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, core.EventAdd, records[0].Event)
	assert.Contains(t, records[0].Memory, "9.9.9.9")
	assert.Equal(t, llm.UseCaseSummary, script.lastUseCase)

	payload := f.store.payload(records[0].ID)
	assert.Equal(t, MemoryTypeProcedural, payload[core.KeyMemoryType])
	assert.Equal(t, string(core.CategoryProcedure), payload[core.KeyCategory])
}

func TestAddGraphFailureDoesNotBlock(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["user administers the build cluster"]}`,
		plan:  `{"memory": [{"text": "user administers the build cluster", "event": "ADD"}]}`,
	}
	f := newFixture(script)
	f.graph.err = errors.New("graph store offline")

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "I look after the build cluster, both the agents and the queue."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err, "graph side path failures never surface")
	assert.Len(t, records, 1)
}

func TestAddPublishesToSinks(t *testing.T) {
	script := &scriptedLLM{
		facts: `{"facts": ["user keeps notes in obsidian"]}`,
		plan:  `{"memory": [{"text": "user keeps notes in obsidian", "event": "ADD"}]}`,
	}
	f := newFixture(script)

	var got []core.ActionRecord
	f.pipe.Subscribe(func(_ context.Context, records []core.ActionRecord) {
		got = append(got, records...)
	})

	records, err := f.pipe.Add(context.Background(), []Message{
		{Role: "user", Content: "All my notes live in obsidian now, synced across the machines."},
	}, AddOptions{Scope: testScope, Infer: true})
	require.NoError(t, err)
	assert.Equal(t, records, got, "subscribers see exactly the applied records")
}

func TestShortCircuit(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"!deploy now", true},
		{"?status", true},
		{"/help", true},
		{"https://example.com/some/long/path/that/is/definitely/over/fifty", true},
		{"short note", true},
		{"short\nnote", false},
		{"a considered observation about the user's tooling preferences today", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, shortCircuit(tc.content), "content %q", tc.content)
	}
}
