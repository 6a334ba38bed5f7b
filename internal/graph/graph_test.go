package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"memscreen/internal/core"
	"memscreen/internal/llm"
	"memscreen/internal/prompts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddExtractionAndLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := core.ScopeIDs{UserID: "u1"}

	ex := Extraction{
		Entities: []Entity{
			{Name: "Alice", Kind: "Person"},
			{Name: "acme", Kind: "organization"},
			{Name: "vscode", Kind: "application"},
		},
		Relations: []Relation{
			{Source: "alice", Relationship: "works_at", Target: "Acme"},
			{Source: "alice", Relationship: "uses", Target: "vscode"},
		},
	}
	require.NoError(t, s.AddExtraction(ctx, scope, ex))

	out, err := s.Links(ctx, "ALICE", "outgoing")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "alice", out[0].EntityA)
	assert.Equal(t, "uses", out[0].Relation)
	assert.Equal(t, "works_at", out[1].Relation)
	assert.Equal(t, "acme", out[1].EntityB)

	incoming, err := s.Links(ctx, "acme", "incoming")
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "alice", incoming[0].EntityA)

	both, err := s.Links(ctx, "vscode", "both")
	require.NoError(t, err)
	assert.Len(t, both, 1)
}

func TestAddExtractionReplacesDuplicateEdges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := core.ScopeIDs{UserID: "u1"}

	ex := Extraction{Relations: []Relation{{Source: "a", Relationship: "uses", Target: "b"}}}
	require.NoError(t, s.AddExtraction(ctx, scope, ex))
	require.NoError(t, s.AddExtraction(ctx, scope, ex))

	_, links, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, links, "re-adding the same edge must not duplicate it")
}

func TestAddExtractionSkipsBlankNames(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ex := Extraction{
		Entities:  []Entity{{Name: " ", Kind: "person"}},
		Relations: []Relation{{Source: "a", Relationship: "", Target: "b"}},
	}
	require.NoError(t, s.AddExtraction(ctx, core.ScopeIDs{UserID: "u1"}, ex))

	entities, links, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, entities)
	assert.Zero(t, links)
}

func TestResetClearsEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddExtraction(ctx, core.ScopeIDs{UserID: "u1"}, Extraction{
		Entities:  []Entity{{Name: "alice", Kind: "person"}},
		Relations: []Relation{{Source: "alice", Relationship: "uses", Target: "vim"}},
	}))
	require.NoError(t, s.Reset(ctx))

	entities, links, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, entities)
	assert.Zero(t, links)
}

type fakeLLM struct {
	response string
	err      error
	lastOpts llm.Options
}

func (f *fakeLLM) Generate(_ context.Context, _ []llm.Message, opts llm.Options) (string, error) {
	f.lastOpts = opts
	return f.response, f.err
}

func (f *fakeLLM) GenerateStream(context.Context, []llm.Message, llm.Options) (<-chan string, <-chan error) {
	content := make(chan string)
	errs := make(chan error)
	close(content)
	close(errs)
	return content, errs
}

func (f *fakeLLM) Model() string { return "fake" }

func TestExtractorParsesFencedJSON(t *testing.T) {
	fake := &fakeLLM{response: "```json\n" +
		`{"entities": [{"name": "alice", "type": "person"}], "relations": [{"source": "alice", "relationship": "works_at", "target": "acme"}]}` +
		"\n```"}
	e := NewExtractor(fake, prompts.NewLibrary("", zap.NewNop()), zap.NewNop())

	ex, err := e.Extract(context.Background(), "Alice works at Acme")
	require.NoError(t, err)
	require.Len(t, ex.Entities, 1)
	require.Len(t, ex.Relations, 1)
	assert.Equal(t, "works_at", ex.Relations[0].Relationship)
	assert.True(t, fake.lastOpts.JSONMode)
	assert.Equal(t, llm.UseCaseMemory, fake.lastOpts.UseCase)
}

func TestExtractorEmptyOnGarbage(t *testing.T) {
	fake := &fakeLLM{response: "no json here at all"}
	e := NewExtractor(fake, prompts.NewLibrary("", zap.NewNop()), zap.NewNop())

	ex, err := e.Extract(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, ex.Empty())
}
